package batchproto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	uploadCalls int
	createCalls int
	pollCalls   int

	pollSequence []pollOutcome
	outputData   []byte
}

type pollOutcome struct {
	status Status
	fileID string
	errStr string
	err    error
}

func (f *fakeBackend) UploadFile(ctx context.Context, jsonl []byte) (string, error) {
	f.uploadCalls++
	return "file-in", nil
}

func (f *fakeBackend) CreateBatch(ctx context.Context, inputFileID, endpoint string) (string, error) {
	f.createCalls++
	return "batch-1", nil
}

func (f *fakeBackend) PollBatch(ctx context.Context, batchID string) (Status, string, string, error) {
	idx := f.pollCalls
	f.pollCalls++
	if idx >= len(f.pollSequence) {
		last := f.pollSequence[len(f.pollSequence)-1]
		return last.status, last.fileID, last.errStr, last.err
	}
	o := f.pollSequence[idx]
	return o.status, o.fileID, o.errStr, o.err
}

func (f *fakeBackend) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return f.outputData, nil
}

func fastOpts() Options {
	return Options{
		BasePollInterval: time.Millisecond,
		PollMultiplier:   1,
		MaxPollInterval:  time.Millisecond,
		Deadline:         time.Second,
	}
}

func TestRun_UploadsAndCreatesWhenNoExistingBatch(t *testing.T) {
	backend := &fakeBackend{
		pollSequence: []pollOutcome{{status: StatusCompleted, fileID: "out-1"}},
		outputData:   []byte(`{"custom_id":"a","response":{},"error":null}` + "\n"),
	}
	results, err := Run(context.Background(), backend, []Request{{CustomID: "a"}}, fastOpts())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.uploadCalls)
	assert.Equal(t, 1, backend.createCalls)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].CustomID)
}

// Resuming from ExistingBatchID must skip upload/create entirely and go
// straight to polling (spec.md §8 property 10: batch resume after crash).
func TestRun_ResumesFromExistingBatchIDSkipsUploadAndCreate(t *testing.T) {
	var createdBatchID string
	backend := &fakeBackend{
		pollSequence: []pollOutcome{{status: StatusCompleted, fileID: "out-1"}},
		outputData:   []byte(""),
	}
	opts := fastOpts()
	opts.ExistingBatchID = "resumed-batch"
	opts.OnBatchCreated = func(id string) { createdBatchID = id }

	_, err := Run(context.Background(), backend, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, backend.uploadCalls)
	assert.Equal(t, 0, backend.createCalls)
	assert.Empty(t, createdBatchID, "OnBatchCreated must not fire when resuming an existing batch")
}

func TestRun_PollsThroughInProgressUntilCompleted(t *testing.T) {
	backend := &fakeBackend{
		pollSequence: []pollOutcome{
			{status: StatusInProgress},
			{status: StatusInProgress},
			{status: StatusCompleted, fileID: "out-1"},
		},
		outputData: []byte(""),
	}
	_, err := Run(context.Background(), backend, []Request{{CustomID: "a"}}, fastOpts())
	require.NoError(t, err)
	assert.Equal(t, 3, backend.pollCalls)
}

func TestRun_TerminalFailedStatusReturnsError(t *testing.T) {
	backend := &fakeBackend{
		pollSequence: []pollOutcome{{status: StatusFailed, errStr: "quota exceeded"}},
	}
	_, err := Run(context.Background(), backend, []Request{{CustomID: "a"}}, fastOpts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

// A 5xx streak within tolerance is retried; once it exceeds Max5xxStreak
// the batch gives up.
func TestRun_ServerErrorStreakExceedsTolerance(t *testing.T) {
	srvErr := &ServerError{StatusCode: 503, Err: errors.New("unavailable")}
	backend := &fakeBackend{
		pollSequence: []pollOutcome{
			{err: srvErr}, {err: srvErr}, {err: srvErr}, {err: srvErr},
		},
	}
	opts := fastOpts()
	opts.Max5xxStreak = 3
	_, err := Run(context.Background(), backend, []Request{{CustomID: "a"}}, opts)
	require.Error(t, err)
	assert.Equal(t, 4, backend.pollCalls)
}

// A network-error streak that recovers before exceeding tolerance
// succeeds.
func TestRun_NetworkErrorStreakRecoversWithinTolerance(t *testing.T) {
	netErr := errors.New("connection reset")
	backend := &fakeBackend{
		pollSequence: []pollOutcome{
			{err: netErr}, {err: netErr},
			{status: StatusCompleted, fileID: "out-1"},
		},
		outputData: []byte(""),
	}
	opts := fastOpts()
	opts.MaxNetErrStreak = 4
	_, err := Run(context.Background(), backend, []Request{{CustomID: "a"}}, opts)
	require.NoError(t, err)
}

func TestBuildJSONL_ParseJSONL_RoundTrip(t *testing.T) {
	reqs := []Request{{CustomID: "x", Method: "POST", URL: "/v1/chat"}}
	jsonl, err := BuildJSONL(reqs)
	require.NoError(t, err)

	results, err := ParseJSONL(append(jsonl, []byte(`{"custom_id":"y","response":{},"error":null}`+"\n")...))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "x", results[0].CustomID)
	assert.Equal(t, "y", results[1].CustomID)
}

func TestParseJSONL_SkipsBlankLines(t *testing.T) {
	data := []byte("\n{\"custom_id\":\"a\"}\n\n")
	results, err := ParseJSONL(data)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].CustomID)
}

func TestNextInterval_CapsAtMaxPollInterval(t *testing.T) {
	o := Options{PollMultiplier: 2, MaxPollInterval: 5 * time.Second}
	next := nextInterval(4*time.Second, o)
	assert.Equal(t, 5*time.Second, next)
}
