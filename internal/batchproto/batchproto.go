// Package batchproto implements the provider-agnostic async batch
// protocol shared by chat and embedding providers: build a JSONL file of
// per-request inputs, upload it, create a batch job referencing the file
// and an endpoint, poll with progressive backoff until a terminal state,
// then download the output file (spec.md §4.8).
package batchproto

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

func errorsAs(err error, target **ServerError) bool {
	return errors.As(err, target)
}

// Request is one line of the uploaded JSONL batch input.
type Request struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// Result is one line of the downloaded JSONL batch output.
type Result struct {
	CustomID string          `json:"custom_id"`
	Response json.RawMessage `json:"response"`
	Error    json.RawMessage `json:"error"`
}

// Status is a batch job's lifecycle state as reported by the provider.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// ServerError wraps a 5xx response from PollBatch so Run can apply the
// separate 5xx retry budget instead of the network-error budget
// (spec.md §4.8: "up to 3 consecutive 5xx and 4 consecutive network
// errors").
type ServerError struct {
	StatusCode int
	Err        error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %v", e.StatusCode, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// Backend is the provider-specific half of the protocol: uploading the
// input file, creating the batch job, polling its status, and downloading
// the completed output file.
type Backend interface {
	UploadFile(ctx context.Context, jsonl []byte) (fileID string, err error)
	CreateBatch(ctx context.Context, inputFileID, endpoint string) (batchID string, err error)
	PollBatch(ctx context.Context, batchID string) (status Status, outputFileID string, firstError string, err error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Options tunes the polling schedule and error tolerance.
type Options struct {
	ExistingBatchID string
	Endpoint        string
	OnBatchCreated  func(batchID string)

	BasePollInterval time.Duration // default 10s
	PollMultiplier   float64       // default 1.5
	MaxPollInterval  time.Duration // default 10m
	Deadline         time.Duration // default 24h
	Max5xxStreak     int           // default 3
	MaxNetErrStreak  int           // default 4
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BasePollInterval <= 0 {
		out.BasePollInterval = 10 * time.Second
	}
	if out.PollMultiplier <= 0 {
		out.PollMultiplier = 1.5
	}
	if out.MaxPollInterval <= 0 {
		out.MaxPollInterval = 10 * time.Minute
	}
	if out.Deadline <= 0 {
		out.Deadline = 24 * time.Hour
	}
	if out.Max5xxStreak <= 0 {
		out.Max5xxStreak = 3
	}
	if out.MaxNetErrStreak <= 0 {
		out.MaxNetErrStreak = 4
	}
	return out
}

// BuildJSONL serializes requests into the provider's one-line-per-request
// format.
func BuildJSONL(requests []Request) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range requests {
		line, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshalling batch request %s: %w", r.CustomID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ParseJSONL splits downloaded batch output into its per-request results.
func ParseJSONL(data []byte) ([]Result, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var results []Result
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Result
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("parsing batch output line: %w", err)
		}
		results = append(results, r)
	}
	return results, scanner.Err()
}

// Run drives the full batch lifecycle: upload + create (skipped when
// opts.ExistingBatchID is set, resuming at polling per spec.md §8
// property 10), progressive-backoff polling tolerant of transient
// provider errors, then download + parse of the output file.
func Run(ctx context.Context, backend Backend, requests []Request, opts Options) ([]Result, error) {
	o := opts.withDefaults()

	batchID := o.ExistingBatchID
	if batchID == "" {
		jsonl, err := BuildJSONL(requests)
		if err != nil {
			return nil, err
		}
		fileID, err := backend.UploadFile(ctx, jsonl)
		if err != nil {
			return nil, fmt.Errorf("uploading batch input file: %w", err)
		}
		batchID, err = backend.CreateBatch(ctx, fileID, o.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("creating batch job: %w", err)
		}
		if o.OnBatchCreated != nil {
			o.OnBatchCreated(batchID)
		}
	}

	outputFileID, err := poll(ctx, backend, batchID, o)
	if err != nil {
		return nil, err
	}

	data, err := backend.DownloadFile(ctx, outputFileID)
	if err != nil {
		return nil, fmt.Errorf("downloading batch output file: %w", err)
	}
	return ParseJSONL(data)
}

func poll(ctx context.Context, backend Backend, batchID string, o Options) (string, error) {
	deadline := time.Now().Add(o.Deadline)
	interval := o.BasePollInterval
	var serverErrStreak, netErrStreak int

	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("batch %s did not complete within %v", batchID, o.Deadline)
		}

		status, outputFileID, firstError, err := backend.PollBatch(ctx, batchID)
		if err != nil {
			var srvErr *ServerError
			if errorsAs(err, &srvErr) {
				serverErrStreak++
				netErrStreak = 0
				if serverErrStreak > o.Max5xxStreak {
					return "", fmt.Errorf("polling batch %s: %w", batchID, err)
				}
			} else {
				netErrStreak++
				serverErrStreak = 0
				if netErrStreak > o.MaxNetErrStreak {
					return "", fmt.Errorf("polling batch %s: %w", batchID, err)
				}
			}
			if !sleep(ctx, interval) {
				return "", ctx.Err()
			}
			interval = nextInterval(interval, o)
			continue
		}
		serverErrStreak = 0
		netErrStreak = 0

		switch status {
		case StatusCompleted:
			return outputFileID, nil
		case StatusFailed, StatusExpired, StatusCancelled:
			if firstError != "" {
				return "", fmt.Errorf("batch %s ended with status %s: %s", batchID, status, firstError)
			}
			return "", fmt.Errorf("batch %s ended with status %s", batchID, status)
		default:
			if !sleep(ctx, interval) {
				return "", ctx.Err()
			}
			interval = nextInterval(interval, o)
		}
	}
}

func nextInterval(current time.Duration, o Options) time.Duration {
	next := time.Duration(float64(current) * o.PollMultiplier)
	if next > o.MaxPollInterval {
		next = o.MaxPollInterval
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
