package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadInt64_DecodesFloat64(t *testing.T) {
	payload := map[string]any{"scan_id": float64(42)}
	n, err := payloadInt64(payload, "scan_id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestPayloadInt64_MissingKey(t *testing.T) {
	_, err := payloadInt64(map[string]any{}, "scan_id")
	assert.Error(t, err)
}

func TestPayloadInt64_WrongType(t *testing.T) {
	_, err := payloadInt64(map[string]any{"scan_id": "not a number"}, "scan_id")
	assert.Error(t, err)
}

func TestPayloadIntOrZero_FallsBackToZeroOnError(t *testing.T) {
	assert.Equal(t, 0, payloadIntOrZero(map[string]any{}, "max_prs"))
	assert.Equal(t, 5, payloadIntOrZero(map[string]any{"max_prs": float64(5)}, "max_prs"))
}

func TestPayloadString_RoundTrips(t *testing.T) {
	s, err := payloadString(map[string]any{"owner": "acme"}, "owner")
	require.NoError(t, err)
	assert.Equal(t, "acme", s)
}

// payloadIntSlice must accept both the JSON-decoded []any shape (elements
// as float64) and the []int shape used when a payload is constructed
// in-process without a JSON round trip.
func TestPayloadIntSlice_AcceptsFloat64AndIntElements(t *testing.T) {
	fromJSON := map[string]any{"pr_numbers": []any{float64(1), float64(2), float64(3)}}
	out, err := payloadIntSlice(fromJSON, "pr_numbers")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, out)

	fromProcess := map[string]any{"pr_numbers": []int{4, 5}}
	out, err = payloadIntSlice(fromProcess, "pr_numbers")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, out)

	mixed := map[string]any{"pr_numbers": []any{1, float64(2)}}
	out, err = payloadIntSlice(mixed, "pr_numbers")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, out)
}

func TestPayloadIntSlice_RejectsUnexpectedElementType(t *testing.T) {
	bad := map[string]any{"pr_numbers": []any{"not a number"}}
	_, err := payloadIntSlice(bad, "pr_numbers")
	assert.Error(t, err)
}
