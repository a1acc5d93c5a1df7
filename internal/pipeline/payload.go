package pipeline

import "fmt"

// Job payloads round-trip through JSON (queue.Queue stores them as text),
// so numeric fields decode as float64 regardless of how they were
// enqueued. These helpers centralize that conversion.

func payloadInt64(payload map[string]any, key string) (int64, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("job payload missing %q", key)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("job payload %q has unexpected type %T", key, v)
	}
}

func payloadInt(payload map[string]any, key string) (int, error) {
	n, err := payloadInt64(payload, key)
	return int(n), err
}

func payloadIntOrZero(payload map[string]any, key string) int {
	n, err := payloadInt64(payload, key)
	if err != nil {
		return 0
	}
	return int(n)
}

func payloadString(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("job payload missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("job payload %q has unexpected type %T", key, v)
	}
	return s, nil
}

// payloadIntSlice reads a JSON number array, tolerating both []any (the
// normal decode shape) and []int (when a payload is built in-process and
// handed straight to a processor in tests without a JSON round trip).
func payloadIntSlice(payload map[string]any, key string) ([]int, error) {
	v, ok := payload[key]
	if !ok {
		return nil, fmt.Errorf("job payload missing %q", key)
	}
	switch vals := v.(type) {
	case []any:
		out := make([]int, len(vals))
		for i, e := range vals {
			switch n := e.(type) {
			case float64:
				out[i] = int(n)
			case int:
				out[i] = n
			default:
				return nil, fmt.Errorf("job payload %q[%d] has unexpected type %T", key, i, e)
			}
		}
		return out, nil
	case []int:
		return vals, nil
	default:
		return nil, fmt.Errorf("job payload %q has unexpected type %T", key, v)
	}
}
