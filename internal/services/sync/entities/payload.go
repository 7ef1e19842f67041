package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// payload is the provider envelope as persisted on disk.
type payload[T any] struct {
	Parameters json.RawMessage `json:"parameters"`
	Response   []T             `json:"response"`
}

func decode[T any](body []byte) ([]T, map[string]string, error) {
	var p payload[T]
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}
	params := map[string]string{}
	// An empty parameter set is sent as [] rather than {}.
	if raw := bytes.TrimSpace(p.Parameters); len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	return p.Response, params, nil
}

// intParam reads a required integer request parameter.
func intParam(params map[string]string, name string) (int64, error) {
	raw, ok := params[name]
	if !ok || raw == "" {
		return 0, fmt.Errorf("payload is missing the %s parameter", name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s=%q is not an integer", name, raw)
	}
	return n, nil
}

func intOrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// dateKeys returns every day from start to end inclusive as YYYY-MM-DD.
func dateKeys(start, end time.Time) []string {
	var keys []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		keys = append(keys, d.Format(time.DateOnly))
	}
	return keys
}

// dayOf truncates a stored timestamp, in any driver rendering, to its date.
func dayOf(raw string) (string, bool) {
	if len(raw) < len(time.DateOnly) {
		return "", false
	}
	day := raw[:len(time.DateOnly)]
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return "", false
	}
	return day, true
}
