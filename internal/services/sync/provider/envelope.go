package provider

import (
	"bytes"
	"encoding/json"
	"net/url"
)

// Paging is the provider's page cursor.
type Paging struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type envelope struct {
	Errors   json.RawMessage `json:"errors"`
	Results  int             `json:"results"`
	Paging   Paging          `json:"paging"`
	Response json.RawMessage `json:"response"`
}

// Response is one decoded provider reply. Body keeps the raw payload as
// received so it can be persisted verbatim.
type Response struct {
	Endpoint string
	Params   url.Values
	Results  int
	Paging   Paging
	Body     []byte
	Payload  json.RawMessage
}

// Empty reports whether the reply carried no results.
func (r Response) Empty() bool {
	return r.Results == 0 || isEmptyJSON(r.Payload)
}

// isEmptyJSON reports whether raw is absent, null, or an empty array or object.
func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", "[]", "{}", `""`:
		return true
	}
	return false
}

type statusPayload struct {
	Requests struct {
		Current  int `json:"current"`
		LimitDay int `json:"limit_day"`
	} `json:"requests"`
	Subscription struct {
		Plan string `json:"plan"`
		End  string `json:"end"`
	} `json:"subscription"`
}

// Status is the account usage reported by the provider.
type Status struct {
	LimitDay int
	Current  int
	Plan     string
}

// Remaining returns the unspent requests of the day.
func (s Status) Remaining() int {
	return s.LimitDay - s.Current
}
