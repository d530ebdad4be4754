package domain

import "encoding/json"

// EventRequest is the JSON body of a remote event-trigger request.
type EventRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventResponse is returned after an event passed the event guard and was
// handed to the automation engine.
type EventResponse struct {
	OK     bool            `json:"ok"`
	Event  string          `json:"event"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorResponse is the JSON body returned for structured errors and
// denials.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
