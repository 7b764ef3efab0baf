// Package ipc implements C9: a local Unix-domain-socket endpoint exposing a
// line-delimited JSON request/response protocol plus a broadcast event
// stream, per spec.md §4.9 and §6. Transport is the stdlib net package —
// the pack carries no dedicated local-IPC library, and spec.md explicitly
// scopes the transport to "OS-provided", so reaching for net.Listen("unix",
// ...) directly is the idiomatic choice rather than a gap to fill with a
// third-party dependency.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Request is one client command, framed as a single JSON line, per
// spec.md §6's literal wire contract
// (`{"command":"<name>","messageId":"<opaque>","parameters":{…}}`).
type Request struct {
	Command    string          `json:"command"`
	MessageID  string          `json:"messageId"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Response answers a Request with the same messageId, per spec.md §6
// (`{"messageId":"<opaque>","success":true|false,"data":…,"error":"<msg?>"}`).
type Response struct {
	MessageID string          `json:"messageId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Event is one broadcast message, per spec.md §4.9's event set and the
// wire shape named in spec.md §6 (`{"event":"<name>","timestamp":"<RFC3339>","data":…}`).
type Event struct {
	EventName string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// newEvent stamps the current time and marshals data. Events carry no
// message id, since they are not request-correlated.
func newEvent(name string, data map[string]any) (Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventName: name,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      payload,
	}, nil
}

// newMessageID supplies a server-originated id for a request that arrived
// without a messageId, so its response still carries one.
func newMessageID() string { return uuid.NewString() }
