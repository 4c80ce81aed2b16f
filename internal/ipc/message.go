// Package ipc implements the framed message channel between the orchestrator and worker processes.
package ipc

import (
	json "github.com/goccy/go-json"
)

// Kind classifies a message travelling over a worker channel.
type Kind string

const (
	// KindInit is sent by the host right after the worker connects; it carries the launch options.
	KindInit Kind = "init"
	// KindReady is the worker's handshake answer once it accepts commands.
	KindReady Kind = "ready"
	// KindRequest is a correlated command from host to worker.
	KindRequest Kind = "request"
	// KindResponse answers a request carrying the same correlation id.
	KindResponse Kind = "response"
	// KindStatus is an unsolicited worker status push.
	KindStatus Kind = "status"
	// KindFault reports a non-fatal worker error.
	KindFault Kind = "error"
)

// Message is the single envelope exchanged in both directions.
type Message struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewPayload encodes v for use as a message payload. A nil value yields an empty payload.
func NewPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
