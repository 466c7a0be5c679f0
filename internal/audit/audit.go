// Package audit defines the structured audit event sink consumed by the
// authorization server core. The core emits one event per token or
// introspection attempt; persistence belongs to an external collaborator.
package audit

import (
	"github.com/rs/zerolog"
)

// Event is a single structured audit record. Metadata values must already be
// safe to log: truncated token prefixes and hashes, never raw secrets or
// token strings.
type Event struct {
	OrganizationID string            `json:"organization_id"`
	Action         string            `json:"action"`
	Resource       string            `json:"resource"`
	ResourceID     string            `json:"resource_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Success        bool              `json:"success"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}

// Emitter receives audit events. Implementations must not block the request
// path for long; slow sinks should buffer internally.
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc is a function adapter for Emitter.
type EmitterFunc func(event Event)

func (f EmitterFunc) Emit(event Event) { f(event) }

// NopEmitter discards all events. Useful in tests.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// ZerologEmitter writes audit events as structured log lines. It is the
// default sink when no external audit collaborator is wired in.
type ZerologEmitter struct {
	logger zerolog.Logger
}

// NewZerologEmitter creates an emitter writing to the given logger.
func NewZerologEmitter(logger zerolog.Logger) *ZerologEmitter {
	return &ZerologEmitter{logger: logger}
}

// Emit implements Emitter.
func (e *ZerologEmitter) Emit(event Event) {
	evt := e.logger.Info()
	if !event.Success {
		evt = e.logger.Warn()
	}
	evt = evt.
		Str("type", "oauth_audit").
		Str("organization_id", event.OrganizationID).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Bool("success", event.Success)
	if event.ResourceID != "" {
		evt = evt.Str("resource_id", event.ResourceID)
	}
	if event.ErrorMessage != "" {
		evt = evt.Str("error", event.ErrorMessage)
	}
	for k, v := range event.Metadata {
		evt = evt.Str(k, v)
	}
	evt.Msg("audit")
}
