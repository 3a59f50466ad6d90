// Package flow provides the step-driven setup flow contract shared by the flow
// manager and integration handlers. Handlers register a factory with the global
// registry from init() functions, and the flow manager instantiates one handler
// per flow by domain.
package flow

import (
	"context"
	"errors"
)

// ResultType tags the variant carried by a Directive.
type ResultType string

const (
	// ResultShowForm asks the host to render a form and wait for input.
	ResultShowForm ResultType = "form"

	// ResultCreateEntry asks the host to persist a config entry and finish the flow.
	ResultCreateEntry ResultType = "create_entry"

	// ResultAbort finishes the flow without creating an entry.
	ResultAbort ResultType = "abort"
)

// Flow sources. The source of a flow is also the name of its first step.
const (
	SourceUser     = "user"
	SourceZeroconf = "zeroconf"
)

var (
	// ErrIntegration is the generic error kind integration errors wrap.
	ErrIntegration = errors.New("integration error")

	// ErrUnknownStep is returned when a handler is asked to run a step it does not have.
	ErrUnknownStep = errors.New("unknown flow step")

	// ErrUnknownHandler is returned when no handler is registered for a domain.
	ErrUnknownHandler = errors.New("unknown flow handler")

	// ErrDiscoveryUnsupported is returned when a discovery is routed to a handler
	// that cannot be started from discovery.
	ErrDiscoveryUnsupported = errors.New("handler does not support discovery")
)

// Directive is the value a step returns to tell the host what to render or persist next.
type Directive struct {
	Type    ResultType `json:"type"`
	FlowID  string     `json:"flow_id,omitempty"`
	Handler string     `json:"handler,omitempty"`

	// ShowForm
	StepID                  string            `json:"step_id,omitempty"`
	Schema                  *FormSchema       `json:"data_schema,omitempty"`
	Errors                  map[string]string `json:"errors,omitempty"`
	DescriptionPlaceholders map[string]string `json:"description_placeholders,omitempty"`

	// CreateEntry
	Title   string         `json:"title,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	EntryID string         `json:"entry_id,omitempty"`

	// Abort
	Reason string `json:"reason,omitempty"`

	// Updates are merged into the already configured entry when an abort is caused
	// by a duplicate unique id. They are applied by the host, never sent to clients.
	Updates map[string]any `json:"-"`
}

// Handler is implemented by every integration setup flow.
// HandleStep runs the named step with the given input. A nil input means the
// host has no input for the step yet (the step should request it).
type Handler interface {
	HandleStep(ctx context.Context, stepID string, input Input) (*Directive, error)
}

// DiscoveryHandler is an optional interface for handlers that can be started
// from a network discovery event.
type DiscoveryHandler interface {
	HandleDiscovery(ctx context.Context, source string, info DiscoveryInfo) (*Directive, error)
}

// Factory creates a new handler bound to the flow described by base.
type Factory func(base *Base) (Handler, error)
