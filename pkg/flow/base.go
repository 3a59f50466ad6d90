package flow

import "go.uber.org/zap"

// Abort reasons emitted by Base.
const (
	ReasonAlreadyConfigured = "already_configured"
	ReasonAlreadyInProgress = "already_in_progress"
)

// Base carries the host helpers a handler needs: its flow context, the
// entry lookup used for unique id checks, and directive constructors.
// Handlers embed a *Base handed to their Factory.
type Base struct {
	domain string
	fc     *Context
	deps   Deps
}

// NewBase binds a handler base to a domain, flow context and host services.
// A nil logger is replaced by a no-op logger.
func NewBase(domain string, fc *Context, deps Deps) *Base {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Base{domain: domain, fc: fc, deps: deps}
}

// Domain returns the integration domain of the flow.
func (b *Base) Domain() string {
	return b.domain
}

// Context returns the flow context.
func (b *Base) Context() *Context {
	return b.fc
}

// Logger returns the logger for the flow.
func (b *Base) Logger() *zap.Logger {
	return b.deps.Logger
}

// ShowForm returns a directive rendering the form of stepID.
func (b *Base) ShowForm(stepID string, schema *FormSchema, errors, placeholders map[string]string) *Directive {
	if errors == nil {
		errors = map[string]string{}
	}
	return &Directive{
		Type:                    ResultShowForm,
		StepID:                  stepID,
		Schema:                  schema,
		Errors:                  errors,
		DescriptionPlaceholders: placeholders,
	}
}

// CreateEntry returns a directive asking the host to persist a config entry.
func (b *Base) CreateEntry(title string, data map[string]any) *Directive {
	return &Directive{
		Type:  ResultCreateEntry,
		Title: title,
		Data:  data,
	}
}

// Abort returns a directive finishing the flow with reason.
func (b *Base) Abort(reason string) *Directive {
	return &Directive{Type: ResultAbort, Reason: reason}
}

// SetUniqueID assigns the unique id of the flow. It returns an abort directive
// when another flow of the same domain is already in progress for the id,
// and nil otherwise.
func (b *Base) SetUniqueID(uniqueID string) *Directive {
	if b.deps.Progress != nil && !b.deps.Progress.ClaimUniqueID(b.domain, b.fc.FlowID, uniqueID) {
		b.deps.Logger.Debug("Unique id already in progress",
			zap.String("domain", b.domain),
			zap.String("unique_id", uniqueID))
		return b.Abort(ReasonAlreadyInProgress)
	}
	b.fc.UniqueID = uniqueID
	return nil
}

// AbortIfUniqueIDConfigured returns an abort directive when an entry with the
// flow's unique id already exists. The updates are carried on the directive and
// merged into the existing entry by the host. It returns nil when the unique id
// is unset or not configured.
func (b *Base) AbortIfUniqueIDConfigured(updates map[string]any) *Directive {
	if b.fc.UniqueID == "" || b.deps.Entries == nil {
		return nil
	}
	if !b.deps.Entries.HasUniqueID(b.domain, b.fc.UniqueID) {
		return nil
	}

	b.deps.Logger.Info("Device already configured",
		zap.String("domain", b.domain),
		zap.String("unique_id", b.fc.UniqueID))

	d := b.Abort(ReasonAlreadyConfigured)
	d.Updates = updates
	return d
}
