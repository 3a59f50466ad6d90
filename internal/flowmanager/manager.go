// Package flowmanager runs setup flows: it owns the in-progress flows, invokes
// handler steps one at a time per flow and persists the entries flows create.
package flowmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vimarconnector/internal/clock"
	"vimarconnector/internal/entries"
	"vimarconnector/internal/realtime"
	"vimarconnector/pkg/flow"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrFlowNotFound is returned for unknown or finished flows.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrUnexpectedDirective is returned when a step returns a directive the manager
	// cannot act on.
	ErrUnexpectedDirective = errors.New("unexpected flow directive")
)

// Finish results used as metric labels.
const (
	ResultCreateEntry = string(flow.ResultCreateEntry)
	ResultAbort       = string(flow.ResultAbort)
	ResultRemoved     = "removed"
	ResultError       = "error"
)

// ReasonRemoved is the abort reason published when a flow is removed by a client.
const ReasonRemoved = "removed"

// EntryStore is the part of the entry store the manager needs.
type EntryStore interface {
	flow.EntryLookup
	Add(e entries.Entry) (entries.Entry, error)
	FindByUniqueID(domain, uniqueID string) (entries.Entry, bool)
	UpdateData(entryID string, updates map[string]any) (bool, error)
}

// Publisher receives flow events.
type Publisher interface {
	Broadcast(ev realtime.Event)
}

// Flow is a snapshot of an in-progress flow.
type Flow struct {
	FlowID            string            `json:"flow_id"`
	Handler           string            `json:"handler"`
	Source            string            `json:"source"`
	StepID            string            `json:"step_id"`
	UniqueID          string            `json:"unique_id,omitempty"`
	TitlePlaceholders map[string]string `json:"title_placeholders,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
}

type flowState struct {
	mu sync.Mutex

	id        string
	domain    string
	fc        *flow.Context
	handler   flow.Handler
	startedAt time.Time

	// last form shown; its step is the one Configure runs
	last *flow.Directive
	done bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sends flow events to p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics records flow counters in metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer records step traces in t.
func WithTracer(t *Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// Manager owns in-progress flows.
// Lock order: flowState.mu before Manager.mu.
type Manager struct {
	registry  *flow.Registry
	store     EntryStore
	logger    *zap.Logger
	clock     clock.Clock
	publisher Publisher
	metrics   *Metrics
	tracer    *Tracer

	mu     sync.RWMutex
	flows  map[string]*flowState
	claims map[string]string // domain/unique id -> flow id
}

// New creates a manager creating handlers from registry and persisting entries in store.
func New(registry *flow.Registry, store EntryStore, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		registry: registry,
		store:    store,
		logger:   logger,
		clock:    clock.NewRealClock(),
		tracer:   NewTracer(DefaultTraceFlows, DefaultTraceSteps),
		flows:    make(map[string]*flowState),
		claims:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init starts a flow for domain from source and runs its first step. data is the
// step input: a flow.Input (or nil) for user flows, a flow.DiscoveryInfo for
// discovery flows.
func (m *Manager) Init(ctx context.Context, domain, source string, data any) (*flow.Directive, error) {
	log := m.logger.Named("flowmanager")

	fs := &flowState{
		id:        uuid.NewString(),
		domain:    domain,
		startedAt: m.clock.Now().UTC(),
	}
	fs.fc = flow.NewContext(fs.id, source)

	handler, err := m.registry.New(domain, fs.fc, flow.Deps{
		Logger:   m.logger.With(zap.String("flow_id", fs.id)),
		Entries:  m.store,
		Progress: m,
	})
	if err != nil {
		return nil, err
	}
	fs.handler = handler

	fs.mu.Lock()
	defer fs.mu.Unlock()

	m.mu.Lock()
	m.flows[fs.id] = fs
	m.mu.Unlock()

	m.metrics.flowStarted(source)
	log.Info("Flow started",
		zap.String("flow_id", fs.id),
		zap.String("handler", domain),
		zap.String("source", source))

	d, err := m.runFirstStep(ctx, fs, source, data)
	if err == nil {
		d, err = m.process(fs, source, d)
	}
	if err != nil {
		// A flow that fails to start is never left behind
		if !fs.done {
			m.finish(fs, ResultError)
		}
		log.Error("Flow failed to start",
			zap.String("flow_id", fs.id),
			zap.String("handler", domain),
			zap.Error(err))
		return nil, err
	}
	return d, nil
}

// Discover starts a discovery flow for domain.
func (m *Manager) Discover(ctx context.Context, domain string, info flow.DiscoveryInfo) (*flow.Directive, error) {
	return m.Init(ctx, domain, flow.SourceZeroconf, info)
}

func (m *Manager) runFirstStep(ctx context.Context, fs *flowState, source string, data any) (*flow.Directive, error) {
	if info, ok := data.(flow.DiscoveryInfo); ok {
		dh, ok := fs.handler.(flow.DiscoveryHandler)
		if !ok {
			return nil, fmt.Errorf("%w: %s", flow.ErrDiscoveryUnsupported, fs.domain)
		}
		m.tracer.record(fs.id, m.traceStep(source, discoveryKeys(info)))
		return dh.HandleDiscovery(ctx, source, info)
	}

	var input flow.Input
	switch v := data.(type) {
	case nil:
	case flow.Input:
		input = v
	case map[string]any:
		input = flow.Input(v)
	default:
		return nil, fmt.Errorf("unsupported flow data %T", data)
	}
	m.tracer.record(fs.id, m.traceStep(source, inputKeys(input)))
	return fs.handler.HandleStep(ctx, source, input)
}

// Configure runs the current step of a flow with input.
func (m *Manager) Configure(ctx context.Context, flowID string, input flow.Input) (*flow.Directive, error) {
	fs, err := m.lookup(flowID)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.done || fs.last == nil {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	stepID := fs.last.StepID

	m.tracer.record(fs.id, m.traceStep(stepID, inputKeys(input)))

	if fs.last.Schema != nil && input != nil {
		errs, err := fs.last.Schema.Validate(input)
		if err != nil {
			return nil, fmt.Errorf("failed to validate input for step %s: %w", stepID, err)
		}
		if len(errs) > 0 {
			d := *fs.last
			d.Errors = errs
			return m.process(fs, stepID, &d)
		}
	}

	d, err := fs.handler.HandleStep(ctx, stepID, input)
	if err != nil {
		m.logger.Named("flowmanager").Error("Flow step failed",
			zap.String("flow_id", fs.id),
			zap.String("step_id", stepID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to run step %s: %w", stepID, err)
	}
	return m.process(fs, stepID, d)
}

// Abort removes an in-progress flow.
func (m *Manager) Abort(flowID string) error {
	fs, err := m.lookup(flowID)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.done {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	m.finish(fs, ResultRemoved)
	m.publish(realtime.Event{
		Type:    realtime.EventFlowAborted,
		FlowID:  fs.id,
		Handler: fs.domain,
		Reason:  ReasonRemoved,
	})
	return nil
}

// Get returns a snapshot of an in-progress flow.
func (m *Manager) Get(flowID string) (Flow, bool) {
	fs, err := m.lookup(flowID)
	if err != nil {
		return Flow{}, false
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.done {
		return Flow{}, false
	}
	return fs.snapshot(), true
}

// List returns the in-progress flows of domain, or of every domain when domain
// is empty, oldest first.
func (m *Manager) List(domain string) []Flow {
	m.mu.RLock()
	states := make([]*flowState, 0, len(m.flows))
	for _, fs := range m.flows {
		if domain == "" || fs.domain == domain {
			states = append(states, fs)
		}
	}
	m.mu.RUnlock()

	result := make([]Flow, 0, len(states))
	for _, fs := range states {
		fs.mu.Lock()
		if !fs.done && fs.last != nil {
			result = append(result, fs.snapshot())
		}
		fs.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].FlowID < result[j].FlowID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Trace returns the recorded steps of a flow. Traces outlive their flow.
func (m *Manager) Trace(flowID string) ([]TraceStep, bool) {
	return m.tracer.Get(flowID)
}

// ClaimUniqueID implements flow.ProgressTracker.
func (m *Manager) ClaimUniqueID(domain, flowID, uniqueID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := domain + "/" + uniqueID
	if owner, ok := m.claims[key]; ok && owner != flowID {
		if _, active := m.flows[owner]; active {
			return false
		}
	}

	// A flow holds at most one unique id
	for k, owner := range m.claims {
		if owner == flowID && k != key {
			delete(m.claims, k)
		}
	}
	m.claims[key] = flowID
	return true
}

// process acts on the directive a step returned. Called with fs.mu held.
func (m *Manager) process(fs *flowState, stepID string, d *flow.Directive) (*flow.Directive, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: step %s returned no directive", ErrUnexpectedDirective, stepID)
	}
	log := m.logger.Named("flowmanager")

	d.FlowID = fs.id
	d.Handler = fs.domain
	m.metrics.stepRun(stepID)

	switch d.Type {
	case flow.ResultShowForm:
		fs.last = d
		m.tracer.result(fs.id, d)
		m.publish(realtime.Event{
			Type:    realtime.EventFlowProgress,
			FlowID:  fs.id,
			Handler: fs.domain,
			StepID:  d.StepID,
		})
		return d, nil

	case flow.ResultCreateEntry:
		entry, err := m.store.Add(entries.Entry{
			Domain:   fs.domain,
			Title:    d.Title,
			UniqueID: fs.fc.UniqueID,
			Source:   fs.fc.Source,
			Data:     d.Data,
		})
		if errors.Is(err, entries.ErrDuplicateUniqueID) {
			log.Info("Entry already exists, aborting flow",
				zap.String("flow_id", fs.id),
				zap.String("unique_id", fs.fc.UniqueID))
			return m.abort(fs, &flow.Directive{
				Type:    flow.ResultAbort,
				FlowID:  fs.id,
				Handler: fs.domain,
				Reason:  flow.ReasonAlreadyConfigured,
			}), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create entry: %w", err)
		}

		d.EntryID = entry.EntryID
		m.tracer.result(fs.id, d)
		m.finish(fs, ResultCreateEntry)
		log.Info("Flow created entry",
			zap.String("flow_id", fs.id),
			zap.String("entry_id", entry.EntryID),
			zap.String("unique_id", entry.UniqueID))
		m.publish(realtime.Event{
			Type:    realtime.EventFlowCreatedEntry,
			FlowID:  fs.id,
			Handler: fs.domain,
			EntryID: entry.EntryID,
		})
		return d, nil

	case flow.ResultAbort:
		return m.abort(fs, d), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnexpectedDirective, d.Type)
}

// abort finishes the flow for an abort directive. Called with fs.mu held.
func (m *Manager) abort(fs *flowState, d *flow.Directive) *flow.Directive {
	if len(d.Updates) > 0 {
		m.applyUpdates(fs, d.Updates)
	}
	m.tracer.result(fs.id, d)
	m.finish(fs, ResultAbort)
	m.logger.Named("flowmanager").Info("Flow aborted",
		zap.String("flow_id", fs.id),
		zap.String("reason", d.Reason))
	m.publish(realtime.Event{
		Type:    realtime.EventFlowAborted,
		FlowID:  fs.id,
		Handler: fs.domain,
		Reason:  d.Reason,
	})
	return d
}

// applyUpdates merges abort updates into the entry holding the flow's unique id.
func (m *Manager) applyUpdates(fs *flowState, updates map[string]any) {
	log := m.logger.Named("flowmanager")
	if fs.fc.UniqueID == "" {
		return
	}
	entry, ok := m.store.FindByUniqueID(fs.domain, fs.fc.UniqueID)
	if !ok {
		return
	}
	changed, err := m.store.UpdateData(entry.EntryID, updates)
	if err != nil {
		log.Error("Failed to update existing entry",
			zap.String("entry_id", entry.EntryID),
			zap.Error(err))
		return
	}
	if changed {
		log.Info("Updated existing entry",
			zap.String("entry_id", entry.EntryID),
			zap.Int("keys", len(updates)))
	}
}

// finish marks the flow done and forgets it. Called with fs.mu held.
func (m *Manager) finish(fs *flowState, result string) {
	fs.done = true
	m.remove(fs)
	m.metrics.flowFinished(result)
}

func (m *Manager) remove(fs *flowState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flows, fs.id)
	for k, owner := range m.claims {
		if owner == fs.id {
			delete(m.claims, k)
		}
	}
}

func (m *Manager) lookup(flowID string) (*flowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fs, ok := m.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	return fs, nil
}

func (m *Manager) publish(ev realtime.Event) {
	if m.publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.clock.Now().UTC()
	}
	m.publisher.Broadcast(ev)
}

func (m *Manager) traceStep(stepID string, keys []string) TraceStep {
	return TraceStep{Step: stepID, InputKeys: keys, At: m.clock.Now().UTC()}
}

func (fs *flowState) snapshot() Flow {
	f := Flow{
		FlowID:    fs.id,
		Handler:   fs.domain,
		Source:    fs.fc.Source,
		UniqueID:  fs.fc.UniqueID,
		StartedAt: fs.startedAt,
	}
	if fs.last != nil {
		f.StepID = fs.last.StepID
	}
	if len(fs.fc.TitlePlaceholders) > 0 {
		f.TitlePlaceholders = make(map[string]string, len(fs.fc.TitlePlaceholders))
		for k, v := range fs.fc.TitlePlaceholders {
			f.TitlePlaceholders[k] = v
		}
	}
	return f
}

func inputKeys(input flow.Input) []string {
	if input == nil {
		return nil
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func discoveryKeys(info flow.DiscoveryInfo) []string {
	keys := []string{"hostname", "port"}
	for k := range info.Properties {
		keys = append(keys, "properties."+k)
	}
	sort.Strings(keys)
	return keys
}
