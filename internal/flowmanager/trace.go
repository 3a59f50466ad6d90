package flowmanager

import (
	"sort"
	"sync"
	"time"

	"vimarconnector/pkg/flow"
)

// Trace limits
const (
	DefaultTraceFlows = 100
	DefaultTraceSteps = 20
)

// TraceStep records one step invocation of a flow. Input values are never
// recorded, only their keys.
type TraceStep struct {
	Step      string          `json:"step"`
	InputKeys []string        `json:"input_keys,omitempty"`
	Result    flow.ResultType `json:"result,omitempty"`
	NextStep  string          `json:"next_step,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	At        time.Time       `json:"at"`
}

// Tracer keeps the step traces of the most recent flows.
type Tracer struct {
	maxFlows int
	maxSteps int

	mu     sync.RWMutex
	traces map[string][]TraceStep
	order  []string
}

// NewTracer creates a tracer keeping maxFlows flows of at most maxSteps steps each.
func NewTracer(maxFlows, maxSteps int) *Tracer {
	if maxFlows <= 0 {
		maxFlows = DefaultTraceFlows
	}
	if maxSteps <= 0 {
		maxSteps = DefaultTraceSteps
	}
	return &Tracer{
		maxFlows: maxFlows,
		maxSteps: maxSteps,
		traces:   make(map[string][]TraceStep),
	}
}

// Get returns a copy of the trace of a flow.
func (t *Tracer) Get(flowID string) ([]TraceStep, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	steps, ok := t.traces[flowID]
	if !ok {
		return nil, false
	}
	out := make([]TraceStep, len(steps))
	copy(out, steps)
	return out, true
}

// Len returns the number of traced flows.
func (t *Tracer) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

func (t *Tracer) record(flowID string, step TraceStep) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	steps, ok := t.traces[flowID]
	if !ok {
		t.order = append(t.order, flowID)
		for len(t.order) > t.maxFlows {
			delete(t.traces, t.order[0])
			t.order = t.order[1:]
		}
	}
	steps = append(steps, step)
	if len(steps) > t.maxSteps {
		steps = steps[len(steps)-t.maxSteps:]
	}
	t.traces[flowID] = steps
}

// result completes the last recorded step of a flow with the directive it produced.
func (t *Tracer) result(flowID string, d *flow.Directive) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	steps := t.traces[flowID]
	if len(steps) == 0 {
		return
	}
	last := &steps[len(steps)-1]
	last.Result = d.Type
	switch d.Type {
	case flow.ResultShowForm:
		last.NextStep = d.StepID
		last.Errors = nil
		for field, code := range d.Errors {
			last.Errors = append(last.Errors, field+":"+code)
		}
		sort.Strings(last.Errors)
	case flow.ResultAbort:
		last.Reason = d.Reason
	}
}
