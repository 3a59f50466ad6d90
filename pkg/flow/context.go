package flow

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// Input keys shared by integrations.
const (
	ConfCode      = "code"
	ConfIPAddress = "ip_address"
	ConfPort      = "port"
	ConfDeviceID  = "device_id"
	ConfHost      = "host"
	ConfMAC       = "mac"
)

// ErrContextSealed is returned when discovery data is written to a context twice.
var ErrContextSealed = errors.New("flow context discovery data already set")

// Input is the user (or discovery) supplied input of one step invocation.
type Input map[string]any

// String returns the value for key rendered as a string, or "" if absent.
// JSON numbers arrive as float64 and are rendered without a fractional part
// when they are integral.
func (in Input) String(key string) string {
	v, ok := in[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprint(val)
	}
}

// Int returns the value for key as an int, or 0 if absent or not numeric.
func (in Input) Int(key string) int {
	switch val := in[key].(type) {
	case int:
		return val
	case float64:
		return int(val)
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Clone returns a shallow copy of the input. Cloning nil yields an empty input.
func (in Input) Clone() Input {
	out := make(Input, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DiscoveryInfo is a network discovery event delivered by the host's discovery subsystem.
type DiscoveryInfo struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Hostname   string            `json:"hostname"`
	Port       int               `json:"port"`
	Addresses  []string          `json:"addresses,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Discovered holds the connection data a discovery step derived for the flow.
type Discovered struct {
	Host      string `json:"host"`
	IPAddress string `json:"ip_address"`
	Port      int    `json:"port"`
	DeviceID  string `json:"device_id"`
}

// Context is the per-flow wizard context. It is owned by the flow manager,
// created when the flow starts and discarded when it finishes.
//
// Discovery data is write-once: a step may set it, but not replace it.
type Context struct {
	FlowID            string
	Source            string
	UniqueID          string
	TitlePlaceholders map[string]string

	discovered *Discovered
}

// NewContext creates the context for a flow started from source.
func NewContext(flowID, source string) *Context {
	return &Context{FlowID: flowID, Source: source}
}

// SetDiscovered records discovery data and title placeholders for the flow.
func (c *Context) SetDiscovered(d Discovered, placeholders map[string]string) error {
	if c.discovered != nil {
		return ErrContextSealed
	}
	c.discovered = &d
	c.TitlePlaceholders = placeholders
	return nil
}

// Discovered returns the discovery data recorded for the flow, if any.
func (c *Context) Discovered() (Discovered, bool) {
	if c.discovered == nil {
		return Discovered{}, false
	}
	return *c.discovered, true
}

// EntryLookup answers whether a config entry already exists.
type EntryLookup interface {
	HasUniqueID(domain, uniqueID string) bool
}

// ProgressTracker tracks which in-progress flow holds a unique id.
type ProgressTracker interface {
	// ClaimUniqueID records uniqueID for flowID and reports whether the claim
	// succeeded. It fails when another flow of the same domain holds the id.
	ClaimUniqueID(domain, flowID, uniqueID string) bool
}

// Deps are the host services handed to every handler.
type Deps struct {
	Logger   *zap.Logger
	Entries  EntryLookup
	Progress ProgressTracker
}
