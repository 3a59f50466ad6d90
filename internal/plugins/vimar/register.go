package vimar

import (
	"fmt"

	"vimarconnector/pkg/flow"
)

func init() {
	flow.Register(flow.HandlerInfo{
		Domain:      Domain,
		Description: "Vimar IP Connector setup flow - manual entry and zeroconf discovery",
		Priority:    flow.PriorityDefault,
		Factory:     NewFactory(Options{}),
	})
}

// NewFactory returns a flow factory creating ConfigFlows with opts.
func NewFactory(opts Options) flow.Factory {
	return func(base *flow.Base) (flow.Handler, error) {
		if opts.ValidateConnection && opts.Authenticator == nil {
			return nil, fmt.Errorf("connection validation requires an authenticator")
		}
		return NewConfigFlow(base, opts), nil
	}
}

// Register installs a factory built from opts in registry, overriding the
// default registration.
func Register(registry *flow.Registry, opts Options) error {
	return registry.Register(flow.HandlerInfo{
		Domain:      Domain,
		Description: "Vimar IP Connector setup flow - configured",
		Priority:    flow.PriorityOverride,
		Factory:     NewFactory(opts),
	})
}
