package vimar

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vimarconnector/pkg/flow"

	"go.uber.org/zap"
)

// Domain is the integration domain of the Vimar IP Connector.
const Domain = "vimar_ip_connector"

// Step ids
const (
	StepUser            = flow.SourceUser
	StepZeroconf        = flow.SourceZeroconf
	StepZeroconfConfirm = "zeroconf_confirm"
)

// Error and abort codes
const (
	ErrorCannotConnect   = "cannot_connect"
	ErrorInvalidAuth     = "invalid_auth"
	ErrorUnknown         = "unknown"
	ErrorMissingDeviceID = "missing_device_id"
)

const (
	entryTitle        = "title"
	propertyDeviceUID = "deviceuid"
)

// Options configure the flow.
type Options struct {
	// ValidateConnection makes the flow check the device with Authenticator
	// before creating the entry.
	ValidateConnection bool

	// Authenticator is required when ValidateConnection is set.
	Authenticator Authenticator
}

// ConfigFlow is the setup wizard of one flow instance.
type ConfigFlow struct {
	*flow.Base

	opts   Options
	logger *zap.Logger
}

// NewConfigFlow creates a flow bound to base.
func NewConfigFlow(base *flow.Base, opts Options) *ConfigFlow {
	return &ConfigFlow{
		Base:   base,
		opts:   opts,
		logger: base.Logger().Named("vimar"),
	}
}

// HandleStep dispatches the user facing steps.
func (f *ConfigFlow) HandleStep(ctx context.Context, stepID string, input flow.Input) (*flow.Directive, error) {
	switch stepID {
	case StepUser:
		return f.StepUser(ctx, input)
	case StepZeroconfConfirm:
		return f.StepZeroconfConfirm(ctx, input)
	}
	return nil, fmt.Errorf("%w: %s", flow.ErrUnknownStep, stepID)
}

// HandleDiscovery starts the flow from a zeroconf discovery.
func (f *ConfigFlow) HandleDiscovery(ctx context.Context, source string, info flow.DiscoveryInfo) (*flow.Directive, error) {
	if source != flow.SourceZeroconf {
		return nil, fmt.Errorf("%w: %s", flow.ErrUnknownStep, source)
	}
	return f.StepZeroconf(ctx, info)
}

// StepUser handles setup started by the user.
func (f *ConfigFlow) StepUser(ctx context.Context, input flow.Input) (*flow.Directive, error) {
	return f.handleConfigFlow(ctx, input, false)
}

// StepZeroconf handles a zeroconf discovery.
func (f *ConfigFlow) StepZeroconf(ctx context.Context, info flow.DiscoveryInfo) (*flow.Directive, error) {
	host := strings.TrimRight(info.Hostname, ".")
	name := DisplayName(host)

	discovered := flow.Discovered{
		Host:      host,
		IPAddress: info.Hostname,
		Port:      info.Port,
		DeviceID:  info.Properties[propertyDeviceUID],
	}
	if err := f.Context().SetDiscovered(discovered, map[string]string{"name": name}); err != nil {
		return nil, err
	}

	f.logger.Info("Device discovered",
		zap.String("host", host),
		zap.Int("port", info.Port),
		zap.String("device_id", discovered.DeviceID))

	// Prepare configuration flow
	return f.handleConfigFlow(ctx, flow.Input{}, true)
}

// StepZeroconfConfirm handles the confirmation of a discovered device.
func (f *ConfigFlow) StepZeroconfConfirm(ctx context.Context, input flow.Input) (*flow.Directive, error) {
	return f.handleConfigFlow(ctx, input, false)
}

// DisplayName returns the leading label of a host name.
func DisplayName(host string) string {
	name, _, _ := strings.Cut(strings.TrimRight(host, "."), ".")
	return name
}

func (f *ConfigFlow) handleConfigFlow(ctx context.Context, input flow.Input, prepare bool) (*flow.Directive, error) {
	discovered, fromDiscovery := f.Context().Discovered()
	fromDiscovery = fromDiscovery && f.Context().Source == flow.SourceZeroconf

	// Request user input, unless we are preparing discovery flow
	if input == nil {
		if !prepare {
			if fromDiscovery {
				return f.showConfirmDialog(nil), nil
			}
			return f.showSetupForm(nil), nil
		}
		input = flow.Input{}
	}

	input = input.Clone()
	if fromDiscovery {
		input[flow.ConfHost] = discovered.Host
		input[flow.ConfPort] = discovered.Port
		if input.String(flow.ConfDeviceID) == "" {
			input[flow.ConfDeviceID] = discovered.DeviceID
		}
	}

	deviceID := input.String(flow.ConfDeviceID)
	if deviceID == "" {
		if fromDiscovery {
			return f.Abort(ErrorMissingDeviceID), nil
		}
		return f.showSetupForm(map[string]string{"base": ErrorMissingDeviceID}), nil
	}

	// Check if already configured
	if d := f.SetUniqueID(deviceID); d != nil {
		return d, nil
	}
	if d := f.AbortIfUniqueIDConfigured(map[string]any{flow.ConfDeviceID: deviceID}); d != nil {
		return d, nil
	}

	if prepare {
		return f.StepZeroconfConfirm(ctx, nil)
	}

	if f.opts.ValidateConnection {
		if d := f.validateConnection(ctx, input, fromDiscovery); d != nil {
			return d, nil
		}
	}

	return f.CreateEntry(entryTitle, map[string]any{
		flow.ConfHost: input.String(flow.ConfHost),
		flow.ConfMAC:  input.String(flow.ConfMAC),
	}), nil
}

// validateConnection translates authentication failures into a form or abort
// directive. It returns nil when the device accepted the connection.
func (f *ConfigFlow) validateConnection(ctx context.Context, input flow.Input, fromDiscovery bool) *flow.Directive {
	err := ValidateInput(ctx, f.opts.Authenticator, input)

	var code string
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCannotConnect):
		if fromDiscovery {
			return f.Abort(ErrorCannotConnect)
		}
		code = ErrorCannotConnect
	case errors.Is(err, ErrInvalidAuth):
		code = ErrorInvalidAuth
	default:
		f.logger.Error("Unexpected error validating connection", zap.Error(err))
		code = ErrorUnknown
	}

	f.logger.Warn("Connection validation failed",
		zap.String("error_code", code),
		zap.Error(err))

	errs := map[string]string{"base": code}
	if fromDiscovery {
		return f.showConfirmDialog(errs)
	}
	return f.showSetupForm(errs)
}

// showSetupForm shows the setup form to the user.
func (f *ConfigFlow) showSetupForm(errs map[string]string) *flow.Directive {
	return f.ShowForm(StepUser, flow.NewSchema(flow.Required(flow.ConfHost, flow.FieldString)), errs, nil)
}

// showConfirmDialog shows the confirm dialog to the user.
func (f *ConfigFlow) showConfirmDialog(errs map[string]string) *flow.Directive {
	discovered, _ := f.Context().Discovered()
	return f.ShowForm(StepZeroconfConfirm, nil, errs, map[string]string{"name": discovered.DeviceID})
}
