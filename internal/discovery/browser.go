// Package discovery browses the local network for Vimar IP Connectors over
// mDNS/DNS-SD and hands every announcement to a sink.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vimarconnector/internal/clock"
	"vimarconnector/pkg/flow"

	"github.com/libp2p/zeroconf/v2"
	"go.uber.org/zap"
)

const (
	// DefaultService is the DNS-SD service type announced by the connector.
	DefaultService = "_vimar._tcp"

	// DefaultDomain is the mDNS domain browsed.
	DefaultDomain = "local."

	defaultRetryDelay = 30 * time.Second
)

// Config selects what to browse.
type Config struct {
	Service string
	Domain  string

	// RetryDelay is how long Run waits before browsing again after the
	// browse failed.
	RetryDelay time.Duration
}

// Sink receives discovered services.
type Sink func(ctx context.Context, info flow.DiscoveryInfo)

// BrowseFunc browses service in domain and sends entries until ctx is done.
type BrowseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Browser runs a continuous browse.
type Browser struct {
	cfg    Config
	sink   Sink
	browse BrowseFunc
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Browser.
type Option func(*Browser)

// WithBrowseFunc replaces the mDNS browse, mainly for tests.
func WithBrowseFunc(f BrowseFunc) Option {
	return func(b *Browser) { b.browse = f }
}

// WithClock sets the clock timing retries.
func WithClock(c clock.Clock) Option {
	return func(b *Browser) { b.clock = c }
}

// NewBrowser creates a browser sending entries to sink.
func NewBrowser(cfg Config, sink Sink, logger *zap.Logger, opts ...Option) *Browser {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	b := &Browser{
		cfg:    cfg,
		sink:   sink,
		browse: browseMDNS,
		clock:  clock.NewRealClock(),
		logger: logger.Named("discovery"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func browseMDNS(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return zeroconf.Browse(ctx, service, domain, entries)
}

// Run browses until ctx is cancelled. Browse failures are logged and retried
// after the configured delay.
func (b *Browser) Run(ctx context.Context) error {
	b.logger.Info("Starting discovery",
		zap.String("service", b.cfg.Service),
		zap.String("domain", b.cfg.Domain))

	for {
		err := b.browseOnce(ctx)
		if ctx.Err() != nil {
			b.logger.Info("Discovery stopped")
			return nil
		}
		if err != nil {
			b.logger.Warn("Browse failed, retrying",
				zap.Duration("delay", b.cfg.RetryDelay),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			b.logger.Info("Discovery stopped")
			return nil
		case <-b.clock.After(b.cfg.RetryDelay):
		}
	}
}

func (b *Browser) browseOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.browse(ctx, b.cfg.Service, b.cfg.Domain, entries)
	}()

	for {
		select {
		case <-ctx.Done():
			<-errCh
			return ctx.Err()

		case err := <-errCh:
			b.drain(ctx, entries)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("failed to browse %s: %w", b.cfg.Service, err)
			}
			return errors.New("browse ended")

		case entry, ok := <-entries:
			if !ok {
				// The browse closed the channel; wait for its result.
				entries = nil
				continue
			}
			b.handle(ctx, entry)
		}
	}
}

// drain hands over entries still buffered after the browse returned.
func (b *Browser) drain(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	if entries == nil {
		return
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			b.handle(ctx, entry)
		default:
			return
		}
	}
}

func (b *Browser) handle(ctx context.Context, entry *zeroconf.ServiceEntry) {
	if entry == nil || entry.HostName == "" {
		return
	}
	info := ToDiscoveryInfo(entry)
	b.logger.Debug("Service discovered",
		zap.String("name", info.Name),
		zap.String("hostname", info.Hostname),
		zap.Int("port", info.Port))
	b.sink(ctx, info)
}

// ToDiscoveryInfo converts a DNS-SD service entry. TXT records are parsed as
// key=value pairs with lowercased keys; a record without '=' maps to "".
func ToDiscoveryInfo(entry *zeroconf.ServiceEntry) flow.DiscoveryInfo {
	info := flow.DiscoveryInfo{
		Name:       entry.ServiceInstanceName(),
		Type:       entry.ServiceName(),
		Hostname:   entry.HostName,
		Port:       entry.Port,
		Properties: make(map[string]string, len(entry.Text)),
	}
	for _, ip := range entry.AddrIPv4 {
		info.Addresses = append(info.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		info.Addresses = append(info.Addresses, ip.String())
	}
	for _, field := range entry.Text {
		key, value, _ := strings.Cut(field, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		info.Properties[key] = value
	}
	return info
}

// Starter starts discovery flows.
type Starter interface {
	Discover(ctx context.Context, domain string, info flow.DiscoveryInfo) (*flow.Directive, error)
}

// FlowSink returns a sink starting a discovery flow for domain per announcement.
func FlowSink(starter Starter, domain string, logger *zap.Logger) Sink {
	logger = logger.Named("discovery")
	return func(ctx context.Context, info flow.DiscoveryInfo) {
		d, err := starter.Discover(ctx, domain, info)
		if err != nil {
			logger.Error("Failed to start discovery flow",
				zap.String("domain", domain),
				zap.String("hostname", info.Hostname),
				zap.Error(err))
			return
		}
		logger.Debug("Discovery flow started",
			zap.String("flow_id", d.FlowID),
			zap.String("result", string(d.Type)),
			zap.String("reason", d.Reason))
	}
}
