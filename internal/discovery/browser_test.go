package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"vimarconnector/internal/clock"
	"vimarconnector/pkg/flow"

	"github.com/libp2p/zeroconf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu    sync.Mutex
	infos []flow.DiscoveryInfo
}

func (c *collector) sink(_ context.Context, info flow.DiscoveryInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = append(c.infos, info)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.infos)
}

func vimarEntry(host, deviceID string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("Vimar Connector", DefaultService, DefaultDomain)
	e.HostName = host
	e.Port = 443
	e.Text = []string{"DeviceUID=" + deviceID, "flag", "=ignored"}
	e.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.9")}
	return e
}

func TestToDiscoveryInfo(t *testing.T) {
	info := ToDiscoveryInfo(vimarEntry("device123.local.", "X1"))

	assert.Contains(t, info.Name, "Vimar Connector")
	assert.Contains(t, info.Type, DefaultService)
	assert.Equal(t, "device123.local.", info.Hostname)
	assert.Equal(t, 443, info.Port)
	assert.Equal(t, []string{"10.0.0.9"}, info.Addresses)
	assert.Equal(t, map[string]string{"deviceuid": "X1", "flag": ""}, info.Properties)
}

func TestBrowser_DeliversEntries(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := &collector{}

	var gotService, gotDomain string
	browse := func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		gotService, gotDomain = service, domain
		entries <- vimarEntry("device123.local.", "X1")
		entries <- &zeroconf.ServiceEntry{} // no host name, skipped
		entries <- vimarEntry("device456.local.", "X2")
		<-ctx.Done()
		return ctx.Err()
	}

	b := NewBrowser(Config{}, c.sink, logger, WithBrowseFunc(browse))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return c.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("browser did not stop")
	}

	assert.Equal(t, DefaultService, gotService)
	assert.Equal(t, DefaultDomain, gotDomain)
	assert.Equal(t, "X1", c.infos[0].Properties["deviceuid"])
	assert.Equal(t, "X2", c.infos[1].Properties["deviceuid"])
}

func TestBrowser_RetriesAfterFailure(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := &collector{}
	mockClock := clock.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	var mu sync.Mutex
	calls := 0
	browse := func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return errors.New("no multicast interface")
		}
		entries <- vimarEntry("device123.local.", "X1")
		<-ctx.Done()
		return nil
	}
	callCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	b := NewBrowser(Config{}, c.sink, logger, WithBrowseFunc(browse), WithClock(mockClock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	// Waiting on the retry delay
	require.Eventually(t, func() bool { return mockClock.Waiters() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, callCount())

	mockClock.Advance(29 * time.Second)
	assert.Equal(t, 1, mockClock.Waiters(), "no retry before the delay")
	assert.Equal(t, 1, callCount())

	mockClock.Advance(time.Second)
	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, callCount())
}

func TestBrowser_DeliversEntriesBufferedBeforeBrowseEnds(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := &collector{}

	browse := func(_ context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
		entries <- vimarEntry("device1.local.", "X1")
		entries <- vimarEntry("device2.local.", "X2")
		entries <- vimarEntry("device3.local.", "X3")
		return errors.New("interface went down")
	}

	b := NewBrowser(Config{}, c.sink, logger, WithBrowseFunc(browse))

	err := b.browseOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interface went down")
	assert.Equal(t, 3, c.len())
}

func TestBrowser_ClosedEntriesChannel(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := &collector{}

	browse := func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
		entries <- vimarEntry("device123.local.", "X1")
		close(entries)
		<-ctx.Done()
		return ctx.Err()
	}

	b := NewBrowser(Config{Service: "_other._tcp", Domain: "lan."}, c.sink, logger, WithBrowseFunc(browse))
	assert.Equal(t, "_other._tcp", b.cfg.Service)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	assert.NoError(t, b.Run(ctx))
	assert.Equal(t, 1, c.len())
}

type fakeStarter struct {
	domains []string
	err     error
}

func (f *fakeStarter) Discover(_ context.Context, domain string, _ flow.DiscoveryInfo) (*flow.Directive, error) {
	f.domains = append(f.domains, domain)
	if f.err != nil {
		return nil, f.err
	}
	return &flow.Directive{Type: flow.ResultShowForm, FlowID: "f1"}, nil
}

func TestFlowSink(t *testing.T) {
	starter := &fakeStarter{}
	sink := FlowSink(starter, "vimar_ip_connector", zap.NewNop())

	sink(context.Background(), ToDiscoveryInfo(vimarEntry("device123.local.", "X1")))
	starter.err = errors.New("registry empty")
	sink(context.Background(), ToDiscoveryInfo(vimarEntry("device123.local.", "X1")))

	assert.Equal(t, []string{"vimar_ip_connector", "vimar_ip_connector"}, starter.domains)
}
