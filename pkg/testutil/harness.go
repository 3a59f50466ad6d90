// Package testutil provides testing utilities for setup flows.
// FlowEnv wires the real flow manager, entry store, event hub, discovery
// browser and HTTP API together behind an httptest server.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"vimarconnector/internal/api"
	"vimarconnector/internal/discovery"
	"vimarconnector/internal/entries"
	"vimarconnector/internal/flowmanager"
	"vimarconnector/internal/plugins/vimar"
	"vimarconnector/internal/realtime"
	"vimarconnector/pkg/flow"

	"github.com/gorilla/websocket"
	"github.com/libp2p/zeroconf/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// FlowEnvOptions configure a FlowEnv.
type FlowEnvOptions struct {
	// ValidateConnection turns on device validation with the env's MockAuthenticator.
	ValidateConnection bool

	// EntriesFile persists entries to a file. Empty keeps them in memory.
	EntriesFile string
}

// FlowEnv provides a complete test environment for setup flow integration tests.
type FlowEnv struct {
	Server   *httptest.Server
	Manager  *flowmanager.Manager
	Store    *entries.Store
	Hub      *realtime.Hub
	Auth     *MockAuthenticator
	Metrics  *prometheus.Registry
	Logger   *zap.Logger
	Registry *flow.Registry

	announce chan *zeroconf.ServiceEntry
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewFlowEnv creates a fully configured test environment with a running API
// server and discovery browser fed by Announce.
//
// Example usage:
//
//	env, err := testutil.NewFlowEnv(testutil.FlowEnvOptions{})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//
//	d, err := env.StartFlow(vimar.Domain)
func NewFlowEnv(opts FlowEnvOptions) (*FlowEnv, error) {
	logger, _ := zap.NewDevelopment()

	auth := NewMockAuthenticator()
	registry := flow.NewRegistry()
	if err := vimar.Register(registry, vimar.Options{
		ValidateConnection: opts.ValidateConnection,
		Authenticator:      auth,
	}); err != nil {
		return nil, fmt.Errorf("failed to register vimar flow: %w", err)
	}

	store := entries.NewStore(opts.EntriesFile, logger)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}

	hub := realtime.NewHub(logger)
	store.Subscribe(hub.EntryChanged)

	metrics := prometheus.NewRegistry()
	manager := flowmanager.New(registry, store, logger,
		flowmanager.WithPublisher(hub),
		flowmanager.WithMetrics(flowmanager.NewMetrics(metrics)))

	server := api.NewServer(api.Deps{
		Flows:   manager,
		Entries: store,
		Events:  hub,
		Metrics: promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}),
	}, logger, 0)

	env := &FlowEnv{
		Server:   httptest.NewServer(server.Handler()),
		Manager:  manager,
		Store:    store,
		Hub:      hub,
		Auth:     auth,
		Metrics:  metrics,
		Logger:   logger,
		Registry: registry,
		announce: make(chan *zeroconf.ServiceEntry),
		done:     make(chan struct{}),
	}

	browser := discovery.NewBrowser(discovery.Config{},
		discovery.FlowSink(manager, vimar.Domain, logger),
		logger,
		discovery.WithBrowseFunc(env.browse))

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() {
		defer close(env.done)
		_ = browser.Run(ctx)
	}()

	return env, nil
}

// browse forwards announced entries to the browser.
func (e *FlowEnv) browse(ctx context.Context, _, _ string, out chan<- *zeroconf.ServiceEntry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-e.announce:
			select {
			case out <- entry:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Announce simulates a device announcing itself over mDNS.
func (e *FlowEnv) Announce(hostname, deviceID string, port int) {
	entry := zeroconf.NewServiceEntry("Vimar IP Connector", discovery.DefaultService, discovery.DefaultDomain)
	entry.HostName = hostname
	entry.Port = port
	if deviceID != "" {
		entry.Text = []string{"deviceuid=" + deviceID}
	}
	e.announce <- entry
}

// URL returns the base URL of the API server.
func (e *FlowEnv) URL() string {
	return e.Server.URL
}

// DialEvents connects to the WebSocket event stream.
func (e *FlowEnv) DialEvents() (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(e.Server.URL, "http") + "/ws/flows"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

// StartFlow starts a user flow for handler over HTTP.
func (e *FlowEnv) StartFlow(handler string) (*flow.Directive, error) {
	return e.post("/api/flows", map[string]any{"handler": handler})
}

// Submit sends input to the current step of a flow over HTTP.
func (e *FlowEnv) Submit(flowID string, input map[string]any) (*flow.Directive, error) {
	if input == nil {
		input = map[string]any{}
	}
	return e.post("/api/flows/"+flowID, input)
}

func (e *FlowEnv) post(path string, body any) (*flow.Directive, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := e.Server.Client().Post(e.Server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, apiErr.Error)
	}

	var d flow.Directive
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode directive: %w", err)
	}
	return &d, nil
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the FlowEnv.
func (e *FlowEnv) Cleanup() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	if e.Server != nil {
		e.Server.Close()
	}
}
