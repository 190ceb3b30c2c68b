package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/fcr/internal/counters"
	"github.com/marcus-qen/fcr/internal/inventory"
	"github.com/marcus-qen/fcr/internal/protocol"
	"github.com/marcus-qen/fcr/internal/resolver"
	"github.com/marcus-qen/fcr/internal/session"
	"github.com/marcus-qen/fcr/internal/transport"
	"github.com/marcus-qen/fcr/internal/vendors"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

// fakeDeviceTransport scripts one device conversation for dispatcher tests.
type fakeDeviceTransport struct {
	mu     sync.Mutex
	client chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	bodies map[string]string
	silent map[string]bool
}

func newFakeDevice(bodies map[string]string, silent map[string]bool) *fakeDeviceTransport {
	f := &fakeDeviceTransport{
		client: make(chan []byte, 64),
		closed: make(chan struct{}),
		bodies: bodies,
		silent: silent,
	}
	f.push("Welcome\r\nr1#")
	return f
}

func (f *fakeDeviceTransport) push(s string) {
	select {
	case f.client <- []byte(s):
	case <-f.closed:
	}
}

func (f *fakeDeviceTransport) Send(data []byte) error {
	s := string(data)
	if !strings.HasSuffix(s, "\n") {
		return nil // clear command etc.
	}
	line := strings.TrimRight(s, "\n")
	if f.silent[line] {
		return nil
	}
	if body, ok := f.bodies[line]; ok {
		f.push(line + "\r\n" + body + "\r\nr1#")
	} else {
		f.push(line + "\r\nr1#")
	}
	return nil
}

func (f *fakeDeviceTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-f.client:
		return chunk, nil
	default:
	}
	select {
	case chunk := <-f.client:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errors.New("stream closed")
	}
}

func (f *fakeDeviceTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// testFleet wires a dispatcher over a static inventory and a scripted dial.
// Address conventions: 10.0.0.1 answers, 10.0.0.2 refuses connections,
// 10.0.0.3 rejects authentication.
func testFleet(t *testing.T, opts Options, peers []PeerClient, hostnames ...string) (*Dispatcher, *session.Registry) {
	t.Helper()
	logger := testLogger()
	ctr := counters.New()

	records := make([]inventory.Record, 0, len(hostnames))
	for _, h := range hostnames {
		addr := "10.0.0.1"
		switch {
		case strings.HasPrefix(h, "unreachable"):
			addr = "10.0.0.2"
		case strings.HasPrefix(h, "locked"):
			addr = "10.0.0.3"
		}
		records = append(records, inventory.Record{
			Hostname: h, Vendor: "arista", Username: "netops", Password: "pw",
			PrefIPs: []inventory.IP{{Addr: addr}},
		})
	}

	store, err := inventory.NewStore(&inventory.StaticFetcher{Records: records}, inventory.Options{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	vendorRegistry, err := vendors.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}

	dial := func(ctx context.Context, cfg transport.Config) (transport.Transport, error) {
		switch cfg.Addr {
		case "10.0.0.2":
			return nil, errors.New("connect: connection refused")
		case "10.0.0.3":
			return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate")
		}
		return newFakeDevice(map[string]string{
			"show version": "Arista vEOS\r\nSoftware image version: 4.20.1F",
			"show clock":   "Mon Aug 3 12:00:00 2026",
		}, map[string]bool{"slow": true}), nil
	}

	res := resolver.New(store, vendorRegistry, ctr, logger)
	registry := session.NewRegistry(ctr, logger)
	return New(res, registry, dial, peers, opts, ctr, logger), registry
}

func TestRun_Success(t *testing.T) {
	d, registry := testFleet(t, Options{}, nil, "rsw001.sfo")

	result, err := d.Run(context.Background(), protocol.RunRequest{
		Command: "show version",
		Device:  protocol.Device{Hostname: "rsw001.sfo"},
		UUID:    "req-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != protocol.SuccessStatus {
		t.Errorf("status = %q", result.Status)
	}
	if result.Command != "show version" {
		t.Errorf("command = %q", result.Command)
	}
	if !strings.Contains(result.Output, "Software image version: 4.20.1F") {
		t.Errorf("output = %q", result.Output)
	}
	if strings.Contains(result.Output, "r1#") {
		t.Errorf("output contains prompt: %q", result.Output)
	}
	if result.UUID != "req-1" {
		t.Errorf("uuid = %q", result.UUID)
	}

	// The transient session is gone after the call.
	if registry.Count() != 0 {
		t.Errorf("registry count = %d", registry.Count())
	}
}

func TestRun_CommandTimeout(t *testing.T) {
	d, registry := testFleet(t, Options{}, nil, "rsw001.sfo")

	_, err := d.Run(context.Background(), protocol.RunRequest{
		Command:    "slow",
		Device:     protocol.Device{Hostname: "rsw001.sfo"},
		TimeoutSec: 1,
	})
	var serr *protocol.SessionError
	if !errors.As(err, &serr) || serr.Code != protocol.CodeCommandExecutionTimeout {
		t.Fatalf("expected COMMAND_EXECUTION_TIMEOUT, got %v", err)
	}
	if registry.Count() != 0 {
		t.Errorf("failed session not evicted: count = %d", registry.Count())
	}
}

func TestRun_AuthRejected(t *testing.T) {
	d, _ := testFleet(t, Options{}, nil, "locked.sfo")

	_, err := d.Run(context.Background(), protocol.RunRequest{
		Command:     "x",
		Device:      protocol.Device{Hostname: "locked.sfo"},
		OpenTimeout: 2,
	})
	var serr *protocol.SessionError
	if !errors.As(err, &serr) || serr.Code != protocol.CodePermission {
		t.Fatalf("expected PERMISSION_ERROR, got %v", err)
	}
}

func TestBulkRun_PartialFailure(t *testing.T) {
	d, _ := testFleet(t, Options{}, nil, "rsw001.sfo", "unreachable.sfo")

	resp, err := d.BulkRun(context.Background(), protocol.BulkRunRequest{
		DeviceToCommands: []protocol.DeviceCommands{
			{Device: protocol.Device{Hostname: "rsw001.sfo"}, Commands: []string{"show clock"}},
			{Device: protocol.Device{Hostname: "unreachable.sfo"}, Commands: []string{"show clock"}},
		},
		TimeoutSec: 30,
	})
	if err != nil {
		t.Fatalf("bulk_run must not fail as a whole: %v", err)
	}

	// Every requested hostname appears in the response.
	if len(resp) != 2 {
		t.Fatalf("response keys = %d", len(resp))
	}

	good := resp["rsw001.sfo"]
	if len(good) != 1 || good[0].Status != protocol.SuccessStatus {
		t.Errorf("good device results = %+v", good)
	}

	bad := resp["unreachable.sfo"]
	if len(bad) != 1 {
		t.Fatalf("bad device results = %+v", bad)
	}
	if bad[0].Status == protocol.SuccessStatus {
		t.Error("unreachable device reported success")
	}
	if !strings.Contains(bad[0].Status, "CONNECTION_ERROR") {
		t.Errorf("status = %q, want a connection error", bad[0].Status)
	}
}

func TestBulkRun_CommandSequenceAbortsPerDevice(t *testing.T) {
	d, _ := testFleet(t, Options{}, nil, "rsw001.sfo")

	resp, err := d.BulkRun(context.Background(), protocol.BulkRunRequest{
		DeviceToCommands: []protocol.DeviceCommands{{
			Device:   protocol.Device{Hostname: "rsw001.sfo"},
			Commands: []string{"show clock", "slow", "show version"},
		}},
		TimeoutSec: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	results := resp["rsw001.sfo"]
	if len(results) != 2 {
		t.Fatalf("results = %+v, want success then failure", results)
	}
	if results[0].Status != protocol.SuccessStatus || results[0].Command != "show clock" {
		t.Errorf("first result = %+v", results[0])
	}
	if results[1].Status == protocol.SuccessStatus || results[1].Command != "slow" {
		t.Errorf("second result = %+v", results[1])
	}
}

// fakePeer records forwarded chunks.
type fakePeer struct {
	mu    sync.Mutex
	calls []protocol.BulkRunRequest
	fn    func(req protocol.BulkRunRequest) (protocol.BulkRunResponse, error)
}

func (p *fakePeer) Name() string { return "fake-peer" }

func (p *fakePeer) BulkRunLocal(ctx context.Context, req protocol.BulkRunRequest) (protocol.BulkRunResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(req)
	}
	resp := make(protocol.BulkRunResponse)
	for _, dc := range req.DeviceToCommands {
		for _, cmd := range dc.Commands {
			resp[dc.Device.Hostname] = append(resp[dc.Device.Hostname], protocol.CommandResult{
				Status: protocol.SuccessStatus, Command: cmd,
			})
		}
	}
	return resp, nil
}

func (p *fakePeer) recorded() []protocol.BulkRunRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.BulkRunRequest{}, p.calls...)
}

func TestBulkRun_ChunksToPeers(t *testing.T) {
	peer := &fakePeer{}
	hosts := []string{"a.sfo", "b.sfo", "c.sfo", "d.sfo", "e.sfo"}
	d, _ := testFleet(t, Options{
		LBThreshold:        2,
		RemoteCallOverhead: 20 * time.Second,
	}, []PeerClient{peer}, hosts...)

	var dtc []protocol.DeviceCommands
	for _, h := range hosts {
		dtc = append(dtc, protocol.DeviceCommands{
			Device: protocol.Device{Hostname: h}, Commands: []string{"show clock"},
		})
	}

	resp, err := d.BulkRun(context.Background(), protocol.BulkRunRequest{
		DeviceToCommands: dtc,
		TimeoutSec:       60,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != len(hosts) {
		t.Errorf("response keys = %d, want %d", len(resp), len(hosts))
	}

	calls := peer.recorded()
	if len(calls) == 0 {
		t.Fatal("no chunks forwarded to peer")
	}
	seen := 0
	for _, call := range calls {
		if len(call.DeviceToCommands) > 2 {
			t.Errorf("chunk size %d exceeds lb_threshold", len(call.DeviceToCommands))
		}
		seen += len(call.DeviceToCommands)

		// Forwarded timeout = caller timeout - remote_call_overhead.
		if call.TimeoutSec != 40 {
			t.Errorf("forwarded timeout = %d, want 40", call.TimeoutSec)
		}
	}
	if seen != len(hosts) {
		t.Errorf("devices forwarded = %d, want %d", seen, len(hosts))
	}
}

func TestBulkRun_TimeoutTooLowForForwarding(t *testing.T) {
	peer := &fakePeer{}
	d, _ := testFleet(t, Options{
		LBThreshold:        1,
		RemoteCallOverhead: 20 * time.Second,
	}, []PeerClient{peer}, "a.sfo", "b.sfo")

	_, err := d.BulkRun(context.Background(), protocol.BulkRunRequest{
		DeviceToCommands: []protocol.DeviceCommands{
			{Device: protocol.Device{Hostname: "a.sfo"}, Commands: []string{"x"}},
			{Device: protocol.Device{Hostname: "b.sfo"}, Commands: []string{"x"}},
		},
		TimeoutSec: 25,
	})
	var serr *protocol.SessionError
	if !errors.As(err, &serr) || serr.Code != protocol.CodeValue {
		t.Fatalf("expected VALUE_ERROR for too-low timeout, got %v", err)
	}
}

func TestBulkRunLocal_LoadShedding(t *testing.T) {
	d, _ := testFleet(t, Options{BulkSessionLimit: 1}, nil, "a.sfo", "b.sfo")

	_, err := d.BulkRunLocal(context.Background(), protocol.BulkRunRequest{
		DeviceToCommands: []protocol.DeviceCommands{
			{Device: protocol.Device{Hostname: "a.sfo"}, Commands: []string{"show clock"}},
			{Device: protocol.Device{Hostname: "b.sfo"}, Commands: []string{"show clock"}},
		},
		TimeoutSec: 30,
	})
	if !protocol.IsOverloaded(err) {
		t.Fatalf("expected InstanceOverloaded, got %v", err)
	}
}

func TestBulkRun_RetryExhaustionOnOverloadedPeers(t *testing.T) {
	peer := &fakePeer{fn: func(req protocol.BulkRunRequest) (protocol.BulkRunResponse, error) {
		return nil, protocol.Overloadedf("too many sessions open: 999")
	}}
	d, _ := testFleet(t, Options{
		LBThreshold:        1,
		RemoteCallOverhead: 20 * time.Second,
		BulkRetryLimit:     2,
		BulkRetryDelayMin:  time.Millisecond,
		BulkRetryDelayMax:  2 * time.Millisecond,
	}, []PeerClient{peer}, "a.sfo", "b.sfo")

	resp, err := d.BulkRun(context.Background(), protocol.BulkRunRequest{
		DeviceToCommands: []protocol.DeviceCommands{
			{Device: protocol.Device{Hostname: "a.sfo"}, Commands: []string{"x"}},
			{Device: protocol.Device{Hostname: "b.sfo"}, Commands: []string{"x"}},
		},
		TimeoutSec: 60,
	})
	if err != nil {
		t.Fatalf("bulk_run must degrade to per-device failures: %v", err)
	}
	for host, results := range resp {
		if len(results) != 1 || results[0].Status == protocol.SuccessStatus {
			t.Errorf("%s results = %+v", host, results)
		}
		if !strings.Contains(results[0].Status, "too many sessions") {
			t.Errorf("%s status = %q", host, results[0].Status)
		}
	}

	// Retries happened: more calls than chunks.
	if calls := peer.recorded(); len(calls) <= 2 {
		t.Errorf("expected retries beyond the 2 chunks, got %d calls", len(calls))
	}
}

func TestSessionLifecycle_Affinity(t *testing.T) {
	d, _ := testFleet(t, Options{}, nil, "rsw001.sfo")
	clientA := session.Owner{IP: "10.1.1.1", Port: 4242}
	clientB := session.Owner{IP: "10.2.2.2", Port: 5353}

	handle, err := d.OpenSession(context.Background(), protocol.OpenSessionRequest{
		Device: protocol.Device{Hostname: "rsw001.sfo"},
	}, clientA, false)
	if err != nil {
		t.Fatal(err)
	}

	// The opener can run commands.
	result, err := d.RunSession(context.Background(), handle.ID, protocol.RunSessionRequest{
		Command: "show clock", TimeoutSec: 5,
	}, clientA)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != protocol.SuccessStatus {
		t.Errorf("status = %q", result.Status)
	}

	// Another client cannot.
	_, err = d.RunSession(context.Background(), handle.ID, protocol.RunSessionRequest{
		Command: "show clock", TimeoutSec: 5,
	}, clientB)
	if err == nil || !strings.Contains(err.Error(), "session not found") {
		t.Fatalf("expected session not found for other client, got %v", err)
	}
	if err := d.CloseSession(context.Background(), handle.ID, clientB); err == nil {
		t.Fatal("close from other client should fail")
	}

	// Close succeeds exactly once for the owner.
	if err := d.CloseSession(context.Background(), handle.ID, clientA); err != nil {
		t.Fatal(err)
	}
	if err := d.CloseSession(context.Background(), handle.ID, clientA); err == nil {
		t.Fatal("second close should fail")
	}
}

func TestRunSession_FailureEvicts(t *testing.T) {
	d, registry := testFleet(t, Options{}, nil, "rsw001.sfo")
	owner := session.Owner{IP: "10.1.1.1", Port: 4242}

	handle, err := d.OpenSession(context.Background(), protocol.OpenSessionRequest{
		Device: protocol.Device{Hostname: "rsw001.sfo"},
	}, owner, false)
	if err != nil {
		t.Fatal(err)
	}

	_, err = d.RunSession(context.Background(), handle.ID, protocol.RunSessionRequest{
		Command: "slow", TimeoutSec: 1,
	}, owner)
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(err.Error(), "run_session failed") {
		t.Errorf("error = %v", err)
	}

	if registry.Count() != 0 {
		t.Errorf("failed session not evicted: %d", registry.Count())
	}
	_, err = d.RunSession(context.Background(), handle.ID, protocol.RunSessionRequest{
		Command: "show clock", TimeoutSec: 5,
	}, owner)
	if err == nil || !strings.Contains(err.Error(), "session not found") {
		t.Fatalf("expected session not found after eviction, got %v", err)
	}
}

func TestRawSessionFlow(t *testing.T) {
	d, _ := testFleet(t, Options{}, nil, "rsw001.sfo")
	owner := session.Owner{IP: "10.1.1.1", Port: 4242}

	handle, err := d.OpenSession(context.Background(), protocol.OpenSessionRequest{
		Device: protocol.Device{Hostname: "rsw001.sfo"},
	}, owner, true)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.CloseSession(context.Background(), handle.ID, owner) }()

	// Raw run without a prompt regex is rejected.
	_, err = d.RunSession(context.Background(), handle.ID, protocol.RunSessionRequest{
		Command: "show clock", TimeoutSec: 5,
	}, owner)
	if err == nil {
		t.Fatal("expected prompt_regex error")
	}

	result, err := d.RunSession(context.Background(), handle.ID, protocol.RunSessionRequest{
		Command: "show clock", TimeoutSec: 5, PromptRegex: `r1#`,
	}, owner)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Output, "Mon Aug 3") {
		t.Errorf("output = %q", result.Output)
	}
}
