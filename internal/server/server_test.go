package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/fcr/internal/counters"
	"github.com/marcus-qen/fcr/internal/dispatch"
	"github.com/marcus-qen/fcr/internal/inventory"
	"github.com/marcus-qen/fcr/internal/protocol"
	"github.com/marcus-qen/fcr/internal/resolver"
	"github.com/marcus-qen/fcr/internal/session"
	"github.com/marcus-qen/fcr/internal/transport"
	"github.com/marcus-qen/fcr/internal/vendors"
)

// scriptedTransport answers every command with an echo, a fixed body, and
// the prompt.
type scriptedTransport struct {
	client    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedTransport() *scriptedTransport {
	s := &scriptedTransport{client: make(chan []byte, 64), closed: make(chan struct{})}
	s.client <- []byte("Welcome\r\nr1#")
	return s
}

func (s *scriptedTransport) Send(data []byte) error {
	str := string(data)
	if !strings.HasSuffix(str, "\n") {
		return nil
	}
	line := strings.TrimRight(str, "\n")
	select {
	case s.client <- []byte(line + "\r\nuptime is 4 weeks\r\nr1#"):
	case <-s.closed:
	}
	return nil
}

func (s *scriptedTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-s.client:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("stream closed")
	}
}

func (s *scriptedTransport) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func testServer(t *testing.T) (*httptest.Server, *counters.Registry) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	ctr := counters.New()

	store, err := inventory.NewStore(&inventory.StaticFetcher{Records: []inventory.Record{
		{Hostname: "rsw001.sfo", Vendor: "arista", Username: "netops", Password: "pw",
			PrefIPs: []inventory.IP{{Addr: "10.0.0.1"}}},
	}}, inventory.Options{}, logger)
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
		return newScriptedTransport(), nil
	}

	res := resolver.New(store, vendorRegistry, ctr, logger)
	registry := session.NewRegistry(ctr, logger)
	d := dispatch.New(res, registry, dial, nil, dispatch.Options{}, ctr, logger)

	srv := httptest.NewServer(New(d, ctr, logger, "test").Handler())
	t.Cleanup(srv.Close)
	return srv, ctr
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestRunEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/run", protocol.RunRequest{
		Command: "show version",
		Device:  protocol.Device{Hostname: "rsw001.sfo"},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result protocol.CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Status != protocol.SuccessStatus {
		t.Errorf("result status = %q", result.Status)
	}
	if !strings.Contains(result.Output, "uptime is 4 weeks") {
		t.Errorf("output = %q", result.Output)
	}
	if result.UUID == "" {
		t.Error("server should assign a uuid when the caller sends none")
	}
}

func TestRunEndpoint_UnknownDevice(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/run", protocol.RunRequest{
		Command: "show version",
		Device:  protocol.Device{Hostname: "ghost.sfo"},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var ae apiError
	if err := json.NewDecoder(resp.Body).Decode(&ae); err != nil {
		t.Fatal(err)
	}
	if ae.Code != protocol.CodeLookup {
		t.Errorf("code = %v", ae.Code)
	}
}

func TestRunEndpoint_BadBody(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/run", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBulkRunEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/bulk-run", protocol.BulkRunRequest{
		DeviceToCommands: []protocol.DeviceCommands{{
			Device:   protocol.Device{Hostname: "rsw001.sfo"},
			Commands: []string{"show version", "show clock"},
		}},
		TimeoutSec: 30,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out protocol.BulkRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out["rsw001.sfo"]) != 2 {
		t.Errorf("results = %+v", out)
	}
}

func postJSONWith(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Post(url, "application/json", strings.NewReader(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSessionEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	// Sessions are keyed by the client's TCP connection. clientA keeps one
	// connection alive across its requests; clientB arrives on a different
	// source port and must not see clientA's session.
	clientA := &http.Client{}
	clientB := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	defer clientA.CloseIdleConnections()

	resp := postJSONWith(t, clientA, srv.URL+"/api/v1/sessions", protocol.OpenSessionRequest{
		Device: protocol.Device{Hostname: "rsw001.sfo"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open status = %d", resp.StatusCode)
	}
	var handle protocol.SessionHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if handle.ID == 0 {
		t.Fatal("handle id not assigned")
	}

	idPath := srv.URL + "/api/v1/sessions/" + strconv.FormatUint(handle.ID, 10)

	// The opener's connection can run commands.
	resp = postJSONWith(t, clientA, idPath+"/run", protocol.RunSessionRequest{
		Command: "show version", TimeoutSec: 5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner run status = %d", resp.StatusCode)
	}
	var result protocol.CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if result.Status != protocol.SuccessStatus {
		t.Errorf("result = %+v", result)
	}

	// A different connection is another client: affinity rejects it.
	resp = postJSONWith(t, clientB, idPath+"/run", protocol.RunSessionRequest{
		Command: "show version", TimeoutSec: 5,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-connection run status = %d, want 404", resp.StatusCode)
	}
	var ae apiError
	if err := json.NewDecoder(resp.Body).Decode(&ae); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ae.Error, "session not found") {
		t.Errorf("error = %q", ae.Error)
	}
}

func TestCountersEndpoint(t *testing.T) {
	srv, ctr := testServer(t)
	ctr.Incr("session.setup")

	resp, err := http.Get(srv.URL + "/api/v1/counters")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var snapshot map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot["session.setup"] < 1 {
		t.Errorf("snapshot = %v", snapshot)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, ctr := testServer(t)
	ctr.Incr("session.connected")

	resp, err := http.Get(srv.URL + "/api/v1/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "fcr_counter") {
		t.Errorf("metrics output missing fcr_counter:\n%s", data)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
