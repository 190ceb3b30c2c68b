// Package dispatch implements the externally visible operations: single-shot
// run, bulk fan-out with peer chunking and load shedding, and the persistent
// session APIs with owner affinity.
package dispatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/fcr/internal/counters"
	"github.com/marcus-qen/fcr/internal/protocol"
	"github.com/marcus-qen/fcr/internal/resolver"
	"github.com/marcus-qen/fcr/internal/session"
	"github.com/marcus-qen/fcr/internal/telemetry"
)

// minRemoteTimeout is the floor for a forwarded bulk timeout after the
// remote-call overhead is subtracted.
const minRemoteTimeout = 10 * time.Second

// PeerClient forwards a bulk chunk to another instance.
type PeerClient interface {
	BulkRunLocal(ctx context.Context, req protocol.BulkRunRequest) (protocol.BulkRunResponse, error)
	Name() string
}

// Options tune the dispatcher. Zero values fall back to production defaults,
// except BulkRunJitter, where zero disables the per-device jitter.
type Options struct {
	LBThreshold        int
	RemoteCallOverhead time.Duration
	BulkSessionLimit   int
	BulkRetryLimit     int
	BulkRunJitter      time.Duration
	BulkRetryDelayMin  time.Duration
	BulkRetryDelayMax  time.Duration

	DefaultOpenTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.LBThreshold <= 0 {
		o.LBThreshold = 100
	}
	if o.RemoteCallOverhead <= 0 {
		o.RemoteCallOverhead = 20 * time.Second
	}
	if o.BulkSessionLimit <= 0 {
		o.BulkSessionLimit = 200
	}
	if o.BulkRetryLimit <= 0 {
		o.BulkRetryLimit = 5
	}
	if o.BulkRetryDelayMin <= 0 {
		o.BulkRetryDelayMin = 5 * time.Second
	}
	if o.BulkRetryDelayMax < o.BulkRetryDelayMin {
		o.BulkRetryDelayMax = o.BulkRetryDelayMin + 5*time.Second
	}
	if o.DefaultOpenTimeout <= 0 {
		o.DefaultOpenTimeout = 60 * time.Second
	}
	return o
}

// Dispatcher routes requests to sessions, locally or via peers.
type Dispatcher struct {
	resolver *resolver.Resolver
	registry *session.Registry
	dial     session.Dialer
	peers    []PeerClient
	opts     Options

	peerMu   sync.Mutex
	peerNext int

	bulkMu       sync.Mutex
	bulkSessions int

	counters *counters.Registry
	logger   *zap.Logger
}

// New creates a dispatcher.
func New(res *resolver.Resolver, reg *session.Registry, dial session.Dialer, peers []PeerClient, opts Options, ctr *counters.Registry, logger *zap.Logger) *Dispatcher {
	ctr.Register("bulk_run.local")
	ctr.Register("bulk_run.remote")
	ctr.Register("bulk_run.local.overload_error")
	ctr.Register("bulk_run.remote.overload_error")
	return &Dispatcher{
		resolver: res,
		registry: reg,
		dial:     dial,
		peers:    peers,
		opts:     opts.withDefaults(),
		counters: ctr,
		logger:   logger,
	}
}

// Run executes one command on one device over a transient session.
func (d *Dispatcher) Run(ctx context.Context, req protocol.RunRequest) (protocol.CommandResult, error) {
	ctx, span := telemetry.StartRunSpan(ctx, req.Device.Hostname, req.UUID)
	defer span.End()

	results, err := d.runCommands(ctx, []string{req.Command}, req.Device,
		protocol.Timeout(req.TimeoutSec, 0),
		protocol.Timeout(req.OpenTimeout, d.opts.DefaultOpenTimeout),
		req.UUID, false)
	if err != nil {
		// runCommands already counted the error.
		return protocol.CommandResult{}, err
	}
	return results[0], nil
}

// BulkRun fans a device→commands map out: locally when small enough, else
// in chunks of at most LBThreshold devices forwarded to peer instances.
func (d *Dispatcher) BulkRun(ctx context.Context, req protocol.BulkRunRequest) (protocol.BulkRunResponse, error) {
	ctx, span := telemetry.StartBulkSpan(ctx, len(req.DeviceToCommands), req.UUID)
	defer span.End()

	if len(req.DeviceToCommands) < d.opts.LBThreshold && d.bulkSessionCount() < d.opts.BulkSessionLimit {
		d.counters.Incr("bulk_run.local")
		return d.BulkRunLocal(ctx, req)
	}

	if len(d.peers) == 0 {
		// Nobody to shard to; run the whole request here.
		d.counters.Incr("bulk_run.local")
		return d.BulkRunLocal(ctx, req)
	}

	remoteTimeout := protocol.Timeout(req.TimeoutSec, 0) - d.opts.RemoteCallOverhead
	if remoteTimeout < minRemoteTimeout {
		return nil, protocol.SessionErrorf(protocol.CodeValue,
			"timeout %ds too low for bulk_run forwarding", req.TimeoutSec)
	}

	chunks := chunkDevices(req.DeviceToCommands, d.opts.LBThreshold)

	var wg sync.WaitGroup
	var mu sync.Mutex
	all := make(protocol.BulkRunResponse, len(req.DeviceToCommands))

	for _, chunk := range chunks {
		wg.Add(1)
		go func(chunk []protocol.DeviceCommands) {
			defer wg.Done()
			result := d.forwardChunk(ctx, protocol.BulkRunRequest{
				DeviceToCommands: chunk,
				TimeoutSec:       int(remoteTimeout / time.Second),
				OpenTimeout:      req.OpenTimeout,
				UUID:             req.UUID,
			})
			mu.Lock()
			for host, results := range result {
				all[host] = results
			}
			mu.Unlock()
		}(chunk)
	}
	wg.Wait()

	return all, nil
}

// forwardChunk runs one chunk on a peer, retrying elsewhere when the peer
// sheds load. After the retry budget the chunk fails device-by-device.
func (d *Dispatcher) forwardChunk(ctx context.Context, req protocol.BulkRunRequest) protocol.BulkRunResponse {
	d.counters.Incr("bulk_run.remote")

	for retry := 0; ; retry++ {
		peer, ok := d.nextPeer()
		if !ok {
			return bulkFailure(req.DeviceToCommands, "no peers available")
		}

		resp, err := peer.BulkRunLocal(ctx, req)
		if err == nil {
			return resp
		}
		if !protocol.IsOverloaded(err) {
			return bulkFailure(req.DeviceToCommands, err.Error())
		}

		// The peer was saturated; retry the chunk, hopefully elsewhere.
		d.counters.Incr("bulk_run.remote.overload_error")
		d.logger.Warn("peer overloaded, retrying chunk",
			zap.String("peer", peer.Name()), zap.Int("retry", retry))
		if retry >= d.opts.BulkRetryLimit {
			return bulkFailure(req.DeviceToCommands, err.Error())
		}

		delay := d.opts.BulkRetryDelayMin +
			rand.N(d.opts.BulkRetryDelayMax-d.opts.BulkRetryDelayMin+1)
		select {
		case <-ctx.Done():
			return bulkFailure(req.DeviceToCommands, ctx.Err().Error())
		case <-time.After(delay):
		}
	}
}

// BulkRunLocal executes a bulk request entirely on this instance, one
// concurrent unit of work per device. It refuses the request outright when
// admitting it would exceed the bulk session ceiling.
func (d *Dispatcher) BulkRunLocal(ctx context.Context, req protocol.BulkRunRequest) (protocol.BulkRunResponse, error) {
	devices := append([]protocol.DeviceCommands{}, req.DeviceToCommands...)
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Device.Hostname < devices[j].Device.Hostname
	})

	d.bulkMu.Lock()
	if d.bulkSessions+len(devices) > d.opts.BulkSessionLimit {
		count := d.bulkSessions
		d.bulkMu.Unlock()
		d.counters.Incr("bulk_run.local.overload_error")
		return nil, protocol.Overloadedf("too many sessions open: %d", count)
	}
	d.bulkSessions += len(devices)
	d.bulkMu.Unlock()

	defer func() {
		d.bulkMu.Lock()
		d.bulkSessions -= len(devices)
		d.bulkMu.Unlock()
	}()

	timeout := protocol.Timeout(req.TimeoutSec, 0)
	openTimeout := protocol.Timeout(req.OpenTimeout, d.opts.DefaultOpenTimeout)

	var wg sync.WaitGroup
	var mu sync.Mutex
	resp := make(protocol.BulkRunResponse, len(devices))

	for _, dc := range devices {
		wg.Add(1)
		go func(dc protocol.DeviceCommands) {
			defer wg.Done()

			// Stagger device logins to spread the load.
			if d.opts.BulkRunJitter > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(rand.N(d.opts.BulkRunJitter)):
				}
			}

			results, err := d.runCommands(ctx, dc.Commands, dc.Device,
				timeout, openTimeout, req.UUID, true)
			if err != nil {
				// returnExceptions mode never errors; belt and braces.
				results = []protocol.CommandResult{{
					Status: err.Error(),
					UUID:   req.UUID,
				}}
			}
			mu.Lock()
			resp[dc.Device.Hostname] = results
			mu.Unlock()
		}(dc)
	}
	wg.Wait()

	return resp, nil
}

// runCommands opens one transient session for a device and runs the command
// list in order. With returnExceptions, a failure becomes the final result
// entry (remaining commands are skipped) instead of an error.
func (d *Dispatcher) runCommands(ctx context.Context, commands []string, device protocol.Device, timeout, openTimeout time.Duration, uuid string, returnExceptions bool) ([]protocol.CommandResult, error) {
	fail := func(cmd string, results []protocol.CommandResult, err error) ([]protocol.CommandResult, error) {
		serr := protocol.AsSessionError(err)
		d.countError(serr)
		if !returnExceptions {
			return nil, serr
		}
		return append(results, protocol.CommandResult{
			Status:  serr.Error(),
			Command: cmd,
			UUID:    uuid,
		}), nil
	}

	target, err := d.resolver.Resolve(ctx, device)
	if err != nil {
		return fail("", nil, err)
	}

	s, err := session.Open(ctx, target, session.Options{
		OpenTimeout: openTimeout,
		UUID:        uuid,
	}, d.dial, d.counters, d.logger)
	if err != nil {
		return fail("", nil, err)
	}

	id, err := d.registry.Register(s, session.DispatcherOwner)
	if err != nil {
		_ = s.Close()
		return fail("", nil, err)
	}
	defer func() { _ = d.registry.Evict(id, session.DispatcherOwner) }()

	var results []protocol.CommandResult
	for _, cmd := range commands {
		output, err := s.Run(ctx, cmd, timeout, nil)
		if err != nil {
			return fail(cmd, results, err)
		}
		results = append(results, protocol.CommandResult{
			Output:       output,
			Status:       protocol.SuccessStatus,
			Command:      cmd,
			Capabilities: s.TakeCapabilities(),
			UUID:         uuid,
		})
	}
	return results, nil
}

// OpenSession opens a persistent session bound to the calling client.
func (d *Dispatcher) OpenSession(ctx context.Context, req protocol.OpenSessionRequest, owner session.Owner, raw bool) (protocol.SessionHandle, error) {
	target, err := d.resolver.Resolve(ctx, req.Device)
	if err != nil {
		return protocol.SessionHandle{}, d.openFailure(err)
	}

	s, err := session.Open(ctx, target, session.Options{
		OpenTimeout: protocol.Timeout(req.OpenTimeout, d.opts.DefaultOpenTimeout),
		IdleTimeout: protocol.Timeout(req.IdleTimeout, 10*time.Minute),
		Raw:         raw,
	}, d.dial, d.counters, d.logger)
	if err != nil {
		return protocol.SessionHandle{}, d.openFailure(err)
	}

	id, err := d.registry.Register(s, owner)
	if err != nil {
		_ = s.Close()
		return protocol.SessionHandle{}, d.openFailure(err)
	}

	return protocol.SessionHandle{
		ID:       id,
		Name:     target.Hostname,
		Hostname: req.Device.Hostname,
	}, nil
}

func (d *Dispatcher) openFailure(err error) error {
	serr := protocol.AsSessionError(err)
	d.countError(serr)
	return &protocol.SessionError{
		Code:    serr.Code,
		Message: fmt.Sprintf("open_session failed: %s", serr.Message),
		Err:     serr,
	}
}

// RunSession runs one command on a registered session. An explicit prompt
// regex is the raw-session contract: required there, rejected elsewhere.
func (d *Dispatcher) RunSession(ctx context.Context, id uint64, req protocol.RunSessionRequest, owner session.Owner) (protocol.CommandResult, error) {
	s, err := d.registry.Lookup(id, owner)
	if err != nil {
		return protocol.CommandResult{}, d.countError(err)
	}

	var override *regexp.Regexp
	if req.PromptRegex != "" {
		if !s.IsRaw() {
			return protocol.CommandResult{}, d.countError(protocol.SessionErrorf(
				protocol.CodeValidation, "prompt_regex is only valid on raw sessions"))
		}
		override, err = regexp.Compile("(?m)(" + req.PromptRegex + ")")
		if err != nil {
			return protocol.CommandResult{}, d.countError(protocol.SessionErrorf(
				protocol.CodeValidation, "prompt_regex: %v", err))
		}
	}

	output, err := s.Run(ctx, req.Command, protocol.Timeout(req.TimeoutSec, 0), override)
	if err != nil {
		// Command failures kill the session; drop it from the registry.
		// Validation rejections leave it READY and usable.
		if st := s.State(); st == session.StateFailed || st == session.StateClosed {
			_ = d.registry.Evict(id, owner)
		}
		serr := protocol.AsSessionError(err)
		d.countError(serr)
		return protocol.CommandResult{}, &protocol.SessionError{
			Code:    serr.Code,
			Message: fmt.Sprintf("run_session failed: %s", serr.Message),
			Err:     serr,
		}
	}

	return protocol.CommandResult{
		Output:       output,
		Status:       protocol.SuccessStatus,
		Command:      req.Command,
		Capabilities: s.TakeCapabilities(),
	}, nil
}

// CloseSession closes and evicts a registered session.
func (d *Dispatcher) CloseSession(ctx context.Context, id uint64, owner session.Owner) error {
	if err := d.registry.Evict(id, owner); err != nil {
		return d.countError(&protocol.SessionError{
			Code:    protocol.CodeLookup,
			Message: fmt.Sprintf("close_session failed: %s", err.Error()),
			Err:     err,
		})
	}
	return nil
}

func (d *Dispatcher) bulkSessionCount() int {
	d.bulkMu.Lock()
	defer d.bulkMu.Unlock()
	return d.bulkSessions
}

func (d *Dispatcher) nextPeer() (PeerClient, bool) {
	if len(d.peers) == 0 {
		return nil, false
	}
	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	peer := d.peers[d.peerNext%len(d.peers)]
	d.peerNext++
	return peer, true
}

// countError bumps the per-code error counter and passes the error through.
func (d *Dispatcher) countError(err error) error {
	serr := protocol.AsSessionError(err)
	d.counters.Incr("error." + serr.Code.String())
	return err
}

// bulkFailure builds the all-failed response for a chunk.
func bulkFailure(devices []protocol.DeviceCommands, message string) protocol.BulkRunResponse {
	resp := make(protocol.BulkRunResponse, len(devices))
	for _, dc := range devices {
		results := make([]protocol.CommandResult, 0, len(dc.Commands))
		for _, cmd := range dc.Commands {
			results = append(results, protocol.CommandResult{
				Status:  message,
				Command: cmd,
			})
		}
		resp[dc.Device.Hostname] = results
	}
	return resp
}

// chunkDevices splits the device list into chunks of at most size entries.
func chunkDevices(devices []protocol.DeviceCommands, size int) [][]protocol.DeviceCommands {
	var chunks [][]protocol.DeviceCommands
	for len(devices) > size {
		chunks = append(chunks, devices[:size])
		devices = devices[size:]
	}
	if len(devices) > 0 {
		chunks = append(chunks, devices)
	}
	return chunks
}
