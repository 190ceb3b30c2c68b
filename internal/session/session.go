// Package session drives one interactive device connection through its
// lifecycle: connect, setup, run commands, close. A session owns its
// transport and serializes commands; the registry (registry.go) owns the
// sessions and their idle/shutdown policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/fcr/internal/counters"
	"github.com/marcus-qen/fcr/internal/prompt"
	"github.com/marcus-qen/fcr/internal/protocol"
	"github.com/marcus-qen/fcr/internal/resolver"
	"github.com/marcus-qen/fcr/internal/telemetry"
	"github.com/marcus-qen/fcr/internal/transport"
)

// State is a session lifecycle state.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateSetup      State = "SETUP"
	StateReady      State = "READY"
	StateRunning    State = "RUNNING"
	StateClosing    State = "CLOSING"
	StateClosed     State = "CLOSED"
	StateFailed     State = "FAILED"
)

// Owner identifies the client connection a session is bound to. The
// dispatcher uses DispatcherOwner for transient single-shot sessions.
type Owner struct {
	IP   string
	Port int
}

// DispatcherOwner marks sessions not exposed to external clients.
var DispatcherOwner = Owner{IP: "dispatcher"}

// Dialer opens a transport; swapped out in tests.
type Dialer func(ctx context.Context, cfg transport.Config) (transport.Transport, error)

// Options configure one session.
type Options struct {
	OpenTimeout time.Duration
	IdleTimeout time.Duration

	// Raw skips the setup sequence; every command must then supply its own
	// prompt regex.
	Raw bool

	UUID string
}

// Session is a live connection to one device.
type Session struct {
	id     uint64
	owner  Owner
	target *resolver.Target
	opts   Options

	transport transport.Transport
	matcher   *prompt.Matcher

	// runMu serializes commands; callers observe FIFO order.
	runMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	capabilities string

	closeOnce sync.Once
	closeErr  error

	logger   *zap.Logger
	counters *counters.Registry
}

// Open resolves nothing: it takes an already-resolved target, connects
// (trying backup addresses in order), and runs the setup sequence. The
// whole open is bounded by opts.OpenTimeout.
func Open(ctx context.Context, target *resolver.Target, opts Options, dial Dialer, ctr *counters.Registry, logger *zap.Logger) (*Session, error) {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 60 * time.Second
	}

	s := &Session{
		owner:    DispatcherOwner,
		target:   target,
		opts:     opts,
		state:    StateConnecting,
		logger:   logger.With(zap.String("device", target.Hostname)),
		counters: ctr,
	}
	ctr.Incr("session.setup")

	ctx, span := telemetry.StartConnectSpan(ctx, target.Hostname, target.Profile.Name)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	if err := s.connect(ctx, dial); err != nil {
		ctr.Incr("session.failed")
		s.setState(StateFailed)
		return nil, err
	}

	s.setState(StateSetup)
	if err := s.setup(ctx); err != nil {
		ctr.Incr("session.failed")
		s.setState(StateFailed)
		_ = s.transport.Close()
		serr := protocol.AsSessionError(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The open timer expired mid-setup; that is a connection
			// timeout, not a command timeout.
			serr = protocol.SessionErrorf(protocol.CodeConnectionTimeout,
				"connection open timed out during setup: %s", serr.Message)
		}
		return nil, serr
	}

	s.setState(StateReady)
	s.touch()
	ctr.Incr("session.connected")
	s.logger.Info("session connected",
		zap.String("vendor", target.Profile.Name),
		zap.String("session_type", string(target.SessionType)))
	return s, nil
}

// connect tries each resolved address in order. Authentication rejections
// stop the failover immediately: the credentials will not get better on the
// backup address.
func (s *Session) connect(ctx context.Context, dial Dialer) error {
	lastErr := protocol.SessionErrorf(protocol.CodeConnectionError,
		"no addresses to try for %s", s.target.Hostname)
	for _, addr := range s.target.Addrs {
		cfg := transport.Config{
			Addr:        addr,
			Port:        s.target.Port,
			Username:    s.target.Username,
			Password:    s.target.Password,
			SessionType: s.target.SessionType,
			SessionData: s.target.SessionData,
			OpenTimeout: s.opts.OpenTimeout,
		}
		t, err := dial(ctx, cfg)
		if err == nil {
			s.transport = t
			if s.target.SessionType == protocol.SessionNetconf {
				s.matcher = prompt.NewNetconfMatcher()
			} else {
				s.matcher = prompt.NewMatcher()
			}
			return nil
		}

		lastErr = transport.ClassifyDialError(err)
		s.logger.Warn("connect attempt failed",
			zap.String("addr", addr), zap.Error(err))
		if lastErr.Code == protocol.CodePermission {
			break
		}
	}
	return lastErr
}

// setup brings the connected transport to the READY baseline.
func (s *Session) setup(ctx context.Context) error {
	if s.target.SessionType == protocol.SessionNetconf {
		return s.setupNetconf(ctx)
	}
	if s.opts.Raw {
		// Raw sessions leave the device untouched; the caller supplies a
		// prompt regex with every command.
		return nil
	}

	// The device prints banner + first prompt after login.
	if _, err := s.waitMatch(ctx, s.target.Profile.PromptPattern()); err != nil {
		return fmt.Errorf("waiting for initial prompt: %w", err)
	}

	for _, cmd := range s.target.PreSetup {
		if _, err := s.runLine(ctx, cmd, s.target.Profile.PromptPattern()); err != nil {
			return fmt.Errorf("pre-setup %q: %w", cmd, err)
		}
	}
	for _, cmd := range s.target.Profile.CLISetup {
		if _, err := s.runLine(ctx, cmd, s.target.Profile.PromptPattern()); err != nil {
			return fmt.Errorf("cli setup %q: %w", cmd, err)
		}
	}
	return nil
}

// setupNetconf reads the server hello, stores it for the first result, and
// sends our hello.
func (s *Session) setupNetconf(ctx context.Context) error {
	match, err := s.waitEOM(ctx)
	if err != nil {
		return fmt.Errorf("waiting for netconf hello: %w", err)
	}
	s.mu.Lock()
	s.capabilities = string(prompt.FixupWhitespace(match.Output))
	s.mu.Unlock()

	return s.sendNetconf([]byte(netconfHello))
}

const netconfHello = `<?xml version="1.0" encoding="UTF-8" ?>
<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
  <capabilities>
    <capability>urn:ietf:params:netconf:base:1.0</capability>
  </capabilities>
</hello>
`

// Run executes a command and returns its output. Multi-line commands
// (configlets) run as an ordered sequence of sub-commands; a failing
// sub-command aborts the remainder. promptOverride is the raw-session
// escape hatch and wins over every other prompt source.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration, promptOverride *regexp.Regexp) (string, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if st := s.State(); st != StateReady {
		return "", protocol.SessionErrorf(protocol.CodeRuntime,
			"session %d not ready (state %s)", s.ID(), st)
	}
	if s.opts.Raw && promptOverride == nil && s.target.SessionType != protocol.SessionNetconf {
		return "", protocol.SessionErrorf(protocol.CodeValidation, "prompt_regex not specified")
	}
	s.setState(StateRunning)

	if timeout <= 0 {
		timeout = s.target.Profile.CmdTimeout
	}
	ctx, span := telemetry.StartCommandSpan(ctx, s.target.Hostname, command)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.drainStale(ctx)

	// Configlet splitting is a CLI notion; NETCONF payloads are one framed
	// message regardless of line count.
	lines := []string{command}
	if s.target.SessionType != protocol.SessionNetconf {
		lines = splitConfiglet(command)
	}

	var outputs []string
	for _, line := range lines {
		out, err := s.runOne(ctx, line, promptOverride)
		if err != nil {
			s.fail()
			return strings.Join(outputs, "\n"), protocol.AsSessionError(err)
		}
		outputs = append(outputs, out)
	}

	s.setState(StateReady)
	s.touch()
	return strings.Join(outputs, "\n"), nil
}

// splitConfiglet splits a multi-line command into sub-commands. A trailing
// newline does not produce an empty trailing command.
func splitConfiglet(command string) []string {
	return strings.Split(strings.TrimRight(command, "\n"), "\n")
}

func (s *Session) runOne(ctx context.Context, line string, promptOverride *regexp.Regexp) (string, error) {
	if s.target.SessionType == protocol.SessionNetconf {
		return s.runNetconf(ctx, line)
	}

	pattern := promptOverride
	if pattern == nil {
		pattern = s.commandPrompt(line)
	}
	return s.runLine(ctx, line, pattern)
}

// commandPrompt resolves the prompt for one command: the device per-command
// override when configured, else the vendor set.
func (s *Session) commandPrompt(line string) *regexp.Regexp {
	if override, ok := s.target.CommandPrompts[strings.TrimSpace(line)]; ok {
		if re, err := vendorPromptRE(override); err == nil {
			return re
		}
		s.logger.Warn("invalid per-command prompt override, using vendor prompts",
			zap.String("command", line))
	}
	return s.target.Profile.PromptPattern()
}

func vendorPromptRE(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(" + pattern + `)[ \t\r]*$`)
}

// runLine sends one CLI command and waits for the prompt.
func (s *Session) runLine(ctx context.Context, line string, pattern *regexp.Regexp) (string, error) {
	if s.target.ClearCommand != "" {
		if err := s.transport.Send([]byte(s.target.ClearCommand)); err != nil {
			return "", protocol.NewSessionError(protocol.CodeDeviceError, err)
		}
	}
	s.logger.Debug("run", zap.String("command", line))
	if err := s.transport.Send([]byte(line + "\n")); err != nil {
		return "", protocol.NewSessionError(protocol.CodeDeviceError, err)
	}

	match, err := s.waitMatch(ctx, pattern)
	if err != nil {
		return "", err
	}
	return prompt.ExtractOutput(line, match), nil
}

// runNetconf frames one request and waits for the end-of-message marker.
func (s *Session) runNetconf(ctx context.Context, payload string) (string, error) {
	if err := s.sendNetconf([]byte(payload)); err != nil {
		return "", protocol.NewSessionError(protocol.CodeDeviceError, err)
	}
	match, err := s.waitEOM(ctx)
	if err != nil {
		return "", err
	}
	return string(prompt.FixupWhitespace(match.Output)), nil
}

func (s *Session) sendNetconf(payload []byte) error {
	framed := make([]byte, 0, len(payload)+len(prompt.NetconfEOM)+2)
	framed = append(framed, '\n')
	framed = append(framed, payload...)
	framed = append(framed, prompt.NetconfEOM...)
	framed = append(framed, '\n')
	return s.transport.Send(framed)
}

// waitMatch feeds received chunks to the matcher until the pattern matches
// or the context deadline expires.
func (s *Session) waitMatch(ctx context.Context, pattern *regexp.Regexp) (*prompt.Match, error) {
	for {
		if match := s.matcher.Find(pattern); match != nil {
			return match, nil
		}
		if err := s.feedNext(ctx); err != nil {
			return nil, err
		}
	}
}

// waitEOM is waitMatch for NETCONF framing.
func (s *Session) waitEOM(ctx context.Context) (*prompt.Match, error) {
	for {
		if match := s.matcher.FindEOM(); match != nil {
			return match, nil
		}
		if err := s.feedNext(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *Session) feedNext(ctx context.Context) error {
	chunk, err := s.transport.Recv(ctx)
	if err != nil {
		return s.classifyRecvError(err)
	}
	s.counters.Incr("streamreader.wait_for_retry")
	s.matcher.Feed(chunk)
	return nil
}

func (s *Session) classifyRecvError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		tail := s.matcher.Tail(200)
		return protocol.SessionErrorf(protocol.CodeCommandExecutionTimeout,
			"command response timed out; partial output: %q", tail)
	case errors.Is(err, io.EOF):
		return protocol.SessionErrorf(protocol.CodeStreamReader,
			"stream closed by device before prompt")
	case errors.Is(err, context.Canceled):
		return protocol.NewSessionError(protocol.CodeTimeout, err)
	default:
		return protocol.NewSessionError(protocol.CodeDeviceError, err)
	}
}

// drainStale discards bytes left over from a previous command. There should
// be none; leftovers are logged since they usually mean a prompt regex
// matched too early.
func (s *Session) drainStale(ctx context.Context) {
	for {
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		chunk, err := s.transport.Recv(drainCtx)
		cancel()
		if err != nil {
			break
		}
		s.matcher.Feed(chunk)
	}
	if stale := s.matcher.Drain(); len(stale) > 0 {
		s.logger.Warn("stale data on session", zap.ByteString("data", stale))
	}
}

// fail marks the session dead and releases the transport.
func (s *Session) fail() {
	s.counters.Incr("session.failed")
	s.setState(StateFailed)
	_ = s.transport.Close()
}

// Close tears the session down. Safe to call more than once; the first
// call sends the vendor disconnect, later calls only force the transport
// closed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		if exit := s.target.Profile.ExitCommand; exit != "" && s.transport != nil {
			_ = s.transport.Send([]byte(exit + "\n"))
		}
		if s.transport != nil {
			s.closeErr = s.transport.Close()
		}
		s.setState(StateClosed)
		s.counters.Incr("session.closed")
		s.logger.Debug("session closed")
	})
	if s.transport != nil {
		_ = s.transport.Close()
	}
	return s.closeErr
}

// TakeCapabilities returns the stored NETCONF hello once.
func (s *Session) TakeCapabilities() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hello := s.capabilities
	s.capabilities = ""
	return hello
}

// ID returns the registry-assigned id (zero before registration).
func (s *Session) ID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Hostname returns the device hostname.
func (s *Session) Hostname() string { return s.target.Hostname }

// IsRaw reports whether the session was opened raw.
func (s *Session) IsRaw() bool { return s.opts.Raw }

// Owner returns the owning client connection.
func (s *Session) Owner() Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince reports whether the session has been idle past the cutoff.
// A running session is never idle.
func (s *Session) IdleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.lastActivity.Before(cutoff)
}

// IdleTimeout returns the configured idle timeout (zero = no expiry).
func (s *Session) IdleTimeout() time.Duration { return s.opts.IdleTimeout }
