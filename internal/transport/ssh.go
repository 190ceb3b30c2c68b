package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/marcus-qen/fcr/internal/protocol"
)

const termType = "vt100"

// readChunkSize is the read granularity of the receive loop.
const readChunkSize = 32 * 1024

// sshTransport is a Transport over one SSH session channel.
type sshTransport struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	chunks chan []byte

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
	closed    chan struct{}

	logger *zap.Logger
}

// Dial opens an SSH connection and the channel variant selected by the
// session type. The whole open is bounded by cfg.OpenTimeout.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (Transport, error) {
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cfg.Password),
			ssh.KeyboardInteractive(passwordChallenge(cfg.Password)),
		},
		// Network devices rotate host keys on RMA and rarely publish them;
		// verification would make half the fleet unreachable.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         timeout,
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Addr, fmt.Sprintf("%d", port))

	start := time.Now()
	client, err := dialContext(ctx, addr, clientCfg, timeout)
	if err != nil {
		return nil, err
	}

	t := &sshTransport{
		client: client,
		chunks: make(chan []byte, 32),
		closed: make(chan struct{}),
		logger: logger,
	}

	// The channel open gets whatever is left of the open budget.
	openCtx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- t.openChannel(cfg) }()
	select {
	case err = <-errc:
	case <-openCtx.Done():
		err = fmt.Errorf("open ssh channel: %w", openCtx.Err())
	}
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return t, nil
}

// passwordChallenge answers keyboard-interactive prompts with the password.
// Many network platforms only advertise this method.
func passwordChallenge(password string) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}
}

// dialContext runs ssh.Dial under both the context and a timer, since
// ssh.Dial alone only honors the handshake timeout.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		ch <- dialResult{client: client, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		go discardDial(ch)
		return nil, ctx.Err()
	case <-timer.C:
		go discardDial(ch)
		return nil, fmt.Errorf("ssh dial %s: open timed out after %v: %w",
			addr, timeout, context.DeadlineExceeded)
	case out := <-ch:
		return out.client, out.err
	}
}

type dialResult struct {
	client *ssh.Client
	err    error
}

// discardDial closes a connection that completed after the caller gave up.
func discardDial(ch chan dialResult) {
	if out := <-ch; out.client != nil {
		_ = out.client.Close()
	}
}

func (t *sshTransport) openChannel(cfg Config) error {
	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh channel: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	switch cfg.SessionType {
	case protocol.SessionNetconf:
		data := cfg.SessionData
		switch {
		case data != nil && data.Subsystem != "":
			err = session.RequestSubsystem(data.Subsystem)
		case data != nil && data.ExecCommand != "":
			err = session.Start(data.ExecCommand)
		default:
			err = fmt.Errorf("netconf session needs a subsystem or exec_command")
		}
	default:
		modes := ssh.TerminalModes{
			ssh.ECHO: 1,
		}
		if err = session.RequestPty(termType, 24, 80, modes); err == nil {
			err = session.Shell()
		}
	}
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("start %s channel: %w", cfg.SessionType, err)
	}

	t.session = session
	t.stdin = stdin

	go t.readLoop(stdout)
	go t.readLoop(stderr)
	return nil
}

// readLoop pumps a stream into the chunk channel until EOF or close.
func (t *sshTransport) readLoop(r io.Reader) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case t.chunks <- chunk:
			case <-t.closed:
				return
			}
		}
		if err != nil {
			t.mu.Lock()
			if t.readErr == nil {
				t.readErr = err
			}
			t.mu.Unlock()
			t.closeOnce.Do(func() { close(t.closed) })
			return
		}
	}
}

// Send implements Transport.
func (t *sshTransport) Send(data []byte) error {
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("write to device: %w", err)
	}
	return nil
}

// Recv implements Transport.
func (t *sshTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-t.chunks:
		return chunk, nil
	default:
	}

	select {
	case chunk := <-t.chunks:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		// Drain anything buffered before reporting the stream end.
		select {
		case chunk := <-t.chunks:
			return chunk, nil
		default:
		}
		t.mu.Lock()
		err := t.readErr
		t.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
}

// Close implements Transport.
func (t *sshTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	if t.session != nil {
		_ = t.session.Close()
	}
	return t.client.Close()
}
