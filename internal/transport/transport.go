// Package transport establishes the byte stream to a device: an SSH
// connection carrying either an interactive shell (CLI sessions) or a
// subsystem/exec channel (NETCONF sessions). The session layer owns the
// returned Transport and is the only consumer of its stream.
package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/marcus-qen/fcr/internal/protocol"
)

// Transport is an established, streaming connection to one device.
type Transport interface {
	// Send writes bytes to the device.
	Send(data []byte) error

	// Recv returns the next received chunk. It blocks until data arrives,
	// the context is done, or the stream ends (io.EOF).
	Recv(ctx context.Context) ([]byte, error)

	// Close tears the connection down. Idempotent.
	Close() error
}

// Config describes one connection attempt.
type Config struct {
	Addr     string
	Port     int
	Username string
	Password string

	SessionType protocol.SessionType
	SessionData *protocol.SessionData

	// OpenTimeout bounds dial + handshake + channel open.
	OpenTimeout time.Duration
}

// ClassifyDialError maps a connection failure to the error taxonomy:
// expired timers to CONNECTION_TIMEOUT, rejected authentication to
// PERMISSION, everything else to CONNECTION_ERROR.
func ClassifyDialError(err error) *protocol.SessionError {
	switch {
	case isAuthError(err):
		return protocol.NewSessionError(protocol.CodePermission, err)
	case isTimeoutError(err):
		return protocol.NewSessionError(protocol.CodeConnectionTimeout, err)
	default:
		return protocol.NewSessionError(protocol.CodeConnectionError, err)
	}
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "auth fail")
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout")
}
