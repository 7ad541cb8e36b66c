package imap

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a connection failure for retry policy decisions.
type ErrorKind int

const (
	// KindUnknown covers errors that could not be classified. Treated as
	// non-retryable so they surface instead of looping silently.
	KindUnknown ErrorKind = iota
	// KindConnectionTimeout is a dial or command timeout.
	KindConnectionTimeout
	// KindSocket is a low-level socket failure (reset, broken pipe).
	KindSocket
	// KindConnectionEnded means the server hung up or the connection was
	// torn down while commands were outstanding.
	KindConnectionEnded
	// KindConnectionNotReady means a command was issued before a session
	// was established.
	KindConnectionNotReady
	// KindTransient is a server-side "try again" condition.
	KindTransient
	// KindCertificate is a TLS certificate verification failure.
	KindCertificate
	// KindProtocol is a malformed or unexpected server response.
	KindProtocol
	// KindAuthentication is an outright credential rejection.
	KindAuthentication
	// KindAuthenticationTimeout is a timeout during the auth exchange,
	// retryable unlike a rejection.
	KindAuthenticationTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionTimeout:
		return "connection timeout"
	case KindSocket:
		return "socket error"
	case KindConnectionEnded:
		return "connection ended"
	case KindConnectionNotReady:
		return "connection not ready"
	case KindTransient:
		return "transient error"
	case KindCertificate:
		return "certificate error"
	case KindProtocol:
		return "protocol error"
	case KindAuthentication:
		return "authentication error"
	case KindAuthenticationTimeout:
		return "authentication timeout"
	default:
		return "unknown error"
	}
}

// Retryable reports whether a fresh connect attempt is a sensible response
// to this kind of failure.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConnectionTimeout, KindSocket, KindConnectionEnded,
		KindConnectionNotReady, KindTransient, KindAuthenticationTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified connection failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("imap: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("imap: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrStaleMailbox is returned by mailbox handle methods after a different
// mailbox was selected on the same connection.
var ErrStaleMailbox = errors.New("imap: mailbox handle is stale")

// ErrConnectionEnded is the cause attached to operations rejected because
// the connection was closed while they were queued or in flight.
var ErrConnectionEnded = errors.New("imap: connection ended")

// IsRetryable reports whether err (or any wrapped error) represents a
// failure the worker should swallow and retry on its next cycle.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind.Retryable()
	}
	return false
}

// IsAuthenticationError reports whether err is an outright credential
// rejection, as opposed to an auth-phase timeout.
func IsAuthenticationError(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindAuthentication
}

// classify wraps a raw error from the wire library into a classified Error.
// Already-classified errors pass through with their original kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	return &Error{Kind: kindOf(op, err), Op: op, Err: err}
}

func kindOf(op string, err error) ErrorKind {
	authPhase := op == "login" || op == "authenticate"

	if errors.Is(err, context.DeadlineExceeded) {
		if authPhase {
			return KindAuthenticationTimeout
		}
		return KindConnectionTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if authPhase {
			return KindAuthenticationTimeout
		}
		return KindConnectionTimeout
	}

	var certErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) {
		return KindCertificate
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return KindCertificate
	}
	var validityErr x509.CertificateInvalidError
	if errors.As(err, &validityErr) {
		return KindCertificate
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) {
		return KindSocket
	}

	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
		return KindTransient
	}

	if errors.Is(err, ErrConnectionEnded) {
		return KindConnectionEnded
	}

	msg := strings.ToLower(err.Error())
	switch {
	case authPhase:
		// Any non-timeout failure during the auth exchange is a rejection.
		return KindAuthentication
	case strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "connection closed"),
		strings.Contains(msg, "unexpected eof"),
		errors.Is(err, net.ErrClosed):
		return KindConnectionEnded
	case strings.Contains(msg, "try again"):
		return KindTransient
	case strings.Contains(msg, "certificate"):
		return KindCertificate
	case strings.Contains(msg, "parse"), strings.Contains(msg, "malformed"),
		strings.Contains(msg, "unexpected"):
		return KindProtocol
	default:
		return KindUnknown
	}
}
