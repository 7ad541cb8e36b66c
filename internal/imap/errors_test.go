package imap

import (
	"crypto/x509"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		op        string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{
			name:      "dial timeout",
			op:        "dial",
			err:       fakeTimeoutError{},
			kind:      KindConnectionTimeout,
			retryable: true,
		},
		{
			name:      "timeout during auth",
			op:        "login",
			err:       fakeTimeoutError{},
			kind:      KindAuthenticationTimeout,
			retryable: true,
		},
		{
			name:      "auth rejection",
			op:        "login",
			err:       errors.New("NO [AUTHENTICATIONFAILED] Invalid credentials"),
			kind:      KindAuthentication,
			retryable: false,
		},
		{
			name:      "connection reset",
			op:        "fetch",
			err:       fmt.Errorf("write failed: %w", syscall.ECONNRESET),
			kind:      KindSocket,
			retryable: true,
		},
		{
			name:      "certificate failure",
			op:        "dial",
			err:       x509.UnknownAuthorityError{},
			kind:      KindCertificate,
			retryable: false,
		},
		{
			name:      "closed connection",
			op:        "fetch",
			err:       errors.New("use of closed network connection"),
			kind:      KindConnectionEnded,
			retryable: true,
		},
		{
			name:      "try again",
			op:        "select",
			err:       errors.New("server says: try again later"),
			kind:      KindTransient,
			retryable: true,
		},
		{
			name:      "malformed response",
			op:        "fetch",
			err:       errors.New("imap: cannot parse response"),
			kind:      KindProtocol,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classify(tt.op, tt.err)

			var ce *Error
			if !errors.As(classified, &ce) {
				t.Fatalf("classify did not return *Error, got %T", classified)
			}

			assert.Equal(t, tt.kind, ce.Kind)
			assert.Equal(t, tt.retryable, IsRetryable(classified))
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify("fetch", nil))
}

func TestClassifyPassesThroughClassifiedErrors(t *testing.T) {
	original := &Error{Kind: KindAuthentication, Op: "login", Err: errors.New("rejected")}
	wrapped := fmt.Errorf("failed to connect: %w", original)

	classified := classify("connect", wrapped)

	var ce *Error
	if !errors.As(classified, &ce) {
		t.Fatalf("expected *Error, got %T", classified)
	}
	assert.Equal(t, KindAuthentication, ce.Kind)
	assert.True(t, IsAuthenticationError(classified))
}

func TestErrorUnwrap(t *testing.T) {
	cause := syscall.EPIPE
	err := classify("append", fmt.Errorf("write: %w", cause))

	assert.True(t, errors.Is(err, syscall.EPIPE))
	assert.True(t, IsRetryable(err))
}
