package wire

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Lifecycle errors. ErrNotConnected is returned for a command issued after
// the connection has gone away; the session's retry envelope reconnects on
// it. ErrNotAuthenticated is a programmer error and is never retried.
var (
	ErrNotConnected     = errors.New("imap: not connected")
	ErrNotAuthenticated = errors.New("imap: not authenticated")
)

// ServerError is a tagged NO or BAD completion, or a response the client
// could not parse. Transient: retryable in place up to the retry cap.
type ServerError struct {
	Command string // command name, e.g. "UID FETCH"
	Status  string // "NO" or "BAD"
	Code    string // bracketed response code, may be empty
	Text    string // human-readable server text
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("imap: %s failed: %s [%s] %s", e.Command, e.Status, e.Code, e.Text)
	}
	return fmt.Sprintf("imap: %s failed: %s %s", e.Command, e.Status, e.Text)
}

// AuthError reports that every advertised authentication method was refused.
// Fatal, never retried.
type AuthError struct {
	Tried []string
	Last  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("imap: authentication failed (tried %s): %v", strings.Join(e.Tried, ", "), e.Last)
}

func (e *AuthError) Unwrap() error { return e.Last }

// IsTLSVerifyError reports whether err is a certificate verification
// failure. These are never retried: reconnecting cannot fix a bad chain.
func IsTLSVerifyError(err error) bool {
	var (
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		invalid     x509.CertificateInvalidError
		hostname    x509.HostnameError
	)
	return errors.As(err, &certErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &invalid) ||
		errors.As(err, &hostname)
}

// IsNetworkError reports whether err indicates a dead or broken connection.
// These warrant discarding the session and reconnecting through the retry
// envelope.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if IsTLSVerifyError(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	connectionErrors := []string{
		"use of closed network connection",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"connection refused",
		"no such host",
		"network is unreachable",
	}
	for _, connErr := range connectionErrors {
		if strings.Contains(errStr, connErr) {
			return true
		}
	}
	return false
}

// IsServerTransient reports whether err is a NO/BAD/parse failure worth
// retrying on the same connection.
func IsServerTransient(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
