package sink

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrConnectExhausted reports that a transport could not connect
	// within its backoff schedule. The consumer treats it as fatal.
	ErrConnectExhausted = errors.New("sink: connection attempts exhausted")

	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("sink: transport failure")

	// ErrNotConnected is wrapped when Send is called on an invalid handle.
	ErrNotConnected = errors.New("sink: not connected")
)

// TransportError is the failure kind returned by Send.
type TransportError struct {
	Transport string
	Op        string
	Msg       string
	// Retryable is set for peer resets, broken pipes and timeouts.
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sink: %s %s: %s", e.Transport, e.Op, e.Msg)
	}
	return fmt.Sprintf("sink: %s %s: %s: %v", e.Transport, e.Op, e.Msg, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

const (
	msgConnectionLost = "Connection appears to have been lost"
	msgSocketError    = "Socket error"
	msgUnspecified    = "Unspecified exception encountered"
)

// Classify wraps err as a *TransportError. A broken pipe is reported as a
// lost connection; resets, closed connections and timeouts as socket
// errors; everything else as unspecified. All three invalidate the handle
// at the call site.
func Classify(transport, op string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	e := &TransportError{Transport: transport, Op: op, Err: err}
	switch {
	case errors.Is(err, syscall.EPIPE):
		e.Msg, e.Retryable = msgConnectionLost, true
	case isSocketError(err):
		e.Msg, e.Retryable = msgSocketError, true
	default:
		e.Msg = msgUnspecified
	}
	return e
}

func isSocketError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, ErrNotConnected) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED, syscall.ETIMEDOUT:
			return true
		}
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
