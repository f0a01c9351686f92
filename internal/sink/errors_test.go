package sink

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		msg       string
		retryable bool
	}{
		{"broken pipe", &net.OpError{Op: "write", Err: syscall.EPIPE}, msgConnectionLost, true},
		{"reset", fmt.Errorf("write: %w", syscall.ECONNRESET), msgSocketError, true},
		{"eof", io.EOF, msgSocketError, true},
		{"closed", net.ErrClosed, msgSocketError, true},
		{"not connected", ErrNotConnected, msgSocketError, true},
		{"other", errors.New("boom"), msgUnspecified, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			te := Classify("tcp", "send", tt.err)
			assert.Equal(t, tt.msg, te.Msg)
			assert.Equal(t, tt.retryable, te.Retryable)
			assert.ErrorIs(t, te, ErrTransport)
			assert.ErrorIs(t, te, tt.err)
		})
	}
}

func TestClassifyKeepsExistingTransportError(t *testing.T) {
	orig := &TransportError{Transport: "redis", Op: "send", Msg: "custom"}
	got := Classify("tcp", "send", fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, got)
}
