// Package tcp ships newline-terminated events over a raw TCP stream.
package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/sink"
)

const defaultDialTimeout = 5 * time.Second

// DialFunc opens the stream. Tests swap it for a failing dialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Transport writes one formatted event per line to a TCP peer.
type Transport struct {
	*sink.Handle
	addr string
	dial DialFunc

	mu   sync.Mutex
	conn net.Conn
}

// New returns a disconnected TCP transport for host:port.
func New(host, port string, opts sink.Options) *Transport {
	d := &net.Dialer{Timeout: defaultDialTimeout}
	return &Transport{
		Handle: sink.NewHandle("tcp", opts),
		addr:   net.JoinHostPort(host, port),
		dial:   d.DialContext,
	}
}

// WithDial overrides the dialer.
func (t *Transport) WithDial(dial DialFunc) *Transport {
	t.dial = dial
	return t
}

func (t *Transport) Connect(ctx context.Context) error {
	t.release()
	return t.Establish(ctx, func(ctx context.Context) error {
		conn, err := t.dial(ctx, "tcp", t.addr)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		return nil
	})
}

func (t *Transport) Reconnect(ctx context.Context) error {
	if t.Valid() {
		return nil
	}
	return t.Connect(ctx)
}

func (t *Transport) Send(ctx context.Context, rec model.Record) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || !t.Valid() {
		t.Invalidate()
		return t.Report("send", sink.ErrNotConnected)
	}

	lines, err := t.Formatter().Lines(rec)
	if err != nil {
		t.Invalidate()
		return t.Report("send", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	for _, l := range lines {
		if _, err := conn.Write(append(l, '\n')); err != nil {
			t.Invalidate()
			return t.Report("send", err)
		}
	}
	return nil
}

func (t *Transport) Invalidate() {
	t.SetState(sink.Invalidated)
	t.release()
}

func (t *Transport) Close() error {
	t.SetState(sink.Disconnected)
	return t.release()
}

func (t *Transport) release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
