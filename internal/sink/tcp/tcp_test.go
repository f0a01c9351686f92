package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/sink"
)

func testOptions() sink.Options {
	return sink.Options{
		Backoff: sink.Backoff{Unit: 0, MaxAttempts: 3, Clock: clockwork.NewRealClock()},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func listen(t *testing.T) (net.Listener, string, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return ln, host, port
}

func TestSendWritesOneEventPerLine(t *testing.T) {
	ln, host, port := listen(t)

	received := make(chan string, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			received <- sc.Text()
		}
	}()

	tr := New(host, port, testOptions())
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()
	assert.Equal(t, sink.Connected, tr.State())

	rec := model.Record{Source: "/tmp/a.log", Lines: []string{"one", "two"}, Timestamp: time.Now()}
	require.NoError(t, tr.Send(ctx, rec))

	for _, want := range []string{"one", "two"} {
		select {
		case line := <-received:
			var ev map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &ev))
			assert.Equal(t, want, ev["@message"])
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestConnectExhaustsAfterMaxAttempts(t *testing.T) {
	attempts := 0
	tr := New("127.0.0.1", "1", testOptions()).WithDial(func(context.Context, string, string) (net.Conn, error) {
		attempts++
		return nil, errors.New("connection refused")
	})

	err := tr.Connect(context.Background())
	require.ErrorIs(t, err, sink.ErrConnectExhausted)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, sink.Disconnected, tr.State())
}

func TestPeerCloseInvalidatesAndReconnectRecovers(t *testing.T) {
	ln, host, port := listen(t)

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	tr := New(host, port, testOptions())
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	first := <-accepted
	first.(*net.TCPConn).SetLinger(0)
	first.Close()

	rec := model.Record{Source: "/tmp/a.log", Lines: []string{"x"}}
	var sendErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sendErr = tr.Send(ctx, rec); sendErr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Error(t, sendErr, "writes to a reset peer should eventually fail")
	assert.ErrorIs(t, sendErr, sink.ErrTransport)
	assert.False(t, tr.Valid())

	require.NoError(t, tr.Reconnect(ctx))
	assert.True(t, tr.Valid())
	second := <-accepted
	defer second.Close()
	require.NoError(t, tr.Send(ctx, rec))
}

func TestSendWithoutConnectIsTransportError(t *testing.T) {
	tr := New("127.0.0.1", "1", testOptions())
	err := tr.Send(context.Background(), model.Record{Lines: []string{"x"}})
	assert.ErrorIs(t, err, sink.ErrNotConnected)
	assert.Equal(t, sink.Invalidated, tr.State())
}

func TestFormatFailureInvalidatesTransport(t *testing.T) {
	ln, host, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}
	}()

	opts := testOptions()
	opts.Formatter = &sink.Formatter{Format: "msgpack"}
	tr := New(host, port, opts)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	err := tr.Send(ctx, model.Record{Source: "/tmp/a.log", Lines: []string{"x"}})
	var te *sink.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
	assert.False(t, tr.Valid())
}
