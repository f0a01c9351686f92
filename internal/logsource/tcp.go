package logsource

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/tcpserver"
)

// TCP listens for newline-delimited lines and emits one record per line,
// sourced as tcp://<peer>. The listener lives as long as one Run.
type TCP struct {
	addr string
	conf tcpserver.ServerConfig

	mu    sync.Mutex
	bound string
}

// NewTCP creates a TCP producer for addr.
func NewTCP(addr string, conf tcpserver.ServerConfig) *TCP {
	return &TCP{addr: addr, conf: conf}
}

func (t *TCP) Name() string { return "tcp" }

// Addr returns the listening address while Run is active.
func (t *TCP) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound
}

func (t *TCP) Run(ctx context.Context, emit model.Emitter) error {
	srv := tcpserver.NewServer(t.addr, t.conf)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("logsource: tcp listen %s: %w", t.addr, err)
	}
	defer srv.Stop()

	t.mu.Lock()
	t.bound = srv.Addr()
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.bound = ""
		t.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-srv.Lines():
			if !ok {
				return nil
			}
			rec := model.Record{Source: "tcp://" + l.Remote, Lines: []string{l.Text}}
			if err := emit(ctx, rec); err != nil {
				return emitErr(ctx, err)
			}
		}
	}
}
