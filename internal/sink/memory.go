package sink

import (
	"context"
	"sync"

	"github.com/tinytelemetry/otter/internal/model"
)

// Memory keeps delivered lines in process. It backs the "memory"
// transport for dry runs and lets tests inject connect and send failures.
type Memory struct {
	*Handle

	// DialHook, when set, runs on every connect attempt; a non-nil error
	// fails the attempt.
	DialHook func(ctx context.Context) error
	// SendHook, when set, runs before every send; a non-nil error fails
	// the send as a transport error.
	SendHook func(ctx context.Context, rec model.Record) error

	mu         sync.Mutex
	records    []model.Record
	payloads   [][]byte
	connects   int
	invalidate int
	closed     bool
}

// NewMemory returns a disconnected in-memory transport.
func NewMemory(opts Options) *Memory {
	return &Memory{Handle: NewHandle("memory", opts)}
}

func (m *Memory) Connect(ctx context.Context) error {
	return m.Establish(ctx, func(ctx context.Context) error {
		m.mu.Lock()
		m.connects++
		m.mu.Unlock()
		if m.DialHook != nil {
			return m.DialHook(ctx)
		}
		return nil
	})
}

func (m *Memory) Reconnect(ctx context.Context) error {
	if m.Valid() {
		return nil
	}
	return m.Connect(ctx)
}

func (m *Memory) Send(ctx context.Context, rec model.Record) error {
	if !m.Valid() {
		return m.fail("send", ErrNotConnected)
	}
	if m.SendHook != nil {
		if err := m.SendHook(ctx, rec); err != nil {
			return m.fail("send", err)
		}
	}
	lines, err := m.Formatter().Lines(rec)
	if err != nil {
		return m.fail("send", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	m.payloads = append(m.payloads, lines...)
	return nil
}

func (m *Memory) fail(op string, err error) error {
	m.Invalidate()
	return m.Report(op, err)
}

func (m *Memory) Invalidate() {
	m.SetState(Invalidated)
	m.mu.Lock()
	m.invalidate++
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.SetState(Disconnected)
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Records returns a copy of every record delivered so far.
func (m *Memory) Records() []model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Record(nil), m.records...)
}

// Lines returns every delivered line in order.
func (m *Memory) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.records {
		out = append(out, r.Lines...)
	}
	return out
}

// Payloads returns the formatted payloads in delivery order.
func (m *Memory) Payloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.payloads...)
}

// Connects counts connect attempts, successful or not.
func (m *Memory) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Invalidations counts Invalidate calls.
func (m *Memory) Invalidations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidate
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
