package sink

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Options configure the pieces every transport shares.
type Options struct {
	Backoff   Backoff
	Logger    *slog.Logger
	Formatter *Formatter
}

// Handle holds connection state for a transport. Concrete transports embed
// *Handle and call Establish from Connect.
type Handle struct {
	name    string
	state   atomic.Int32
	backoff Backoff
	logger  *slog.Logger
	format  *Formatter
}

// NewHandle returns a disconnected handle for the named transport.
func NewHandle(name string, opts Options) *Handle {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Formatter == nil {
		opts.Formatter = DefaultFormatter()
	}
	return &Handle{
		name:    name,
		backoff: opts.Backoff,
		logger:  opts.Logger.With("transport", name),
		format:  opts.Formatter,
	}
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) Valid() bool { return h.State() == Connected }

// SetState records a state transition.
func (h *Handle) SetState(s State) { h.state.Store(int32(s)) }

func (h *Handle) Logger() *slog.Logger { return h.logger }

func (h *Handle) Formatter() *Formatter { return h.format }

// Establish runs dial under the backoff schedule and tracks the state.
func (h *Handle) Establish(ctx context.Context, dial func(ctx context.Context) error) error {
	h.SetState(Connecting)
	if err := h.backoff.Retry(ctx, h.logger, h.name, dial); err != nil {
		h.SetState(Disconnected)
		return err
	}
	h.SetState(Connected)
	return nil
}

// Report classifies err for the caller and logs it. Transports call their
// own Invalidate first.
func (h *Handle) Report(op string, err error) error {
	te := Classify(h.name, op, err)
	h.logger.Warn("transport invalidated", "op", op, "reason", te.Msg, "err", err)
	return te
}
