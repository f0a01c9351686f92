// Package consumer drains the queue into a transport.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/tinytelemetry/otter/internal/metrics"
	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/queue"
	"github.com/tinytelemetry/otter/internal/sink"
)

// Binder publishes the running consumer to control surfaces.
type Binder interface {
	Bind(c model.Controller)
	Unbind(c model.Controller)
}

// Committer records delivery progress for journaled records.
type Committer interface {
	Commit(seq uint64) error
	Pending() uint64
}

// Config tunes a Consumer. Zero fields take defaults.
type Config struct {
	// BatchSize caps how many immediately available records are pulled
	// per iteration and coalesced before sending.
	BatchSize int
	// SendTimeout bounds one Send. Sends are not cancelled by worker
	// shutdown, only by this timeout.
	SendTimeout time.Duration

	Binder  Binder
	Journal Committer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   clockwork.Clock
}

// Consumer is the single reader of the queue and the sole owner of its
// transport.
type Consumer struct {
	id        string
	q         *queue.Queue
	transport sink.Transport
	cfg       Config
	logger    *slog.Logger
	warn      rate.Sometimes

	mu       sync.Mutex
	resumeCh chan struct{} // non-nil while paused
	lastErr  string
	started  time.Time

	reconnectReq atomic.Bool
	sent         atomic.Uint64
	dropped      atomic.Uint64
	reconnects   atomic.Uint64
}

// New returns a consumer reading q and delivering to t.
func New(q *queue.Queue, t sink.Transport, cfg Config) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = model.DefaultBatchSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = model.DefaultSendTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	id := uuid.NewString()
	return &Consumer{
		id:        id,
		q:         q,
		transport: t,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "consumer", "consumer_id", id[:8], "transport", t.Name()),
		warn:      rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// ID returns the consumer's unique id.
func (c *Consumer) ID() string { return c.id }

// Run connects the transport and delivers records until the exit record
// is dequeued or ctx is done, both of which return nil. It returns an
// error wrapping sink.ErrConnectExhausted when the transport cannot be
// (re)connected; every other delivery failure is logged and the loop
// continues. Records taken from the queue but not yet sent when Run
// stops are handed back to the queue uncommitted. The transport is
// closed on return.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	c.started = c.cfg.Clock.Now()
	c.mu.Unlock()

	if c.cfg.Binder != nil {
		c.cfg.Binder.Bind(c)
		defer c.cfg.Binder.Unbind(c)
	}
	defer func() {
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close", "err", err)
		}
	}()

	c.logger.Info("Starting queue consumer")
	if err := c.transport.Connect(ctx); err != nil {
		return c.stopErr(ctx, err)
	}

	for {
		if err := c.waitWhilePaused(ctx); err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		// Reconnect before dequeuing so a dead transport does not take
		// records out of the queue.
		if err := c.ensureConnected(ctx); err != nil {
			return c.stopErr(ctx, err)
		}
		rec, err := c.q.Get(ctx)
		if err != nil {
			return nil
		}
		if rec.IsExit() {
			c.logger.Info("exit record received, consumer stopping")
			return nil
		}

		batch, exit := c.collect(rec)
		for i, r := range batch {
			if ctx.Err() != nil {
				c.handBack(batch[i:], exit)
				return nil
			}
			if err := c.deliver(ctx, r); err != nil {
				c.handBack(batch[i:], exit)
				return c.stopErr(ctx, err)
			}
		}
		if exit {
			c.logger.Info("exit record received, consumer stopping")
			return nil
		}
	}
}

// handBack returns undelivered records, and the exit record when one was
// dequeued behind them, to the head of the queue.
func (c *Consumer) handBack(recs []model.Record, exit bool) {
	out := make([]model.Record, 0, len(recs)+1)
	out = append(out, recs...)
	if exit {
		out = append(out, model.ExitRecord())
	}
	c.q.PutBack(out...)
	c.logger.Warn("returning undelivered records to the queue", "records", len(recs))
}

// stopErr maps a connect failure to Run's result: exhaustion is fatal,
// cancellation is a clean stop.
func (c *Consumer) stopErr(ctx context.Context, err error) error {
	if errors.Is(err, sink.ErrConnectExhausted) {
		c.cfg.Metrics.ConnectExhausted.WithLabelValues(c.transport.Name()).Inc()
		c.setLastErr(err)
		c.logger.Error("transport unreachable, consumer exiting", "err", err)
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// collect pulls up to BatchSize records, starting with first, and merges
// adjacent records that share source, timestamp and fields. The returned
// flag reports that the exit record was dequeued behind the batch.
func (c *Consumer) collect(first model.Record) ([]model.Record, bool) {
	batch := []model.Record{first}
	for len(batch) < c.cfg.BatchSize {
		rec, ok := c.q.TryGet()
		if !ok {
			break
		}
		if rec.IsExit() {
			return coalesce(batch), true
		}
		batch = append(batch, rec)
	}
	return coalesce(batch), false
}

func coalesce(in []model.Record) []model.Record {
	out := make([]model.Record, 0, len(in))
	for _, r := range in {
		if n := len(out); n > 0 && sameGroup(out[n-1], r) {
			prev := &out[n-1]
			prev.Lines = append(append(make([]string, 0, len(prev.Lines)+len(r.Lines)), prev.Lines...), r.Lines...)
			prev.Seq = max(prev.Seq, r.Seq)
			continue
		}
		out = append(out, r)
	}
	return out
}

func sameGroup(a, b model.Record) bool {
	return a.Source == b.Source && a.Timestamp.Equal(b.Timestamp) && maps.Equal(a.Fields, b.Fields)
}

// ensureConnected honours a pending reconnect request and reconnects an
// invalid transport.
func (c *Consumer) ensureConnected(ctx context.Context) error {
	if c.reconnectReq.Swap(false) {
		c.logger.Info("reconnect requested")
		c.transport.Invalidate()
	}
	if c.transport.Valid() {
		return nil
	}
	c.reconnects.Add(1)
	c.cfg.Metrics.Reconnects.WithLabelValues(c.transport.Name()).Inc()
	return c.transport.Reconnect(ctx)
}

// deliver sends one record. Only a failed reconnect is returned, and the
// record is then left for the caller to hand back; send failures drop
// the record.
func (c *Consumer) deliver(ctx context.Context, rec model.Record) error {
	name := c.transport.Name()
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SendTimeout)
	start := c.cfg.Clock.Now()
	err := c.transport.Send(sendCtx, rec)
	cancel()
	c.cfg.Metrics.SendDuration.WithLabelValues(name).Observe(c.cfg.Clock.Now().Sub(start).Seconds())

	if err != nil {
		if c.transport.Valid() {
			c.transport.Invalidate()
		}
		reason := "unspecified"
		var te *sink.TransportError
		if errors.As(err, &te) && te.Retryable {
			reason = "retryable"
		}
		c.cfg.Metrics.SendFailures.WithLabelValues(name, reason).Inc()
		c.setLastErr(err)
		c.warn.Do(func() {
			c.logger.Warn("send failed, record dropped", "source", rec.Source, "lines", len(rec.Lines), "err", err)
		})
		c.drop(rec)
		return nil
	}

	c.sent.Add(1)
	c.cfg.Metrics.Sent.WithLabelValues(name).Inc()
	c.cfg.Metrics.LinesSent.WithLabelValues(name).Add(float64(len(rec.Lines)))
	c.commit(rec)
	return nil
}

func (c *Consumer) drop(rec model.Record) {
	c.dropped.Add(1)
	c.cfg.Metrics.Dropped.WithLabelValues(c.transport.Name()).Inc()
	c.commit(rec)
}

// commit advances the journal past rec, delivered or dropped.
func (c *Consumer) commit(rec model.Record) {
	if c.cfg.Journal == nil || rec.Seq == 0 {
		return
	}
	if err := c.cfg.Journal.Commit(rec.Seq); err != nil {
		c.logger.Warn("journal commit failed", "seq", rec.Seq, "err", err)
		return
	}
	c.cfg.Metrics.JournalPending.Set(float64(c.cfg.Journal.Pending()))
}

func (c *Consumer) waitWhilePaused(ctx context.Context) error {
	c.mu.Lock()
	ch := c.resumeCh
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops the loop before its next dequeue. A send in progress
// completes.
func (c *Consumer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumeCh == nil {
		c.resumeCh = make(chan struct{})
		c.logger.Info("consumer paused")
	}
}

// Resume undoes Pause.
func (c *Consumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumeCh != nil {
		close(c.resumeCh)
		c.resumeCh = nil
		c.logger.Info("consumer resumed")
	}
}

// Reconnect invalidates the transport before the next send.
func (c *Consumer) Reconnect() { c.reconnectReq.Store(true) }

func (c *Consumer) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// Status reports counters and state.
func (c *Consumer) Status() model.ConsumerStatus {
	c.mu.Lock()
	paused, lastErr, started := c.resumeCh != nil, c.lastErr, c.started
	c.mu.Unlock()

	return model.ConsumerStatus{
		ID:         c.id,
		Transport:  c.transport.Name(),
		State:      c.transport.State().String(),
		Paused:     paused,
		Started:    started,
		Sent:       c.sent.Load(),
		Dropped:    c.dropped.Load(),
		Reconnects: c.reconnects.Load(),
		LastError:  lastErr,
		QueueDepth: c.q.Len(),
		QueueCap:   c.q.Cap(),
	}
}
