// Package producer bridges producers to the queue and owns one worker's
// lifetime: the consumer plus every producer feeding it.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tinytelemetry/otter/internal/metrics"
	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/queue"
)

// ErrAlreadyStarted is returned by a second Run on the same Manager.
var ErrAlreadyStarted = errors.New("producer: manager already started")

// Runner is the consumer side of a worker.
type Runner interface {
	Run(ctx context.Context) error
}

// Journal persists records before they are queued.
type Journal interface {
	Append(rec model.Record) (model.Record, error)
	Pending() uint64
}

// Config wires a Manager.
type Config struct {
	Queue *queue.Queue
	// Consumer builds the worker's consumer. It is called exactly once,
	// when the first producer starts.
	Consumer func() Runner
	// Producers builds the worker's producers.
	Producers func() ([]model.Producer, error)
	// Backlog, when set, runs to completion before any other producer.
	// Its records already carry journal sequence numbers.
	Backlog model.Producer
	Journal Journal
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager runs one worker.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	started sync.Once
	boot    sync.Once
	full    rate.Sometimes

	// emitMu keeps journal order and queue order identical.
	emitMu sync.Mutex
}

// New returns a Manager for one worker generation.
func New(cfg Config) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "producer"),
		full:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Run starts the consumer and all producers and blocks until the worker
// ends: the consumer returned, a producer failed, or ctx was cancelled.
// Producers that finish cleanly (stdin at EOF) do not end the worker.
func (m *Manager) Run(ctx context.Context) error {
	first := false
	m.started.Do(func() { first = true })
	if !first {
		return ErrAlreadyStarted
	}

	producers, err := m.cfg.Producers()
	if err != nil {
		return fmt.Errorf("producer: build producers: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.runProducers(gctx, g, producers)
	})

	// A failing producer cancels gctx, which stops the consumer; the
	// consumer returning cancels ctx, which stops the producers.
	consumerErr := make(chan error, 1)
	m.bootstrap(gctx, consumerErr)

	g.Go(func() error {
		err := <-consumerErr
		cancel()
		if err != nil {
			return fmt.Errorf("producer: consumer: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// bootstrap starts the consumer exactly once.
func (m *Manager) bootstrap(ctx context.Context, done chan<- error) {
	m.boot.Do(func() {
		c := m.cfg.Consumer()
		m.logger.Debug("consumer bootstrapped")
		go func() { done <- c.Run(ctx) }()
	})
}

func (m *Manager) runProducers(ctx context.Context, g *errgroup.Group, producers []model.Producer) error {
	if b := m.cfg.Backlog; b != nil {
		if err := b.Run(ctx, m.emitter(b.Name())); err != nil && ctx.Err() == nil {
			m.logger.Warn("journal backlog replay failed", "err", err)
		}
	}
	for _, p := range producers {
		g.Go(func() error {
			m.logger.Info("producer started", "producer", p.Name())
			err := p.Run(ctx, m.emitter(p.Name()))
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("producer: %s: %w", p.Name(), err)
			}
			m.logger.Info("producer stopped", "producer", p.Name())
			return nil
		})
	}
	return nil
}

// emitter returns the callback handed to a producer. Records are
// journaled (unless they already carry a sequence) and then queued,
// blocking while the queue is full.
func (m *Manager) emitter(name string) model.Emitter {
	emitted := m.cfg.Metrics.Emitted.WithLabelValues(name)
	return func(ctx context.Context, rec model.Record) error {
		if rec.IsExit() {
			return errors.New("producer: producers may not emit the exit record")
		}
		if len(rec.Lines) == 0 {
			return nil
		}

		m.emitMu.Lock()
		defer m.emitMu.Unlock()

		if m.cfg.Journal != nil && rec.Seq == 0 {
			var err error
			if rec, err = m.cfg.Journal.Append(rec); err != nil {
				return fmt.Errorf("producer: journal: %w", err)
			}
			m.cfg.Metrics.JournalPending.Set(float64(m.cfg.Journal.Pending()))
		}

		q := m.cfg.Queue
		if err := q.TryPut(rec); err != nil {
			if !errors.Is(err, queue.ErrFull) {
				return err
			}
			m.full.Do(func() {
				m.logger.Warn("queue full, producers blocked until the consumer catches up", "capacity", q.Cap())
			})
			if err := q.Put(ctx, rec); err != nil {
				return err
			}
		}
		emitted.Inc()
		return nil
	}
}
