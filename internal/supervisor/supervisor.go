// Package supervisor owns the process lifecycle: it keeps one worker
// running, restarts it on death, recycles it when it grows too old and
// runs the ordered shutdown when a signal arrives.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tinytelemetry/otter/internal/metrics"
	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/queue"
)

// Runner is one worker generation. Run blocks for the worker's lifetime;
// any return counts as a death.
type Runner interface {
	Run(ctx context.Context) error
}

// ExitQueue accepts the exit record during shutdown.
type ExitQueue interface {
	TryPut(rec model.Record) error
}

// Stopper is a service the supervisor stops synchronously on shutdown.
type Stopper interface {
	Stop() error
}

// Config wires a Supervisor. Zero durations take defaults.
type Config struct {
	Queue     ExitQueue
	NewWorker func() Runner
	// Control, when set, is stopped and joined during shutdown.
	Control Stopper
	// Tunnel, when set, is closed last during shutdown.
	Tunnel io.Closer

	PollInterval time.Duration
	RestartDelay time.Duration
	// RefreshInterval recycles a healthy worker once it is older than
	// this. Zero disables refresh.
	RefreshInterval time.Duration
	StopTimeout     time.Duration

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// ForceExit ends the process when a second signal arrives during
	// shutdown. Defaults to os.Exit.
	ForceExit func(code int)
}

// WorkerInfo describes the current worker.
type WorkerInfo struct {
	ID      int       `json:"id" yaml:"id"`
	Started time.Time `json:"started" yaml:"started"`
	Starts  int       `json:"starts" yaml:"starts"`
}

type worker struct {
	id      int
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started time.Time
}

// Supervisor runs the lifecycle state machine. Build one with New and
// call Run once.
type Supervisor struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	cur    *worker
	starts int
}

// New returns an idle supervisor.
func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = model.DefaultPollInterval
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = model.DefaultRestartDelay
	}
	cfg.RestartDelay = min(cfg.RestartDelay, cfg.PollInterval)
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = model.DefaultStopTimeout
	}
	if cfg.RefreshInterval < 0 {
		cfg.RefreshInterval = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ForceExit == nil {
		cfg.ForceExit = os.Exit
	}
	s := &Supervisor{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "supervisor"),
	}
	s.setState(Idle)
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Worker describes the current worker. ok is false between a death and
// the restart.
func (s *Supervisor) Worker() (info WorkerInfo, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return WorkerInfo{Starts: s.starts}, false
	}
	return WorkerInfo{ID: s.cur.id, Started: s.cur.started, Starts: s.starts}, true
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.cfg.Metrics.SetState(st.String(), stateNames)
}

// Run supervises workers until a signal arrives on signals or ctx is
// done, then runs the shutdown sequence. It returns the process exit
// status: the signal number, or 0 when shutdown came from ctx.
func (s *Supervisor) Run(ctx context.Context, signals <-chan os.Signal) int {
	if s.cfg.NewWorker == nil {
		s.logger.Error("no worker factory configured")
		return 1
	}

	// Workers outlive ctx: they are terminated by the shutdown sequence,
	// after the exit record has been pushed.
	base := context.WithoutCancel(ctx)
	s.spawn(base, "initial")

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var (
		restart <-chan time.Time
		// refreshing is set once the current worker has been cancelled
		// for refresh; its replacement starts only after it exits.
		refreshing bool
		overdue    clockwork.Timer
	)
	defer func() {
		if overdue != nil {
			overdue.Stop()
		}
	}()

	for {
		var died <-chan struct{}
		w := s.current()
		if w != nil {
			died = w.done
		}
		var late <-chan time.Time
		if overdue != nil {
			late = overdue.Chan()
		}

		select {
		case sig := <-signals:
			return s.shutdown(sig, signals)

		case <-ctx.Done():
			return s.shutdown(nil, signals)

		case <-died:
			s.setCurrent(nil)
			if refreshing {
				refreshing = false
				if overdue != nil {
					overdue.Stop()
					overdue = nil
				}
				s.logger.Info("worker stopped for refresh", "worker", w.id)
				s.spawn(base, "refresh")
				continue
			}
			s.setState(Restarting)
			if w.err != nil {
				s.logger.Warn("worker died", "worker", w.id, "err", w.err)
			} else {
				s.logger.Warn("worker exited", "worker", w.id)
			}
			restart = s.clock.After(s.cfg.RestartDelay)

		case <-late:
			overdue = nil
			s.logger.Warn("worker still stopping, refresh waits for it",
				"worker", w.id, "stop_timeout", s.cfg.StopTimeout)

		case <-restart:
			restart = nil
			s.spawn(base, "restart")

		case <-ticker.Chan():
			if w == nil || refreshing || s.cfg.RefreshInterval == 0 {
				continue
			}
			if age := s.clock.Now().Sub(w.started); age > s.cfg.RefreshInterval {
				s.setState(Refreshing)
				s.logger.Info("Worker has exceeded refresh limit. Terminating process...",
					"worker", w.id, "age", age.Round(time.Second))
				refreshing = true
				w.cancel()
				overdue = s.clock.NewTimer(s.cfg.StopTimeout)
			}
		}
	}
}

func (s *Supervisor) current() *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Supervisor) setCurrent(w *worker) {
	s.mu.Lock()
	s.cur = w
	s.mu.Unlock()
}

func (s *Supervisor) spawn(base context.Context, reason string) {
	ctx, cancel := context.WithCancel(base)

	s.mu.Lock()
	s.starts++
	w := &worker{
		id:      s.starts,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: s.clock.Now(),
	}
	s.cur = w
	s.mu.Unlock()

	s.logger.Info("Starting worker...", "worker", w.id, "reason", reason)
	s.cfg.Metrics.WorkerStarts.WithLabelValues(reason).Inc()

	runner := s.cfg.NewWorker()
	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				w.err = fmt.Errorf("supervisor: worker panic: %v", r)
			}
		}()
		w.err = runner.Run(ctx)
	}()

	s.setState(Running)
	s.logger.Info("Working...", "worker", w.id)
}

// terminate cancels w and waits for it, bounded by StopTimeout.
func (s *Supervisor) terminate(w *worker) error {
	if w == nil {
		return nil
	}
	w.cancel()
	timer := s.clock.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.Chan():
		return fmt.Errorf("supervisor: worker %d did not stop within %s", w.id, s.cfg.StopTimeout)
	}
}

// shutdown runs the ordered teardown. Every step runs even if an earlier
// one failed or panicked.
func (s *Supervisor) shutdown(sig os.Signal, signals <-chan os.Signal) int {
	s.setState(ShuttingDown)
	code := 0
	if sig != nil {
		code = exitCode(sig)
		s.logger.Info(signalName(sig) + " detected")
		s.logger.Info("Shutting down. Please wait...")
	} else {
		s.logger.Info("Worker process cleanup in progress...")
	}

	stopForce := make(chan struct{})
	defer close(stopForce)
	go func() {
		select {
		case again := <-signals:
			s.logger.Error("second signal during shutdown, exiting immediately", "signal", signalName(again))
			s.cfg.ForceExit(1)
		case <-stopForce:
		}
	}()

	s.step("push exit record", func() error {
		if s.cfg.Queue == nil {
			return nil
		}
		err := s.cfg.Queue.TryPut(model.ExitRecord())
		if errors.Is(err, queue.ErrFull) {
			s.logger.Info("queue full, exit record not delivered")
			return nil
		}
		return err
	})
	s.step("stop control service", func() error {
		if s.cfg.Control == nil {
			return nil
		}
		return s.cfg.Control.Stop()
	})
	s.step("terminate worker", func() error {
		w := s.current()
		s.setCurrent(nil)
		return s.terminate(w)
	})
	s.step("close tunnel", func() error {
		if s.cfg.Tunnel == nil {
			return nil
		}
		return s.cfg.Tunnel.Close()
	})

	s.setState(Terminated)
	s.logger.Info("Shutdown complete.", "exit_code", code)
	return code
}

func (s *Supervisor) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("shutdown step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("shutdown step failed", "step", name, "err", err)
	}
}

func exitCode(sig os.Signal) int {
	if n, ok := sig.(syscall.Signal); ok {
		return int(n)
	}
	return 1
}

func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	default:
		return sig.String()
	}
}
