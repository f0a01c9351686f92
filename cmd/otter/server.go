package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tinytelemetry/otter/internal/consumer"
	"github.com/tinytelemetry/otter/internal/httpserver"
	"github.com/tinytelemetry/otter/internal/journal"
	"github.com/tinytelemetry/otter/internal/metrics"
	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/producer"
	"github.com/tinytelemetry/otter/internal/queue"
	"github.com/tinytelemetry/otter/internal/sink"
	"github.com/tinytelemetry/otter/internal/socketrpc"
	"github.com/tinytelemetry/otter/internal/supervisor"
	"github.com/tinytelemetry/otter/internal/tunnel"
)

// agent is the process-owned wiring shared by every worker generation.
type agent struct {
	cfg       appConfig
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	queue     *queue.Queue
	journal   *journal.Journal
	binding   *socketrpc.Binding
	producers []model.Producer
	transport transportFactory
}

// runAgent starts the supervisor and blocks until shutdown. The returned
// code is the process exit status.
func runAgent(cfg appConfig) (int, error) {
	logger, cleanupLogger, err := configureRuntimeLogger(cfg)
	if err != nil {
		return 1, err
	}
	defer cleanupLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The tunnel must be up before the transport settings are resolved.
	var tun *tunnel.Tunnel
	if cfg.SSHTunnel != "" {
		tun, err = openTunnel(ctx, cfg, logger)
		if err != nil {
			return 1, err
		}
		if cfg, err = cfg.throughTunnel(tun.Addr()); err != nil {
			_ = tun.Close()
			return 1, err
		}
	}

	a, err := newAgent(cfg, logger)
	if err != nil {
		if tun != nil {
			_ = tun.Close()
		}
		return 1, err
	}
	if a.journal != nil {
		defer a.journal.Close()
	}

	control := &controlPlane{rpc: socketrpc.NewServer(cfg.SocketPath, a.binding, a.queue, logger)}
	if err := control.rpc.Start(); err != nil {
		if tun != nil {
			_ = tun.Close()
		}
		return 1, fmt.Errorf("failed to start control socket: %w", err)
	}

	supCfg := supervisor.Config{
		Queue:           a.queue,
		NewWorker:       a.newWorker,
		Control:         control,
		PollInterval:    cfg.PollInterval,
		RestartDelay:    cfg.RestartDelay,
		RefreshInterval: cfg.RefreshWorker,
		StopTimeout:     cfg.StopTimeout,
		Metrics:         a.metrics,
		Logger:          logger,
	}
	if tun != nil {
		supCfg.Tunnel = tun
	}
	sup := supervisor.New(supCfg)

	if cfg.APIEnabled {
		control.api = httpserver.NewServer(httpserver.Config{
			Addr:       cfg.APIAddr,
			Supervisor: sup,
			Consumers:  a.binding,
			Queue:      a.queue,
			Gatherer:   a.registry,
			Logger:     logger,
		})
		if err := control.api.Start(); err != nil {
			logger.Warn("failed to start API server", "addr", cfg.APIAddr, "err", err)
			control.api = nil
		}
	}

	printStartupBanner(os.Stdout, cfg, len(a.producers))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	return sup.Run(ctx, sigCh), nil
}

func newAgent(cfg appConfig, logger *slog.Logger) (*agent, error) {
	formatter, err := sink.NewFormatter(cfg.LogstashVersion, cfg.Format, cfg.Hostname)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	a := &agent{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		queue:    queue.New(cfg.MaxQueueSize),
		binding:  &socketrpc.Binding{},
	}
	m.QueueGauges(func() (int, int) { return a.queue.Len(), a.queue.Cap() })

	a.transport, err = newTransportFactory(cfg, sink.Options{
		Backoff: sink.Backoff{
			Unit:        cfg.RetryUnit,
			MaxAttempts: cfg.MaxAttempts,
		},
		Logger:    logger,
		Formatter: formatter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure transport %s: %w", cfg.Transport, err)
	}

	if cfg.JournalEnabled {
		a.journal, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		m.JournalPending.Set(float64(a.journal.Pending()))
	}

	a.producers = buildProducers(buildInputPlugins(inputPluginConfig(cfg)), logger)
	if len(a.producers) == 0 {
		if a.journal != nil {
			_ = a.journal.Close()
		}
		return nil, errors.New("no input could be initialized")
	}
	return a, nil
}

// newWorker builds one worker generation: a producer manager that
// bootstraps a consumer with a fresh transport.
func (a *agent) newWorker() supervisor.Runner {
	pcfg := producer.Config{
		Queue: a.queue,
		Producers: func() ([]model.Producer, error) {
			return a.producers, nil
		},
		Metrics: a.metrics,
		Logger:  a.logger,
	}
	ccfg := consumer.Config{
		BatchSize:   a.cfg.BatchSize,
		SendTimeout: a.cfg.SendTimeout,
		Binder:      a.binding,
		Metrics:     a.metrics,
		Logger:      a.logger,
	}
	if a.journal != nil {
		pcfg.Journal = a.journal
		pcfg.Backlog = a.journal.Backlog()
		ccfg.Journal = a.journal
	}
	pcfg.Consumer = func() producer.Runner {
		t, err := a.transport()
		if err != nil {
			return failedRunner{err: err}
		}
		return consumer.New(a.queue, t, ccfg)
	}
	return producer.New(pcfg)
}

type failedRunner struct{ err error }

func (r failedRunner) Run(context.Context) error { return r.err }

// controlPlane stops the control listeners together: the socket service
// first, then the HTTP API.
type controlPlane struct {
	rpc *socketrpc.Server
	api *httpserver.Server
}

func (c *controlPlane) Stop() error {
	err := c.rpc.Stop()
	if c.api != nil {
		err = errors.Join(err, c.api.Stop())
	}
	return err
}

func openTunnel(ctx context.Context, cfg appConfig, logger *slog.Logger) (*tunnel.Tunnel, error) {
	tun, err := tunnel.Open(ctx, tunnel.Config{
		Target:     cfg.SSHTunnel,
		LocalAddr:  net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.SSHTunnelPort)),
		RemoteAddr: net.JoinHostPort(cfg.SSHRemoteHost, strconv.Itoa(cfg.SSHRemotePort)),
		KeyFile:    cfg.SSHKeyFile,
		KnownHosts: cfg.SSHKnownHosts,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh tunnel: %w", err)
	}
	return tun, nil
}

// configureRuntimeLogger installs the process logger: text records to
// log-file when set, otherwise to stderr.
func configureRuntimeLogger(cfg appConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log-level: %q", cfg.LogLevel)
	}

	var out io.Writer = os.Stderr
	cleanup := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		cleanup = func() {
			_ = f.Close()
		}
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

func printStartupBanner(w io.Writer, cfg appConfig, inputs int) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔╦╗╔╦╗╔═╗╦═╗
    ║ ║ ║  ║ ║╣ ╠╦╝
    ╚═╝ ╩  ╩ ╚═╝╩╚═`)

	row := func(on bool, label, value string) string {
		mark := dot
		if on {
			mark = check
		}
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}
	off := dim.Render("disabled")

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	// Inputs
	lines = append(lines, bold.Render("    Inputs"), "")
	if len(cfg.Files) > 0 {
		lines = append(lines, row(true, "Files", cyan.Render(strings.Join(cfg.Files, ", "))))
	} else {
		lines = append(lines, row(false, "Files", off))
	}
	if cfg.StdinEnabled {
		lines = append(lines, row(true, "Stdin", cyan.Render("enabled")))
	} else {
		lines = append(lines, row(false, "Stdin", off))
	}
	if cfg.TCPInputEnabled {
		lines = append(lines, row(true, "TCP Input", cyan.Render(cfg.TCPInputAddr)))
	} else {
		lines = append(lines, row(false, "TCP Input", off))
	}
	lines = append(lines, row(inputs > 0, "Active", dim.Render(strconv.Itoa(inputs))), "")

	// Delivery
	lines = append(lines, bold.Render("    Delivery"), "")
	lines = append(lines, row(true, "Transport", cyan.Render(transportTarget(cfg))))
	lines = append(lines, row(true, "Format", dim.Render(fmt.Sprintf("%s (logstash v%d)", cfg.Format, cfg.LogstashVersion))))
	if cfg.SSHTunnel != "" {
		lines = append(lines, row(true, "SSH Tunnel", dim.Render(cfg.SSHTunnel)))
	} else {
		lines = append(lines, row(false, "SSH Tunnel", off))
	}
	if cfg.JournalEnabled {
		lines = append(lines, row(true, "Journal", dim.Render(shortenPath(cfg.JournalPath))))
	} else {
		lines = append(lines, row(false, "Journal", off))
	}
	lines = append(lines, "")

	// Control
	lines = append(lines, bold.Render("    Control"), "")
	if cfg.APIEnabled {
		lines = append(lines, row(true, "HTTP API", cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, row(false, "HTTP API", off))
	}
	lines = append(lines, row(true, "Unix Socket", cyan.Render(shortenPath(cfg.SocketPath))))
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(false, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func transportTarget(cfg appConfig) string {
	switch cfg.Transport {
	case transportTCP:
		return "tcp " + net.JoinHostPort(cfg.TCPHost, cfg.TCPPort)
	case transportRedis:
		return "redis " + cfg.RedisNamespace
	case transportRabbitMQ:
		return "rabbitmq " + cfg.RabbitMQExchange
	case transportSQS:
		return "sqs " + cfg.SQSQueueURL
	case transportOTLP:
		return "otlp " + cfg.OTLPEndpoint
	case transportDuckDB:
		return "duckdb " + shortenPath(cfg.DuckDBPath)
	}
	return cfg.Transport
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
