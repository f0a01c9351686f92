package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tinytelemetry/otter/internal/logsource"
	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/tcpserver"
)

// InputSourcePlugin is a small plugin primitive for wiring log inputs.
// Build is called once per process; the producer it returns is shared by
// every worker generation.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(logger *slog.Logger) (model.Producer, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	Files          []string
	FilesFromStart bool
	FileRescan     time.Duration

	StdinEnabled bool
	Stdin        io.Reader

	TCPEnabled bool
	TCPAddr    string
}

func inputPluginConfig(cfg appConfig) InputPluginConfig {
	return InputPluginConfig{
		Files:          cfg.Files,
		FilesFromStart: cfg.FilesFromStart,
		FileRescan:     cfg.FileRescan,
		StdinEnabled:   cfg.StdinEnabled,
		Stdin:          os.Stdin,
		TCPEnabled:     cfg.TCPInputEnabled,
		TCPAddr:        cfg.TCPInputAddr,
	}
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	plugins := make([]InputSourcePlugin, 0, 3)
	plugins = append(plugins, fileInputPlugin{
		patterns:  cfg.Files,
		fromStart: cfg.FilesFromStart,
		rescan:    cfg.FileRescan,
	})
	plugins = append(plugins, stdinInputPlugin{
		r:       cfg.Stdin,
		enabled: cfg.StdinEnabled,
	})
	plugins = append(plugins, tcpInputPlugin{
		addr:    cfg.TCPAddr,
		enabled: cfg.TCPEnabled,
	})
	return plugins
}

// buildProducers builds every enabled plugin. A plugin that fails to build
// is logged and skipped.
func buildProducers(plugins []InputSourcePlugin, logger *slog.Logger) []model.Producer {
	producers := make([]model.Producer, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		p, err := plugin.Build(logger)
		if err != nil {
			logger.Error("input plugin failed to initialize", "plugin", plugin.Name(), "err", err)
			continue
		}
		producers = append(producers, p)
	}
	return producers
}

type fileInputPlugin struct {
	patterns  []string
	fromStart bool
	rescan    time.Duration
}

func (p fileInputPlugin) Name() string { return "file" }

func (p fileInputPlugin) Enabled() bool { return len(p.patterns) > 0 }

func (p fileInputPlugin) Build(logger *slog.Logger) (model.Producer, error) {
	return logsource.NewFile(p.patterns, logsource.FileConfig{
		FromStart: p.fromStart,
		Rescan:    p.rescan,
		Logger:    logger,
	}), nil
}

type stdinInputPlugin struct {
	r       io.Reader
	enabled bool
}

func (p stdinInputPlugin) Name() string { return "stdin" }

// Enabled requires stdin-enabled and, for the process stdin, a pipe or
// file rather than a terminal.
func (p stdinInputPlugin) Enabled() bool {
	if !p.enabled || p.r == nil {
		return false
	}
	f, ok := p.r.(*os.File)
	if !ok {
		return true
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(logger *slog.Logger) (model.Producer, error) {
	return logsource.NewStdin(p.r, logsource.StdinConfig{Logger: logger}), nil
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(logger *slog.Logger) (model.Producer, error) {
	return logsource.NewTCP(p.addr, tcpserver.ServerConfig{
		MaxLineSize: defaultTCPInputMaxLine,
		Logger:      logger,
	}), nil
}
