package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinytelemetry/otter/internal/sink"
	"github.com/tinytelemetry/otter/internal/socketrpc"

	"github.com/spf13/viper"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// GetVersionInfo returns the current version and commit information.
func GetVersionInfo() (string, string) {
	return version, commit
}

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/otter/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Otter - Log Shipping Agent\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	code, err := runAgent(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "otter")

	v := viper.New()
	v.SetEnvPrefix("OTTER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("max-queue-size", defaultMaxQueueSize)
	v.SetDefault("refresh-worker-process", time.Duration(0))
	v.SetDefault("poll-interval", defaultPollInterval)
	v.SetDefault("restart-delay", defaultRestartDelay)
	v.SetDefault("stop-timeout", defaultStopTimeout)
	v.SetDefault("batch-size", defaultBatchSize)
	v.SetDefault("send-timeout", defaultSendTimeout)
	v.SetDefault("transport", defaultTransport)
	v.SetDefault("transport-retry-unit", defaultRetryUnit)
	v.SetDefault("transport-max-attempts", defaultMaxAttempts)
	v.SetDefault("format", defaultFormat)
	v.SetDefault("logstash-version", 0)
	v.SetDefault("hostname", "")
	v.SetDefault("files", []string{})
	v.SetDefault("files-from-start", false)
	v.SetDefault("file-rescan", defaultFileRescan)
	v.SetDefault("stdin-enabled", false)
	v.SetDefault("tcp-input-enabled", false)
	v.SetDefault("tcp-input-addr", defaultTCPInputAddr)
	v.SetDefault("tcp-host", defaultTCPHost)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("redis-url", defaultRedisURL)
	v.SetDefault("redis-namespace", defaultRedisNamespace)
	v.SetDefault("redis-data-type", "list")
	v.SetDefault("rabbitmq-url", defaultRabbitURL)
	v.SetDefault("rabbitmq-exchange", "")
	v.SetDefault("rabbitmq-exchange-type", "")
	v.SetDefault("rabbitmq-queue", "")
	v.SetDefault("rabbitmq-key", "")
	v.SetDefault("rabbitmq-durable", false)
	v.SetDefault("sqs-queue-url", "")
	v.SetDefault("sqs-region", "")
	v.SetDefault("otlp-endpoint", defaultOTLPEndpoint)
	v.SetDefault("otlp-insecure", false)
	v.SetDefault("duckdb-path", filepath.Join(dataDir, "otter.duckdb"))
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("journal-enabled", false)
	v.SetDefault("journal-path", filepath.Join(dataDir, "journal"))
	v.SetDefault("ssh-tunnel", "")
	v.SetDefault("ssh-tunnel-port", 0)
	v.SetDefault("ssh-remote-host", defaultSSHRemoteHost)
	v.SetDefault("ssh-remote-port", 0)
	v.SetDefault("ssh-key-file", "")
	v.SetDefault("ssh-known-hosts", "")
	v.SetDefault("log-file", "")
	v.SetDefault("log-level", defaultLogLevel)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "otter", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	for _, p := range []*string{&cfg.DuckDBPath, &cfg.JournalPath, &cfg.LogFile, &cfg.SocketPath, &cfg.SSHKeyFile, &cfg.SSHKnownHosts} {
		*p = expandHome(home, *p)
	}
	for i := range cfg.Files {
		cfg.Files[i] = expandHome(home, cfg.Files[i])
	}

	return cfg, nil
}

func validateConfig(cfg *appConfig) error {
	if cfg.MaxQueueSize <= 0 {
		return fmt.Errorf("invalid max-queue-size: %d", cfg.MaxQueueSize)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("invalid poll-interval: %s", cfg.PollInterval)
	}
	if cfg.RestartDelay < 0 {
		return fmt.Errorf("invalid restart-delay: %s", cfg.RestartDelay)
	}
	if cfg.RefreshWorker < 0 {
		return fmt.Errorf("invalid refresh-worker-process: %s", cfg.RefreshWorker)
	}
	if cfg.StopTimeout <= 0 {
		return fmt.Errorf("invalid stop-timeout: %s", cfg.StopTimeout)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("invalid batch-size: %d", cfg.BatchSize)
	}
	if cfg.SendTimeout <= 0 {
		return fmt.Errorf("invalid send-timeout: %s", cfg.SendTimeout)
	}
	if cfg.RetryUnit < 0 {
		return fmt.Errorf("invalid transport-retry-unit: %s", cfg.RetryUnit)
	}
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("invalid transport-max-attempts: %d", cfg.MaxAttempts)
	}

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if !knownTransport(cfg.Transport) {
		return fmt.Errorf("invalid transport: %q (want one of %s)", cfg.Transport, strings.Join(transportNames, ", "))
	}
	if _, err := sink.NewFormatter(cfg.LogstashVersion, cfg.Format, cfg.Hostname); err != nil {
		if cfg.LogstashVersion != 0 && cfg.LogstashVersion != 1 {
			return fmt.Errorf("invalid logstash-version: %d", cfg.LogstashVersion)
		}
		return fmt.Errorf("invalid format: %q", cfg.Format)
	}
	if cfg.Transport == transportSQS && cfg.SQSQueueURL == "" {
		return errors.New("sqs-queue-url is required with transport sqs")
	}

	if len(cfg.Files) == 0 && !cfg.StdinEnabled && !cfg.TCPInputEnabled {
		return errors.New("no inputs configured: set files, stdin-enabled or tcp-input-enabled")
	}
	if cfg.TCPInputEnabled {
		if _, _, err := net.SplitHostPort(cfg.TCPInputAddr); err != nil {
			return fmt.Errorf("invalid tcp-input-addr: %w", err)
		}
	}
	if cfg.APIEnabled {
		if _, _, err := net.SplitHostPort(cfg.APIAddr); err != nil {
			return fmt.Errorf("invalid api-addr: %w", err)
		}
	}

	if cfg.SSHTunnel != "" {
		if cfg.Transport == transportSQS || cfg.Transport == transportDuckDB || cfg.Transport == transportMemory {
			return fmt.Errorf("ssh-tunnel is not supported with transport %s", cfg.Transport)
		}
		if cfg.SSHRemotePort <= 0 || cfg.SSHRemotePort > 65535 {
			return fmt.Errorf("invalid ssh-remote-port: %d", cfg.SSHRemotePort)
		}
		if cfg.SSHTunnelPort < 0 || cfg.SSHTunnelPort > 65535 {
			return fmt.Errorf("invalid ssh-tunnel-port: %d", cfg.SSHTunnelPort)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log-level: %q", cfg.LogLevel)
	}
	return nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
