package main

import (
	"fmt"
	"net"
	"net/url"
	"slices"

	"github.com/tinytelemetry/otter/internal/sink"
	"github.com/tinytelemetry/otter/internal/sink/duckdb"
	"github.com/tinytelemetry/otter/internal/sink/otlp"
	"github.com/tinytelemetry/otter/internal/sink/rabbitmq"
	"github.com/tinytelemetry/otter/internal/sink/redis"
	"github.com/tinytelemetry/otter/internal/sink/sqs"
	"github.com/tinytelemetry/otter/internal/sink/tcp"
)

const (
	transportTCP      = "tcp"
	transportRedis    = "redis"
	transportRabbitMQ = "rabbitmq"
	transportSQS      = "sqs"
	transportOTLP     = "otlp"
	transportDuckDB   = "duckdb"
	transportMemory   = "memory"
)

var transportNames = []string{
	transportTCP,
	transportRedis,
	transportRabbitMQ,
	transportSQS,
	transportOTLP,
	transportDuckDB,
	transportMemory,
}

func knownTransport(name string) bool {
	return slices.Contains(transportNames, name)
}

// transportFactory builds one fresh transport per consumer. Each worker
// generation owns its own connection.
type transportFactory func() (sink.Transport, error)

// newTransportFactory validates the selected transport's settings by
// building it once, then returns a factory for later consumers.
func newTransportFactory(cfg appConfig, opts sink.Options) (transportFactory, error) {
	build := func() (sink.Transport, error) {
		switch cfg.Transport {
		case transportTCP:
			return tcp.New(cfg.TCPHost, cfg.TCPPort, opts), nil
		case transportRedis:
			return redis.New(redis.Config{
				URL:       cfg.RedisURL,
				Namespace: cfg.RedisNamespace,
				DataType:  cfg.RedisDataType,
			}, opts)
		case transportRabbitMQ:
			return rabbitmq.New(rabbitmq.Config{
				URL:          cfg.RabbitMQURL,
				Exchange:     cfg.RabbitMQExchange,
				ExchangeType: cfg.RabbitMQExchangeType,
				Queue:        cfg.RabbitMQQueue,
				Key:          cfg.RabbitMQKey,
				Durable:      cfg.RabbitMQDurable,
			}, opts), nil
		case transportSQS:
			return sqs.New(sqs.Config{
				QueueURL: cfg.SQSQueueURL,
				Region:   cfg.SQSRegion,
			}, opts)
		case transportOTLP:
			return otlp.New(otlp.Config{
				Endpoint: cfg.OTLPEndpoint,
				Insecure: cfg.OTLPInsecure,
			}, opts), nil
		case transportDuckDB:
			return duckdb.New(cfg.DuckDBPath, opts), nil
		case transportMemory:
			return sink.NewMemory(opts), nil
		}
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	check, err := build()
	if err != nil {
		return nil, err
	}
	_ = check.Close()
	return build, nil
}

// throughTunnel points the selected transport at the local end of an SSH
// tunnel.
func (cfg appConfig) throughTunnel(localAddr string) (appConfig, error) {
	host, port, err := net.SplitHostPort(localAddr)
	if err != nil {
		return cfg, fmt.Errorf("tunnel address %q: %w", localAddr, err)
	}
	switch cfg.Transport {
	case transportTCP:
		cfg.TCPHost, cfg.TCPPort = host, port
	case transportRedis:
		cfg.RedisURL, err = replaceURLHost(cfg.RedisURL, localAddr)
	case transportRabbitMQ:
		cfg.RabbitMQURL, err = replaceURLHost(cfg.RabbitMQURL, localAddr)
	case transportOTLP:
		cfg.OTLPEndpoint = localAddr
	default:
		err = fmt.Errorf("transport %s cannot use an ssh tunnel", cfg.Transport)
	}
	return cfg, err
}

func replaceURLHost(raw, hostport string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	u.Host = hostport
	return u.String(), nil
}
