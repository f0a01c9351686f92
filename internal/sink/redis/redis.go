// Package redis ships events to a Redis list or pub/sub channel.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/sink"
)

// Data types accepted for Config.DataType.
const (
	DataTypeList    = "list"
	DataTypeChannel = "channel"
)

// Config selects the server and key.
type Config struct {
	URL       string
	Namespace string
	DataType  string
	// Timeout bounds dial, read and write on the client.
	Timeout time.Duration
}

// Transport pushes each formatted line to Namespace with RPUSH, or
// PUBLISH for the channel data type, pipelining a record's lines.
type Transport struct {
	*sink.Handle
	cfg  Config
	opts *goredis.Options

	mu     sync.Mutex
	client *goredis.Client
}

// New parses cfg.URL and returns a disconnected transport.
func New(cfg Config, opts sink.Options) (*Transport, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "logstash:beaver"
	}
	switch cfg.DataType {
	case "":
		cfg.DataType = DataTypeList
	case DataTypeList, DataTypeChannel:
	default:
		return nil, fmt.Errorf("redis: unknown data type %q", cfg.DataType)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	ro, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	ro.DialTimeout = cfg.Timeout
	ro.ReadTimeout = cfg.Timeout
	ro.WriteTimeout = cfg.Timeout
	// The backoff schedule owns retries.
	ro.MaxRetries = -1

	return &Transport{Handle: sink.NewHandle("redis", opts), cfg: cfg, opts: ro}, nil
}

func (t *Transport) Connect(ctx context.Context) error {
	t.release()
	return t.Establish(ctx, func(ctx context.Context) error {
		client := goredis.NewClient(t.opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return err
		}
		t.mu.Lock()
		t.client = client
		t.mu.Unlock()
		return nil
	})
}

func (t *Transport) Reconnect(ctx context.Context) error {
	if t.Valid() {
		return nil
	}
	return t.Connect(ctx)
}

func (t *Transport) Send(ctx context.Context, rec model.Record) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !t.Valid() {
		t.Invalidate()
		return t.Report("send", sink.ErrNotConnected)
	}

	lines, err := t.Formatter().Lines(rec)
	if err != nil {
		t.Invalidate()
		return t.Report("send", err)
	}

	pipe := client.Pipeline()
	for _, l := range lines {
		if t.cfg.DataType == DataTypeChannel {
			pipe.Publish(ctx, t.cfg.Namespace, l)
		} else {
			pipe.RPush(ctx, t.cfg.Namespace, l)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.Invalidate()
		return t.Report("send", err)
	}
	return nil
}

func (t *Transport) Invalidate() {
	t.SetState(sink.Invalidated)
	t.release()
}

func (t *Transport) Close() error {
	t.SetState(sink.Disconnected)
	return t.release()
}

func (t *Transport) release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
