// Package otlp exports records as OTLP log records over gRPC.
package otlp

import (
	"context"
	"fmt"
	"sync"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/otter/internal/logparse"
	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/sink"
)

const (
	scopeName          = "otter"
	defaultDialTimeout = 5 * time.Second
)

// Config names the collector endpoint.
type Config struct {
	Endpoint string
	Insecure bool
	// DialTimeout bounds each connect attempt.
	DialTimeout time.Duration
}

// Transport exports each record as one ResourceLogs with a log record per
// line. The file path and host become resource and record attributes.
type Transport struct {
	*sink.Handle
	cfg Config

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client collogspb.LogsServiceClient
	bytes  int
}

// New returns a disconnected transport.
func New(cfg Config, opts sink.Options) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Transport{Handle: sink.NewHandle("otlp", opts), cfg: cfg}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.release()
	return t.Establish(ctx, func(ctx context.Context) error {
		creds := credentials.NewTLS(nil)
		if t.cfg.Insecure {
			creds = insecure.NewCredentials()
		}
		conn, err := grpc.NewClient(t.cfg.Endpoint, grpc.WithTransportCredentials(creds))
		if err != nil {
			return err
		}
		if err := waitReady(ctx, conn, t.cfg.DialTimeout); err != nil {
			_ = conn.Close()
			return err
		}
		t.mu.Lock()
		t.conn = conn
		t.client = collogspb.NewLogsServiceClient(conn)
		t.mu.Unlock()
		return nil
	})
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.Connect()
	for {
		s := conn.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, s) {
			return fmt.Errorf("otlp: %s not ready (%s): %w", conn.Target(), s, ctx.Err())
		}
	}
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

	req := t.request(rec)
	resp, err := client.Export(ctx, req)
	if err != nil {
		t.Invalidate()
		return t.Report("send", err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedLogRecords() > 0 {
		t.Logger().Warn("collector rejected log records",
			"rejected", ps.GetRejectedLogRecords(), "message", ps.GetErrorMessage())
	}

	t.mu.Lock()
	t.bytes += proto.Size(req)
	t.mu.Unlock()
	return nil
}

// BytesExported returns the encoded size of every accepted request.
func (t *Transport) BytesExported() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

func (t *Transport) request(rec model.Record) *collogspb.ExportLogsServiceRequest {
	f := t.Formatter()
	ts := uint64(f.Timestamp(rec).UnixNano())
	observed := uint64(time.Now().UnixNano())

	attrs := []*commonpb.KeyValue{str("log.file.path", rec.Source)}
	for k, v := range rec.Fields {
		attrs = append(attrs, str(k, v))
	}

	records := make([]*logspb.LogRecord, 0, len(rec.Lines))
	for _, l := range rec.Lines {
		lr := &logspb.LogRecord{
			TimeUnixNano:         ts,
			ObservedTimeUnixNano: observed,
			Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: l}},
			Attributes:           attrs,
		}
		if lvl, ok := logparse.Detect(l); ok {
			lr.SeverityText = string(lvl)
			lr.SeverityNumber = logspb.SeverityNumber(lvl.Number())
		}
		records = append(records, lr)
	}

	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				str("host.name", f.Hostname),
				str("service.name", scopeName),
			}},
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: scopeName},
				LogRecords: records,
			}},
		}},
	}
}

func str(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
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
	conn := t.conn
	t.conn, t.client = nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
