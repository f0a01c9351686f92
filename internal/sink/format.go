package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tinytelemetry/otter/internal/model"
)

// Output formats for formatted events.
const (
	FormatJSON   = "json"
	FormatString = "string"
	FormatRaw    = "raw"
	FormatCBOR   = "cbor"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Formatter renders lines as logstash events.
type Formatter struct {
	// Version selects the logstash event schema: 0 (@-prefixed fields)
	// or 1 (@version/@timestamp with flat fields).
	Version  int
	Format   string
	Hostname string
	// Type is the event type, "file" when empty.
	Type string
	Tags []string

	now func() time.Time
}

// NewFormatter validates version and format and returns a Formatter.
func NewFormatter(version int, format, hostname string) (*Formatter, error) {
	if version != 0 && version != 1 {
		return nil, fmt.Errorf("sink: invalid logstash version %d (want 0 or 1)", version)
	}
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatString, FormatRaw, FormatCBOR:
	default:
		return nil, fmt.Errorf("sink: unknown format %q", format)
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return &Formatter{Version: version, Format: format, Hostname: hostname, now: time.Now}, nil
}

// DefaultFormatter returns a version 0 JSON formatter for this host.
func DefaultFormatter() *Formatter {
	f, _ := NewFormatter(0, FormatJSON, "")
	return f
}

// Timestamp returns rec's timestamp, or the current time when unset.
func (f *Formatter) Timestamp(rec model.Record) time.Time {
	if !rec.Timestamp.IsZero() {
		return rec.Timestamp.UTC()
	}
	if f.now == nil {
		return time.Now().UTC()
	}
	return f.now().UTC()
}

// Event builds the logstash event for one line.
func (f *Formatter) Event(rec model.Record, line string, ts time.Time) map[string]any {
	typ := f.Type
	if typ == "" {
		typ = "file"
	}
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	line = strings.TrimRight(line, "\r\n")
	stamp := ts.Format(timestampLayout)

	if f.Version == 1 {
		ev := make(map[string]any, len(rec.Fields)+7)
		for k, v := range rec.Fields {
			ev[k] = v
		}
		ev["@version"] = 1
		ev["@timestamp"] = stamp
		ev["host"] = f.Hostname
		ev["file"] = rec.Source
		ev["message"] = line
		ev["type"] = typ
		ev["tags"] = tags
		return ev
	}

	fields := rec.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	return map[string]any{
		"@source":      "file://" + f.Hostname + rec.Source,
		"@type":        typ,
		"@tags":        tags,
		"@fields":      fields,
		"@timestamp":   stamp,
		"@source_host": f.Hostname,
		"@source_path": rec.Source,
		"@message":     line,
	}
}

// Line renders one line of rec.
func (f *Formatter) Line(rec model.Record, line string, ts time.Time) ([]byte, error) {
	switch f.Format {
	case FormatRaw:
		return []byte(strings.TrimRight(line, "\r\n")), nil
	case FormatString:
		return fmt.Appendf(nil, "[%s] [%s] %s", f.Hostname, ts.Format(timestampLayout), strings.TrimRight(line, "\r\n")), nil
	case FormatCBOR:
		return cbor.Marshal(f.Event(rec, line, ts))
	case FormatJSON, "":
		return json.Marshal(f.Event(rec, line, ts))
	default:
		return nil, fmt.Errorf("unknown format %q", f.Format)
	}
}

// Lines renders every line of rec with a single timestamp.
func (f *Formatter) Lines(rec model.Record) ([][]byte, error) {
	ts := f.Timestamp(rec)
	out := make([][]byte, 0, len(rec.Lines))
	for _, l := range rec.Lines {
		b, err := f.Line(rec, l, ts)
		if err != nil {
			return nil, fmt.Errorf("sink: format %s line: %w", f.Format, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// ContentType is the MIME type of formatted payloads.
func (f *Formatter) ContentType() string {
	switch f.Format {
	case FormatJSON:
		return "text/json"
	case FormatCBOR:
		return "application/cbor"
	default:
		return "text/plain"
	}
}
