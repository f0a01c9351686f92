package model

import "time"

// Kind distinguishes data records from control records.
type Kind uint8

const (
	KindData Kind = iota
	// KindExit marks the poison record: no more data will be produced.
	KindExit
)

// Record is one source's batch of lines plus metadata. It is the unit
// that crosses the queue between producers and the consumer and must not
// be mutated once enqueued.
type Record struct {
	Kind      Kind              `json:"kind,omitempty"`
	Source    string            `json:"source"`
	Lines     []string          `json:"lines"`
	Timestamp time.Time         `json:"timestamp,omitzero"` // zero = stamp at send time
	Fields    map[string]string `json:"fields,omitempty"`
	Seq       uint64            `json:"seq,omitempty"` // journal sequence, 0 when not journaled
}

// ExitRecord returns the poison record.
func ExitRecord() Record { return Record{Kind: KindExit} }

// IsExit reports whether r is the poison record.
func (r Record) IsExit() bool { return r.Kind == KindExit }

// Bytes returns the payload size in bytes, excluding newlines.
func (r Record) Bytes() int {
	n := 0
	for _, l := range r.Lines {
		n += len(l)
	}
	return n
}

// ConsumerStatus is a point-in-time view of the running consumer,
// served by the control socket and the HTTP API.
type ConsumerStatus struct {
	ID         string    `json:"id" yaml:"id"`
	Transport  string    `json:"transport" yaml:"transport"`
	State      string    `json:"state" yaml:"state"`
	Paused     bool      `json:"paused" yaml:"paused"`
	Started    time.Time `json:"started" yaml:"started"`
	Sent       uint64    `json:"sent" yaml:"sent"`
	Dropped    uint64    `json:"dropped" yaml:"dropped"`
	Reconnects uint64    `json:"reconnects" yaml:"reconnects"`
	LastError  string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	QueueDepth int       `json:"queue_depth" yaml:"queue_depth"`
	QueueCap   int       `json:"queue_cap" yaml:"queue_cap"`
}

// Depth is the queue occupancy snapshot returned by the Depth control op.
type Depth struct {
	Len int `json:"len" yaml:"len"`
	Cap int `json:"cap" yaml:"cap"`
}
