package journal

import (
	"context"
	"sync"

	"github.com/tinytelemetry/otter/internal/model"
)

// Backlog is a producer that re-emits the records a previous process
// journaled but never delivered. A journal has exactly one Backlog, shared
// by every worker: each record is handed out at most once per process,
// and a replay cut short by a dying worker resumes where it stopped.
type Backlog struct {
	j   *Journal
	end uint64

	mu sync.Mutex
	// replayed is the highest sequence already emitted or committed.
	replayed uint64
}

// Backlog returns the journal's replay producer. Every call returns the
// same producer.
func (j *Journal) Backlog() *Backlog { return j.backlog }

func (b *Backlog) Name() string { return "journal-backlog" }

// Run replays the rest of the backlog through emit. Records it emits
// already carry their sequence numbers and must not be journaled again.
func (b *Backlog) Run(ctx context.Context, emit model.Emitter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replayed >= b.end {
		return nil
	}
	return b.j.Replay(func(rec model.Record) error {
		if rec.Seq <= b.replayed {
			return nil
		}
		if err := emit(ctx, rec); err != nil {
			return err
		}
		b.replayed = rec.Seq
		return nil
	})
}

// Done reports whether the whole backlog has been handed out.
func (b *Backlog) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replayed >= b.end
}
