package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/otter/internal/model"
)

func rec(line string) model.Record {
	return model.Record{
		Source:    "/var/log/app.log",
		Lines:     []string{line},
		Timestamp: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Fields:    map[string]string{"env": "prod"},
	}
}

func lines(recs []model.Record) []string {
	var out []string
	for _, r := range recs {
		out = append(out, r.Lines...)
	}
	return out
}

func TestAppendCommitReplayAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otter.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	r1, err := j.Append(rec("first"))
	if err != nil {
		t.Fatalf("Append first: %v", err)
	}
	r2, err := j.Append(rec("second"))
	if err != nil {
		t.Fatalf("Append second: %v", err)
	}
	if r2.Seq <= r1.Seq {
		t.Fatalf("sequence did not advance: %d then %d", r1.Seq, r2.Seq)
	}
	if err := j.Commit(r1.Seq); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := j.Pending(); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	var replayed []model.Record
	if err := j2.Replay(func(r model.Record) error {
		replayed = append(replayed, r)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := lines(replayed); len(got) != 1 || got[0] != "second" {
		t.Fatalf("replayed %v, want [second]", got)
	}
	if replayed[0].Seq != r2.Seq {
		t.Fatalf("replayed seq %d, want %d", replayed[0].Seq, r2.Seq)
	}
	if replayed[0].Fields["env"] != "prod" {
		t.Fatalf("fields not preserved: %v", replayed[0].Fields)
	}

	r3, err := j2.Append(rec("third"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if r3.Seq <= r2.Seq {
		t.Fatalf("seq %d reused after reopen (previous max %d)", r3.Seq, r2.Seq)
	}
}

func TestReplaySkipsRecordsAppendedThisRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otter.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	if _, err := j.Append(rec("live")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	n := 0
	if err := j.Replay(func(model.Record) error { n++; return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 0 {
		t.Fatalf("replayed %d live records, want 0", n)
	}
}

func TestOpenIgnoresPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otter.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j.Append(rec("ok")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate torn write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString(`{"seq":999,"record":`); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close torn writer: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer j2.Close()

	var replayed []model.Record
	if err := j2.Replay(func(r model.Record) error {
		replayed = append(replayed, r)
		return nil
	}); err != nil {
		t.Fatalf("Replay second: %v", err)
	}
	if got := lines(replayed); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("Replay after torn write=%v, want [ok]", got)
	}
}

func TestAppendRejectsExitRecord(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "otter.journal"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	if _, err := j.Append(model.ExitRecord()); err == nil {
		t.Fatal("expected error journaling the exit record")
	}
}

// reopenWithBacklog journals the given lines, closes the journal and
// reopens it so they form the backlog.
func reopenWithBacklog(t *testing.T, entries ...string) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "otter.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, l := range entries {
		if _, err := j.Append(rec(l)); err != nil {
			t.Fatalf("Append %s: %v", l, err)
		}
	}
	j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { j2.Close() })
	return j2
}

func TestBacklogReplaysOncePerProcess(t *testing.T) {
	j := reopenWithBacklog(t, "a", "b", "c")

	var got []model.Record
	emit := func(_ context.Context, r model.Record) error {
		got = append(got, r)
		return nil
	}
	ctx := context.Background()

	// Each worker generation asks the journal for its backlog.
	for gen := 1; gen <= 2; gen++ {
		if err := j.Backlog().Run(ctx, emit); err != nil {
			t.Fatalf("worker %d: Run: %v", gen, err)
		}
	}
	if l := lines(got); len(l) != 3 || l[0] != "a" || l[2] != "c" {
		t.Fatalf("backlog emitted %v, want [a b c] once", l)
	}
	if !j.Backlog().Done() {
		t.Fatal("backlog should be done")
	}
}

func TestBacklogResumesAfterInterruptedReplay(t *testing.T) {
	j := reopenWithBacklog(t, "a", "b", "c")

	var got []string
	stopped := errors.New("worker stopped")
	first := func(_ context.Context, r model.Record) error {
		if r.Lines[0] == "b" {
			return stopped
		}
		got = append(got, r.Lines...)
		return nil
	}
	if err := j.Backlog().Run(context.Background(), first); !errors.Is(err, stopped) {
		t.Fatalf("first Run err = %v, want %v", err, stopped)
	}

	next := func(_ context.Context, r model.Record) error {
		got = append(got, r.Lines...)
		return nil
	}
	if err := j.Backlog().Run(context.Background(), next); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("replayed %v, want [a b c]", got)
	}
}

func TestBacklogSkipsCommittedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otter.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, l := range []string{"a", "b"} {
		if _, err := j.Append(rec(l)); err != nil {
			t.Fatalf("Append %s: %v", l, err)
		}
	}
	if err := j.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if !j2.Backlog().Done() {
		t.Fatal("fully committed journal should have an empty backlog")
	}
}
