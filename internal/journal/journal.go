// Package journal is an append-only spool of records that have been
// queued but not yet delivered. Records are appended before they enter
// the queue and committed once the consumer has handed them to the
// transport, so a crash replays only undelivered records on the next
// start.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tinytelemetry/otter/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

type entry struct {
	Seq    uint64       `json:"seq"`
	Record model.Record `json:"record"`
}

// Journal stores one JSON entry per line and tracks the commit
// high-water mark in a sidecar file.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	committed  uint64
	// backlogEnd is the highest sequence present when the journal was
	// opened. Replay never goes past it, so records appended by this
	// process are not replayed a second time.
	backlogEnd uint64
	backlog    *Backlog
}

// Open creates or opens a journal at path. Committed entries are
// compacted away and a partially written trailing line is dropped.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, err := compact(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	next := max(maxSeq, committed) + 1
	j := &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    next,
		committed:  committed,
		backlogEnd: maxSeq,
	}
	j.backlog = &Backlog{j: j, end: maxSeq, replayed: committed}
	return j, nil
}

// Append persists rec and returns it stamped with its sequence number.
func (j *Journal) Append(rec model.Record) (model.Record, error) {
	if rec.IsExit() {
		return rec, errors.New("journal: refusing to journal exit record")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return rec, errors.New("journal: closed")
	}

	rec.Seq = j.nextSeq
	line, err := json.Marshal(entry{Seq: rec.Seq, Record: rec})
	if err != nil {
		return rec, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return rec, fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return rec, fmt.Errorf("journal: sync entry: %w", err)
	}
	j.nextSeq++
	return rec, nil
}

// Commit marks every entry up to and including seq as delivered.
// Commits at or below the current mark are no-ops.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq <= j.committed {
		return nil
	}
	if err := writeCommitted(j.commitPath, seq); err != nil {
		return err
	}
	j.committed = seq
	return nil
}

// Committed returns the commit high-water mark.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Pending returns the number of sequence numbers handed out but not yet
// committed.
func (j *Journal) Pending() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq - 1 - j.committed
}

// Replay calls fn, in sequence order, for every uncommitted entry that
// was already in the journal when it was opened.
func (j *Journal) Replay(fn func(rec model.Record) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path, committed, end := j.path, j.committed, j.backlogEnd
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	return scanEntries(f, func(e entry, _ []byte) (bool, error) {
		if e.Seq > end {
			return false, nil
		}
		if e.Seq <= committed {
			return true, nil
		}
		rec := e.Record
		rec.Seq = e.Seq
		return true, fn(rec)
	})
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// scanEntries walks complete, well-formed lines of r. It stops silently at
// the first torn or malformed line, or when fn returns false.
func scanEntries(r io.Reader, fn func(e entry, line []byte) (bool, error)) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("journal: read: %w", err)
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return nil
		}

		var e entry
		if json.Unmarshal(line, &e) != nil {
			return nil
		}
		more, ferr := fn(e, line)
		if ferr != nil {
			return ferr
		}
		if !more || errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

// writeCommitted replaces the sidecar atomically: write, fsync, rename.
func writeCommitted(path string, seq uint64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("journal: open commit tmp: %w", err)
	}
	_, err = f.WriteString(strconv.FormatUint(seq, 10) + "\n")
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: write commit file: %w", err)
	}
	return nil
}

// compact rewrites path keeping only entries above committed and returns
// the highest sequence seen.
func compact(path string, committed uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open source for compact: %w", err)
	}
	defer src.Close()

	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open compact tmp: %w", err)
	}
	fail := func(err error) (uint64, error) {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}

	var maxSeq uint64
	err = scanEntries(src, func(e entry, line []byte) (bool, error) {
		maxSeq = max(maxSeq, e.Seq)
		if e.Seq <= committed {
			return true, nil
		}
		if _, werr := dst.Write(line); werr != nil {
			return false, fmt.Errorf("journal: compact write: %w", werr)
		}
		return true, nil
	})
	if err != nil {
		return fail(err)
	}
	if err := dst.Sync(); err != nil {
		return fail(fmt.Errorf("journal: compact sync: %w", err))
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact rename: %w", err)
	}
	return maxSeq, nil
}
