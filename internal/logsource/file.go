package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/tinytelemetry/otter/internal/model"
)

// FileConfig tunes a File producer.
type FileConfig struct {
	// FromStart reads files first seen at startup from the beginning
	// instead of the end. Files created later are always read in full.
	FromStart bool
	// Rescan is how often every pattern is re-globbed and every file
	// re-read, covering filesystems that drop change events.
	Rescan      time.Duration
	BatchLines  int
	MaxLineSize int
	// Fields are attached to every record.
	Fields map[string]string
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// File tails every file matching a set of glob patterns. Each appended
// complete line is emitted in order under the file's path. Offsets are
// kept across Run calls, so a restarted worker resumes where the last
// one stopped.
type File struct {
	patterns []string
	cfg      FileConfig
	logger   *slog.Logger

	mu      sync.Mutex
	offsets map[string]int64
	seeded  bool
}

// NewFile creates a tailer for patterns.
func NewFile(patterns []string, cfg FileConfig) *File {
	if cfg.Rescan <= 0 {
		cfg.Rescan = 5 * time.Second
	}
	if cfg.BatchLines <= 0 {
		cfg.BatchLines = DefaultBatchLines
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = DefaultStdinMaxLineSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &File{
		patterns: patterns,
		cfg:      cfg,
		logger:   cfg.Logger.With("producer", "file"),
		offsets:  make(map[string]int64),
	}
}

func (f *File) Name() string { return "file" }

// Run watches the pattern directories and emits new lines until ctx is
// done.
func (f *File) Run(ctx context.Context, emit model.Emitter) error {
	if len(f.patterns) == 0 {
		return errors.New("logsource: no file patterns configured")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("logsource: watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range f.dirs() {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("logsource: watch %s: %w", dir, err)
		}
	}

	f.seed()
	if err := f.scan(ctx, emit); err != nil {
		return emitErr(ctx, err)
	}

	ticker := f.cfg.Clock.NewTicker(f.cfg.Rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !f.matches(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				f.setOffset(ev.Name, 0)
				err = f.readNew(ctx, ev.Name, emit)
			case ev.Has(fsnotify.Write):
				err = f.readNew(ctx, ev.Name, emit)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				f.forget(ev.Name)
			}
			if err != nil {
				return emitErr(ctx, err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("watch error", "err", err)

		case <-ticker.Chan():
			if err := f.scan(ctx, emit); err != nil {
				return emitErr(ctx, err)
			}
		}
	}
}

func (f *File) dirs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range f.patterns {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func (f *File) matches(path string) bool {
	for _, p := range f.patterns {
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
	}
	return false
}

func (f *File) glob() []string {
	var out []string
	for _, p := range f.patterns {
		m, err := filepath.Glob(p)
		if err != nil {
			f.logger.Warn("bad file pattern", "pattern", p, "err", err)
			continue
		}
		out = append(out, m...)
	}
	return out
}

// seed records starting offsets for the files present on first run.
func (f *File) seed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seeded {
		return
	}
	f.seeded = true
	for _, path := range f.glob() {
		var off int64
		if !f.cfg.FromStart {
			if fi, err := os.Stat(path); err == nil {
				off = fi.Size()
			}
		}
		f.offsets[path] = off
		f.logger.Info("tailing file", "path", path, "offset", off)
	}
}

// scan re-globs and reads every matching file from its offset.
func (f *File) scan(ctx context.Context, emit model.Emitter) error {
	for _, path := range f.glob() {
		if err := f.readNew(ctx, path, emit); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) offset(path string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offsets[path]
}

func (f *File) setOffset(path string, off int64) {
	f.mu.Lock()
	f.offsets[path] = off
	f.mu.Unlock()
}

func (f *File) forget(path string) {
	f.mu.Lock()
	delete(f.offsets, path)
	f.mu.Unlock()
}

// readNew emits every complete line appended to path since its offset.
// A partial trailing line is left for the next read. A file shorter
// than its offset was truncated and is read again from the start.
func (f *File) readNew(ctx context.Context, path string, emit model.Emitter) error {
	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.forget(path)
			return nil
		}
		f.logger.Warn("open failed", "path", path, "err", err)
		return nil
	}
	defer fh.Close()

	fi, err := fh.Stat()
	if err != nil || fi.IsDir() {
		return nil
	}

	off := f.offset(path)
	if fi.Size() < off {
		f.logger.Info("file truncated, reading from start", "path", path)
		off = 0
	}
	if fi.Size() == off {
		f.setOffset(path, off)
		return nil
	}
	if _, err := fh.Seek(off, io.SeekStart); err != nil {
		return nil
	}

	r := bufio.NewReaderSize(fh, 64*1024)
	batch := make([]string, 0, f.cfg.BatchLines)
	consumed := int64(0)

	flush := func() error {
		if len(batch) == 0 {
			f.setOffset(path, off+consumed)
			return nil
		}
		rec := model.Record{Source: path, Lines: batch, Fields: f.cfg.Fields}
		if err := emit(ctx, rec); err != nil {
			return err
		}
		f.setOffset(path, off+consumed)
		batch = make([]string, 0, f.cfg.BatchLines)
		return nil
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// partial line or EOF: leave it for the next read
			break
		}
		consumed += int64(len(line))
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if len(line) > f.cfg.MaxLineSize {
			f.logger.Warn("line exceeds max size, truncated", "path", path, "bytes", len(line))
			line = line[:f.cfg.MaxLineSize]
		}
		batch = append(batch, line)
		if len(batch) >= f.cfg.BatchLines {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
