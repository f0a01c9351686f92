package logsource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/tinytelemetry/otter/internal/model"
)

// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a single stdin line.
const DefaultStdinMaxLineSize = 1024 * 1024 // 1MB

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	MaxLineSize int
	BatchLines  int
	Logger      *slog.Logger
}

// Stdin emits lines read from a reader, normally os.Stdin. A single
// reader goroutine is started on first Run and shared by later workers,
// so no line is lost to a scanner abandoned by a restart.
type Stdin struct {
	r       io.Reader
	maxLine int
	batch   int
	logger  *slog.Logger

	start sync.Once
	lines chan string
}

// NewStdin creates a stdin producer reading r.
func NewStdin(r io.Reader, conf ...StdinConfig) *Stdin {
	s := &Stdin{
		r:       r,
		maxLine: DefaultStdinMaxLineSize,
		batch:   DefaultBatchLines,
		logger:  slog.Default(),
		lines:   make(chan string, 1024),
	}
	if len(conf) > 0 {
		if conf[0].MaxLineSize > 0 {
			s.maxLine = conf[0].MaxLineSize
		}
		if conf[0].BatchLines > 0 {
			s.batch = conf[0].BatchLines
		}
		if conf[0].Logger != nil {
			s.logger = conf[0].Logger
		}
	}
	s.logger = s.logger.With("producer", "stdin")
	return s
}

func (s *Stdin) Name() string { return "stdin" }

// Run forwards stdin lines until ctx is done or stdin reaches EOF.
func (s *Stdin) Run(ctx context.Context, emit model.Emitter) error {
	s.start.Do(func() { go s.read() })

	for {
		var first string
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-s.lines:
			if !ok {
				return nil
			}
			first = line
		}

		batch := []string{first}
	fill:
		for len(batch) < s.batch {
			select {
			case line, ok := <-s.lines:
				if !ok {
					break fill
				}
				batch = append(batch, line)
			default:
				break fill
			}
		}

		if err := emit(ctx, model.Record{Source: "stdin", Lines: batch}); err != nil {
			return emitErr(ctx, err)
		}
	}
}

func (s *Stdin) read() {
	defer close(s.lines)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxLine)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		s.lines <- line
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.logger.Error("stdin line exceeded max size, stopping stdin source", "max_bytes", s.maxLine)
			return
		}
		s.logger.Error("stdin read failed", "err", err)
		return
	}
	s.logger.Info("stdin closed")
}
