package socketrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinytelemetry/otter/internal/model"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (64 KB).
	scannerInitBufSize = 64 * 1024
	// scannerMaxTokenSize is the maximum request size the scanner will accept (1 MB).
	scannerMaxTokenSize = 1024 * 1024
)

// DepthSource reports queue occupancy.
type DepthSource interface {
	Depth() model.Depth
}

// Server is the control service. It runs independently of any consumer
// and serves whichever one is bound at the time of each call.
type Server struct {
	socketPath string
	binding    *Binding
	queue      DepthSource
	logger     *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a control server for the given binding and queue.
func NewServer(socketPath string, binding *Binding, queue DepthSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		binding:    binding,
		queue:      queue,
		logger:     logger.With("component", "socketrpc"),
		quit:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	// Remove stale socket if it exists.
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			os.Remove(s.socketPath)
		} else {
			conn.Close()
			return fmt.Errorf("socketrpc: another agent is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop closes the listener and every open connection, waits for their
// goroutines and removes the socket file. It is safe to call more than
// once and before Start.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		if s.listener != nil {
			os.Remove(s.socketPath)
		}
		s.logger.Info("control socket stopped")
	})
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Warn("accept error", "err", err)
				// Transient (fd limit); back off instead of spinning.
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// track registers conn unless the server is stopping.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp := Response{JSONRPC: "2.0", ID: 0, Error: &RPCError{Code: codeParse, Message: "parse error"}}
			encoder.Encode(resp)
			continue
		}

		if err := encoder.Encode(s.dispatch(req)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v any) Response {
		data, err := json.Marshal(v)
		if err != nil {
			resp.Error = &RPCError{Code: codeInternal, Message: err.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	unbound := func() Response {
		resp.Error = &RPCError{Code: codeNoConsumer, Message: msgNoConsumer}
		return resp
	}

	if req.Method == "Depth" {
		return marshalResult(s.queue.Depth())
	}

	switch req.Method {
	case "Attach":
		a, ok := s.binding.attachment()
		if !ok {
			return unbound()
		}
		return marshalResult(a)
	case "Status", "Pause", "Resume", "Reconnect":
	default:
		resp.Error = &RPCError{Code: codeNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}

	c, ok := s.binding.Current()
	if !ok {
		return unbound()
	}

	switch req.Method {
	case "Status":
		return marshalResult(c.Status())
	case "Pause":
		c.Pause()
	case "Resume":
		c.Resume()
	case "Reconnect":
		c.Reconnect()
	}
	s.logger.Info("control request", "method", req.Method)
	return marshalResult(true)
}
