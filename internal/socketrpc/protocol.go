package socketrpc

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/tinytelemetry/otter/internal/model"
)

// JSON-RPC 2.0 Method Reference
//
// The control socket exposes the running consumer over a Unix domain
// socket, one JSON object per line in each direction.
//
//   Method      Params   Result
//   ─────────   ──────   ──────────────────────
//   Attach      (none)   Attachment
//   Status      (none)   model.ConsumerStatus
//   Depth       (none)   model.Depth
//   Pause       (none)   true
//   Resume      (none)   true
//   Reconnect   (none)   true
//
// Depth reads the queue, which outlives consumers, and always succeeds.
// Every other method needs a bound consumer and fails with -32001 while
// the worker is restarting.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32603  Internal error (marshal failure)
//   -32001  No consumer bound

const (
	codeParse         = -32700
	codeNotFound      = -32601
	codeInternal      = -32603
	codeNoConsumer    = -32001
	msgNoConsumer     = "no consumer bound"
	defaultSocketName = "otter.sock"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// IsUnbound reports whether err is the server's "no consumer bound" reply.
func IsUnbound(err error) bool {
	var re *RPCError
	return errors.As(err, &re) && re.Code == codeNoConsumer
}

// Attachment is the result of Attach: the consumer currently bound and
// the binding generation, which changes on every consumer (re)creation.
type Attachment struct {
	Generation uint64               `json:"generation" yaml:"generation"`
	BoundAt    time.Time            `json:"bound_at" yaml:"bound_at"`
	Consumer   model.ConsumerStatus `json:"consumer" yaml:"consumer"`
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/otter/otter.sock, falling back to
// ~/.local/state/otter/otter.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "otter", defaultSocketName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), defaultSocketName)
	}
	return filepath.Join(home, ".local", "state", "otter", defaultSocketName)
}
