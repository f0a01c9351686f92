package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/socketrpc"
)

type fakeConsumer struct {
	mu         sync.Mutex
	paused     bool
	reconnects int
}

func (f *fakeConsumer) Status() model.ConsumerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.ConsumerStatus{
		ID:         "c-7",
		Transport:  "rabbitmq",
		State:      "connected",
		Paused:     f.paused,
		Started:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Sent:       12,
		Dropped:    2,
		LastError:  "Socket error",
		QueueDepth: 4,
		QueueCap:   100,
	}
}

func (f *fakeConsumer) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeConsumer) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeConsumer) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

type fixedDepth struct{}

func (fixedDepth) Depth() model.Depth { return model.Depth{Len: 4, Cap: 100} }

// startAgentSocket serves the control protocol from a temp socket.
func startAgentSocket(t *testing.T, c model.Controller) string {
	t.Helper()
	b := &socketrpc.Binding{}
	if c != nil {
		b.Bind(c)
	}
	path := filepath.Join(t.TempDir(), "otter.sock")
	srv := socketrpc.NewServer(path, b, fixedDepth{}, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OTTER_SOCKET_PATH", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "none.yml")))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusText(t *testing.T) {
	sock := startAgentSocket(t, &fakeConsumer{})

	out, err := run(t, "status", "--socket", sock)
	require.NoError(t, err)
	assert.Contains(t, out, "Consumer:    c-7")
	assert.Contains(t, out, "Transport:   rabbitmq")
	assert.Contains(t, out, "Queue:       4/100")
	assert.Contains(t, out, "Last error:  Socket error")
}

func TestStatusJSON(t *testing.T) {
	sock := startAgentSocket(t, &fakeConsumer{})

	out, err := run(t, "status", "-o", "json", "--socket", sock)
	require.NoError(t, err)

	var st model.ConsumerStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "c-7", st.ID)
	assert.Equal(t, uint64(12), st.Sent)
}

func TestStatusYAML(t *testing.T) {
	sock := startAgentSocket(t, &fakeConsumer{})

	out, err := run(t, "status", "-o", "yaml", "--socket", sock)
	require.NoError(t, err)

	var st map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &st))
	assert.Equal(t, "rabbitmq", st["transport"])
	assert.Equal(t, 2, st["dropped"])
}

func TestStatusUnknownFormat(t *testing.T) {
	sock := startAgentSocket(t, &fakeConsumer{})

	_, err := run(t, "status", "-o", "xml", "--socket", sock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestDepthWithoutConsumer(t *testing.T) {
	sock := startAgentSocket(t, nil)

	out, err := run(t, "depth", "--socket", sock)
	require.NoError(t, err)
	assert.Equal(t, "4/100\n", out)
}

func TestControlCommands(t *testing.T) {
	fc := &fakeConsumer{}
	sock := startAgentSocket(t, fc)

	out, err := run(t, "pause", "--socket", sock)
	require.NoError(t, err)
	assert.Equal(t, "paused\n", out)
	assert.True(t, fc.Status().Paused)

	out, err = run(t, "resume", "--socket", sock)
	require.NoError(t, err)
	assert.Equal(t, "resumed\n", out)
	assert.False(t, fc.Status().Paused)

	out, err = run(t, "reconnect", "--socket", sock)
	require.NoError(t, err)
	assert.Equal(t, "reconnect requested\n", out)
	fc.mu.Lock()
	assert.Equal(t, 1, fc.reconnects)
	fc.mu.Unlock()
}

func TestControlWithoutConsumer(t *testing.T) {
	sock := startAgentSocket(t, nil)

	for _, name := range []string{"status", "pause", "resume", "reconnect", "attach"} {
		_, err := run(t, name, "--socket", sock)
		require.ErrorIs(t, err, errNoConsumer, name)
	}
}

func TestAttach(t *testing.T) {
	sock := startAgentSocket(t, &fakeConsumer{})

	out, err := run(t, "attach", "--socket", sock)
	require.NoError(t, err)
	assert.Contains(t, out, "Generation:  1")
	assert.Contains(t, out, "Consumer:    c-7")
}

func TestDialFailure(t *testing.T) {
	_, err := run(t, "status", "--socket", filepath.Join(t.TempDir(), "missing.sock"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot connect to otter agent")
}

func TestSocketPathFromConfig(t *testing.T) {
	sock := startAgentSocket(t, &fakeConsumer{})
	t.Setenv("OTTER_SOCKET_PATH", sock)

	cfg, err := loadCLIConfig(filepath.Join(t.TempDir(), "none.yml"))
	require.NoError(t, err)
	assert.Equal(t, sock, cfg.SocketPath)
	assert.Equal(t, time.Second, cfg.WatchInterval)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}
