package socketrpc_test

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/socketrpc"
)

type fakeConsumer struct{ paused bool }

func (f *fakeConsumer) Status() model.ConsumerStatus {
	return model.ConsumerStatus{ID: "abc", Transport: "tcp", State: "connected", Paused: f.paused, Sent: 42}
}
func (f *fakeConsumer) Pause()     { f.paused = true }
func (f *fakeConsumer) Resume()    { f.paused = false }
func (f *fakeConsumer) Reconnect() {}

type fixedDepth struct{}

func (fixedDepth) Depth() model.Depth { return model.Depth{Len: 1, Cap: 10} }

func startTestServer(t *testing.T, b *socketrpc.Binding) (string, *socketrpc.Server) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv := socketrpc.NewServer(sockPath, b, fixedDepth{}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return sockPath, srv
}

func TestRoundtrip(t *testing.T) {
	b := &socketrpc.Binding{}
	b.Bind(&fakeConsumer{})
	sockPath, srv := startTestServer(t, b)
	defer srv.Stop()

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	t.Run("Attach", func(t *testing.T) {
		a, err := client.Attach()
		if err != nil {
			t.Fatal(err)
		}
		if a.Generation != 1 || a.Consumer.ID != "abc" {
			t.Fatalf("unexpected attachment: %+v", a)
		}
	})

	t.Run("Status", func(t *testing.T) {
		st, err := client.Status()
		if err != nil {
			t.Fatal(err)
		}
		if st.Sent != 42 || st.Transport != "tcp" {
			t.Fatalf("unexpected status: %+v", st)
		}
	})

	t.Run("Depth", func(t *testing.T) {
		d, err := client.Depth()
		if err != nil {
			t.Fatal(err)
		}
		if d.Len != 1 || d.Cap != 10 {
			t.Fatalf("unexpected depth: %+v", d)
		}
	})

	t.Run("PauseResume", func(t *testing.T) {
		if err := client.Pause(); err != nil {
			t.Fatal(err)
		}
		st, _ := client.Status()
		if !st.Paused {
			t.Fatal("expected paused")
		}
		if err := client.Resume(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Reconnect", func(t *testing.T) {
		if err := client.Reconnect(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRebindIsVisibleToClients(t *testing.T) {
	b := &socketrpc.Binding{}
	sockPath, srv := startTestServer(t, b)
	defer srv.Stop()

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Status(); !socketrpc.IsUnbound(err) {
		t.Fatalf("Status with no consumer: err = %v, want unbound", err)
	}

	first := &fakeConsumer{}
	b.Bind(first)
	a1, err := client.Attach()
	if err != nil {
		t.Fatal(err)
	}

	b.Unbind(first)
	b.Bind(&fakeConsumer{})
	a2, err := client.Attach()
	if err != nil {
		t.Fatal(err)
	}
	if a2.Generation <= a1.Generation {
		t.Fatalf("generation did not advance: %d then %d", a1.Generation, a2.Generation)
	}
}

func TestDialFailure(t *testing.T) {
	_, err := socketrpc.Dial(filepath.Join(t.TempDir(), "nonexistent.sock"))
	if err == nil {
		t.Fatal("expected error dialing nonexistent socket")
	}
}

func TestStartRefusesLiveSocket(t *testing.T) {
	sockPath, srv := startTestServer(t, &socketrpc.Binding{})
	defer srv.Stop()

	second := socketrpc.NewServer(sockPath, &socketrpc.Binding{}, fixedDepth{}, nil)
	if err := second.Start(); err == nil {
		second.Stop()
		t.Fatal("expected second server to refuse a live socket")
	}
}

func TestStartReplacesStaleSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "stale.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	// Leave the file behind without a listener.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	srv := socketrpc.NewServer(sockPath, &socketrpc.Binding{}, fixedDepth{}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start over stale socket: %v", err)
	}
	srv.Stop()
}

func TestServerStopCleansSocket(t *testing.T) {
	sockPath, srv := startTestServer(t, &socketrpc.Binding{})
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := socketrpc.Dial(sockPath); err == nil {
		t.Fatal("expected dial to fail after server stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	_, srv := startTestServer(t, &socketrpc.Binding{})
	srv.Stop()
	srv.Stop()

	unstarted := socketrpc.NewServer(filepath.Join(t.TempDir(), "x.sock"), &socketrpc.Binding{}, fixedDepth{}, nil)
	if err := unstarted.Stop(); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
}

func TestStopClosesConns(t *testing.T) {
	sockPath, srv := startTestServer(t, &socketrpc.Binding{})
	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	// Make sure the server has picked the connection up.
	if _, err := client.Depth(); err != nil {
		t.Fatal(err)
	}

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an idle client connection")
	}

	if _, err := client.Depth(); err == nil {
		t.Fatal("expected client call to fail after server stop")
	}
}
