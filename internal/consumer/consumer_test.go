package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/otter/internal/metrics"
	"github.com/tinytelemetry/otter/internal/model"
	"github.com/tinytelemetry/otter/internal/queue"
	"github.com/tinytelemetry/otter/internal/sink"
)

func fastBackoff(attempts int) sink.Options {
	return sink.Options{Backoff: sink.Backoff{Unit: 0, MaxAttempts: attempts}}
}

func rec(source string, lines ...string) model.Record {
	return model.Record{Kind: model.KindData, Source: source, Lines: lines}
}

func runAsync(t *testing.T, c *Consumer, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
		return nil
	}
}

type fakeBinder struct {
	mu    sync.Mutex
	bound model.Controller
	binds int
}

func (b *fakeBinder) Bind(c model.Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound = c
	b.binds++
}

func (b *fakeBinder) Unbind(c model.Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound == c {
		b.bound = nil
	}
}

func (b *fakeBinder) current() model.Controller {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound
}

type fakeJournal struct {
	mu      sync.Mutex
	commits []uint64
}

func (j *fakeJournal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commits = append(j.commits, seq)
	return nil
}

func (j *fakeJournal) Pending() uint64 { return 0 }

func (j *fakeJournal) seqs() []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]uint64(nil), j.commits...)
}

func TestDeliversInOrderAndStopsOnExit(t *testing.T) {
	q := queue.New(16)
	mem := sink.NewMemory(fastBackoff(3))
	c := New(q, mem, Config{})

	require.NoError(t, q.TryPut(rec("a.log", "1")))
	require.NoError(t, q.TryPut(rec("b.log", "2")))
	require.NoError(t, q.TryPut(rec("a.log", "3")))
	require.NoError(t, q.TryPut(model.ExitRecord()))
	require.NoError(t, q.TryPut(rec("a.log", "after-exit")))

	require.NoError(t, waitDone(t, runAsync(t, c, context.Background())))

	assert.Equal(t, []string{"1", "2", "3"}, mem.Lines())
	assert.True(t, mem.Closed())
	assert.Equal(t, 1, q.Len(), "records behind the exit record stay queued")
}

func TestCoalescesAdjacentSameSource(t *testing.T) {
	q := queue.New(16)
	mem := sink.NewMemory(fastBackoff(3))
	c := New(q, mem, Config{BatchSize: 10})

	require.NoError(t, q.TryPut(rec("a.log", "1")))
	require.NoError(t, q.TryPut(rec("a.log", "2")))
	require.NoError(t, q.TryPut(rec("b.log", "3")))
	require.NoError(t, q.TryPut(rec("a.log", "4")))
	require.NoError(t, q.TryPut(model.ExitRecord()))

	require.NoError(t, waitDone(t, runAsync(t, c, context.Background())))

	got := mem.Records()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"1", "2"}, got[0].Lines)
	assert.Equal(t, "b.log", got[1].Source)
	assert.Equal(t, []string{"4"}, got[2].Lines)
}

func TestCoalesceKeepsDistinctFieldsApart(t *testing.T) {
	a := rec("a.log", "1")
	a.Fields = map[string]string{"env": "prod"}
	b := rec("a.log", "2")
	b.Fields = map[string]string{"env": "dev"}

	out := coalesce([]model.Record{a, b})
	assert.Len(t, out, 2)
}

func TestSendFailureDropsRecordAndReconnects(t *testing.T) {
	q := queue.New(16)
	mem := sink.NewMemory(fastBackoff(3))
	var once sync.Once
	mem.SendHook = func(_ context.Context, r model.Record) error {
		var err error
		once.Do(func() { err = syscall.EPIPE })
		return err
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := New(q, mem, Config{Metrics: m, BatchSize: 1})

	require.NoError(t, q.TryPut(rec("a.log", "lost")))
	require.NoError(t, q.TryPut(rec("a.log", "kept")))
	require.NoError(t, q.TryPut(model.ExitRecord()))

	require.NoError(t, waitDone(t, runAsync(t, c, context.Background())))

	assert.Equal(t, []string{"kept"}, mem.Lines())
	assert.Equal(t, 2, mem.Connects(), "initial connect plus one reconnect")
	st := c.Status()
	assert.EqualValues(t, 1, st.Sent)
	assert.EqualValues(t, 1, st.Dropped)
	assert.EqualValues(t, 1, st.Reconnects)
	assert.Contains(t, st.LastError, "Connection appears to have been lost")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendFailures.WithLabelValues("memory", "retryable")))
}

func TestInitialConnectExhaustedIsFatal(t *testing.T) {
	q := queue.New(4)
	mem := sink.NewMemory(fastBackoff(4))
	mem.DialHook = func(context.Context) error { return syscall.ECONNREFUSED }
	c := New(q, mem, Config{})

	err := waitDone(t, runAsync(t, c, context.Background()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sink.ErrConnectExhausted))
	assert.Equal(t, 4, mem.Connects())
	assert.True(t, mem.Closed())
}

func TestReconnectExhaustedIsFatal(t *testing.T) {
	q := queue.New(4)
	mem := sink.NewMemory(fastBackoff(2))
	mem.SendHook = func(context.Context, model.Record) error { return syscall.ECONNRESET }
	c := New(q, mem, Config{BatchSize: 1})
	dials := 0
	mem.DialHook = func(context.Context) error {
		dials++
		if dials > 1 {
			return syscall.ECONNREFUSED
		}
		return nil
	}

	require.NoError(t, q.TryPut(rec("a.log", "1")))
	require.NoError(t, q.TryPut(rec("a.log", "2")))

	err := waitDone(t, runAsync(t, c, context.Background()))
	assert.ErrorIs(t, err, sink.ErrConnectExhausted)
	assert.EqualValues(t, 1, c.Status().Dropped)
	require.Equal(t, 1, q.Len(), "the reconnect runs before the next record is dequeued")
	left, ok := q.TryGet()
	require.True(t, ok)
	assert.Equal(t, []string{"2"}, left.Lines)
}

func TestExhaustedReconnectHandsBackRestOfBatch(t *testing.T) {
	q := queue.New(8)
	mem := sink.NewMemory(fastBackoff(2))
	mem.SendHook = func(context.Context, model.Record) error { return syscall.EPIPE }
	var dials atomic.Int32
	mem.DialHook = func(context.Context) error {
		if dials.Add(1) > 1 {
			return syscall.ECONNREFUSED
		}
		return nil
	}
	j := &fakeJournal{}
	c := New(q, mem, Config{Journal: j, BatchSize: 8})

	sources := []string{"a.log", "b.log", "c.log", "d.log"}
	for i, src := range sources {
		r := rec(src, src)
		r.Seq = uint64(i + 1)
		require.NoError(t, q.TryPut(r))
	}

	err := waitDone(t, runAsync(t, c, context.Background()))
	require.ErrorIs(t, err, sink.ErrConnectExhausted)

	st := c.Status()
	assert.EqualValues(t, 0, st.Sent)
	assert.EqualValues(t, 1, st.Dropped, "only the record whose send failed is dropped")
	assert.Equal(t, []uint64{1}, j.seqs(), "handed-back records stay uncommitted")

	require.Equal(t, 3, q.Len())
	for _, want := range sources[1:] {
		r, ok := q.TryGet()
		require.True(t, ok)
		assert.Equal(t, want, r.Source)
	}
}

func TestCancelDuringReconnectHandsBackRecords(t *testing.T) {
	q := queue.New(8)
	mem := sink.NewMemory(sink.Options{Backoff: sink.Backoff{Unit: time.Hour, MaxAttempts: 5}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem.SendHook = func(context.Context, model.Record) error { return syscall.EPIPE }
	var dials atomic.Int32
	mem.DialHook = func(context.Context) error {
		if dials.Add(1) > 1 {
			// the worker is stopped while the transport is down
			cancel()
			return syscall.ECONNREFUSED
		}
		return nil
	}
	j := &fakeJournal{}
	c := New(q, mem, Config{Journal: j, BatchSize: 8})

	for i, src := range []string{"a.log", "b.log", "c.log"} {
		r := rec(src, src)
		r.Seq = uint64(i + 1)
		require.NoError(t, q.TryPut(r))
	}

	require.NoError(t, waitDone(t, runAsync(t, c, ctx)))
	assert.EqualValues(t, 1, c.Status().Dropped)
	assert.Equal(t, []uint64{1}, j.seqs())

	next := New(q, sink.NewMemory(fastBackoff(1)), Config{Journal: j, BatchSize: 8})
	require.NoError(t, q.TryPut(model.ExitRecord()))
	require.NoError(t, waitDone(t, runAsync(t, next, context.Background())))
	assert.Equal(t, []uint64{1, 2, 3}, j.seqs(), "the next consumer delivers the handed-back records in order")
}

func TestCancelledConsumerStopsDequeuing(t *testing.T) {
	q := queue.New(4)
	mem := sink.NewMemory(fastBackoff(1))
	c := New(q, mem, Config{})
	require.NoError(t, q.TryPut(rec("a.log", "1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, waitDone(t, runAsync(t, c, ctx)))

	assert.Empty(t, mem.Lines())
	assert.Equal(t, 1, q.Len())
}

func TestCancelStopsCleanly(t *testing.T) {
	q := queue.New(4)
	mem := sink.NewMemory(fastBackoff(3))
	b := &fakeBinder{}
	c := New(q, mem, Config{Binder: b})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(t, c, ctx)
	require.Eventually(t, func() bool { return b.current() != nil }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Nil(t, b.current(), "consumer unbinds on exit")
}

func TestPauseHoldsQueueUntilResume(t *testing.T) {
	q := queue.New(4)
	mem := sink.NewMemory(fastBackoff(3))
	c := New(q, mem, Config{})
	c.Pause()
	assert.True(t, c.Status().Paused)

	done := runAsync(t, c, context.Background())
	require.NoError(t, q.TryPut(rec("a.log", "1")))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mem.Lines())
	assert.Equal(t, 1, q.Len())

	c.Resume()
	require.NoError(t, q.Put(context.Background(), model.ExitRecord()))
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, []string{"1"}, mem.Lines())
}

func TestReconnectRequestInvalidatesTransport(t *testing.T) {
	q := queue.New(4)
	mem := sink.NewMemory(fastBackoff(3))
	c := New(q, mem, Config{})
	c.Reconnect()

	require.NoError(t, q.TryPut(rec("a.log", "1")))
	require.NoError(t, q.TryPut(model.ExitRecord()))
	require.NoError(t, waitDone(t, runAsync(t, c, context.Background())))

	assert.Equal(t, 1, mem.Invalidations())
	assert.Equal(t, 2, mem.Connects())
	assert.Equal(t, []string{"1"}, mem.Lines())
}

func TestCommitsJournaledRecords(t *testing.T) {
	q := queue.New(8)
	mem := sink.NewMemory(fastBackoff(3))
	j := &fakeJournal{}
	c := New(q, mem, Config{Journal: j, BatchSize: 8})

	r1 := rec("a.log", "1")
	r1.Seq = 1
	r2 := rec("a.log", "2")
	r2.Seq = 2
	r3 := rec("b.log", "3")
	r3.Seq = 3
	for _, r := range []model.Record{r1, r2, r3, model.ExitRecord()} {
		require.NoError(t, q.TryPut(r))
	}
	require.NoError(t, waitDone(t, runAsync(t, c, context.Background())))

	assert.Equal(t, []uint64{2, 3}, j.seqs())
}

func TestStatusReportsQueue(t *testing.T) {
	q := queue.New(5)
	require.NoError(t, q.TryPut(rec("a.log", "1")))
	c := New(q, sink.NewMemory(fastBackoff(1)), Config{})

	st := c.Status()
	assert.Equal(t, c.ID(), st.ID)
	assert.Equal(t, "memory", st.Transport)
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, 5, st.QueueCap)
	assert.False(t, st.Paused)
}
