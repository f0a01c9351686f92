package socketrpc

import (
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/otter/internal/model"
)

type bound struct {
	c          model.Controller
	generation uint64
	at         time.Time
}

// Binding holds the current consumer. Consumers bind themselves when
// they start and unbind when they stop; a stale consumer never clobbers
// a newer one.
type Binding struct {
	cur atomic.Pointer[bound]
	gen atomic.Uint64
}

// Bind makes c the current consumer.
func (b *Binding) Bind(c model.Controller) {
	b.cur.Store(&bound{c: c, generation: b.gen.Add(1), at: time.Now()})
}

// Unbind clears the binding if c is still the current consumer.
func (b *Binding) Unbind(c model.Controller) {
	cur := b.cur.Load()
	if cur != nil && cur.c == c {
		b.cur.CompareAndSwap(cur, nil)
	}
}

// Current returns the bound consumer, if any.
func (b *Binding) Current() (model.Controller, bool) {
	cur := b.cur.Load()
	if cur == nil {
		return nil, false
	}
	return cur.c, true
}

func (b *Binding) attachment() (Attachment, bool) {
	cur := b.cur.Load()
	if cur == nil {
		return Attachment{}, false
	}
	return Attachment{Generation: cur.generation, BoundAt: cur.at, Consumer: cur.c.Status()}, true
}
