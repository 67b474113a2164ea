package bus

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is one item on the engine's single-consumer inbox.
type Event interface{ isEvent() }

// Webhook is a TradingView-style signal.
type Webhook struct {
	Symbol string
	StopPx *float64
	Intent string
	Side   string
	RecvMs int64
	Seq    uint64
}

// Tick is a brokerage feed price for an instrument token.
type Tick struct {
	Token     int
	LastPrice float64
	RecvMs    int64
	Seq       uint64
}

// Price is a crypto exchange price.
type Price struct {
	Symbol string
	Price  float64
	RecvMs int64
	Seq    uint64
}

// Func runs a closure on the engine loop, serialized with events. Resets and
// snapshot reads that must not race reducers go through here.
type Func struct {
	Fn func()
}

func (Webhook) isEvent() {}
func (Tick) isEvent()    {}
func (Price) isEvent()   {}
func (Func) isEvent()    {}

// Bus is the inbox feeding the engine loop: any goroutine may publish, and
// the loop is its single consumer. Publish* stamps each webhook, tick and
// price with a monotonic sequence and receive time on enqueue.
type Bus struct {
	ch  chan Event
	seq atomic.Uint64
}

// New creates a bus with the given buffer size.
func New(buffer int) *Bus {
	return &Bus{ch: make(chan Event, buffer)}
}

// Events returns the consumer side of the inbox.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close closes the inbox; the engine loop drains and exits.
func (b *Bus) Close() { close(b.ch) }

func (b *Bus) stamp() (int64, uint64) {
	return time.Now().UnixMilli(), b.seq.Add(1)
}

// PublishWebhook enqueues a webhook signal, non-blocking.
func (b *Bus) PublishWebhook(w Webhook) bool {
	w.RecvMs, w.Seq = b.stamp()
	return b.push(w, "webhook")
}

// PublishTick enqueues a brokerage tick, non-blocking.
func (b *Bus) PublishTick(t Tick) bool {
	t.RecvMs, t.Seq = b.stamp()
	return b.push(t, "tick")
}

// PublishPrice enqueues an exchange price, non-blocking.
func (b *Bus) PublishPrice(p Price) bool {
	p.RecvMs, p.Seq = b.stamp()
	return b.push(p, "price")
}

// Do enqueues a closure; blocks until accepted so control messages are never
// dropped.
func (b *Bus) Do(fn func()) {
	b.ch <- Func{Fn: fn}
}

// DoWait enqueues a closure and waits for the loop to run it.
func (b *Bus) DoWait(fn func()) {
	done := make(chan struct{})
	b.ch <- Func{Fn: func() {
		fn()
		close(done)
	}}
	<-done
}

func (b *Bus) push(ev Event, kind string) bool {
	select {
	case b.ch <- ev:
		return true
	default:
		log.Warn().Str("event", kind).Msg("event bus full, dropping event")
		return false
	}
}
