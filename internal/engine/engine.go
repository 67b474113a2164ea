// Package engine owns the event loop. Every reducer runs on this loop, one
// event at a time: webhooks fan out over the five signal modes before any
// runner moves, runners publish to the shared store, and the trade engine
// observes store changes synchronously, strictly after the write.
package engine

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"tv-signal-bot/internal/broker"
	"tv-signal-bot/internal/bus"
	"tv-signal-bot/internal/catalog"
	"tv-signal-bot/internal/clock"
	"tv-signal-bot/internal/fsm"
	"tv-signal-bot/internal/runner"
	"tv-signal-bot/internal/store"
	"tv-signal-bot/internal/tracker"
	"tv-signal-bot/internal/trade"
)

const missLogIntervalMs = 10_000

// Engine wires the catalog, runners, tracker, trade engine, and
// persistence behind one inbox.
type Engine struct {
	cat   *catalog.Catalog
	bus   *bus.Bus
	db    *store.Store
	clock clock.Clock

	store   *fsm.Store
	broker  *runner.Runner
	comb    *runner.Runner
	long    *runner.Runner
	short   *runner.Runner
	tracker *tracker.Tracker
	trade   *trade.Engine
	sink    *broker.Sink

	cryptoNames map[string]bool
	lastMissMs  map[string]int64
}

// New builds and wires the engine. capital is the paper sizing budget,
// read per entry.
func New(cat *catalog.Catalog, b *bus.Bus, db *store.Store, sink *broker.Sink, clk clock.Clock, capital func() int) *Engine {
	e := &Engine{
		cat:         cat,
		bus:         b,
		db:          db,
		clock:       clk,
		sink:        sink,
		cryptoNames: cat.CryptoNames(),
		lastMissMs:  make(map[string]int64),
	}

	e.store = fsm.NewStore(clk, func() {
		db.Save(store.DocFSM, func() any { return store.Entries(e.store.Export()) })
	})
	e.tracker = tracker.New(cat, e.store, clk, func() {
		db.Save(store.DocSignal, func() any { return store.Entries(e.tracker.Export()) })
	})
	e.trade = trade.New(cat.LotOf, capital, clk, e.placeOrder, func() {
		db.Save(store.DocTrade, func() any { return e.tradeDoc() })
	})

	e.broker = runner.New(fsm.KindBroker, e.store, clk)
	e.comb = runner.New(fsm.KindCombined, e.store, clk)
	e.long = runner.New(fsm.KindLong, e.store, clk)
	e.short = runner.New(fsm.KindShort, e.store, clk)

	e.store.Subscribe(e.trade.OnSnapshot)
	return e
}

func (e *Engine) placeOrder(o trade.Order) {
	if e.sink == nil {
		return
	}
	// The post may suspend; it never runs on the engine loop. The result
	// is logged and discarded.
	go e.sink.Place(context.Background(), o)
}

// Run consumes the inbox until the context is cancelled or the bus closes.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.bus.Events():
			if !ok {
				return
			}
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev bus.Event) {
	switch v := ev.(type) {
	case bus.Webhook:
		e.onWebhook(v)
	case bus.Tick:
		e.onTick(v)
	case bus.Price:
		e.onPrice(v)
	case bus.Func:
		v.Fn()
	}
}

// parseDirection resolves a signal's direction, intent-first then side.
func parseDirection(intent, side string) fsm.Direction {
	if intent != "" {
		switch strings.ToUpper(intent) {
		case "BUY", "ENTRY":
			return fsm.DirBuy
		case "SELL", "EXIT":
			return fsm.DirSell
		default:
			return fsm.DirNone
		}
	}
	switch strings.ToUpper(side) {
	case "BUY":
		return fsm.DirBuy
	case "SELL":
		return fsm.DirSell
	}
	return fsm.DirNone
}

func (e *Engine) onWebhook(w bus.Webhook) {
	dir := parseDirection(w.Intent, w.Side)
	if dir == fsm.DirNone {
		log.Debug().Str("symbol", w.Symbol).Str("intent", w.Intent).Msg("non-directional webhook dropped")
		return
	}

	// All five signal-mode reducers update before any runner moves.
	cmds := e.tracker.OnWebhook(w.Symbol, dir, w.StopPx)

	if e.cryptoNames[w.Symbol] {
		e.comb.OnSignal("BTCUSDT", dir, w.StopPx)
		e.long.OnSignal("BTCUSDT_LONG", dir, w.StopPx)
		e.short.OnSignal("BTCUSDT_SHORT", dir, w.StopPx)
	} else if sym, err := e.cat.ResolveSymbol(w.Symbol); err == nil {
		e.broker.OnSignal(sym, dir, w.StopPx)
	} else {
		e.logMiss("webhook:" + w.Symbol)
	}

	// Tracker control messages apply after the runner's own write.
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case tracker.Rearm:
			e.broker.Rearm(c.Symbol, c.Threshold, c.Dir)
		case tracker.ResetCumulative:
			e.trade.ResetCumulative(c.Symbol)
		}
	}
}

func (e *Engine) onTick(t bus.Tick) {
	sym, err := e.cat.SymbolForToken(t.Token)
	if err != nil {
		e.logMiss("token")
		return
	}
	e.broker.OnPrice(sym, t.LastPrice)
}

func (e *Engine) onPrice(p bus.Price) {
	if !e.cryptoNames[p.Symbol] {
		return
	}
	e.comb.OnPrice("BTCUSDT", p.Price)
	e.long.OnPrice("BTCUSDT_LONG", p.Price)
	e.short.OnPrice("BTCUSDT_SHORT", p.Price)
}

func (e *Engine) logMiss(key string) {
	nowMs := clock.Millis(e.clock.Now())
	if nowMs-e.lastMissMs[key] < missLogIntervalMs {
		return
	}
	e.lastMissMs[key] = nowMs
	log.Warn().Str("key", key).Msg("event for unknown instrument dropped")
}

// FSMSnapshot returns the shared store's current mapping.
func (e *Engine) FSMSnapshot() map[string]fsm.Snapshot { return e.store.Snapshot() }

// SubscribeFSM registers a listener on the shared store.
func (e *Engine) SubscribeFSM(fn func(map[string]fsm.Snapshot)) { e.store.Subscribe(fn) }

// TradeState returns a copy of the trade engine's bookkeeping.
func (e *Engine) TradeState() trade.State { return e.trade.Snapshot() }

// SignalState returns a copy of one mode's signal table.
func (e *Engine) SignalState(mode tracker.Mode) tracker.ModeState { return e.tracker.Snapshot(mode) }

// ClearSignals resets one mode's signal table, serialized with the loop.
func (e *Engine) ClearSignals(mode tracker.Mode) {
	e.bus.DoWait(func() { e.tracker.Clear(mode) })
}

// ResetCrypto clears every BTC-prefixed entry across the FSM, signal,
// trade, counter, and block maps, serialized with the loop.
func (e *Engine) ResetCrypto() {
	e.bus.DoWait(func() {
		for _, r := range []*runner.Runner{e.broker, e.comb, e.long, e.short} {
			r.ClearPrefix("BTC")
		}
		e.store.ClearPrefix("BTC")
		e.tracker.ResetCrypto()
		e.trade.ResetCrypto()
	})
}
