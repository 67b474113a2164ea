package trade

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tv-signal-bot/internal/clock"
	"tv-signal-bot/internal/fsm"
	"tv-signal-bot/internal/metrics"
)

const (
	// liveExitCost is subtracted exactly once when a live trade is closed;
	// live unrealized P&L is displayed net of it while the trade is open.
	liveExitCost = 50.0

	// maxRows caps the paper and live tables at the 50 newest rows.
	maxRows = 50
)

// Side of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Invert flips the side, for close orders.
func (s Side) Invert() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Open is an open trade, paper or live.
type Open struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	Quantity   int     `json:"quantity"`
	Lot        int     `json:"lot"`
	TimeIST    string  `json:"time_ist"`
}

// Row is one trade table entry, newest first. Exit rows reuse the open
// trade's id suffixed "-exit".
type Row struct {
	ID            string  `json:"id"`
	TimeIST       string  `json:"time_ist"`
	Symbol        string  `json:"symbol"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	CumulativePnL float64 `json:"cumulative_pnl"`
	Quantity      int     `json:"quantity"`
}

// State is the engine's persisted bookkeeping.
type State struct {
	PaperOpen map[string]*Open   `json:"paper_open"`
	LiveOpen  map[string]*Open   `json:"live_open"`
	PaperRows []Row              `json:"paper_rows"`
	LiveRows  []Row              `json:"live_rows"`
	PaperCum  map[string]float64 `json:"paper_cum"`
	LiveCum   map[string]float64 `json:"live_cum"`
}

func newState() State {
	return State{
		PaperOpen: make(map[string]*Open),
		LiveOpen:  make(map[string]*Open),
		PaperCum:  make(map[string]float64),
		LiveCum:   make(map[string]float64),
	}
}

// Order is an order intent handed to the broker sink.
type Order struct {
	Symbol   string
	Side     Side
	Quantity int
	Price    float64
	Close    bool
}

// Engine drives paper and live trades off shared snapshot changes. Paper
// P&L is the permission oracle for the live gate.
type Engine struct {
	mu sync.RWMutex
	st State

	prev           map[string]fsm.Snapshot
	blockedUntilMs map[string]int64
	lastLiveMinute map[string]int64
	minuteLogged   map[string]int64

	lotOf      func(string) int
	capital    func() int
	clock      clock.Clock
	placeOrder func(Order)
	markDirty  func()
}

// New creates a trade engine. lotOf may return 0 for unknown symbols;
// capital is read per entry so config reloads take effect.
func New(lotOf func(string) int, capital func() int, clk clock.Clock, placeOrder func(Order), markDirty func()) *Engine {
	return &Engine{
		st:             newState(),
		prev:           make(map[string]fsm.Snapshot),
		blockedUntilMs: make(map[string]int64),
		lastLiveMinute: make(map[string]int64),
		minuteLogged:   make(map[string]int64),
		lotOf:          lotOf,
		capital:        capital,
		clock:          clk,
		placeOrder:     placeOrder,
		markDirty:      markDirty,
	}
}

// OnSnapshot consumes the shared store's full mapping after a change.
func (e *Engine) OnSnapshot(snaps map[string]fsm.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dirty := false
	for sym, cur := range snaps {
		prev, had := e.prev[sym]
		if had && prev.Equal(cur) {
			continue
		}
		if e.process(sym, prev, cur) {
			dirty = true
		}
	}
	e.prev = snaps

	metrics.SetOpen("paper", len(e.st.PaperOpen))
	metrics.SetOpen("live", len(e.st.LiveOpen))
	if dirty && e.markDirty != nil {
		e.markDirty()
	}
}

func (e *Engine) process(sym string, prev, cur fsm.Snapshot) bool {
	was := prev.State.InPosition()
	is := cur.State.InPosition()
	entering := !was && is
	exiting := was && !is

	if cur.LTP == nil || *cur.LTP <= 0 {
		return false
	}
	ltp := *cur.LTP
	now := e.clock.Now()
	nowMs := clock.Millis(now)
	curMin := clock.MinuteOf(nowMs)
	dirty := false

	if entering && e.st.PaperOpen[sym] == nil {
		e.openPaper(sym, cur, ltp, now)
		dirty = true
	}

	if paper := e.st.PaperOpen[sym]; is && paper != nil {
		// The entering tick leaves the new row at zero unrealized P&L;
		// marking to market starts with the next tick.
		unreal := 0.0
		if !entering {
			unreal = pnl(sym, paper.EntryPrice, ltp, paper.Quantity, paper.Lot)
			updateRow(e.st.PaperRows, paper.ID, ltp, unreal, e.st.PaperCum[sym])
		}

		if live := e.st.LiveOpen[sym]; live != nil {
			if unreal+e.st.PaperCum[sym] < 0 {
				e.forceCloseLive(sym, live, ltp, now)
				dirty = true
			} else {
				raw := pnl(sym, live.EntryPrice, ltp, live.Quantity, live.Lot)
				updateRow(e.st.LiveRows, live.ID, ltp, raw-liveExitCost, e.st.LiveCum[sym])
			}
		} else {
			combined := unreal + e.st.PaperCum[sym]
			allowed := e.blockedUntilMs[sym] <= nowMs && combined >= 0
			if allowed && (entering || now.Second() == 0) && e.lastLiveMinute[sym] != curMin {
				e.openLive(sym, paper, ltp, now)
				e.lastLiveMinute[sym] = curMin
				dirty = true
			} else if !allowed && (entering || now.Second() == 0) {
				metrics.IncLive("blocked")
			}
		}
	}

	if exiting {
		if paper := e.st.PaperOpen[sym]; paper != nil {
			realized := pnl(sym, paper.EntryPrice, ltp, paper.Quantity, paper.Lot)
			e.st.PaperCum[sym] += realized
			e.st.PaperRows = prependRow(e.st.PaperRows, Row{
				ID:            paper.ID + "-exit",
				TimeIST:       now.Format("15:04:05"),
				Symbol:        sym,
				EntryPrice:    paper.EntryPrice,
				CurrentPrice:  ltp,
				UnrealizedPnL: realized,
				CumulativePnL: e.st.PaperCum[sym],
				Quantity:      paper.Quantity,
			})
			delete(e.st.PaperOpen, sym)
			metrics.IncPaper("close")
			log.Info().
				Str("symbol", sym).
				Float64("realized", realized).
				Float64("cumulative", e.st.PaperCum[sym]).
				Msg("paper exit")
			dirty = true
		}
		if live := e.st.LiveOpen[sym]; live != nil {
			e.forceCloseLive(sym, live, ltp, now)
			dirty = true
		}
	}

	if now.Second() >= 59 && e.minuteLogged[sym] != curMin {
		if paper := e.st.PaperOpen[sym]; paper != nil {
			e.minuteLogged[sym] = curMin
			log.Info().
				Str("symbol", sym).
				Float64("pnl", pnl(sym, paper.EntryPrice, ltp, paper.Quantity, paper.Lot)).
				Float64("ltp", ltp).
				Float64("entry", paper.EntryPrice).
				Int("qty", paper.Quantity).
				Int("lot", paper.Lot).
				Msg("minute pnl")
		}
	}
	return dirty
}

func (e *Engine) openPaper(sym string, cur fsm.Snapshot, ltp float64, now time.Time) {
	lot := e.lotOf(sym)
	if lot < 1 {
		lot = 1
	}
	qty := int(math.Ceil(float64(e.capital()) / (float64(lot) * ltp)))
	if qty < 1 {
		qty = 1
	}
	side := SideBuy
	if cur.State == fsm.SellPosition {
		side = SideSell
	}
	// The position is entered at the armed threshold; the crossing tick's
	// price only sizes the trade.
	entry := ltp
	if cur.Threshold != nil {
		entry = *cur.Threshold
	}
	open := &Open{
		ID:         uuid.New().String(),
		Symbol:     sym,
		Side:       side,
		EntryPrice: entry,
		Quantity:   qty,
		Lot:        lot,
		TimeIST:    now.Format("15:04:05"),
	}
	e.st.PaperOpen[sym] = open
	e.st.PaperRows = prependRow(e.st.PaperRows, Row{
		ID:            open.ID,
		TimeIST:       open.TimeIST,
		Symbol:        sym,
		EntryPrice:    entry,
		CurrentPrice:  ltp,
		UnrealizedPnL: 0,
		CumulativePnL: e.st.PaperCum[sym],
		Quantity:      qty,
	})
	metrics.IncPaper("open")
	log.Info().
		Str("symbol", sym).
		Str("side", string(side)).
		Float64("entry", entry).
		Int("qty", qty).
		Int("lot", lot).
		Msg("paper entry")
}

func (e *Engine) openLive(sym string, paper *Open, ltp float64, now time.Time) {
	live := &Open{
		ID:         uuid.New().String(),
		Symbol:     sym,
		Side:       paper.Side,
		EntryPrice: ltp,
		Quantity:   paper.Quantity,
		Lot:        paper.Lot,
		TimeIST:    now.Format("15:04:05"),
	}
	e.st.LiveOpen[sym] = live
	e.st.LiveRows = prependRow(e.st.LiveRows, Row{
		ID:            live.ID,
		TimeIST:       live.TimeIST,
		Symbol:        sym,
		EntryPrice:    ltp,
		CurrentPrice:  ltp,
		UnrealizedPnL: -liveExitCost,
		CumulativePnL: e.st.LiveCum[sym],
		Quantity:      live.Quantity,
	})
	metrics.IncLive("open")
	log.Info().
		Str("symbol", sym).
		Str("side", string(live.Side)).
		Float64("entry", ltp).
		Int("qty", live.Quantity).
		Msg("live entry")
	if e.placeOrder != nil {
		e.placeOrder(Order{Symbol: sym, Side: live.Side, Quantity: live.Quantity, Price: ltp})
	}
}

// forceCloseLive realizes the live trade at ltp, applies the exit cost once,
// and blocks new live entries until the start of the next minute.
func (e *Engine) forceCloseLive(sym string, live *Open, ltp float64, now time.Time) {
	raw := pnl(sym, live.EntryPrice, ltp, live.Quantity, live.Lot)
	e.st.LiveCum[sym] += raw - liveExitCost
	e.st.LiveRows = prependRow(e.st.LiveRows, Row{
		ID:            live.ID + "-exit",
		TimeIST:       now.Format("15:04:05"),
		Symbol:        sym,
		EntryPrice:    live.EntryPrice,
		CurrentPrice:  ltp,
		UnrealizedPnL: raw - liveExitCost,
		CumulativePnL: e.st.LiveCum[sym],
		Quantity:      live.Quantity,
	})
	delete(e.st.LiveOpen, sym)
	e.blockedUntilMs[sym] = clock.NextMinute(now)
	metrics.IncLive("close")
	log.Info().
		Str("symbol", sym).
		Float64("realized", raw-liveExitCost).
		Float64("cumulative", e.st.LiveCum[sym]).
		Msg("live force close")
	if e.placeOrder != nil {
		e.placeOrder(Order{Symbol: sym, Side: live.Side, Quantity: live.Quantity, Price: ltp, Close: true})
	}
}

// pnl applies the engine's delta rule: short synthetic symbols profit from
// falling prices.
func pnl(sym string, entry, ltp float64, qty, lot int) float64 {
	delta := ltp - entry
	if strings.HasSuffix(sym, "_SHORT") {
		delta = entry - ltp
	}
	return delta * float64(qty) * float64(lot)
}

func prependRow(rows []Row, row Row) []Row {
	rows = append([]Row{row}, rows...)
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	return rows
}

func updateRow(rows []Row, id string, px, unreal, cum float64) {
	for i := range rows {
		if rows[i].ID == id {
			rows[i].CurrentPrice = px
			rows[i].UnrealizedPnL = unreal
			rows[i].CumulativePnL = cum
			return
		}
	}
}

// ResetCumulative zeroes the symbol's cumulative counters, on a control
// message from the broker-6 tracker.
func (e *Engine) ResetCumulative(sym string) {
	e.mu.Lock()
	e.st.PaperCum[sym] = 0
	e.st.LiveCum[sym] = 0
	e.mu.Unlock()
	if e.markDirty != nil {
		e.markDirty()
	}
	log.Info().Str("symbol", sym).Msg("cumulative pnl reset")
}

// ResetCrypto clears every BTC-prefixed entry from every engine map.
func (e *Engine) ResetCrypto() {
	e.mu.Lock()
	isBTC := func(sym string) bool { return strings.HasPrefix(sym, "BTC") }
	for sym := range e.st.PaperOpen {
		if isBTC(sym) {
			delete(e.st.PaperOpen, sym)
		}
	}
	for sym := range e.st.LiveOpen {
		if isBTC(sym) {
			delete(e.st.LiveOpen, sym)
		}
	}
	for sym := range e.st.PaperCum {
		if isBTC(sym) {
			delete(e.st.PaperCum, sym)
		}
	}
	for sym := range e.st.LiveCum {
		if isBTC(sym) {
			delete(e.st.LiveCum, sym)
		}
	}
	for _, m := range []map[string]int64{e.blockedUntilMs, e.lastLiveMinute, e.minuteLogged} {
		for sym := range m {
			if isBTC(sym) {
				delete(m, sym)
			}
		}
	}
	for sym := range e.prev {
		if isBTC(sym) {
			delete(e.prev, sym)
		}
	}
	e.st.PaperRows = dropBTCRows(e.st.PaperRows)
	e.st.LiveRows = dropBTCRows(e.st.LiveRows)
	e.mu.Unlock()
	if e.markDirty != nil {
		e.markDirty()
	}
	log.Info().Msg("crypto trade state reset")
}

func dropBTCRows(rows []Row) []Row {
	kept := rows[:0]
	for _, r := range rows {
		if !strings.HasPrefix(r.Symbol, "BTC") {
			kept = append(kept, r)
		}
	}
	return kept
}

// Snapshot returns a deep copy of the engine state for readers.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyState(e.st)
}

// Export returns the persisted form of the engine state.
func (e *Engine) Export() State { return e.Snapshot() }

// Restore rehydrates the engine at boot.
func (e *Engine) Restore(st State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	restored := copyState(st)
	if restored.PaperOpen == nil {
		restored.PaperOpen = make(map[string]*Open)
	}
	if restored.LiveOpen == nil {
		restored.LiveOpen = make(map[string]*Open)
	}
	if restored.PaperCum == nil {
		restored.PaperCum = make(map[string]float64)
	}
	if restored.LiveCum == nil {
		restored.LiveCum = make(map[string]float64)
	}
	e.st = restored
}

func copyState(st State) State {
	out := State{
		PaperOpen: make(map[string]*Open, len(st.PaperOpen)),
		LiveOpen:  make(map[string]*Open, len(st.LiveOpen)),
		PaperRows: append([]Row(nil), st.PaperRows...),
		LiveRows:  append([]Row(nil), st.LiveRows...),
		PaperCum:  make(map[string]float64, len(st.PaperCum)),
		LiveCum:   make(map[string]float64, len(st.LiveCum)),
	}
	for sym, o := range st.PaperOpen {
		cp := *o
		out.PaperOpen[sym] = &cp
	}
	for sym, o := range st.LiveOpen {
		cp := *o
		out.LiveOpen[sym] = &cp
	}
	for sym, v := range st.PaperCum {
		out.PaperCum[sym] = v
	}
	for sym, v := range st.LiveCum {
		out.LiveCum[sym] = v
	}
	return out
}
