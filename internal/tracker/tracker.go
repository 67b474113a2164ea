package tracker

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"tv-signal-bot/internal/catalog"
	"tv-signal-bot/internal/clock"
	"tv-signal-bot/internal/fsm"
)

// maxRows caps each symbol's signal table at the 50 newest rows.
const maxRows = 50

// Mode is a named signal profile.
type Mode string

const (
	ModeNone        Mode = "none"
	ModeBroker6     Mode = "broker6"
	ModeCrypto      Mode = "crypto"
	ModeCryptoLong  Mode = "crypto-long"
	ModeCryptoShort Mode = "crypto-short"
)

// Modes lists every profile in reducer order.
var Modes = []Mode{ModeNone, ModeBroker6, ModeCrypto, ModeCryptoLong, ModeCryptoShort}

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// Tracking is the per-symbol pattern state inside one mode.
type Tracking struct {
	LastSignal        fsm.Direction `json:"last_signal"`
	SellAfterBuyCount int           `json:"sell_after_buy_count"`
	BuyAfterSellCount int           `json:"buy_after_sell_count"`
	AlternateSignal   bool          `json:"alternate_signal"`
	BuySellSell       bool          `json:"buy_sell_sell"`
	SellBuyBuy        bool          `json:"sell_buy_buy"`
}

// Counts is the broker-6 auxiliary counter record.
type Counts struct {
	SellAfterBuy int `json:"sell_after_buy"`
	BuyAfterSell int `json:"buy_after_sell"`
}

// Row is one signal table entry, newest first.
type Row struct {
	TimeIST         string   `json:"time_ist"`
	Intent          string   `json:"intent"`
	StopPx          *float64 `json:"stop_px"`
	AlternateSignal bool     `json:"alternate_signal"`
	BuySellSell     bool     `json:"buy_sell_sell"`
	SellBuyBuy      bool     `json:"sell_buy_buy"`
}

// ModeState is everything one mode tracks, and its persisted form.
type ModeState struct {
	Tracking map[string]*Tracking `json:"tracking"`
	Rows     map[string][]Row     `json:"rows"`
	Symbols  []string             `json:"symbols"`
	// AuxCounts carries broker-6's counters; empty for other modes.
	AuxCounts map[string]*Counts `json:"aux_counts,omitempty"`
}

func newModeState() *ModeState {
	return &ModeState{
		Tracking:  make(map[string]*Tracking),
		Rows:      make(map[string][]Row),
		AuxCounts: make(map[string]*Counts),
	}
}

// Command is a control message the tracker hands back to the engine loop.
type Command interface{ isCommand() }

// Rearm asks the broker runner to snap a symbol's threshold back.
type Rearm struct {
	Symbol    string
	Threshold float64
	Dir       fsm.Direction
}

// ResetCumulative asks the trade engine to zero a symbol's cumulative P&L.
type ResetCumulative struct {
	Symbol string
}

func (Rearm) isCommand()           {}
func (ResetCumulative) isCommand() {}

// Tracker fans every webhook out over the five signal modes.
type Tracker struct {
	mu    sync.RWMutex
	modes map[Mode]*ModeState

	cat       *catalog.Catalog
	store     *fsm.Store
	clock     clock.Clock
	markDirty func()

	broker6Allow map[string]bool
	cryptoAllow  map[string]bool
}

// New creates a tracker with allow-sets derived from the catalog.
func New(cat *catalog.Catalog, store *fsm.Store, clk clock.Clock, markDirty func()) *Tracker {
	t := &Tracker{
		modes:        make(map[Mode]*ModeState),
		cat:          cat,
		store:        store,
		clock:        clk,
		markDirty:    markDirty,
		broker6Allow: make(map[string]bool),
		cryptoAllow:  cat.CryptoNames(),
	}
	for _, m := range Modes {
		t.modes[m] = newModeState()
	}
	for _, sym := range cat.BrokerTopN(6) {
		t.broker6Allow[sym] = true
	}
	return t
}

// mapSymbol canonicalizes a raw webhook symbol to the mode's key.
func (t *Tracker) mapSymbol(mode Mode, raw string) (string, bool) {
	switch mode {
	case ModeBroker6:
		sym, err := t.cat.ResolveSymbol(raw)
		if err != nil {
			return "", false
		}
		return sym, true
	case ModeCryptoLong:
		if raw == "BTCUSDT" || raw == "BTCUSD" {
			return "BTCUSDT_LONG", true
		}
		return raw, true
	case ModeCryptoShort:
		if raw == "BTCUSDT" || raw == "BTCUSD" {
			return "BTCUSDT_SHORT", true
		}
		return raw, true
	default:
		return raw, true
	}
}

// allowed applies the mode's allow-set. The broker-6 match key is the
// mode-mapped canonical symbol; crypto modes match on the raw symbol.
func (t *Tracker) allowed(mode Mode, raw, key string) bool {
	switch mode {
	case ModeNone:
		return true
	case ModeBroker6:
		return t.broker6Allow[key]
	default:
		return t.cryptoAllow[raw]
	}
}

// accepts applies the mode's signal filter.
func (t *Tracker) accepts(mode Mode, dir fsm.Direction) bool {
	switch mode {
	case ModeCryptoLong:
		return dir == fsm.DirBuy
	case ModeCryptoShort:
		return dir == fsm.DirSell
	default:
		return dir == fsm.DirBuy || dir == fsm.DirSell
	}
}

// OnWebhook updates all five mode tables for one signal and returns any
// control messages (broker-6 rearm / cumulative resets) for the loop to
// route.
func (t *Tracker) OnWebhook(raw string, dir fsm.Direction, stopPx *float64) []Command {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cmds []Command
	changed := false
	for _, mode := range Modes {
		key, ok := t.mapSymbol(mode, raw)
		if !ok || !t.allowed(mode, raw, key) || !t.accepts(mode, dir) {
			continue
		}
		cmds = append(cmds, t.apply(mode, key, dir, stopPx)...)
		changed = true
	}
	if changed && t.markDirty != nil {
		t.markDirty()
	}
	return cmds
}

func (t *Tracker) apply(mode Mode, key string, dir fsm.Direction, stopPx *float64) []Command {
	st := t.modes[mode]
	tr, ok := st.Tracking[key]
	if !ok {
		tr = &Tracking{}
		st.Tracking[key] = tr
	}

	prev := tr.LastSignal
	alternated := prev != fsm.DirNone && prev != dir

	sab, bas := t.bumpCounters(mode, st, tr, key, dir, prev)

	var cmds []Command
	if mode == ModeBroker6 {
		cmds = t.applyBroker6(st, tr, key, dir, alternated, sab)
	} else {
		t.applyGeneral(tr, key, dir, alternated, sab, bas)
	}
	tr.LastSignal = dir

	row := Row{
		TimeIST:         t.clock.Now().Format("15:04:05"),
		Intent:          dir.String(),
		StopPx:          stopPx,
		AlternateSignal: tr.AlternateSignal,
		BuySellSell:     tr.BuySellSell,
		SellBuyBuy:      tr.SellBuyBuy,
	}
	if len(st.Rows[key]) == 0 {
		st.Symbols = append(st.Symbols, key)
	}
	rows := append([]Row{row}, st.Rows[key]...)
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	st.Rows[key] = rows
	return cmds
}

// bumpCounters resets the opposite counter and advances the matching one.
// Broker-6 keeps its counts in the auxiliary map; the other modes keep them
// on the tracking record.
func (t *Tracker) bumpCounters(mode Mode, st *ModeState, tr *Tracking, key string, dir, prev fsm.Direction) (sab, bas int) {
	if mode == ModeBroker6 {
		c, ok := st.AuxCounts[key]
		if !ok {
			c = &Counts{}
			st.AuxCounts[key] = c
		}
		advance(dir, prev, &c.SellAfterBuy, &c.BuyAfterSell)
		return c.SellAfterBuy, c.BuyAfterSell
	}
	advance(dir, prev, &tr.SellAfterBuyCount, &tr.BuyAfterSellCount)
	return tr.SellAfterBuyCount, tr.BuyAfterSellCount
}

func advance(dir, prev fsm.Direction, sellAfterBuy, buyAfterSell *int) {
	if dir == fsm.DirSell {
		*buyAfterSell = 0
		if prev == fsm.DirBuy || *sellAfterBuy > 0 {
			*sellAfterBuy++
		}
		return
	}
	*sellAfterBuy = 0
	if prev == fsm.DirSell || *buyAfterSell > 0 {
		*buyAfterSell++
	}
}

// applyGeneral sets the monotonic-sticky flags of the non-broker modes.
func (t *Tracker) applyGeneral(tr *Tracking, key string, dir fsm.Direction, alternated bool, sab, bas int) {
	tr.AlternateSignal = tr.AlternateSignal || alternated

	snap, _ := t.store.Get(key)
	idle := snap.State == fsm.NoPositionSignal
	ltp := t.ltpOf(key, snap)

	if dir == fsm.DirSell && sab >= 2 && idle &&
		ltp != nil && snap.LastBuyThreshold != nil && *ltp < *snap.LastBuyThreshold {
		tr.BuySellSell = true
	}
	if dir == fsm.DirBuy && bas >= 2 && idle &&
		ltp != nil && snap.LastSellThreshold != nil && *ltp < *snap.LastSellThreshold {
		tr.SellBuyBuy = true
	}
}

// applyBroker6 runs the broker-6 variants: the alternation flag is
// non-sticky and zeroes the symbol's cumulative P&L; buy-sell-sell rearms
// the machine at the last buy threshold when the price has come back under
// it.
func (t *Tracker) applyBroker6(st *ModeState, tr *Tracking, key string, dir fsm.Direction, alternated bool, sab int) []Command {
	var cmds []Command

	tr.AlternateSignal = alternated
	if alternated {
		cmds = append(cmds, ResetCumulative{Symbol: key})
	}

	if dir == fsm.DirSell && sab >= 2 {
		tr.BuySellSell = true
		snap, _ := t.store.Get(key)
		ltp := t.ltpOf(key, snap)
		if snap.State == fsm.NoPositionSignal &&
			ltp != nil && snap.LastBuyThreshold != nil && *ltp < *snap.LastBuyThreshold {
			log.Info().
				Str("symbol", key).
				Float64("threshold", *snap.LastBuyThreshold).
				Msg("buy-sell-sell recovery, rearming")
			cmds = append(cmds,
				Rearm{Symbol: key, Threshold: *snap.LastBuyThreshold, Dir: fsm.DirBuy},
				ResetCumulative{Symbol: key},
			)
			tr.BuySellSell = false
		}
	}
	return cmds
}

func (t *Tracker) ltpOf(key string, snap fsm.Snapshot) *float64 {
	if snap.LTP != nil {
		return snap.LTP
	}
	if px, ok := t.store.LastPrice(key); ok {
		return fsm.Float(px)
	}
	return nil
}

// Snapshot returns a deep copy of one mode's state for readers.
func (t *Tracker) Snapshot(mode Mode) ModeState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyModeState(t.modes[mode])
}

// Clear resets one mode's table.
func (t *Tracker) Clear(mode Mode) {
	t.mu.Lock()
	t.modes[mode] = newModeState()
	t.mu.Unlock()
	if t.markDirty != nil {
		t.markDirty()
	}
	log.Info().Str("mode", string(mode)).Msg("signal table cleared")
}

// ResetCrypto drops every BTC-prefixed symbol from every mode.
func (t *Tracker) ResetCrypto() {
	t.mu.Lock()
	for _, st := range t.modes {
		for sym := range st.Tracking {
			if strings.HasPrefix(sym, "BTC") {
				delete(st.Tracking, sym)
			}
		}
		for sym := range st.Rows {
			if strings.HasPrefix(sym, "BTC") {
				delete(st.Rows, sym)
			}
		}
		for sym := range st.AuxCounts {
			if strings.HasPrefix(sym, "BTC") {
				delete(st.AuxCounts, sym)
			}
		}
		kept := st.Symbols[:0]
		for _, sym := range st.Symbols {
			if !strings.HasPrefix(sym, "BTC") {
				kept = append(kept, sym)
			}
		}
		st.Symbols = kept
	}
	t.mu.Unlock()
	if t.markDirty != nil {
		t.markDirty()
	}
}

// Export returns the persisted form of all modes.
func (t *Tracker) Export() map[string]ModeState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModeState, len(t.modes))
	for mode, st := range t.modes {
		out[string(mode)] = copyModeState(st)
	}
	return out
}

// Restore rehydrates all modes from a persisted document at boot.
func (t *Tracker) Restore(doc map[string]ModeState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, st := range doc {
		mode := Mode(name)
		if !mode.Valid() {
			continue
		}
		restored := copyModeState(&st)
		t.modes[mode] = &restored
	}
}

func copyModeState(st *ModeState) ModeState {
	out := ModeState{
		Tracking:  make(map[string]*Tracking, len(st.Tracking)),
		Rows:      make(map[string][]Row, len(st.Rows)),
		Symbols:   append([]string(nil), st.Symbols...),
		AuxCounts: make(map[string]*Counts, len(st.AuxCounts)),
	}
	for sym, tr := range st.Tracking {
		cp := *tr
		out.Tracking[sym] = &cp
	}
	for sym, rows := range st.Rows {
		out.Rows[sym] = append([]Row(nil), rows...)
	}
	for sym, c := range st.AuxCounts {
		cp := *c
		out.AuxCounts[sym] = &cp
	}
	return out
}
