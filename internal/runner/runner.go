package runner

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"tv-signal-bot/internal/clock"
	"tv-signal-bot/internal/fsm"
	"tv-signal-bot/internal/metrics"
)

// stuckLogIntervalMs rate-limits "stuck" logs to one per symbol per 10 s.
const stuckLogIntervalMs = 10_000

// Runner owns the machines for one feed flavor and is the only writer of
// their symbols in the shared store.
type Runner struct {
	kind     fsm.Kind
	store    *fsm.Store
	clock    clock.Clock
	machines map[string]*fsm.Machine

	mu          sync.Mutex
	lastStuckMs map[string]int64
}

// New creates a runner of the given kind.
func New(kind fsm.Kind, store *fsm.Store, clk clock.Clock) *Runner {
	return &Runner{
		kind:        kind,
		store:       store,
		clock:       clk,
		machines:    make(map[string]*fsm.Machine),
		lastStuckMs: make(map[string]int64),
	}
}

// Kind returns the runner's transition flavor.
func (r *Runner) Kind() fsm.Kind { return r.kind }

func (r *Runner) machine(sym string) *fsm.Machine {
	m, ok := r.machines[sym]
	if !ok {
		m = fsm.NewMachine()
		r.machines[sym] = m
	}
	return m
}

// accepts applies the runner's signal subset.
func (r *Runner) accepts(dir fsm.Direction) bool {
	switch r.kind {
	case fsm.KindLong:
		return dir == fsm.DirBuy
	case fsm.KindShort:
		return dir == fsm.DirSell
	default:
		return dir == fsm.DirBuy || dir == fsm.DirSell
	}
}

// OnSignal folds a webhook signal into the symbol's machine and publishes.
func (r *Runner) OnSignal(sym string, dir fsm.Direction, stopPx *float64) {
	if !r.accepts(dir) {
		return
	}
	m := r.machine(sym)

	lastLTP := m.LTP
	if lastLTP == nil {
		if px, ok := r.store.LastPrice(sym); ok {
			lastLTP = fsm.Float(px)
		}
	}

	nowMs := clock.Millis(r.clock.Now())
	trs := m.ApplySignal(r.kind, dir, stopPx, lastLTP, nowMs)
	r.record(sym, trs)
	r.publish(sym, m)
}

// OnPrice folds a price into the symbol's machine and publishes. The cached
// LTP always moves; transitions only when the arming preconditions hold.
func (r *Runner) OnPrice(sym string, price float64) {
	m := r.machine(sym)

	if m.State != fsm.NoSignal && (m.Threshold == nil || m.LastSignalAtMs == 0) {
		r.logStuck(sym)
	}

	trs := m.ApplyTick(r.kind, price, r.clock.Now())
	r.record(sym, trs)
	r.publish(sym, m)
}

// Rearm snaps a symbol's threshold back to a recovered level, on a control
// message from the signal tracker.
func (r *Runner) Rearm(sym string, threshold float64, dir fsm.Direction) {
	m := r.machine(sym)
	m.Rearm(threshold, dir, clock.Millis(r.clock.Now()))
	log.Info().Str("symbol", sym).Float64("threshold", threshold).Msg("fsm rearmed")
	r.publish(sym, m)
}

// ClearPrefix drops every machine whose symbol starts with the prefix.
func (r *Runner) ClearPrefix(prefix string) {
	for sym := range r.machines {
		if strings.HasPrefix(sym, prefix) {
			delete(r.machines, sym)
		}
	}
}

// Clear drops the given symbols' machines.
func (r *Runner) Clear(symbols []string) {
	for _, sym := range symbols {
		delete(r.machines, sym)
	}
}

// Seed rebuilds a machine from a restored snapshot at boot. The signal
// bookkeeping is reconstructed conservatively: a non-idle snapshot gets a
// synthetic signal stamp so tick preconditions hold again.
func (r *Runner) Seed(sym string, snap fsm.Snapshot) {
	m := fsm.NewMachine()
	m.Snapshot = snap
	if snap.State != fsm.NoSignal {
		m.LastSignalAtMs = 1
		if snap.State == fsm.SellPosition ||
			(snap.LastSellThreshold != nil && snap.LastBuyThreshold == nil) {
			m.LastDir = fsm.DirSell
		} else {
			m.LastDir = fsm.DirBuy
		}
	}
	r.machines[sym] = m
}

func (r *Runner) publish(sym string, m *fsm.Machine) {
	r.store.Update(map[string]fsm.Snapshot{sym: m.Snapshot})
}

func (r *Runner) record(sym string, trs []fsm.Transition) {
	for _, tr := range trs {
		metrics.IncTransition(tr.To.String())
		if tr.From != tr.To {
			log.Debug().
				Str("symbol", sym).
				Str("runner", r.kind.String()).
				Str("from", tr.From.String()).
				Str("to", tr.To.String()).
				Msg("fsm transition")
		}
	}
}

func (r *Runner) logStuck(sym string) {
	nowMs := clock.Millis(r.clock.Now())
	r.mu.Lock()
	last := r.lastStuckMs[sym]
	if nowMs-last < stuckLogIntervalMs {
		r.mu.Unlock()
		return
	}
	r.lastStuckMs[sym] = nowMs
	r.mu.Unlock()
	log.Warn().Str("symbol", sym).Str("runner", r.kind.String()).Msg("tick with no armed threshold, symbol stuck")
}
