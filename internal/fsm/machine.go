package fsm

import (
	"time"

	"tv-signal-bot/internal/clock"
)

// Transition is one observed state edge, for logging and metrics.
type Transition struct {
	From State
	To   State
	AtMs int64
}

// Machine is the per-symbol state machine. It adds signal/check bookkeeping
// on top of the published snapshot. Only the owning runner mutates it.
type Machine struct {
	Snapshot
	LastSignalAtMs  int64     `json:"last_signal_at_ms"`
	LastCheckedAtMs int64     `json:"last_checked_at_ms"`
	LastDir         Direction `json:"last_dir"`
}

// NewMachine returns a machine in NOSIGNAL with all fields unset.
func NewMachine() *Machine {
	return &Machine{}
}

// ApplySignal folds a webhook signal into the machine.
//
// BUY arms at the signal's stop price; SELL arms at the last known price,
// which may still be unknown (ticks stay no-ops until it is). A broker
// machine already holding a position keeps the position and only moves its
// threshold.
func (m *Machine) ApplySignal(kind Kind, dir Direction, stopPx *float64, lastLTP *float64, nowMs int64) []Transition {
	from := m.State

	var threshold *float64
	switch dir {
	case DirBuy:
		threshold = stopPx
		m.LastBuyThreshold = stopPx
	case DirSell:
		threshold = lastLTP
		m.LastSellThreshold = lastLTP
	default:
		return nil
	}

	m.LastDir = dir
	m.Threshold = threshold
	m.LastSignalAtMs = nowMs

	if kind == KindBroker && from.InPosition() {
		// Mid-position re-thresh: the position is not exited by the
		// signal alone.
		return []Transition{{From: from, To: from, AtMs: nowMs}}
	}

	m.State = NoPositionSignal
	m.LastCheckedAtMs = 0
	m.LastBlockedAtMs = 0
	return []Transition{{From: from, To: NoPositionSignal, AtMs: nowMs}}
}

// ApplyTick folds a price into the machine. The cached LTP always updates;
// state moves only when the arming preconditions hold.
func (m *Machine) ApplyTick(kind Kind, ltp float64, now time.Time) []Transition {
	px := ltp
	m.LTP = &px

	if m.Threshold == nil || m.LastSignalAtMs == 0 {
		return nil
	}
	nowMs := clock.Millis(now)

	switch m.State {
	case BuyPosition:
		if ltp >= *m.Threshold {
			return nil
		}
		return []Transition{m.block(nowMs)}

	case SellPosition:
		if ltp <= *m.Threshold {
			return nil
		}
		return []Transition{m.block(nowMs)}

	case NoPositionSignal:
		if m.LastCheckedAtMs != 0 && m.LastCheckedAtMs >= m.LastSignalAtMs {
			return nil
		}
		return []Transition{m.evaluate(kind, ltp, nowMs)}

	case NoPositionBlocked:
		if now.Second() != 0 || clock.MinuteOf(nowMs) <= clock.MinuteOf(m.LastBlockedAtMs) {
			return nil
		}
		// Re-enter the armed state at the minute boundary, then apply the
		// arming test in the same step.
		reenter := Transition{From: NoPositionBlocked, To: NoPositionSignal, AtMs: nowMs}
		m.State = NoPositionSignal
		m.LastCheckedAtMs = 0
		m.LastBlockedAtMs = 0
		return []Transition{reenter, m.evaluate(kind, ltp, nowMs)}
	}
	return nil
}

// evaluate applies the arming test from NOPOSITION_SIGNAL. The test is
// directional: a BUY-armed machine enters above the threshold, a SELL-armed
// machine below it.
func (m *Machine) evaluate(kind Kind, ltp float64, nowMs int64) Transition {
	m.LastCheckedAtMs = nowMs

	dir := m.armDir(kind)
	var pass bool
	if dir == DirSell {
		pass = ltp < *m.Threshold
	} else {
		pass = ltp > *m.Threshold
	}
	if !pass {
		return m.block(nowMs)
	}

	to := BuyPosition
	if m.enteredState(kind) == SellPosition {
		to = SellPosition
	}
	from := m.State
	m.State = to
	return Transition{From: from, To: to, AtMs: nowMs}
}

func (m *Machine) block(nowMs int64) Transition {
	from := m.State
	m.State = NoPositionBlocked
	m.LastBlockedAtMs = nowMs
	return Transition{From: from, To: NoPositionBlocked, AtMs: nowMs}
}

// armDir is the direction the machine is currently armed in.
func (m *Machine) armDir(kind Kind) Direction {
	switch kind {
	case KindLong:
		return DirBuy
	case KindShort:
		return DirSell
	default:
		return m.LastDir
	}
}

// enteredState is the position a passing arming test lands in.
func (m *Machine) enteredState(kind Kind) State {
	switch kind {
	case KindLong:
		return BuyPosition
	case KindShort:
		return SellPosition
	default:
		if m.LastDir == DirSell {
			return SellPosition
		}
		return BuyPosition
	}
}

// Rearm snaps the threshold back to a recovered level and re-arms the
// machine, clearing the evaluated marker so the next tick re-tests. Used by
// the broker-6 buy-sell-sell recovery.
func (m *Machine) Rearm(threshold float64, dir Direction, nowMs int64) {
	th := threshold
	m.Threshold = &th
	m.LastDir = dir
	m.State = NoPositionSignal
	m.LastSignalAtMs = nowMs
	m.LastCheckedAtMs = 0
	m.LastBlockedAtMs = 0
}
