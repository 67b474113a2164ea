package fsm

import (
	"testing"
	"time"
)

func at(h, m, s int) time.Time {
	return time.Date(2025, 7, 1, h, m, s, 0, time.UTC)
}

func ms(h, m, s int) int64 {
	return at(h, m, s).UnixMilli()
}

func TestLongEntryThenBlock(t *testing.T) {
	m := NewMachine()

	trs := m.ApplySignal(KindCombined, DirBuy, Float(100), nil, ms(10, 0, 0))
	if len(trs) != 1 || trs[0].To != NoPositionSignal {
		t.Fatalf("signal transitions = %+v, want arm to NOPOSITION_SIGNAL", trs)
	}
	if m.Threshold == nil || *m.Threshold != 100 {
		t.Fatalf("threshold = %v, want 100", m.Threshold)
	}
	if m.LastBuyThreshold == nil || *m.LastBuyThreshold != 100 {
		t.Fatalf("last buy threshold = %v, want 100", m.LastBuyThreshold)
	}

	trs = m.ApplyTick(KindCombined, 101, at(10, 0, 5))
	if len(trs) != 1 || trs[0].From != NoPositionSignal || trs[0].To != BuyPosition {
		t.Fatalf("tick 101 transitions = %+v, want NOPOSITION_SIGNAL->BUYPOSITION", trs)
	}

	// Price above threshold holds the position.
	trs = m.ApplyTick(KindCombined, 102, at(10, 0, 6))
	if len(trs) != 0 {
		t.Fatalf("tick 102 transitions = %+v, want none", trs)
	}
	if m.LTP == nil || *m.LTP != 102 {
		t.Fatalf("cached ltp = %v, want 102", m.LTP)
	}

	trs = m.ApplyTick(KindCombined, 99, at(10, 0, 7))
	if len(trs) != 1 || trs[0].To != NoPositionBlocked {
		t.Fatalf("tick 99 transitions = %+v, want block", trs)
	}
	if m.LastBlockedAtMs != ms(10, 0, 7) {
		t.Fatalf("last blocked at = %d, want %d", m.LastBlockedAtMs, ms(10, 0, 7))
	}
}

func TestBlockedReevaluatesAtMinuteBoundary(t *testing.T) {
	m := NewMachine()
	m.ApplySignal(KindCombined, DirBuy, Float(100), nil, ms(10, 0, 0))

	if trs := m.ApplyTick(KindCombined, 99, at(10, 0, 30)); len(trs) != 1 || trs[0].To != NoPositionBlocked {
		t.Fatalf("tick 99 = %+v, want block", trs)
	}

	// Same minute: no re-evaluation.
	if trs := m.ApplyTick(KindCombined, 101, at(10, 0, 45)); len(trs) != 0 {
		t.Fatalf("tick in block minute = %+v, want none", trs)
	}
	// Next minute but not second zero: still blocked.
	if trs := m.ApplyTick(KindCombined, 101, at(10, 1, 30)); len(trs) != 0 {
		t.Fatalf("tick at 10:01:30 = %+v, want none", trs)
	}
	if m.State != NoPositionBlocked {
		t.Fatalf("state = %v, want NOPOSITION_BLOCKED", m.State)
	}

	// Second zero of a later minute: re-enter then evaluate, two edges.
	trs := m.ApplyTick(KindCombined, 101, at(10, 2, 0))
	if len(trs) != 2 {
		t.Fatalf("boundary tick transitions = %+v, want two", trs)
	}
	if trs[0].To != NoPositionSignal || trs[1].To != BuyPosition {
		t.Fatalf("boundary edges = %+v, want re-arm then enter", trs)
	}
}

func TestBlockedRearmFailsAgain(t *testing.T) {
	m := NewMachine()
	m.ApplySignal(KindCombined, DirBuy, Float(100), nil, ms(10, 0, 0))
	m.ApplyTick(KindCombined, 99, at(10, 0, 30))

	trs := m.ApplyTick(KindCombined, 98, at(10, 1, 0))
	if len(trs) != 2 || trs[1].To != NoPositionBlocked {
		t.Fatalf("failing boundary tick = %+v, want re-arm then block", trs)
	}
	if m.LastBlockedAtMs != ms(10, 1, 0) {
		t.Fatalf("block stamp not refreshed: %d", m.LastBlockedAtMs)
	}
}

func TestShortRunner(t *testing.T) {
	m := NewMachine()

	// SELL arms at the last known price.
	m.ApplySignal(KindShort, DirSell, nil, Float(100), ms(10, 0, 0))
	if m.State != NoPositionSignal || m.Threshold == nil || *m.Threshold != 100 {
		t.Fatalf("after SELL: state=%v threshold=%v", m.State, m.Threshold)
	}
	if m.LastSellThreshold == nil || *m.LastSellThreshold != 100 {
		t.Fatalf("last sell threshold = %v, want 100", m.LastSellThreshold)
	}

	trs := m.ApplyTick(KindShort, 99, at(10, 0, 5))
	if len(trs) != 1 || trs[0].To != SellPosition {
		t.Fatalf("tick 99 = %+v, want SELLPOSITION", trs)
	}

	trs = m.ApplyTick(KindShort, 101, at(10, 0, 6))
	if len(trs) != 1 || trs[0].To != NoPositionBlocked {
		t.Fatalf("tick 101 = %+v, want block", trs)
	}
}

func TestSellSignalWithoutKnownPrice(t *testing.T) {
	m := NewMachine()
	m.ApplySignal(KindShort, DirSell, nil, nil, ms(10, 0, 0))
	if m.Threshold != nil {
		t.Fatalf("threshold = %v, want nil", m.Threshold)
	}

	// Ticks are no-ops until the threshold is known, but the price caches.
	if trs := m.ApplyTick(KindShort, 100, at(10, 0, 1)); len(trs) != 0 {
		t.Fatalf("tick with nil threshold = %+v, want none", trs)
	}
	if m.LTP == nil || *m.LTP != 100 {
		t.Fatalf("ltp = %v, want cached 100", m.LTP)
	}

	// A fresh SELL now picks up the cached price.
	m.ApplySignal(KindShort, DirSell, nil, m.LTP, ms(10, 0, 2))
	if m.Threshold == nil || *m.Threshold != 100 {
		t.Fatalf("threshold after re-signal = %v, want 100", m.Threshold)
	}
}

func TestBrokerMidPositionRethresh(t *testing.T) {
	m := NewMachine()
	m.ApplySignal(KindBroker, DirBuy, Float(100), nil, ms(10, 0, 0))
	m.ApplyTick(KindBroker, 101, at(10, 0, 1))
	if m.State != BuyPosition {
		t.Fatalf("state = %v, want BUYPOSITION", m.State)
	}

	trs := m.ApplySignal(KindBroker, DirBuy, Float(105), m.LTP, ms(10, 0, 2))
	if m.State != BuyPosition {
		t.Fatalf("mid-position BUY exited the position: %v", m.State)
	}
	if len(trs) != 1 || trs[0].From != BuyPosition || trs[0].To != BuyPosition {
		t.Fatalf("mid-position transitions = %+v", trs)
	}
	if *m.Threshold != 105 || *m.LastBuyThreshold != 105 {
		t.Fatalf("threshold = %v lastBuy = %v, want 105", *m.Threshold, *m.LastBuyThreshold)
	}

	// A SELL mid-position re-threshes at the current price.
	m.ApplySignal(KindBroker, DirSell, nil, m.LTP, ms(10, 0, 3))
	if m.State != BuyPosition {
		t.Fatalf("mid-position SELL exited the position: %v", m.State)
	}
	if *m.Threshold != 101 || *m.LastSellThreshold != 101 {
		t.Fatalf("threshold = %v, want ltp 101", *m.Threshold)
	}
}

func TestBrokerSellEntry(t *testing.T) {
	m := NewMachine()
	m.ApplyTick(KindBroker, 100, at(10, 0, 0)) // price cache only
	m.ApplySignal(KindBroker, DirSell, nil, m.LTP, ms(10, 0, 1))

	trs := m.ApplyTick(KindBroker, 99, at(10, 0, 2))
	if len(trs) != 1 || trs[0].To != SellPosition {
		t.Fatalf("broker SELL entry = %+v, want SELLPOSITION", trs)
	}
}

func TestTickIdempotentInPosition(t *testing.T) {
	m := NewMachine()
	m.ApplySignal(KindCombined, DirBuy, Float(100), nil, ms(10, 0, 0))
	m.ApplyTick(KindCombined, 101, at(10, 0, 1))

	before := m.Snapshot
	m.ApplyTick(KindCombined, 101, at(10, 0, 2))
	after := m.Snapshot

	if !before.Equal(after) {
		t.Fatalf("duplicate tick changed snapshot: %+v vs %+v", before, after)
	}
}
