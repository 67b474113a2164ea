package trade

import (
	"testing"
	"time"

	"tv-signal-bot/internal/clock"
	"tv-signal-bot/internal/fsm"
)

type capture struct {
	orders []Order
}

func (c *capture) place(o Order) { c.orders = append(c.orders, o) }

func testEngine(second int) (*Engine, *capture, *clock.Fake) {
	clk := &clock.Fake{T: time.Date(2025, 7, 1, 10, 0, second, 0, time.UTC)}
	cap := &capture{}
	e := New(
		func(string) int { return 1 },
		func() int { return 100_000 },
		clk,
		cap.place,
		nil,
	)
	return e, cap, clk
}

func snaps(sym string, st fsm.State, ltp, threshold float64) map[string]fsm.Snapshot {
	return map[string]fsm.Snapshot{
		sym: {State: st, LTP: fsm.Float(ltp), Threshold: fsm.Float(threshold)},
	}
}

func TestPaperEntryUnrealizedAndExit(t *testing.T) {
	e, _, clk := testEngine(30)

	e.OnSnapshot(snaps("BTCUSDT", fsm.NoPositionSignal, 100.5, 100))
	if st := e.Snapshot(); len(st.PaperOpen) != 0 {
		t.Fatalf("paper opened before a position: %+v", st.PaperOpen)
	}

	// Entry: position at threshold 100, crossing tick 101 sizes the trade.
	e.OnSnapshot(snaps("BTCUSDT", fsm.BuyPosition, 101, 100))
	st := e.Snapshot()
	open := st.PaperOpen["BTCUSDT"]
	if open == nil {
		t.Fatalf("no paper trade opened")
	}
	if open.EntryPrice != 100 {
		t.Errorf("entry = %v, want threshold 100", open.EntryPrice)
	}
	if open.Side != SideBuy {
		t.Errorf("side = %v, want BUY", open.Side)
	}
	wantQty := 991 // ceil(100000 / (1 * 101))
	if open.Quantity != wantQty {
		t.Errorf("qty = %d, want %d", open.Quantity, wantQty)
	}
	if st.PaperRows[0].UnrealizedPnL != 0 {
		t.Errorf("entry row unrealized = %v, want 0", st.PaperRows[0].UnrealizedPnL)
	}

	// Mark to market.
	clk.Advance(time.Second)
	e.OnSnapshot(snaps("BTCUSDT", fsm.BuyPosition, 102, 100))
	st = e.Snapshot()
	if got, want := st.PaperRows[0].UnrealizedPnL, float64(2*wantQty); got != want {
		t.Errorf("unrealized = %v, want %v", got, want)
	}

	// Exit on block: realized (99-100)*qty.
	clk.Advance(time.Second)
	e.OnSnapshot(snaps("BTCUSDT", fsm.NoPositionBlocked, 99, 100))
	st = e.Snapshot()
	if len(st.PaperOpen) != 0 {
		t.Fatalf("paper trade survived exit")
	}
	wantRealized := float64(-wantQty)
	if st.PaperRows[0].ID != open.ID+"-exit" {
		t.Errorf("head row id = %s, want %s-exit", st.PaperRows[0].ID, open.ID)
	}
	if st.PaperRows[0].UnrealizedPnL != wantRealized {
		t.Errorf("exit realized = %v, want %v", st.PaperRows[0].UnrealizedPnL, wantRealized)
	}
	if st.PaperCum["BTCUSDT"] != wantRealized {
		t.Errorf("paper cumulative = %v, want %v", st.PaperCum["BTCUSDT"], wantRealized)
	}
}

func TestShortSymbolPnL(t *testing.T) {
	e, _, _ := testEngine(30)

	e.OnSnapshot(snaps("BTCUSDT_SHORT", fsm.SellPosition, 99, 100))
	st := e.Snapshot()
	open := st.PaperOpen["BTCUSDT_SHORT"]
	if open == nil || open.Side != SideSell {
		t.Fatalf("short paper trade = %+v, want SELL side", open)
	}

	// Falling price is profit on the short key.
	e.OnSnapshot(snaps("BTCUSDT_SHORT", fsm.SellPosition, 98, 100))
	st = e.Snapshot()
	want := float64(2 * open.Quantity) // (100 - 98) * qty * 1
	if st.PaperRows[0].UnrealizedPnL != want {
		t.Errorf("short unrealized = %v, want %v", st.PaperRows[0].UnrealizedPnL, want)
	}
}

func TestLiveGateOpensOncePerMinute(t *testing.T) {
	e, cap, clk := testEngine(0) // second zero

	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 101, 100))
	st := e.Snapshot()
	if st.LiveOpen["RELIANCE"] == nil {
		t.Fatalf("live trade not opened at second zero with combined 0")
	}
	if len(cap.orders) != 1 || cap.orders[0].Close {
		t.Fatalf("orders = %+v, want one OPEN", cap.orders)
	}
	// Live row shows the exit cost while open.
	if st.LiveRows[0].UnrealizedPnL != -50 {
		t.Errorf("live open row unrealized = %v, want -50", st.LiveRows[0].UnrealizedPnL)
	}

	// Live already open: nothing new on the next tick.
	clk.Advance(5 * time.Second)
	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 102, 100))
	if len(cap.orders) != 1 {
		t.Fatalf("orders = %+v, want still one", cap.orders)
	}
}

func TestLiveEntryWaitsForSecondZero(t *testing.T) {
	e, cap, clk := testEngine(30)

	// Entering mid-minute still opens (entering edge bypasses the
	// second-zero gate).
	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 101, 100))
	if len(cap.orders) != 1 {
		t.Fatalf("orders = %+v, want entry-edge OPEN", cap.orders)
	}

	// Force it shut, then verify mid-minute ticks cannot reopen.
	clk.Advance(time.Second)
	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 80, 100)) // deep red: combined < 0
	if len(cap.orders) != 2 || !cap.orders[1].Close {
		t.Fatalf("orders = %+v, want forced CLOSE", cap.orders)
	}

	clk.Advance(time.Second)
	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 120, 100))
	if len(cap.orders) != 2 {
		t.Fatalf("orders = %+v, live reopened mid-minute after force close", cap.orders)
	}
}

func TestForcedLiveClose(t *testing.T) {
	e, cap, clk := testEngine(0)

	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 101, 100))
	st := e.Snapshot()
	live := st.LiveOpen["RELIANCE"]
	if live == nil {
		t.Fatalf("no live trade opened")
	}
	qty := live.Quantity

	// Paper cumulative 0, paper unrealized goes negative: forced close.
	clk.Advance(10 * time.Second)
	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 99, 100))
	st = e.Snapshot()
	if st.LiveOpen["RELIANCE"] != nil {
		t.Fatalf("live trade survived forced close")
	}
	if len(cap.orders) != 2 || !cap.orders[1].Close {
		t.Fatalf("orders = %+v, want CLOSE", cap.orders)
	}

	// Live cumulative is the raw realized minus the 50-unit exit cost,
	// applied exactly once.
	rawRealized := float64((99 - 101) * qty)
	want := rawRealized - 50
	if st.LiveCum["RELIANCE"] != want {
		t.Errorf("live cumulative = %v, want %v", st.LiveCum["RELIANCE"], want)
	}
	if st.LiveRows[0].CumulativePnL != want {
		t.Errorf("live exit row cumulative = %v, want %v", st.LiveRows[0].CumulativePnL, want)
	}

	// Blocked until the next minute: a later tick of the SAME minute
	// cannot reopen, the next minute's second-zero tick can.
	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 150, 100))
	if len(cap.orders) != 2 {
		t.Fatalf("orders = %+v, reopened while blocked", cap.orders)
	}

	clk.Set(time.Date(2025, 7, 1, 10, 1, 0, 0, time.UTC))
	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 151, 100))
	st = e.Snapshot()
	if st.LiveOpen["RELIANCE"] == nil {
		t.Fatalf("live trade not reopened at next minute's second zero")
	}
}

func TestNegativeCombinedBlocksLiveEntry(t *testing.T) {
	e, _, clk := testEngine(0)

	// Bake in a losing paper history; the entry tick carries no unrealized
	// P&L, so combined is -1982 and the gate stays shut.
	e.mu.Lock()
	e.st.PaperCum["RELIANCE"] = -1982
	e.mu.Unlock()

	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 101, 100))
	if st := e.Snapshot(); st.LiveOpen["RELIANCE"] != nil {
		t.Fatalf("live opened with negative combined pnl")
	}

	// Unrealized (102-100)*991 offsets the cumulative exactly:
	// combined == 0 admits.
	clk.Set(time.Date(2025, 7, 1, 10, 1, 0, 0, time.UTC))
	e.OnSnapshot(snaps("RELIANCE", fsm.BuyPosition, 102, 100))
	if st := e.Snapshot(); st.LiveOpen["RELIANCE"] == nil {
		t.Fatalf("live not opened with combined == 0")
	}
}

func TestPaperLiveInvariant(t *testing.T) {
	e, _, _ := testEngine(0)

	e.OnSnapshot(snaps("TCS", fsm.BuyPosition, 101, 100))
	e.OnSnapshot(snaps("TCS", fsm.NoPositionBlocked, 102, 100))

	st := e.Snapshot()
	if st.PaperOpen["TCS"] != nil {
		t.Fatalf("paper trade survived exit")
	}
	// Live closes with the paper exit: no live without paper.
	if st.LiveOpen["TCS"] != nil {
		t.Fatalf("live trade open without a paper trade")
	}
}

func TestResetCryptoClearsOnlyBTC(t *testing.T) {
	e, _, _ := testEngine(30)

	e.OnSnapshot(map[string]fsm.Snapshot{
		"BTCUSDT_LONG": {State: fsm.BuyPosition, LTP: fsm.Float(101), Threshold: fsm.Float(100)},
		"RELIANCE":     {State: fsm.BuyPosition, LTP: fsm.Float(51), Threshold: fsm.Float(50)},
	})

	e.ResetCrypto()
	st := e.Snapshot()
	if st.PaperOpen["BTCUSDT_LONG"] != nil {
		t.Fatalf("crypto paper trade survived reset")
	}
	if st.PaperOpen["RELIANCE"] == nil {
		t.Fatalf("reset touched broker symbols")
	}
	for _, r := range st.PaperRows {
		if r.Symbol == "BTCUSDT_LONG" {
			t.Fatalf("crypto rows survived reset: %+v", r)
		}
	}
}
