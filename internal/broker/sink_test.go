package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tv-signal-bot/internal/trade"
)

func testSink(t *testing.T, handler http.HandlerFunc) (*Sink, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sink := New(srv.URL, 5*time.Second,
		func(string) string { return "NSE" },
		func(sym string) bool { return sym == "BTCUSDT" },
	)
	return sink, srv
}

func TestPlaceOpenOrder(t *testing.T) {
	var got OrderRequest
	sink, _ := testSink(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode order: %v", err)
		}
		w.WriteHeader(200)
	})

	sink.Place(context.Background(), trade.Order{
		Symbol: "RELIANCE-EQ", Side: trade.SideBuy, Quantity: 991, Price: 101,
	})

	if got.Symbol != "RELIANCE-EQ" || got.TransactionType != "BUY" {
		t.Errorf("order = %+v, want RELIANCE-EQ BUY", got)
	}
	if got.Exchange != "NSE" || got.Quantity != 991 {
		t.Errorf("order = %+v, want NSE qty 991", got)
	}
	if got.Product != "MIS" || got.Validity != "DAY" || got.OrderType != "LIMIT" {
		t.Errorf("order constants = %+v", got)
	}
	if got.SideOffset != 0.5 || got.DryRun {
		t.Errorf("order = %+v, want sideOffset 0.5 dryRun false", got)
	}
}

func TestPlaceCloseInvertsSide(t *testing.T) {
	var got OrderRequest
	sink, _ := testSink(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(200)
	})

	sink.Place(context.Background(), trade.Order{
		Symbol: "RELIANCE-EQ", Side: trade.SideBuy, Quantity: 10, Close: true,
	})

	if got.TransactionType != "SELL" {
		t.Errorf("close transactionType = %s, want SELL", got.TransactionType)
	}
}

func TestCryptoSkipped(t *testing.T) {
	called := false
	sink, _ := testSink(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	})

	sink.Place(context.Background(), trade.Order{
		Symbol: "BTCUSDT", Side: trade.SideBuy, Quantity: 1,
	})

	if called {
		t.Fatalf("crypto order reached the broker")
	}
}

func TestNon2xxIsLoggedNotFatal(t *testing.T) {
	sink, _ := testSink(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	})

	// Must not panic or retry; the failure only logs.
	sink.Place(context.Background(), trade.Order{
		Symbol: "RELIANCE-EQ", Side: trade.SideSell, Quantity: 1,
	})
}
