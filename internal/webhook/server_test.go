package webhook

import (
	"net/http/httptest"
	"strings"
	"testing"

	"tv-signal-bot/internal/bus"
)

func testServer() (*Server, *bus.Bus) {
	b := bus.New(16)
	return NewServer("127.0.0.1", 0, b, func() string { return "" }), b
}

func post(t *testing.T, s *Server, body string) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestWebhookEnqueued(t *testing.T) {
	s, b := testServer()

	if code := post(t, s, `{"symbol":"BTCUSDT","intent":"BUY","stoppx":100}`); code != 200 {
		t.Fatalf("status = %d, want 200", code)
	}

	select {
	case ev := <-b.Events():
		w, ok := ev.(bus.Webhook)
		if !ok {
			t.Fatalf("event = %T, want Webhook", ev)
		}
		if w.Symbol != "BTCUSDT" || w.Intent != "BUY" {
			t.Errorf("webhook = %+v", w)
		}
		if w.StopPx == nil || *w.StopPx != 100 {
			t.Errorf("stoppx = %v, want 100", w.StopPx)
		}
		if w.RecvMs == 0 || w.Seq == 0 {
			t.Errorf("missing receive stamp: %+v", w)
		}
	default:
		t.Fatalf("no event enqueued")
	}
}

func TestMissingSymbolDroppedSilently(t *testing.T) {
	s, b := testServer()

	if code := post(t, s, `{"intent":"BUY"}`); code != 200 {
		t.Fatalf("status = %d, want 200 for silent drop", code)
	}
	select {
	case ev := <-b.Events():
		t.Fatalf("symbol-less webhook enqueued: %+v", ev)
	default:
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	s, b := testServer()

	if code := post(t, s, `{not json`); code != 400 {
		t.Fatalf("status = %d, want 400", code)
	}
	select {
	case <-b.Events():
		t.Fatalf("malformed webhook enqueued")
	default:
	}
}

func TestHealth(t *testing.T) {
	s, _ := testServer()
	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
}
