package store

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func testOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveFlushLoad(t *testing.T) {
	s := testOpen(t)

	doc := map[string]float64{"RELIANCE": -991, "TCS": 120.5}
	s.Save(DocTrade, func() any { return Entries(doc) })
	s.Flush()

	data, ok := s.Load(DocTrade)
	if !ok {
		t.Fatalf("document missing after flush")
	}
	got, err := DecodeEntries[float64](data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("round trip = %v, want %v", got, doc)
	}
}

func TestDebouncedWrite(t *testing.T) {
	s := testOpen(t)

	calls := 0
	s.Save(DocFSM, func() any { calls++; return Entries(map[string]int{"A": 1}) })
	s.Save(DocFSM, func() any { calls++; return Entries(map[string]int{"A": 2}) })

	// Nothing on disk before the debounce window closes.
	if _, ok := s.Load(DocFSM); ok {
		t.Fatalf("document written before debounce elapsed")
	}

	time.Sleep(1500 * time.Millisecond)
	data, ok := s.Load(DocFSM)
	if !ok {
		t.Fatalf("document missing after debounce")
	}
	// Bursts collapse: only the latest snapshot function ran.
	if calls != 1 {
		t.Fatalf("snapshot calls = %d, want 1", calls)
	}
	got, _ := DecodeEntries[int](data)
	if got["A"] != 2 {
		t.Fatalf("persisted value = %d, want latest (2)", got["A"])
	}
}

func TestLoadMissingAndMalformed(t *testing.T) {
	s := testOpen(t)

	if _, ok := s.Load("nope-v1"); ok {
		t.Fatalf("missing document reported present")
	}

	s.Save(DocSignal, func() any { return "not-an-entry-array" })
	s.Flush()
	data, ok := s.Load(DocSignal)
	if !ok {
		t.Fatalf("document missing")
	}
	if _, err := DecodeEntries[int](data); err == nil {
		t.Fatalf("malformed document decoded without error")
	}
}

func TestEntriesSkipMalformedPairs(t *testing.T) {
	raw := []byte(`[["good", 1], ["short"], [2, 3], ["bad", "x"]]`)
	got, err := DecodeEntries[int](raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(got) != 1 || got["good"] != 1 {
		t.Fatalf("decoded = %v, want only the good pair", got)
	}
}

func TestEntriesAreSortedPairs(t *testing.T) {
	data, err := json.Marshal(Entries(map[string]int{"b": 2, "a": 1}))
	if err != nil {
		t.Fatal(err)
	}
	want := `[["a",1],["b",2]]`
	if string(data) != want {
		t.Fatalf("encoded = %s, want %s", data, want)
	}
}
