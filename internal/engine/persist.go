package engine

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"tv-signal-bot/internal/fsm"
	"tv-signal-bot/internal/runner"
	"tv-signal-bot/internal/store"
	"tv-signal-bot/internal/tracker"
	"tv-signal-bot/internal/trade"
)

// tradeDoc encodes the trade state as section pairs, one [name, value] per
// logical table.
func (e *Engine) tradeDoc() any {
	st := e.trade.Export()
	return store.Entries(map[string]any{
		"paper_open": store.Entries(st.PaperOpen),
		"live_open":  store.Entries(st.LiveOpen),
		"paper_rows": st.PaperRows,
		"live_rows":  st.LiveRows,
		"paper_cum":  store.Entries(st.PaperCum),
		"live_cum":   store.Entries(st.LiveCum),
	})
}

// Restore rehydrates all three documents. Called once at boot, before the
// loop consumes its first event; missing or malformed documents leave the
// matching component empty.
func (e *Engine) Restore() {
	if data, ok := e.db.Load(store.DocFSM); ok {
		doc, err := store.DecodeEntries[fsm.PersistedSymbol](data)
		if err != nil {
			log.Warn().Err(err).Msg("fsm document malformed, starting empty")
		} else {
			e.store.Restore(doc)
			for sym, rec := range doc {
				e.runnerFor(sym).Seed(sym, rec.Snapshot)
			}
			log.Info().Int("symbols", len(doc)).Msg("fsm state restored")
		}
	}

	if data, ok := e.db.Load(store.DocSignal); ok {
		doc, err := store.DecodeEntries[tracker.ModeState](data)
		if err != nil {
			log.Warn().Err(err).Msg("signal document malformed, starting empty")
		} else {
			e.tracker.Restore(doc)
			log.Info().Int("modes", len(doc)).Msg("signal state restored")
		}
	}

	if data, ok := e.db.Load(store.DocTrade); ok {
		if st, err := decodeTradeDoc(data); err != nil {
			log.Warn().Err(err).Msg("trade document malformed, starting empty")
		} else {
			e.trade.Restore(st)
			log.Info().
				Int("paper_open", len(st.PaperOpen)).
				Int("live_open", len(st.LiveOpen)).
				Msg("trade state restored")
		}
	}
}

// runnerFor routes a restored symbol to its owning runner.
func (e *Engine) runnerFor(sym string) *runner.Runner {
	switch {
	case strings.HasSuffix(sym, "_LONG"):
		return e.long
	case strings.HasSuffix(sym, "_SHORT"):
		return e.short
	case sym == "BTCUSDT":
		return e.comb
	default:
		return e.broker
	}
}

func decodeTradeDoc(data []byte) (trade.State, error) {
	sections, err := store.DecodeEntries[json.RawMessage](data)
	if err != nil {
		return trade.State{}, err
	}
	st := trade.State{}
	if raw, ok := sections["paper_open"]; ok {
		st.PaperOpen, _ = store.DecodeEntries[*trade.Open](raw)
	}
	if raw, ok := sections["live_open"]; ok {
		st.LiveOpen, _ = store.DecodeEntries[*trade.Open](raw)
	}
	if raw, ok := sections["paper_rows"]; ok {
		_ = json.Unmarshal(raw, &st.PaperRows)
	}
	if raw, ok := sections["live_rows"]; ok {
		_ = json.Unmarshal(raw, &st.LiveRows)
	}
	if raw, ok := sections["paper_cum"]; ok {
		st.PaperCum, _ = store.DecodeEntries[float64](raw)
	}
	if raw, ok := sections["live_cum"]; ok {
		st.LiveCum, _ = store.DecodeEntries[float64](raw)
	}
	return st, nil
}
