package catalog

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrUnknownSymbol is returned when a symbol or token cannot be resolved.
var ErrUnknownSymbol = errors.New("symbol not found in catalog")

// Instrument is one catalog entry. Both the TradingView name and the broker
// name map to the same token and lot.
type Instrument struct {
	TradingView  string `json:"tradingview,omitempty"`
	BrokerSymbol string `json:"broker_symbol,omitempty"`
	Token        int    `json:"token,omitempty"`
	Exchange     string `json:"exchange,omitempty"`
	Lot          int    `json:"lot,omitempty"`
}

// IsCrypto reports whether the entry is the crypto instrument.
func (i Instrument) IsCrypto() bool {
	return i.TradingView == "BTCUSDT" || i.BrokerSymbol == "BTCUSD"
}

// Catalog is the immutable instrument table, loaded once at boot.
type Catalog struct {
	entries  []Instrument
	bySymbol map[string]int // tv and broker names -> entry index
	byToken  map[int]int
}

// Load reads the catalog JSON file. Parse failure yields an empty catalog so
// the system runs degraded instead of crashing.
func Load(path string) *Catalog {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("catalog unreadable, running with empty catalog")
		return New(nil)
	}
	var entries []Instrument
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("catalog parse failed, running with empty catalog")
		return New(nil)
	}
	c := New(entries)
	log.Info().Int("instruments", len(entries)).Str("path", path).Msg("catalog loaded")
	return c
}

// New builds a catalog from entries.
func New(entries []Instrument) *Catalog {
	c := &Catalog{
		entries:  entries,
		bySymbol: make(map[string]int),
		byToken:  make(map[int]int),
	}
	for idx, e := range entries {
		if e.TradingView != "" {
			if _, dup := c.bySymbol[e.TradingView]; !dup {
				c.bySymbol[e.TradingView] = idx
			}
		}
		if e.BrokerSymbol != "" {
			if _, dup := c.bySymbol[e.BrokerSymbol]; !dup {
				c.bySymbol[e.BrokerSymbol] = idx
			}
		}
		if e.Token != 0 {
			c.byToken[e.Token] = idx
		}
	}
	return c
}

// Size returns the number of catalog entries.
func (c *Catalog) Size() int { return len(c.entries) }

// ResolveSymbol maps a raw TradingView or broker name to the canonical
// broker symbol.
func (c *Catalog) ResolveSymbol(raw string) (string, error) {
	idx, ok := c.bySymbol[raw]
	if !ok {
		return "", ErrUnknownSymbol
	}
	e := c.entries[idx]
	if e.BrokerSymbol != "" {
		return e.BrokerSymbol, nil
	}
	return e.TradingView, nil
}

// SymbolForToken maps a broker instrument token to its broker symbol.
func (c *Catalog) SymbolForToken(token int) (string, error) {
	idx, ok := c.byToken[token]
	if !ok {
		return "", ErrUnknownSymbol
	}
	e := c.entries[idx]
	if e.BrokerSymbol != "" {
		return e.BrokerSymbol, nil
	}
	return e.TradingView, nil
}

// LotOf returns the lot size for a symbol, 0 when unknown.
func (c *Catalog) LotOf(sym string) int {
	if idx, ok := c.bySymbol[sym]; ok {
		return c.entries[idx].Lot
	}
	return 0
}

// ExchangeOf returns the exchange for a symbol, "" when unknown.
func (c *Catalog) ExchangeOf(sym string) string {
	if idx, ok := c.bySymbol[sym]; ok {
		return c.entries[idx].Exchange
	}
	return ""
}

// Known reports whether the symbol appears in the catalog under either name.
func (c *Catalog) Known(sym string) bool {
	_, ok := c.bySymbol[sym]
	return ok
}

// BrokerTopN returns the broker symbols of the first n non-crypto entries,
// in catalog order.
func (c *Catalog) BrokerTopN(n int) []string {
	var out []string
	for _, e := range c.entries {
		if len(out) >= n {
			break
		}
		if e.IsCrypto() {
			continue
		}
		sym := e.BrokerSymbol
		if sym == "" {
			sym = e.TradingView
		}
		if sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

// CryptoNames returns the union of TradingView and broker names of crypto
// entries. Defaults to {BTCUSDT} when the catalog carries none.
func (c *Catalog) CryptoNames() map[string]bool {
	names := make(map[string]bool)
	for _, e := range c.entries {
		if !e.IsCrypto() {
			continue
		}
		if e.TradingView != "" {
			names[e.TradingView] = true
		}
		if e.BrokerSymbol != "" {
			names[e.BrokerSymbol] = true
		}
	}
	if len(names) == 0 {
		names["BTCUSDT"] = true
	}
	return names
}

// IsCryptoName reports whether a raw symbol names the crypto instrument,
// including the synthetic long/short keys.
func (c *Catalog) IsCryptoName(sym string) bool {
	if strings.HasPrefix(sym, "BTC") {
		return true
	}
	return c.CryptoNames()[sym]
}

// Entries returns a copy of the catalog entries for the read API.
func (c *Catalog) Entries() []Instrument {
	out := make([]Instrument, len(c.entries))
	copy(out, c.entries)
	return out
}
