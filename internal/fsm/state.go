package fsm

import (
	"encoding/json"
	"fmt"
)

// State is the per-symbol position state.
type State int

const (
	NoSignal State = iota
	NoPositionSignal
	BuyPosition
	SellPosition
	NoPositionBlocked
)

var stateNames = map[State]string{
	NoSignal:          "NOSIGNAL",
	NoPositionSignal:  "NOPOSITION_SIGNAL",
	BuyPosition:       "BUYPOSITION",
	SellPosition:      "SELLPOSITION",
	NoPositionBlocked: "NOPOSITION_BLOCKED",
}

var statesByName = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for s, n := range stateNames {
		m[n] = s
	}
	return m
}()

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// InPosition reports whether the state is a held position.
func (s State) InPosition() bool {
	return s == BuyPosition || s == SellPosition
}

// MarshalJSON encodes the state by its wire name so persisted documents stay
// readable and stable across reorderings of the constants.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	st, ok := statesByName[name]
	if !ok {
		return fmt.Errorf("unknown fsm state %q", name)
	}
	*s = st
	return nil
}

// Direction is the side a signal carries.
type Direction int

const (
	DirNone Direction = iota
	DirBuy
	DirSell
)

func (d Direction) String() string {
	switch d {
	case DirBuy:
		return "BUY"
	case DirSell:
		return "SELL"
	default:
		return "NONE"
	}
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "BUY":
		*d = DirBuy
	case "SELL":
		*d = DirSell
	default:
		*d = DirNone
	}
	return nil
}

// Kind selects a runner's transition flavor.
type Kind int

const (
	// KindBroker drives broker instruments: both directions, and signals
	// arriving mid-position re-thresh instead of exiting.
	KindBroker Kind = iota
	// KindCombined drives the synthetic BTCUSDT key, both directions.
	KindCombined
	// KindLong drives BTCUSDT_LONG, BUY signals only.
	KindLong
	// KindShort drives BTCUSDT_SHORT, SELL signals only.
	KindShort
)

func (k Kind) String() string {
	switch k {
	case KindBroker:
		return "broker"
	case KindCombined:
		return "crypto"
	case KindLong:
		return "crypto-long"
	case KindShort:
		return "crypto-short"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Snapshot is the published per-symbol view of a machine.
type Snapshot struct {
	State             State    `json:"state"`
	LTP               *float64 `json:"ltp"`
	Threshold         *float64 `json:"threshold"`
	LastBuyThreshold  *float64 `json:"last_buy_threshold"`
	LastSellThreshold *float64 `json:"last_sell_threshold"`
	LastBlockedAtMs   int64    `json:"last_blocked_at_ms"`
}

// Equal compares two snapshots field by field, dereferencing prices.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.State == o.State &&
		floatPtrEq(s.LTP, o.LTP) &&
		floatPtrEq(s.Threshold, o.Threshold) &&
		floatPtrEq(s.LastBuyThreshold, o.LastBuyThreshold) &&
		floatPtrEq(s.LastSellThreshold, o.LastSellThreshold) &&
		s.LastBlockedAtMs == o.LastBlockedAtMs
}

func floatPtrEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Float returns a pointer to v, for snapshot literals.
func Float(v float64) *float64 { return &v }
