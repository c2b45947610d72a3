// Package instrument provides the reference-data repository the order
// server depends on: per-symbol tick size and exchange timezone, the
// current front-month contract, and the roll instruction that authorises a
// contract roll at startup.
package instrument

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"oms/pkg/types"
)

// FrontMonth is the currently tradable contract of a continuous symbol.
type FrontMonth struct {
	Symbol string    `json:"symbol"`
	Expiry time.Time `json:"expiry"`
}

// RollInstruction authorises one contract roll. The server acts on it only
// when RollOnNextStart is set, From/To match the observed stale/current
// codes, and Date is today in the exchange timezone.
type RollInstruction struct {
	RollOnNextStart bool    `json:"roll_on_next_start"`
	From            string  `json:"from"`
	To              string  `json:"to"`
	Date            string  `json:"date"` // YYYY-MM-DD in exchange time
	Offset          float64 `json:"offset"`
	NetPosition     int     `json:"net_position"`
}

// Instrument is one continuous symbol with its trading parameters.
type Instrument struct {
	Market          types.Market     `json:"market"`
	Symbol          string           `json:"symbol"`
	TickSize        float64          `json:"tick_size"`
	Timezone        string           `json:"timezone"`
	FrontMonth      FrontMonth       `json:"front_month"`
	RollInstruction *RollInstruction `json:"roll_instruction,omitempty"`
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s.%s", i.Market, i.Symbol)
}

// Location resolves the exchange timezone. An unknown or empty timezone
// falls back to UTC.
func (i Instrument) Location() *time.Location {
	loc, err := time.LoadLocation(i.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NearestWorseTick snaps a price to the instrument's tick grid, rounding
// away from profit: up for a long position's protective stop, down for a
// short's. Exact grid prices pass through unchanged.
func (i Instrument) NearestWorseTick(price float64, isLong bool) float64 {
	if i.TickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(i.TickSize)
	steps := p.Div(tick)
	if isLong {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	f, _ := steps.Mul(tick).Float64()
	return f
}

// Repository answers instrument lookups. Implementations hold an immutable
// snapshot so lookups never block behind a refresh.
type Repository interface {
	// Find returns the instrument for a continuous symbol.
	Find(market types.Market, symbol string) (Instrument, bool)
	// Instruments returns every known instrument.
	Instruments() []Instrument
}

// Snapshot is an immutable Repository over a fixed instrument set.
type Snapshot struct {
	byKey []Instrument
	index map[string]int
}

// NewSnapshot builds a snapshot repository. Later duplicates of the same
// (market, symbol) win.
func NewSnapshot(instruments []Instrument) *Snapshot {
	s := &Snapshot{
		byKey: make([]Instrument, 0, len(instruments)),
		index: make(map[string]int, len(instruments)),
	}
	for _, ins := range instruments {
		key := ins.String()
		if at, ok := s.index[key]; ok {
			s.byKey[at] = ins
			continue
		}
		s.index[key] = len(s.byKey)
		s.byKey = append(s.byKey, ins)
	}
	return s
}

// Find implements Repository.
func (s *Snapshot) Find(market types.Market, symbol string) (Instrument, bool) {
	at, ok := s.index[fmt.Sprintf("%s.%s", market, symbol)]
	if !ok {
		return Instrument{}, false
	}
	return s.byKey[at], true
}

// Instruments implements Repository.
func (s *Snapshot) Instruments() []Instrument {
	out := make([]Instrument, len(s.byKey))
	copy(out, s.byKey)
	return out
}
