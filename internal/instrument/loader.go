package instrument

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"oms/pkg/types"
)

// fileInstrument is the on-disk/HTTP schema. Dates are plain strings so
// reference-data files stay hand-editable; Expiry is YYYY-MM-DD.
type fileInstrument struct {
	Market     string `json:"market"`
	Symbol     string `json:"symbol"`
	TickSize   float64 `json:"tick_size"`
	Timezone   string `json:"timezone"`
	FrontMonth struct {
		Symbol string `json:"symbol"`
		Expiry string `json:"expiry"`
	} `json:"front_month"`
	RollInstruction *RollInstruction `json:"roll_instruction,omitempty"`
}

const expiryLayout = "2006-01-02"

func (f fileInstrument) toInstrument() (Instrument, error) {
	market, err := types.ParseMarket(f.Market)
	if err != nil {
		return Instrument{}, fmt.Errorf("instrument %s.%s: %w", f.Market, f.Symbol, err)
	}
	expiry, err := time.Parse(expiryLayout, f.FrontMonth.Expiry)
	if err != nil {
		return Instrument{}, fmt.Errorf("instrument %s.%s: parse expiry: %w", f.Market, f.Symbol, err)
	}
	return Instrument{
		Market:          market,
		Symbol:          f.Symbol,
		TickSize:        f.TickSize,
		Timezone:        f.Timezone,
		FrontMonth:      FrontMonth{Symbol: f.FrontMonth.Symbol, Expiry: expiry},
		RollInstruction: f.RollInstruction,
	}, nil
}

func fromFile(ins Instrument) fileInstrument {
	var f fileInstrument
	f.Market = string(ins.Market)
	f.Symbol = ins.Symbol
	f.TickSize = ins.TickSize
	f.Timezone = ins.Timezone
	f.FrontMonth.Symbol = ins.FrontMonth.Symbol
	f.FrontMonth.Expiry = ins.FrontMonth.Expiry.Format(expiryLayout)
	f.RollInstruction = ins.RollInstruction
	return f
}

func decodeInstruments(data []byte) ([]Instrument, error) {
	var rows []fileInstrument
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal instruments: %w", err)
	}
	out := make([]Instrument, 0, len(rows))
	for _, row := range rows {
		ins, err := row.toInstrument()
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

// LoadFile reads an instrument definition file and returns a snapshot
// repository over it.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments: %w", err)
	}
	instruments, err := decodeInstruments(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return NewSnapshot(instruments), nil
}

// saveCache atomically persists a snapshot so the repository can start
// without its HTTP source. Write to .tmp, then rename.
func saveCache(path string, instruments []Instrument) error {
	rows := make([]fileInstrument, len(instruments))
	for i, ins := range instruments {
		rows[i] = fromFile(ins)
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal instruments: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write instrument cache: %w", err)
	}
	return os.Rename(tmp, path)
}
