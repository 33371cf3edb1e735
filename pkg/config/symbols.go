package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SymbolMeta holds per-symbol trading constraints and fee rates.
type SymbolMeta struct {
	MinSize  float64 `yaml:"min_size"`
	MakerFee float64 `yaml:"maker_fee"` // rate, e.g. 0.00015
	TakerFee float64 `yaml:"taker_fee"`
}

// SymbolTable resolves per-symbol metadata with a fallback default.
type SymbolTable struct {
	Default SymbolMeta            `yaml:"default"`
	Symbols map[string]SymbolMeta `yaml:"symbols"`
}

// DefaultSymbolTable covers all symbols with conservative defaults.
func DefaultSymbolTable() *SymbolTable {
	return &SymbolTable{
		Default: SymbolMeta{
			MinSize:  0.0001,
			MakerFee: 0.00015,
			TakerFee: 0.00045,
		},
	}
}

// LoadSymbolTable reads the YAML symbol file, or returns defaults when path
// is empty.
func LoadSymbolTable(path string) (*SymbolTable, error) {
	if path == "" {
		return DefaultSymbolTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbols file: %w", err)
	}
	table := DefaultSymbolTable()
	if err := yaml.Unmarshal(raw, table); err != nil {
		return nil, fmt.Errorf("parse symbols file: %w", err)
	}
	return table, nil
}

// Meta returns metadata for a symbol, falling back to the default row.
func (t *SymbolTable) Meta(symbol string) SymbolMeta {
	if m, ok := t.Symbols[symbol]; ok {
		return m
	}
	return t.Default
}
