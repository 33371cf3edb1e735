package position

import (
	"math"
	"testing"

	"perp-core/pkg/db"
)

func TestUnrealizedPnl(t *testing.T) {
	tests := []struct {
		name  string
		side  string
		entry float64
		mark  float64
		size  float64
		want  float64
	}{
		{"long gain", db.PositionLong, 50000, 51000, 1, 1000},
		{"long loss", db.PositionLong, 50000, 49000, 1, -1000},
		{"short gain", db.PositionShort, 50000, 49000, 1, 1000},
		{"short loss", db.PositionShort, 50000, 51000, 1, -1000},
		{"scaled by size", db.PositionLong, 50000, 50100, 2.5, 250},
		{"flat mark", db.PositionShort, 50000, 50000, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnrealizedPnl(tt.side, tt.entry, tt.mark, tt.size)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("pnl=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestEstimateLiquidationPrice(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		entry    float64
		leverage float64
		mmr      float64
		want     float64
	}{
		{"long 10x", db.PositionLong, 50000, 10, 0.03, 46500},
		{"short 10x", db.PositionShort, 50000, 10, 0.03, 53500},
		{"long 1x no maintenance", db.PositionLong, 50000, 1, 0, 0},
		{"long 2x", db.PositionLong, 40000, 2, 0.03, 40000 * 0.53},
		{"zero leverage", db.PositionLong, 50000, 0, 0.03, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateLiquidationPrice(tt.side, tt.entry, tt.leverage, tt.mmr)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Fatalf("liq=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarginRequired(t *testing.T) {
	if got := MarginRequired(1, 50000, 10); got != 5000 {
		t.Fatalf("margin=%v, want 5000", got)
	}
	if got := MarginRequired(2, 50000, 0); got != 100000 {
		t.Fatalf("margin at zero leverage=%v, want full notional", got)
	}
}
