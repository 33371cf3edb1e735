package position

import "perp-core/pkg/db"

// DefaultMaintenanceMarginRate approximates the exchange's maintenance
// requirement when it does not report a liquidation price.
const DefaultMaintenanceMarginRate = 0.03

// UnrealizedPnl values an open position at the given mark price.
func UnrealizedPnl(side string, entryPrice, markPrice, size float64) float64 {
	if side == db.PositionShort {
		return (entryPrice - markPrice) * size
	}
	return (markPrice - entryPrice) * size
}

// EstimateLiquidationPrice is a linear cross-margin approximation. The
// exchange-reported value, when present, is authoritative.
func EstimateLiquidationPrice(side string, entryPrice, leverage, maintenanceRate float64) float64 {
	if leverage <= 0 {
		return 0
	}
	var px float64
	if side == db.PositionShort {
		px = entryPrice * (1 + 1/leverage - maintenanceRate)
	} else {
		px = entryPrice * (1 - 1/leverage + maintenanceRate)
	}
	if px < 0 {
		return 0
	}
	return px
}

// MarginRequired is the initial margin for a position at its entry price.
func MarginRequired(size, entryPrice, leverage float64) float64 {
	if leverage <= 0 {
		return size * entryPrice
	}
	return size * entryPrice / leverage
}
