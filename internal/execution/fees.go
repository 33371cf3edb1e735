package execution

import "perp-core/pkg/exchange"

// FeeEstimate is the projected fee for one order.
type FeeEstimate struct {
	Notional float64 `json:"notional"`
	Rate     float64 `json:"rate"`
	Fee      float64 `json:"fee"`
	IsMaker  bool    `json:"is_maker"`
}

// EstimateFees projects the fee from the maker/taker rate table and order
// notional. Pure function, no side effects: limit orders price at the maker
// rate, market orders at the taker rate.
func (s *Service) EstimateFees(symbol, orderType string, price, size float64) FeeEstimate {
	meta := s.Symbols.Meta(symbol)
	notional := price * size
	isMaker := orderType == string(exchange.OrderTypeLimit)
	rate := meta.TakerFee
	if isMaker {
		rate = meta.MakerFee
	}
	return FeeEstimate{
		Notional: notional,
		Rate:     rate,
		Fee:      notional * rate,
		IsMaker:  isMaker,
	}
}
