package marketdata

import (
	"context"
	"encoding/json"
	"log"

	"perp-core/pkg/exchange"
	"perp-core/pkg/exchange/ws"
)

// Feed applies websocket market data to the cache.
type Feed struct {
	Stream         *ws.StreamClient
	Cache          *Cache
	Symbols        []string
	CandleInterval string
}

// Start registers handlers, subscribes per symbol, and dials the stream.
func (f *Feed) Start(ctx context.Context) {
	if f.Stream == nil || f.Cache == nil {
		log.Println("market feed not fully configured; skipping start")
		return
	}

	f.Stream.Handle("l2Book", f.onBook)
	f.Stream.Handle("trades", f.onTrades)
	f.Stream.Handle("allMids", f.onMids)
	f.Stream.Handle("candle", f.onCandle)

	if err := f.Stream.Subscribe(ctx, ws.Subscription{Type: "allMids"}); err != nil {
		log.Printf("market feed: subscribe allMids error: %v", err)
	}
	for _, sym := range f.Symbols {
		for _, sub := range []ws.Subscription{
			{Type: "l2Book", Coin: sym},
			{Type: "trades", Coin: sym},
			{Type: "candle", Coin: sym, Interval: f.CandleInterval},
		} {
			if err := f.Stream.Subscribe(ctx, sub); err != nil {
				log.Printf("market feed: subscribe %s %s error: %v", sub.Type, sym, err)
			}
		}
	}

	f.Stream.Start()
}

func (f *Feed) onBook(data json.RawMessage) {
	var payload struct {
		Coin   string `json:"coin"`
		Time   int64  `json:"time"`
		Levels [2][]struct {
			Px string `json:"px"`
			Sz string `json:"sz"`
		} `json:"levels"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("market feed: bad l2Book payload: %v", err)
		return
	}
	book := exchange.Orderbook{Symbol: payload.Coin, Time: payload.Time}
	for i, side := range payload.Levels {
		for _, lvl := range side {
			px, err := exchange.ParseFloat("px", lvl.Px)
			if err != nil {
				log.Printf("market feed: %v", err)
				return
			}
			sz, err := exchange.ParseFloat("sz", lvl.Sz)
			if err != nil {
				log.Printf("market feed: %v", err)
				return
			}
			if i == 0 {
				book.Bids = append(book.Bids, exchange.Level{Px: px, Sz: sz})
			} else {
				book.Asks = append(book.Asks, exchange.Level{Px: px, Sz: sz})
			}
		}
	}
	f.Cache.SetOrderbook(book)
}

func (f *Feed) onTrades(data json.RawMessage) {
	var payload []struct {
		Coin string `json:"coin"`
		Side string `json:"side"`
		Px   string `json:"px"`
		Sz   string `json:"sz"`
		Time int64  `json:"time"`
		TID  int64  `json:"tid"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("market feed: bad trades payload: %v", err)
		return
	}
	bySymbol := make(map[string][]exchange.Trade)
	for _, t := range payload {
		px, err := exchange.ParseFloat("px", t.Px)
		if err != nil {
			continue
		}
		sz, err := exchange.ParseFloat("sz", t.Sz)
		if err != nil {
			continue
		}
		side := exchange.SideBuy
		if t.Side == "A" || t.Side == "sell" {
			side = exchange.SideSell
		}
		bySymbol[t.Coin] = append(bySymbol[t.Coin], exchange.Trade{
			Symbol: t.Coin, Px: px, Sz: sz, Side: side, Time: t.Time, TID: t.TID,
		})
	}
	for sym, trades := range bySymbol {
		f.Cache.AddTrades(sym, trades...)
	}
}

func (f *Feed) onMids(data json.RawMessage) {
	var payload struct {
		Mids map[string]string `json:"mids"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("market feed: bad allMids payload: %v", err)
		return
	}
	mids := make(map[string]float64, len(payload.Mids))
	for sym, raw := range payload.Mids {
		px, err := exchange.ParseFloat("mid", raw)
		if err != nil {
			continue
		}
		mids[sym] = px
	}
	f.Cache.SetMids(mids)
}

func (f *Feed) onCandle(data json.RawMessage) {
	var payload struct {
		Symbol   string `json:"s"`
		Interval string `json:"i"`
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("market feed: bad candle payload: %v", err)
		return
	}
	bar := exchange.Candle{Symbol: payload.Symbol, Interval: payload.Interval, OpenTime: payload.OpenTime}
	var err error
	if bar.Open, err = exchange.ParseFloat("o", payload.Open); err != nil {
		return
	}
	if bar.High, err = exchange.ParseFloat("h", payload.High); err != nil {
		return
	}
	if bar.Low, err = exchange.ParseFloat("l", payload.Low); err != nil {
		return
	}
	if bar.Close, err = exchange.ParseFloat("c", payload.Close); err != nil {
		return
	}
	if bar.Volume, err = exchange.ParseFloat("v", payload.Volume); err != nil {
		return
	}
	f.Cache.AddCandles(payload.Symbol, payload.Interval, bar)
}
