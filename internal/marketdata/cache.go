package marketdata

import (
	"sort"
	"sync"
	"time"

	"perp-core/pkg/exchange"
)

// TTLConfig bounds staleness per data type.
type TTLConfig struct {
	Orderbook time.Duration
	Trades    time.Duration
	Mids      time.Duration
	Candles   time.Duration
}

// DefaultTTLConfig matches how quickly each data type goes stale.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Orderbook: 2 * time.Second,
		Trades:    10 * time.Second,
		Mids:      3 * time.Second,
		Candles:   time.Minute,
	}
}

// Config tunes the cache.
type Config struct {
	TTL                TTLConfig
	MaxTradesPerSymbol int
	MaxCandlesPerKey   int
	SweepInterval      time.Duration
}

// DefaultConfig returns production cache settings.
func DefaultConfig() Config {
	return Config{
		TTL:                DefaultTTLConfig(),
		MaxTradesPerSymbol: 100,
		MaxCandlesPerKey:   1000,
		SweepInterval:      30 * time.Second,
	}
}

type bookEntry struct {
	book      exchange.Orderbook
	expiresAt time.Time
}

type tradesEntry struct {
	trades    []exchange.Trade // newest first
	expiresAt time.Time
}

type midEntry struct {
	px        float64
	expiresAt time.Time
}

type candleKey struct {
	symbol   string
	interval string
}

type candleEntry struct {
	bars      []exchange.Candle // sorted by OpenTime descending
	expiresAt time.Time
}

// Cache is the TTL-bounded market data store. It is updated by the websocket
// feed and read by request handlers; expired entries miss on access and are
// also evicted by a background sweep.
type Cache struct {
	cfg Config

	mu      sync.RWMutex
	books   map[string]bookEntry
	trades  map[string]tradesEntry
	mids    map[string]midEntry
	candles map[candleKey]candleEntry

	hits      int64
	misses    int64
	evictions int64

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewCache creates the cache and starts the background sweep.
func NewCache(cfg Config) *Cache {
	c := &Cache{
		cfg:     cfg,
		books:   make(map[string]bookEntry),
		trades:  make(map[string]tradesEntry),
		mids:    make(map[string]midEntry),
		candles: make(map[candleKey]candleEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep proactively evicts every expired entry to bound memory.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.books {
		if now.After(e.expiresAt) {
			delete(c.books, k)
			removed++
		}
	}
	for k, e := range c.trades {
		if now.After(e.expiresAt) {
			delete(c.trades, k)
			removed++
		}
	}
	for k, e := range c.mids {
		if now.After(e.expiresAt) {
			delete(c.mids, k)
			removed++
		}
	}
	for k, e := range c.candles {
		if now.After(e.expiresAt) {
			delete(c.candles, k)
			removed++
		}
	}
	c.evictions += int64(removed)
	return removed
}

// SetOrderbook stores a book snapshot.
func (c *Cache) SetOrderbook(book exchange.Orderbook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[book.Symbol] = bookEntry{book: book, expiresAt: c.now().Add(c.cfg.TTL.Orderbook)}
}

// Orderbook returns the cached book, missing once the TTL has passed.
func (c *Cache) Orderbook(symbol string) (exchange.Orderbook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.books[symbol]
	if !ok || c.now().After(e.expiresAt) {
		if ok {
			delete(c.books, symbol)
			c.evictions++
		}
		c.misses++
		return exchange.Orderbook{}, false
	}
	c.hits++
	return e.book, true
}

// AddTrades prepends trades newest-first, capped per symbol.
func (c *Cache) AddTrades(symbol string, trades ...exchange.Trade) {
	if len(trades) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.trades[symbol]
	merged := make([]exchange.Trade, 0, len(trades)+len(e.trades))
	for i := len(trades) - 1; i >= 0; i-- {
		merged = append(merged, trades[i])
	}
	merged = append(merged, e.trades...)
	if len(merged) > c.cfg.MaxTradesPerSymbol {
		merged = merged[:c.cfg.MaxTradesPerSymbol]
	}
	c.trades[symbol] = tradesEntry{trades: merged, expiresAt: c.now().Add(c.cfg.TTL.Trades)}
}

// Trades returns cached trades newest-first.
func (c *Cache) Trades(symbol string) ([]exchange.Trade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.trades[symbol]
	if !ok || c.now().After(e.expiresAt) {
		if ok {
			delete(c.trades, symbol)
			c.evictions++
		}
		c.misses++
		return nil, false
	}
	c.hits++
	out := make([]exchange.Trade, len(e.trades))
	copy(out, e.trades)
	return out, true
}

// SetMids stores mid prices for many symbols at once.
func (c *Cache) SetMids(mids map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := c.now().Add(c.cfg.TTL.Mids)
	for sym, px := range mids {
		c.mids[sym] = midEntry{px: px, expiresAt: exp}
	}
}

// Mid returns the cached mid price for one symbol.
func (c *Cache) Mid(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.mids[symbol]
	if !ok || c.now().After(e.expiresAt) {
		if ok {
			delete(c.mids, symbol)
			c.evictions++
		}
		c.misses++
		return 0, false
	}
	c.hits++
	return e.px, true
}

// AddCandles merges bars for (symbol, interval), de-duplicated by open time,
// sorted newest-first and capped.
func (c *Cache) AddCandles(symbol, interval string, bars ...exchange.Candle) {
	if len(bars) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := candleKey{symbol: symbol, interval: interval}
	e := c.candles[key]

	byTime := make(map[int64]exchange.Candle, len(e.bars)+len(bars))
	for _, b := range e.bars {
		byTime[b.OpenTime] = b
	}
	for _, b := range bars {
		byTime[b.OpenTime] = b // newer write wins for the same bar
	}
	merged := make([]exchange.Candle, 0, len(byTime))
	for _, b := range byTime {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].OpenTime > merged[j].OpenTime })
	if len(merged) > c.cfg.MaxCandlesPerKey {
		merged = merged[:c.cfg.MaxCandlesPerKey]
	}
	c.candles[key] = candleEntry{bars: merged, expiresAt: c.now().Add(c.cfg.TTL.Candles)}
}

// Candles returns cached bars newest-first.
func (c *Cache) Candles(symbol, interval string) ([]exchange.Candle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := candleKey{symbol: symbol, interval: interval}
	e, ok := c.candles[key]
	if !ok || c.now().After(e.expiresAt) {
		if ok {
			delete(c.candles, key)
			c.evictions++
		}
		c.misses++
		return nil, false
	}
	c.hits++
	out := make([]exchange.Candle, len(e.bars))
	copy(out, e.bars)
	return out, true
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books = make(map[string]bookEntry)
	c.trades = make(map[string]tradesEntry)
	c.mids = make(map[string]midEntry)
	c.candles = make(map[candleKey]candleEntry)
}

// ClearSymbol drops every entry for one symbol.
func (c *Cache) ClearSymbol(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.books, symbol)
	delete(c.trades, symbol)
	delete(c.mids, symbol)
	for k := range c.candles {
		if k.symbol == symbol {
			delete(c.candles, k)
		}
	}
}

// CacheStats is a point-in-time snapshot for the ops API.
type CacheStats struct {
	Books     int   `json:"books"`
	Trades    int   `json:"trades"`
	Mids      int   `json:"mids"`
	Candles   int   `json:"candles"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats returns entry counts and hit/miss counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Books:     len(c.books),
		Trades:    len(c.trades),
		Mids:      len(c.mids),
		Candles:   len(c.candles),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close stops the background sweep. Idempotent.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
