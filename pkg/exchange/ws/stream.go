package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Subscription identifies one stream topic.
type Subscription struct {
	Type     string `json:"type"` // l2Book, trades, allMids, candle
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// Handler consumes the raw data payload of one channel message.
type Handler func(data json.RawMessage)

// StreamClient maintains one websocket to the exchange, resubscribing to
// every registered topic after each reconnect. Outbound subscribe messages
// are throttled because the exchange caps ws message rates.
type StreamClient struct {
	url    string
	dialer *websocket.Dialer
	rec    *Reconnector
	sendRL *rate.Limiter

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     []Subscription
	handlers map[string]Handler
	shutdown bool
}

// NewStreamClient creates a client for the given ws endpoint.
func NewStreamClient(url string, cfg ReconnectConfig) *StreamClient {
	s := &StreamClient{
		url:      url,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		sendRL:   rate.NewLimiter(rate.Limit(10), 20),
		handlers: make(map[string]Handler),
	}
	s.rec = NewReconnector(cfg, s.dial, func(err error) {
		log.Printf("stream: permanently failed: %v", err)
	})
	return s
}

// Reconnector exposes the reconnect state machine (ops API, tests).
func (s *StreamClient) Reconnector() *Reconnector { return s.rec }

// Handle registers the handler for one channel name.
func (s *StreamClient) Handle(channel string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[channel] = h
}

// Subscribe registers a topic and, when connected, sends the subscribe
// message immediately.
func (s *StreamClient) Subscribe(ctx context.Context, sub Subscription) error {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil // sent on connect
	}
	return s.send(ctx, conn, map[string]any{"method": "subscribe", "subscription": sub})
}

// Start dials the first connection.
func (s *StreamClient) Start() {
	s.rec.ReconnectNow()
}

// Shutdown closes the connection and stops reconnecting. Idempotent.
func (s *StreamClient) Shutdown() {
	s.rec.Shutdown()
	s.mu.Lock()
	s.shutdown = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *StreamClient) dial() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	conn, _, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		s.rec.Disconnected(err)
		return
	}

	s.mu.Lock()
	s.conn = conn
	subs := make([]Subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	s.rec.Connected()
	log.Printf("stream: connected to %s (%d subscriptions)", s.url, len(subs))

	ctx := context.Background()
	for _, sub := range subs {
		if err := s.send(ctx, conn, map[string]any{"method": "subscribe", "subscription": sub}); err != nil {
			log.Printf("stream: resubscribe %s/%s error: %v", sub.Type, sub.Coin, err)
		}
	}

	go s.readLoop(conn)
}

func (s *StreamClient) send(ctx context.Context, conn *websocket.Conn, msg any) error {
	if err := s.sendRL.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.WriteJSON(msg)
}

func (s *StreamClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := s.conn != conn // a newer connection superseded this one
			if !stale {
				s.conn = nil
			}
			shutdown := s.shutdown
			s.mu.Unlock()
			if !stale && !shutdown {
				s.rec.Disconnected(err)
			}
			return
		}
		s.dispatch(msg)
	}
}

func (s *StreamClient) dispatch(msg []byte) {
	var frame struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.Printf("stream: bad frame: %v", err)
		return
	}
	s.mu.Lock()
	h := s.handlers[frame.Channel]
	s.mu.Unlock()
	if h != nil {
		h(frame.Data)
	}
}
