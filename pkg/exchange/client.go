package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the exchange request/response contract the execution layer
// consumes. Implementations must honor ctx deadlines on every call.
type Client interface {
	GetUserState(ctx context.Context, address string) (*UserState, error)
	GetAllMids(ctx context.Context) (map[string]string, error)
	GetOrderStatus(ctx context.Context, address string, oid int64) (*OrderStatusResult, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, oid int64) (*CancelResponse, error)
	CancelAllOrders(ctx context.Context, symbol string) (*CancelResponse, error)
}

// APIError is a non-2xx response from the exchange REST API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api status %d: %s", e.StatusCode, e.Body)
}

// Retryable classifies rate-limit and server-side failures as transient.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config holds exchange REST credentials and endpoints.
type Config struct {
	BaseURL    string
	PrivateKey string // signing key for /exchange actions
	Timeout    time.Duration
}

// HTTPClient implements Client over the exchange's JSON POST API
// (/info for reads, /exchange for actions).
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient creates a REST client with a per-request timeout.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &APIError{StatusCode: res.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &ParseError{What: path, Reason: err.Error()}
	}
	return nil
}

// GetUserState fetches the authoritative margin and position snapshot.
func (c *HTTPClient) GetUserState(ctx context.Context, address string) (*UserState, error) {
	if address == "" {
		return nil, errors.New("exchange: address required")
	}
	var out UserState
	err := c.post(ctx, "/info", map[string]any{"type": "clearinghouseState", "user": address}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAllMids fetches current mid prices for every listed symbol.
func (c *HTTPClient) GetAllMids(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	if err := c.post(ctx, "/info", map[string]any{"type": "allMids"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrderStatus fetches the exchange-side status of one order by oid.
func (c *HTTPClient) GetOrderStatus(ctx context.Context, address string, oid int64) (*OrderStatusResult, error) {
	var out struct {
		Status string `json:"status"` // "order" when found, "unknownOid" otherwise
		Order  struct {
			Status string `json:"status"`
			Order  struct {
				OrigSz string `json:"origSz"`
				Sz     string `json:"sz"` // remaining size
			} `json:"order"`
		} `json:"order"`
	}
	err := c.post(ctx, "/info", map[string]any{"type": "orderStatus", "user": address, "oid": oid}, &out)
	if err != nil {
		return nil, err
	}
	if out.Status != "order" {
		return &OrderStatusResult{Found: false}, nil
	}
	orig, err := ParseFloat("origSz", out.Order.Order.OrigSz)
	if err != nil {
		return nil, err
	}
	remaining, err := ParseFloat("sz", out.Order.Order.Sz)
	if err != nil {
		return nil, err
	}
	return &OrderStatusResult{
		Found:      true,
		Status:     out.Order.Status,
		FilledSize: orig - remaining,
	}, nil
}

// PlaceOrder submits one order action.
func (c *HTTPClient) PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceOrderResponse, error) {
	tif := req.TimeInForce
	if tif == "" {
		tif = TIFGtc
	}
	if req.PostOnly {
		tif = TIFAlo
	}
	order := map[string]any{
		"coin":        req.Symbol,
		"is_buy":      req.Side == SideBuy,
		"sz":          req.Size,
		"limit_px":    req.Price,
		"order_type":  map[string]any{"limit": map[string]any{"tif": string(tif)}},
		"reduce_only": req.ReduceOnly,
	}
	if req.ClientID != "" {
		order["cloid"] = req.ClientID
	}
	var out PlaceOrderResponse
	err := c.post(ctx, "/exchange", map[string]any{
		"action": map[string]any{"type": "order", "orders": []any{order}},
		"key":    c.cfg.PrivateKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels one resting order by oid.
func (c *HTTPClient) CancelOrder(ctx context.Context, symbol string, oid int64) (*CancelResponse, error) {
	var out CancelResponse
	err := c.post(ctx, "/exchange", map[string]any{
		"action": map[string]any{
			"type":    "cancel",
			"cancels": []any{map[string]any{"coin": symbol, "oid": oid}},
		},
		"key": c.cfg.PrivateKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelAllOrders cancels every resting order on one symbol.
func (c *HTTPClient) CancelAllOrders(ctx context.Context, symbol string) (*CancelResponse, error) {
	var out CancelResponse
	err := c.post(ctx, "/exchange", map[string]any{
		"action": map[string]any{"type": "cancelAll", "coin": symbol},
		"key":    c.cfg.PrivateKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
