package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"perp-core/internal/execution"
	"perp-core/internal/position"
	"perp-core/internal/resilience"
	"perp-core/pkg/db"
)

type placeOrderRequest struct {
	UserID      string  `json:"user_id" binding:"required"`
	Address     string  `json:"address" binding:"required"`
	Symbol      string  `json:"symbol" binding:"required"`
	Side        string  `json:"side" binding:"required"`
	OrderType   string  `json:"order_type" binding:"required"`
	Price       float64 `json:"price"`
	Size        float64 `json:"size" binding:"required"`
	TimeInForce string  `json:"time_in_force"`
	ReduceOnly  bool    `json:"reduce_only"`
	PostOnly    bool    `json:"post_only"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.Exec.PlaceOrder(c.Request.Context(), execution.PlaceOrderParams{
		UserID:      req.UserID,
		Address:     req.Address,
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Price:       req.Price,
		Size:        req.Size,
		TimeInForce: req.TimeInForce,
		ReduceOnly:  req.ReduceOnly,
		PostOnly:    req.PostOnly,
	})
	if err != nil {
		s.orderError(c, order, err)
		return
	}

	// First trading activity enrolls the account in the periodic audit and
	// position sync loops.
	s.Recon.Register(req.UserID, req.Address)
	s.Positions.StartPolling(req.UserID, req.Address, 0)

	c.JSON(http.StatusCreated, order)
}

// orderError maps execution errors to HTTP statuses. The partially written
// order, when present, rides along so the caller can track it.
func (s *Server) orderError(c *gin.Context, order *db.Order, err error) {
	var verr *execution.ValidationError
	var margin *execution.InsufficientMarginError
	var nopos *execution.NoPositionError
	var reduce *execution.InvalidReduceOnlyError
	var rejection *execution.ExchangeRejectionError
	var open *resilience.CircuitOpenError

	body := gin.H{"error": err.Error()}
	if order != nil {
		body["order"] = order
	}

	switch {
	case errors.As(err, &verr):
		body["code"] = verr.Code
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &margin), errors.As(err, &nopos), errors.As(err, &reduce):
		c.JSON(http.StatusUnprocessableEntity, body)
	case errors.As(err, &rejection):
		c.JSON(http.StatusUnprocessableEntity, body)
	case errors.As(err, &open), errors.Is(err, resilience.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, body)
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, body)
	default:
		c.JSON(http.StatusBadGateway, body)
	}
}

func (s *Server) getOrders(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	var (
		orders []db.Order
		err    error
	)
	if c.Query("open") == "true" {
		orders, err = s.DB.ListOpenOrdersByUser(c.Request.Context(), userID)
	} else {
		orders, err = s.DB.GetOrdersByUser(c.Request.Context(), userID, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.DB.GetOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if err := s.Exec.CancelOrder(c.Request.Context(), userID, c.Param("id")); err != nil {
		s.orderError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type cancelAllRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Symbol string `json:"symbol" binding:"required"`
}

func (s *Server) cancelAllOrders(c *gin.Context) {
	var req cancelAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := s.Exec.CancelAllOrders(c.Request.Context(), req.UserID, req.Symbol)
	if err != nil {
		s.orderError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

type estimateFeesRequest struct {
	Symbol    string  `json:"symbol" binding:"required"`
	OrderType string  `json:"order_type" binding:"required"`
	Price     float64 `json:"price" binding:"required"`
	Size      float64 `json:"size" binding:"required"`
}

func (s *Server) estimateFees(c *gin.Context) {
	var req estimateFeesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.Exec.EstimateFees(req.Symbol, req.OrderType, req.Price, req.Size))
}

func (s *Server) getPositions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	positions, err := s.Positions.ListPositions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

type closePositionRequest struct {
	UserID     string  `json:"user_id" binding:"required"`
	Address    string  `json:"address" binding:"required"`
	OrderType  string  `json:"order_type"` // market (default) or limit
	LimitPrice float64 `json:"limit_price"`
}

func (s *Server) closePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.Positions.ClosePosition(c.Request.Context(), req.UserID, req.Address, c.Param("symbol"), position.CloseParams{
		OrderType:  req.OrderType,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		s.orderError(c, order, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) getMarginSummary(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	summary, err := s.Positions.GetMarginSummary(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getMarketSnapshot(c *gin.Context) {
	symbol := c.Param("symbol")
	interval := c.DefaultQuery("interval", "1m")

	body := gin.H{"symbol": symbol}
	if book, ok := s.Cache.Orderbook(symbol); ok {
		body["orderbook"] = book
	}
	if mid, ok := s.Cache.Mid(symbol); ok {
		body["mid"] = mid
	}
	if trades, ok := s.Cache.Trades(symbol); ok {
		body["trades"] = trades
	}
	if candles, ok := s.Cache.Candles(symbol, interval); ok {
		body["candles"] = candles
	}
	c.JSON(http.StatusOK, body)
}

type reconcileRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Address string `json:"address" binding:"required"`
}

func (s *Server) runReconciliation(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := s.Recon.ReconcileUser(c.Request.Context(), req.UserID, req.Address)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getLastReconciliation(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	report := s.Recon.LastReport(userID)
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reconciliation has run for this user"})
		return
	}
	c.JSON(http.StatusOK, report)
}
