package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"execgate/internal/breaker"
	"execgate/internal/killswitch"
	"execgate/internal/kv"
	"execgate/internal/model"
	"execgate/internal/obs"
	"execgate/internal/reserve"
	"execgate/internal/risk"
	"execgate/internal/slicer"
	"execgate/internal/store"
)

type orderRequest struct {
	Symbol string          `json:"symbol" binding:"required"`
	Side   model.Side      `json:"side" binding:"required"`
	Qty    int64           `json:"qty" binding:"required"`
	Price  decimal.Decimal `json:"price"`
	Slices int             `json:"slices"`
}

type orderResponse struct {
	OrderID       string `json:"orderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           int64  `json:"qty"`
	Slices        int    `json:"slices"`
	BrokerOrderID string `json:"brokerOrderId"`
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.OrdersRejected.WithLabelValues(obs.RejectInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Side.Valid() || req.Qty <= 0 {
		s.metrics.OrdersRejected.WithLabelValues(obs.RejectInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be buy or sell and qty must be positive"})
		return
	}

	ctx := c.Request.Context()
	cfg := s.rt.Load()

	order := risk.Order{
		Symbol:       req.Symbol,
		Side:         req.Side,
		Qty:          req.Qty,
		CurrentPrice: req.Price,
	}
	if req.Price.IsPositive() && cfg.Risk.MaxPositionPct.IsPositive() {
		position, err := s.ledger.ReservedPosition(ctx, req.Symbol)
		if err != nil {
			s.failClosed(c, "read position", err)
			return
		}
		account, err := s.broker.GetAccount(ctx)
		if err != nil {
			s.failClosed(c, "fetch account", err)
			return
		}
		order.CurrentPosition = position
		order.PortfolioValue = account.PortfolioValue
	}

	checker := risk.NewChecker(cfg.Risk, s.kill, s.breaker, s.ledger)
	start := time.Now()
	decision, reservation, err := checker.ValidateOrderWithReservation(ctx, order)
	s.metrics.RiskCheckSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		s.failClosed(c, "pre-trade checks", err)
		return
	}
	if !decision.Valid {
		label, halted := classifyRejection(decision.Reason)
		s.metrics.OrdersRejected.WithLabelValues(label).Inc()
		if label == obs.RejectPositionLimit {
			s.metrics.Reservations.WithLabelValues("rejected").Inc()
		}
		status := http.StatusUnprocessableEntity
		body := decision.Reason
		if halted {
			status = http.StatusLocked
			body = "trading halted: " + decision.Reason
		}
		c.JSON(status, gin.H{"error": body})
		return
	}
	if reservation != nil {
		s.metrics.Reservations.WithLabelValues("reserved").Inc()
	}

	sliceCount := req.Slices
	if sliceCount <= 0 {
		sliceCount = cfg.Slicer.DefaultSlices
	}
	plan, err := slicer.TWAP(req.Symbol, req.Side, req.Qty, sliceCount, cfg.Slicer.Interval(), time.Now().UTC())
	if err != nil {
		s.release(ctx, req.Symbol, reservation)
		s.metrics.OrdersRejected.WithLabelValues(obs.RejectInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orderID := store.NewOrderID()
	record, err := s.persistOrder(ctx, orderID, plan)
	if err != nil {
		s.release(ctx, req.Symbol, reservation)
		s.failClosed(c, "persist order", err)
		return
	}

	// First slice goes out synchronously so the caller learns immediately
	// whether the broker accepted the order.
	submitted, err := s.broker.SubmitOrder(ctx, req.Symbol, req.Side, plan.Children[0].Qty)
	if err != nil {
		s.release(ctx, req.Symbol, reservation)
		s.markRejected(ctx, record, "broker: "+err.Error())
		s.metrics.OrdersRejected.WithLabelValues(obs.RejectBroker).Inc()
		logs.Errorf("gateway: broker rejected %s %s %d: %v", req.Side, req.Symbol, req.Qty, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "broker rejected order"})
		return
	}

	if reservation != nil {
		if _, err := s.ledger.Confirm(ctx, req.Symbol, reservation.Token); err != nil {
			logs.Errorf("gateway: confirm reservation for %s: %v", req.Symbol, err)
		} else {
			s.metrics.Reservations.WithLabelValues("confirmed").Inc()
		}
	}
	s.metrics.OrdersAccepted.Inc()
	s.recordSliceSubmitted(ctx, record, 0, submitted.BrokerOrderID)

	if len(plan.Children) > 1 {
		go s.workRemainingSlices(orderID, record, plan)
	}

	c.JSON(http.StatusAccepted, orderResponse{
		OrderID:       orderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Qty:           req.Qty,
		Slices:        len(plan.Children),
		BrokerOrderID: submitted.BrokerOrderID,
	})
}

// persistOrder writes the parent order and its slice schedule. With no order
// store configured it returns a nil record and the flow continues unpersisted.
func (s *Server) persistOrder(ctx context.Context, orderID string, plan slicer.Plan) (*store.Order, error) {
	if s.orders == nil {
		return nil, nil
	}
	record := &store.Order{
		ID:         orderID,
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		Qty:        plan.TotalQty,
		SliceCount: len(plan.Children),
		Status:     model.OrderStatusNew,
	}
	for i, child := range plan.Children {
		record.Slices = append(record.Slices, store.Slice{
			ID:          store.NewOrderID(),
			OrderID:     orderID,
			Seq:         i,
			Qty:         child.Qty,
			ScheduledAt: child.At,
			Status:      model.OrderStatusNew,
		})
	}
	if err := s.orders.CreateOrder(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Server) markRejected(ctx context.Context, record *store.Order, reason string) {
	if record == nil {
		return
	}
	if err := s.orders.UpdateOrderStatus(ctx, record.ID, model.OrderStatusRejected, reason); err != nil {
		logs.Errorf("gateway: mark order %s rejected: %v", record.ID, err)
	}
}

func (s *Server) recordSliceSubmitted(ctx context.Context, record *store.Order, seq int, brokerOrderID string) {
	if record == nil || seq >= len(record.Slices) {
		return
	}
	if err := s.orders.MarkSliceSubmitted(ctx, record.Slices[seq].ID, brokerOrderID); err != nil {
		logs.Errorf("gateway: record slice %d of %s: %v", seq, record.ID, err)
	}
	if seq == 0 {
		if err := s.orders.UpdateOrderStatus(ctx, record.ID, model.OrderStatusWorking, ""); err != nil {
			logs.Errorf("gateway: mark order %s working: %v", record.ID, err)
		}
	}
}

// workRemainingSlices submits slices 1..n on their TWAP schedule. The request
// context is gone by now; slices run on the background context until done.
func (s *Server) workRemainingSlices(orderID string, record *store.Order, plan slicer.Plan) {
	ctx := context.Background()
	for i := 1; i < len(plan.Children); i++ {
		child := plan.Children[i]
		if wait := time.Until(child.At); wait > 0 {
			time.Sleep(wait)
		}
		submitted, err := s.broker.SubmitOrder(ctx, child.Symbol, child.Side, child.Qty)
		if err != nil {
			logs.Errorf("gateway: slice %d/%d of %s failed: %v", i+1, len(plan.Children), orderID, err)
			if record != nil {
				if err := s.orders.MarkSliceRejected(ctx, record.Slices[i].ID); err != nil {
					logs.Errorf("gateway: mark slice %d of %s rejected: %v", i, orderID, err)
				}
			}
			continue
		}
		s.recordSliceSubmitted(ctx, record, i, submitted.BrokerOrderID)
	}
	if record != nil {
		if err := s.orders.UpdateOrderStatus(ctx, orderID, model.OrderStatusFilled, ""); err != nil {
			logs.Errorf("gateway: mark order %s filled: %v", orderID, err)
		}
	}
}

func (s *Server) release(ctx context.Context, symbol string, reservation *reserve.Result) {
	if reservation == nil {
		return
	}
	if _, err := s.ledger.Release(ctx, symbol, reservation.Token); err != nil {
		logs.Errorf("gateway: release reservation for %s: %v", symbol, err)
		return
	}
	s.metrics.Reservations.WithLabelValues("released").Inc()
}

// failClosed answers 503 for any infrastructure error during validation. An
// unverifiable order is never forwarded to the broker.
func (s *Server) failClosed(c *gin.Context, op string, err error) {
	s.metrics.OrdersRejected.WithLabelValues(obs.RejectInfra).Inc()
	logs.Errorf("gateway: %s: %v", op, err)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pre-trade checks unavailable"})
}

func classifyRejection(reason string) (label string, halted bool) {
	switch {
	case strings.HasPrefix(reason, "kill switch"):
		return obs.RejectKillSwitch, true
	case strings.HasPrefix(reason, "circuit breaker"):
		return obs.RejectCircuitBreaker, true
	case strings.Contains(reason, "blacklisted"):
		return obs.RejectBlacklist, false
	case strings.Contains(reason, "position"):
		return obs.RejectPositionLimit, false
	default:
		return obs.RejectExposure, false
	}
}

type engageRequest struct {
	Reason   string         `json:"reason" binding:"required"`
	Operator string         `json:"operator" binding:"required"`
	Details  map[string]any `json:"details"`
}

func (s *Server) handleEngage(c *gin.Context) {
	var req engageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if err := s.kill.Engage(ctx, req.Reason, req.Operator, req.Details); err != nil {
		s.writeStateError(c, err, killswitch.ErrAlreadyEngaged)
		return
	}
	s.metrics.KillSwitchGauge.Set(1)
	s.writeKillSwitchStatus(c, ctx)
}

type disengageRequest struct {
	Operator string `json:"operator" binding:"required"`
	Notes    string `json:"notes"`
}

func (s *Server) handleDisengage(c *gin.Context) {
	var req disengageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if err := s.kill.Disengage(ctx, req.Operator, req.Notes); err != nil {
		s.writeStateError(c, err, killswitch.ErrNotEngaged)
		return
	}
	s.metrics.KillSwitchGauge.Set(0)
	s.writeKillSwitchStatus(c, ctx)
}

func (s *Server) handleKillSwitchStatus(c *gin.Context) {
	s.writeKillSwitchStatus(c, c.Request.Context())
}

func (s *Server) writeKillSwitchStatus(c *gin.Context, ctx context.Context) {
	status, err := s.kill.GetStatus(ctx)
	if err != nil {
		s.failClosed(c, "kill switch status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleKillSwitchHistory(c *gin.Context) {
	entries, err := s.kill.GetHistory(c.Request.Context(), historyLimit(c))
	if err != nil {
		s.failClosed(c, "kill switch history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type tripRequest struct {
	Reason  string         `json:"reason" binding:"required"`
	Details map[string]any `json:"details"`
}

func (s *Server) handleTrip(c *gin.Context) {
	var req tripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if err := s.breaker.Trip(ctx, req.Reason, req.Details); err != nil {
		s.writeStateError(c, err)
		return
	}
	s.metrics.BreakerTrips.Inc()
	s.writeBreakerStatus(c, ctx)
}

type resetRequest struct {
	ResetBy string `json:"resetBy" binding:"required"`
}

func (s *Server) handleReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if err := s.breaker.Reset(ctx, req.ResetBy); err != nil {
		s.writeStateError(c, err, breaker.ErrNotTripped)
		return
	}
	s.writeBreakerStatus(c, ctx)
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	s.writeBreakerStatus(c, c.Request.Context())
}

func (s *Server) writeBreakerStatus(c *gin.Context, ctx context.Context) {
	status, err := s.breaker.GetStatus(ctx)
	if err != nil {
		s.failClosed(c, "circuit breaker status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleBreakerHistory(c *gin.Context) {
	entries, err := s.breaker.GetHistory(c.Request.Context(), historyLimit(c))
	if err != nil {
		s.failClosed(c, "circuit breaker history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// writeStateError maps precondition failures to 409 and everything else,
// including optimistic transaction exhaustion, to 503.
func (s *Server) writeStateError(c *gin.Context, err error, preconditions ...error) {
	for _, precondition := range preconditions {
		if errors.Is(err, precondition) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
	}
	if errors.Is(err, kv.ErrTxConflict) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state contended, retry"})
		return
	}
	s.failClosed(c, "state transition", err)
}

func (s *Server) handleReservedPosition(c *gin.Context) {
	symbol := c.Param("symbol")
	position, err := s.ledger.ReservedPosition(c.Request.Context(), symbol)
	if err != nil {
		s.failClosed(c, "reserved position", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "position": position})
}

type syncRequest struct {
	Position int64 `json:"position"`
}

func (s *Server) handleSyncPosition(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	symbol := c.Param("symbol")
	if err := s.ledger.SyncPosition(c.Request.Context(), symbol, req.Position); err != nil {
		s.failClosed(c, "sync position", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "position": req.Position})
}

func (s *Server) handleClearPosition(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := s.ledger.ClearAll(c.Request.Context(), symbol); err != nil {
		s.failClosed(c, "clear position", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	engaged, err := s.kill.IsEngaged(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	state, err := s.breaker.GetState(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	if engaged {
		s.metrics.KillSwitchGauge.Set(1)
	} else {
		s.metrics.KillSwitchGauge.Set(0)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"killSwitchEngaged": engaged,
		"circuitBreaker":    state,
	})
}

func historyLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return 50
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}
