package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"arb-core/pkg/broker"
	"arb-core/pkg/db"
)

// pairView is the configuration surface exposed to clients; credentials
// never leave the process.
type pairView struct {
	ID            string  `json:"id"`
	FutureVenue   string  `json:"future_venue"`
	FutureSymbol  string  `json:"future_symbol"`
	SpotVenue     string  `json:"spot_venue"`
	SpotSymbol    string  `json:"spot_symbol"`
	DefaultVolume float64 `json:"default_volume"`
}

func (s *Server) getPairs(c *gin.Context) {
	out := make([]pairView, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, pairView{
			ID:            p.ID,
			FutureVenue:   p.Future.Venue,
			FutureSymbol:  p.Future.Symbol,
			SpotVenue:     p.Spot.Venue,
			SpotSymbol:    p.Spot.Symbol,
			DefaultVolume: p.DefaultVolume,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pairs": out})
}

func (s *Server) getOrders(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	orders, err := s.DB.ListOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) createOrder(c *gin.Context) {
	var req struct {
		PairID        string  `json:"pair_id"`
		Direction     string  `json:"direction"`
		Volume        float64 `json:"volume"`
		TargetPremium float64 `json:"target_premium"`
		TakeProfit    float64 `json:"take_profit"`
		TPMode        string  `json:"tp_mode"`
		StopLoss      float64 `json:"stop_loss"`
		MaxAgeMs      int64   `json:"max_age_ms"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	pair, ok := s.pairs[req.PairID]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "UNKNOWN_PAIR",
			"error": "unknown pair id",
		})
		return
	}

	switch broker.Direction(req.Direction) {
	case broker.Buy, broker.Sell:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_DIRECTION",
			"error": "direction must be BUY or SELL",
		})
		return
	}

	if req.Volume <= 0 {
		req.Volume = pair.DefaultVolume
	}
	if req.Volume <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_VOLUME",
			"error": "volume must be positive",
		})
		return
	}

	switch req.TPMode {
	case "":
		req.TPMode = db.TPModeNone
	case db.TPModeNone, db.TPModePremium, db.TPModeAmount:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_TP_MODE",
			"error": "tp_mode must be NONE, PREMIUM or AMOUNT",
		})
		return
	}

	order := db.PendingOrder{
		ID:            uuid.NewString(),
		PairID:        pair.ID,
		Direction:     req.Direction,
		Volume:        req.Volume,
		TargetPremium: req.TargetPremium,
		TakeProfit:    req.TakeProfit,
		TPMode:        req.TPMode,
		StopLoss:      req.StopLoss,
		Status:        db.OrderPending,
		CreatedAt:     time.Now(),
		MaxAgeMs:      req.MaxAgeMs,
	}
	if err := s.DB.CreatePendingOrder(c.Request.Context(), order); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	// A standing order is demand for premium samples on its pair.
	if s.Sampler != nil {
		s.Sampler.Track(pair)
	}

	c.JSON(http.StatusCreated, gin.H{"order": order})
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	order, err := s.DB.GetPendingOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NOT_FOUND",
			"error": "order not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	if order.Status != db.OrderPending {
		c.JSON(http.StatusConflict, gin.H{
			"code":  "NOT_CANCELLABLE",
			"error": "order is not pending",
		})
		return
	}

	if err := s.DB.UpdateOrderStatus(ctx, id, db.OrderCancelled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": db.OrderCancelled})
}

func (s *Server) getActiveTrades(c *gin.Context) {
	trades, err := s.DB.ListActiveTrades(c.Request.Context(), c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getClosedTrades(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	trades, err := s.DB.ListClosedTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// closeTrade closes both legs of an active trade on operator request.
func (s *Server) closeTrade(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	trade, err := s.DB.GetActiveTrade(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NOT_FOUND",
			"error": "trade not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	pair, ok := s.pairs[trade.PairID]
	if !ok {
		c.JSON(http.StatusConflict, gin.H{
			"code":  "UNKNOWN_PAIR",
			"error": "trade references a pair no longer configured",
		})
		return
	}

	closePremium := 0.0
	if prem, perr := s.Quotes.PremiumFor(ctx, pair); perr == nil {
		closePremium = prem.For(broker.Direction(trade.Direction))
	}

	profit, results := s.Exec.CloseTrade(ctx, pair, trade)

	failures := 0
	legs := make([]gin.H, 0, len(results))
	for _, r := range results {
		leg := gin.H{"leg": r.Leg, "ticket": r.Ticket, "profit": r.Profit}
		if r.Err != nil {
			failures++
			leg["error"] = r.Err.Error()
		}
		legs = append(legs, leg)
	}
	if failures == len(results) {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "CLOSE_FAILED",
			"error": "neither leg could be closed",
			"legs":  legs,
		})
		return
	}

	closed := db.ClosedTrade{
		TradeID:          trade.ID,
		PairID:           trade.PairID,
		Direction:        trade.Direction,
		Volume:           trade.Future.Volume,
		ExecutionPremium: trade.ExecutionPremium,
		ClosePremium:     closePremium,
		Profit:           profit,
		Reason:           db.CloseReasonManual,
		OpenedAt:         trade.OpenedAt,
		ClosedAt:         time.Now(),
	}
	if err := s.DB.MigrateToClosed(ctx, closed); err != nil && !errors.Is(err, db.ErrAlreadyClosed) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trade":  closed,
		"legs":   legs,
		"profit": profit,
	})
}

func (s *Server) getOrphanLegs(c *gin.Context) {
	legs, err := s.DB.ListOrphanLegs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphan_legs": legs})
}

func (s *Server) getPremium(c *gin.Context) {
	pair, ok := s.pairs[c.Param("pairId")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "UNKNOWN_PAIR",
			"error": "unknown pair id",
		})
		return
	}

	prem, err := s.Quotes.PremiumFor(c.Request.Context(), pair)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "QUOTE_UNAVAILABLE",
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pair_id":      pair.ID,
		"future_bid":   prem.FutureBid,
		"future_ask":   prem.FutureAsk,
		"spot_bid":     prem.SpotBid,
		"spot_ask":     prem.SpotAsk,
		"buy_premium":  prem.Buy(),
		"sell_premium": prem.Sell(),
		"observed_at":  prem.At,
	})
}

func (s *Server) getPremiumHistory(c *gin.Context) {
	pair, ok := s.pairs[c.Param("pairId")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "UNKNOWN_PAIR",
			"error": "unknown pair id",
		})
		return
	}

	limit := queryInt(c, "limit", 300)
	samples, err := s.Series.RecentPremiumSamples(c.Request.Context(), pair.SeriesKey(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pair_id": pair.ID, "samples": samples})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	sessionAges := make(map[string]string)
	if s.Sessions != nil {
		for key, age := range s.Sessions.Snapshot() {
			sessionAges[key] = age.Round(time.Second).String()
		}
	}

	status := gin.H{
		"time":     time.Now().UTC().Format(time.RFC3339),
		"pairs":    len(s.pairs),
		"sessions": sessionAges,
	}
	if s.Breaker != nil {
		status["breaker_failures"] = s.Breaker.Snapshot()
	}
	if s.Sampler != nil {
		status["sampler_units"] = s.Sampler.Status()
	}
	c.JSON(http.StatusOK, status)
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
