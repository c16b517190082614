package db

import "time"

// Pending order statuses. Filled orders are deleted, not archived, so no
// Filled status is persisted.
const (
	OrderPending   = "PENDING"
	OrderExecuting = "EXECUTING"
	OrderCancelled = "CANCELLED"
	OrderExpired   = "EXPIRED"
	OrderError     = "ERROR"
)

// Active trade statuses.
const (
	TradeActive          = "ACTIVE"
	TradePartiallyFilled = "PARTIALLY_FILLED"
	TradeError           = "ERROR"
)

// Take-profit modes.
const (
	TPModeNone    = "NONE"
	TPModePremium = "PREMIUM"
	TPModeAmount  = "AMOUNT"
)

// Close reasons recorded on closed trades.
const (
	CloseReasonManual     = "MANUAL"
	CloseReasonTakeProfit = "TAKE_PROFIT"
	CloseReasonStopLoss   = "STOP_LOSS"
	CloseReasonExternal   = "EXTERNAL"
	CloseReasonError      = "ERROR"
)

// PendingOrder is a standing target-premium order awaiting a match.
type PendingOrder struct {
	ID            string
	PairID        string
	Direction     string // BUY or SELL
	Volume        float64
	TargetPremium float64
	TakeProfit    float64
	TPMode        string
	StopLoss      float64
	Status        string
	ErrorCount    int
	LastPremium   float64
	CreatedAt     time.Time
	MaxAgeMs      int64
}

// Expired reports whether the order has outlived its maximum age at now.
func (o PendingOrder) Expired(now time.Time) bool {
	return o.MaxAgeMs > 0 && now.Sub(o.CreatedAt) > time.Duration(o.MaxAgeMs)*time.Millisecond
}

// TradeLeg is one side of a paired position.
type TradeLeg struct {
	Venue     string
	Account   string
	Ticket    int64
	Symbol    string
	Direction string
	Volume    float64
	OpenPrice float64
	LatencyMs int64
}

// ActiveTrade is a live two-leg position. Both legs carry ticket numbers;
// a trade is never persisted with a missing leg.
type ActiveTrade struct {
	ID               string
	PairID           string
	Direction        string // direction of the future leg
	Future           TradeLeg
	Spot             TradeLeg
	ExecutionPremium float64
	TakeProfit       float64
	TPMode           string
	StopLoss         float64
	Status           string
	OpenedAt         time.Time
}

// ClosedTrade is the immutable historical projection of an active trade.
type ClosedTrade struct {
	TradeID          string
	PairID           string
	Direction        string
	Volume           float64
	ExecutionPremium float64
	ClosePremium     float64
	Profit           float64
	Reason           string
	OpenedAt         time.Time
	ClosedAt         time.Time
}

// OrphanLeg records a successfully opened leg whose counterpart failed to
// open. Requires manual intervention; never unwound automatically.
type OrphanLeg struct {
	ID        string
	PairID    string
	Venue     string
	Account   string
	Ticket    int64
	Symbol    string
	Direction string
	Volume    float64
	OpenPrice float64
	Cause     string
	CreatedAt time.Time
}

// PairStats holds per-pair execution observability data.
type PairStats struct {
	PairID          string
	FutureLatencyMs int64
	SpotLatencyMs   int64
	UpdatedAt       time.Time
}

// PremiumSample is one premium observation for a tracked pair.
type PremiumSample struct {
	PairKey     string
	Timestamp   time.Time
	FutureBid   float64
	FutureAsk   float64
	SpotBid     float64
	SpotAsk     float64
	BuyPremium  float64
	SellPremium float64
}

// QuoteRow is one persisted bid/ask observation on a venue.
type QuoteRow struct {
	Symbol     string
	Bid        float64
	Ask        float64
	ObservedAt time.Time
}
