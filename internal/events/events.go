package events

// Event enumerates high-level topics inside the arbitrage core.
type Event string

const (
	EventPremiumSample Event = "premium.sample"
	EventOrderTrigger  Event = "order.triggered"
	EventOrderExpired  Event = "order.expired"
	EventTradeOpened   Event = "trade.opened"
	EventTradeClosed   Event = "trade.closed"
	EventOrphanLeg     Event = "trade.orphan_leg"
	EventRiskAlert     Event = "risk.alert"
)
