// Package broker defines the venue gateway contract shared by both
// integrated trading venues.
package broker

import (
	"context"
	"time"
)

// VenueKind identifies the gateway protocol family of an account.
type VenueKind string

const (
	VenueMT4 VenueKind = "mt4"
	VenueMT5 VenueKind = "mt5"
)

// Direction is the side of a single order leg.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the mirrored direction for the hedging leg.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Credential identifies one tradable account on one venue.
// Immutable once configured.
type Credential struct {
	Venue   VenueKind
	Server  string
	Account string
	Secret  string
}

// Key returns the cache key for this credential.
func (c Credential) Key() string {
	return string(c.Venue) + "|" + c.Server + "|" + c.Account
}

// Quote is one bid/ask observation for an instrument.
type Quote struct {
	Symbol     string
	Bid        float64
	Ask        float64
	ObservedAt time.Time
	FromCache  bool
}

// Endpoint is one candidate network address discovered for a server name.
type Endpoint struct {
	Name   string
	Access []string // host:port
}

// OrderRequest describes a single-leg market order.
type OrderRequest struct {
	Token   string
	Symbol  string
	Side    Direction
	Volume  float64
	Comment string
}

// OrderResult is the venue's acknowledgement of a placed order.
type OrderResult struct {
	Ticket    int64
	OpenPrice float64
}

// CloseRequest closes an open ticket.
type CloseRequest struct {
	Token    string
	Ticket   int64
	Symbol   string
	Volume   float64
	Price    float64
	Slippage int
}

// CloseResult reports the outcome of a close.
type CloseResult struct {
	Profit     float64
	ClosePrice float64
}

// Position is one live open position as reported by the venue.
type Position struct {
	Ticket int64
	Symbol string
	Side   Direction
	Volume float64
	Open   float64
	Profit float64
}

// Gateway abstracts one trading venue bridge. Both venues expose an
// equivalent contract; only order placement conventions differ.
type Gateway interface {
	// ConnectDirect performs a single-round-trip authentication.
	ConnectDirect(ctx context.Context, account, secret, server string) (string, error)
	// DiscoverEndpoints lists candidate access points for a server name.
	// Used only as a fallback when ConnectDirect fails on transport.
	DiscoverEndpoints(ctx context.Context, server string) ([]Endpoint, error)
	// ConnectViaEndpoint authenticates against one discovered host:port.
	ConnectViaEndpoint(ctx context.Context, account, secret, host string, port int) (string, error)

	GetQuote(ctx context.Context, token, symbol string) (Quote, error)
	IsTradeable(ctx context.Context, token, symbol string) (bool, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CloseOrder(ctx context.Context, req CloseRequest) (CloseResult, error)
	ListOpenPositions(ctx context.Context, token string) ([]Position, error)
	ListSymbols(ctx context.Context, token string) ([]string, error)
}

// Registry resolves the gateway client for a venue kind.
type Registry struct {
	gateways map[VenueKind]Gateway
}

// NewRegistry builds a registry over the configured clients.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[VenueKind]Gateway)}
}

// Register binds a gateway client to a venue kind.
func (r *Registry) Register(kind VenueKind, gw Gateway) {
	r.gateways[kind] = gw
}

// For returns the gateway for the given venue kind, or nil.
func (r *Registry) For(kind VenueKind) Gateway {
	return r.gateways[kind]
}

// Venues returns the registered venue kinds.
func (r *Registry) Venues() []VenueKind {
	kinds := make([]VenueKind, 0, len(r.gateways))
	for kind := range r.gateways {
		kinds = append(kinds, kind)
	}
	return kinds
}
