// Package mt5 implements the broker.Gateway contract against an MT5-style
// venue bridge. MT5 order placement carries no price; a wide slippage
// sentinel tells the bridge to fill at market.
package mt5

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"arb-core/pkg/broker"
)

// marketSlippage is the sentinel the MT5 bridge interprets as "any price".
const marketSlippage = 1000

// Config holds connection settings for one venue bridge.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Breaker short-circuits calls to an unhealthy dependency.
type Breaker interface {
	Allow(key string) error
	Success(key string)
	Failure(key string)
}

// Client is an MT5 bridge client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    Breaker
	breakerKey string
}

// New creates an MT5 bridge client.
func New(cfg Config, breaker Breaker) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		breakerKey: "mt5:" + cfg.BaseURL,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}
	return c
}

func (c *Client) ConnectDirect(ctx context.Context, account, secret, server string) (string, error) {
	params := url.Values{}
	params.Set("user", account)
	params.Set("password", secret)
	params.Set("server", server)

	var token string
	if err := c.call(ctx, "connect", params, &token); err != nil {
		return "", err
	}
	return token, nil
}

func (c *Client) DiscoverEndpoints(ctx context.Context, server string) ([]broker.Endpoint, error) {
	params := url.Values{}
	params.Set("company", server)

	var eps []broker.Endpoint
	if err := c.call(ctx, "search", params, &eps); err != nil {
		return nil, err
	}
	return eps, nil
}

func (c *Client) ConnectViaEndpoint(ctx context.Context, account, secret, host string, port int) (string, error) {
	params := url.Values{}
	params.Set("user", account)
	params.Set("password", secret)
	params.Set("host", host)
	params.Set("port", strconv.Itoa(port))

	var token string
	if err := c.call(ctx, "connectvia", params, &token); err != nil {
		return "", err
	}
	return token, nil
}

type quoteResponse struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Time int64   `json:"time"`
}

func (c *Client) GetQuote(ctx context.Context, token, symbol string) (broker.Quote, error) {
	params := url.Values{}
	params.Set("id", token)
	params.Set("symbol", symbol)

	var resp quoteResponse
	if err := c.call(ctx, "getquote", params, &resp); err != nil {
		return broker.Quote{}, err
	}
	return broker.Quote{
		Symbol:     symbol,
		Bid:        resp.Bid,
		Ask:        resp.Ask,
		ObservedAt: time.Now(),
	}, nil
}

func (c *Client) IsTradeable(ctx context.Context, token, symbol string) (bool, error) {
	params := url.Values{}
	params.Set("id", token)
	params.Set("symbol", symbol)

	var tradeable bool
	if err := c.call(ctx, "istradesession", params, &tradeable); err != nil {
		return false, err
	}
	return tradeable, nil
}

type orderResponse struct {
	Ticket    int64   `json:"ticket"`
	OpenPrice float64 `json:"openPrice"`
}

func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	params := url.Values{}
	params.Set("id", req.Token)
	params.Set("symbol", req.Symbol)
	params.Set("operation", operationName(req.Side))
	params.Set("volume", formatFloat(req.Volume))
	params.Set("slippage", strconv.Itoa(marketSlippage))
	if req.Comment != "" {
		params.Set("comment", req.Comment)
	}

	var resp orderResponse
	if err := c.call(ctx, "ordersend", params, &resp); err != nil {
		return broker.OrderResult{}, err
	}
	return broker.OrderResult{Ticket: resp.Ticket, OpenPrice: resp.OpenPrice}, nil
}

type closeResponse struct {
	Profit     float64 `json:"profit"`
	ClosePrice float64 `json:"closePrice"`
}

func (c *Client) CloseOrder(ctx context.Context, req broker.CloseRequest) (broker.CloseResult, error) {
	params := url.Values{}
	params.Set("id", req.Token)
	params.Set("ticket", strconv.FormatInt(req.Ticket, 10))
	params.Set("volume", formatFloat(req.Volume))
	params.Set("price", formatFloat(req.Price))
	params.Set("slippage", strconv.Itoa(req.Slippage))

	var resp closeResponse
	if err := c.call(ctx, "orderclose", params, &resp); err != nil {
		return broker.CloseResult{}, err
	}
	return broker.CloseResult{Profit: resp.Profit, ClosePrice: resp.ClosePrice}, nil
}

type positionResponse struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Volume    float64 `json:"volume"`
	OpenPrice float64 `json:"openPrice"`
	Profit    float64 `json:"profit"`
}

func (c *Client) ListOpenPositions(ctx context.Context, token string) ([]broker.Position, error) {
	params := url.Values{}
	params.Set("id", token)

	var resp []positionResponse
	if err := c.call(ctx, "openedorders", params, &resp); err != nil {
		return nil, err
	}
	positions := make([]broker.Position, 0, len(resp))
	for _, p := range resp {
		side := broker.Buy
		if p.Type == "Sell" {
			side = broker.Sell
		}
		positions = append(positions, broker.Position{
			Ticket: p.Ticket,
			Symbol: p.Symbol,
			Side:   side,
			Volume: p.Volume,
			Open:   p.OpenPrice,
			Profit: p.Profit,
		})
	}
	return positions, nil
}

func (c *Client) ListSymbols(ctx context.Context, token string) ([]string, error) {
	params := url.Values{}
	params.Set("id", token)

	var symbols []string
	if err := c.call(ctx, "symbols", params, &symbols); err != nil {
		return nil, err
	}
	return symbols, nil
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.breaker != nil {
		if err := c.breaker.Allow(c.breakerKey); err != nil {
			return err
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	reqURL := c.cfg.BaseURL + "/" + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return &broker.TransportError{Venue: broker.VenueMT5, Op: endpoint, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		c.recordFailure()
		return &broker.TransportError{Venue: broker.VenueMT5, Op: endpoint, Err: err}
	}

	if res.StatusCode >= 300 {
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Message != "" {
			if broker.IsCredentialRejection(er.Message) {
				c.recordSuccess()
				return &broker.AuthError{Venue: broker.VenueMT5, Reason: er.Message}
			}
			c.recordSuccess()
			return &broker.BusinessError{Venue: broker.VenueMT5, Op: endpoint, Code: er.Code, Message: er.Message}
		}
		c.recordFailure()
		return &broker.TransportError{Venue: broker.VenueMT5, Op: endpoint,
			Err: fmt.Errorf("status %d: %s", res.StatusCode, string(body))}
	}

	c.recordSuccess()
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("mt5 %s: decode response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.Failure(c.breakerKey)
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.Success(c.breakerKey)
	}
}

func operationName(side broker.Direction) string {
	if side == broker.Sell {
		return "Sell"
	}
	return "Buy"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
