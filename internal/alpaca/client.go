// Package alpaca is the concrete Broker implementation talking to the
// Alpaca Markets trading and market-data APIs. It is an external
// collaborator: everything the engine core needs from it is
// expressed through broker.Broker, so this package only has to satisfy
// that interface and never leaks Alpaca-specific types upward.
package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/go-resty/resty/v2"
	"github.com/relvacode/iso8601"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultTradingBaseURL = "https://paper-api.alpaca.markets"
	defaultDataBaseURL    = "https://data.alpaca.markets"
)

// Client implements broker.Broker against the Alpaca REST API using resty,
// configured once with auth headers and a retry-on-5xx policy.
type Client struct {
	trading *resty.Client
	data    *resty.Client
	logger  *logrus.Entry
}

// Config configures the Alpaca client.
type Config struct {
	APIKey          string
	SecretKey       string
	TradingBaseURL  string
	DataBaseURL     string
	Timeout         time.Duration
	MaxRetries      int
	RetryWait       time.Duration
	RetryMaxWait    time.Duration
}

// NewClient builds an Alpaca client. TradingBaseURL must already reflect
// paper vs live (the caller, internal/config, decides that).
func NewClient(cfg Config, logger *logrus.Entry) *Client {
	if cfg.TradingBaseURL == "" {
		cfg.TradingBaseURL = defaultTradingBaseURL
	}
	if cfg.DataBaseURL == "" {
		cfg.DataBaseURL = defaultDataBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	build := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetRetryCount(cfg.MaxRetries).
			SetRetryWaitTime(cfg.RetryWait).
			SetRetryMaxWaitTime(cfg.RetryMaxWait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= http.StatusInternalServerError
			}).
			SetHeader("APCA-API-KEY-ID", cfg.APIKey).
			SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		trading: build(cfg.TradingBaseURL),
		data:    build(cfg.DataBaseURL),
		logger:  logger.WithField("component", "alpaca_client"),
	}
}

// apiError wraps a non-2xx Alpaca response. broker.IsFatal/IsTransient
// classify it by substring, so the message text matters: Alpaca's error
// body commonly contains "invalid", "unauthorized", or "forbidden" for
// fatal cases, and the surrounding text carries "timeout"/"5xx" wording
// for transient ones.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("alpaca: status %d: %s", e.status, e.body)
}

func checkStatus(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return &apiError{status: resp.StatusCode(), body: strings.TrimSpace(resp.String())}
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return iso8601.ParseString(raw)
}

type clockResponse struct {
	Timestamp string `json:"timestamp"`
	IsOpen    bool   `json:"is_open"`
	NextOpen  string `json:"next_open"`
	NextClose string `json:"next_close"`
}

// GetClock implements broker.Broker.
func (c *Client) GetClock(ctx context.Context) (*broker.Clock, error) {
	var out clockResponse
	resp, err := c.trading.R().SetContext(ctx).SetResult(&out).Get("/v2/clock")
	if err != nil {
		return nil, fmt.Errorf("get clock: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	ts, _ := parseTime(out.Timestamp)
	nextOpen, _ := parseTime(out.NextOpen)
	nextClose, _ := parseTime(out.NextClose)
	return &broker.Clock{
		IsOpen:    out.IsOpen,
		NextOpen:  nextOpen,
		NextClose: nextClose,
		Timestamp: ts,
	}, nil
}

type accountResponse struct {
	Equity         decimal.Decimal `json:"equity"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Cash           decimal.Decimal `json:"cash"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
}

// GetAccount implements broker.Broker.
func (c *Client) GetAccount(ctx context.Context) (*broker.Account, error) {
	var out accountResponse
	resp, err := c.trading.R().SetContext(ctx).SetResult(&out).Get("/v2/account")
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return &broker.Account{
		Equity:         out.Equity,
		BuyingPower:    out.BuyingPower,
		Cash:           out.Cash,
		PortfolioValue: out.PortfolioValue,
	}, nil
}

type positionResponse struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
}

// GetPositions implements broker.Broker.
func (c *Client) GetPositions(ctx context.Context) ([]broker.PositionItem, error) {
	var out []positionResponse
	resp, err := c.trading.R().SetContext(ctx).SetResult(&out).Get("/v2/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	result := make([]broker.PositionItem, 0, len(out))
	for _, p := range out {
		result = append(result, broker.PositionItem{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
			CurrentPrice:  p.CurrentPrice,
		})
	}
	return result, nil
}

type orderResponse struct {
	ID             string           `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Qty            decimal.Decimal  `json:"qty"`
	Status         string           `json:"status"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price"`
	CreatedAt      string           `json:"created_at"`
}

func (o orderResponse) toOrder() broker.Order {
	createdAt, _ := parseTime(o.CreatedAt)
	return broker.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Qty:            o.Qty,
		Status:         o.Status,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		CreatedAt:      createdAt,
	}
}

// GetOpenOrders implements broker.Broker.
func (c *Client) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	var out []orderResponse
	resp, err := c.trading.R().SetContext(ctx).SetResult(&out).
		SetQueryParam("status", "open").Get("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	result := make([]broker.Order, 0, len(out))
	for _, o := range out {
		result = append(result, o.toOrder())
	}
	return result, nil
}

// GetOrder implements broker.Broker.
func (c *Client) GetOrder(ctx context.Context, id string) (*broker.Order, error) {
	var out orderResponse
	resp, err := c.trading.R().SetContext(ctx).SetResult(&out).Get("/v2/orders/" + id)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	result := out.toOrder()
	return &result, nil
}

type submitOrderRequest struct {
	Symbol        string  `json:"symbol"`
	Qty           string  `json:"qty"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	TimeInForce   string  `json:"time_in_force"`
	LimitPrice    *string `json:"limit_price,omitempty"`
	ClientOrderID string  `json:"client_order_id"`
}

// SubmitOrder implements broker.Broker.
func (c *Client) SubmitOrder(ctx context.Context, symbol, side string, qty decimal.Decimal, clientOrderID string,
	orderType broker.OrderType, limitPrice *decimal.Decimal, tif broker.TimeInForce) (*broker.Order, error) {
	body := submitOrderRequest{
		Symbol:        symbol,
		Qty:           qty.String(),
		Side:          side,
		Type:          string(orderType),
		TimeInForce:   string(tif),
		ClientOrderID: clientOrderID,
	}
	if limitPrice != nil {
		s := limitPrice.String()
		body.LimitPrice = &s
	}

	var out orderResponse
	resp, err := c.trading.R().SetContext(ctx).SetBody(body).SetResult(&out).Post("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("submit order %s: %w", clientOrderID, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	result := out.toOrder()
	return &result, nil
}

// CancelOrder implements broker.Broker.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	resp, err := c.trading.R().SetContext(ctx).Delete("/v2/orders/" + id)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	return checkStatus(resp)
}

type barResponse struct {
	Timestamp  string           `json:"t"`
	Open       decimal.Decimal  `json:"o"`
	High       decimal.Decimal  `json:"h"`
	Low        decimal.Decimal  `json:"l"`
	Close      decimal.Decimal  `json:"c"`
	Volume     decimal.Decimal  `json:"v"`
	TradeCount *int64           `json:"n"`
	VWAP       *decimal.Decimal `json:"vw"`
}

type barsResponse struct {
	Bars          map[string][]barResponse `json:"bars"`
	NextPageToken *string                  `json:"next_page_token"`
}

// isCrypto reports whether symbol looks like a crypto pair (e.g. "BTC/USD"),
// which is routed to the v1beta3/crypto bars endpoint instead of v2/stocks.
func isCrypto(symbol string) bool {
	return strings.Contains(symbol, "/")
}

// GetBars implements broker.Broker. Equities and crypto symbols are
// partitioned and fetched against their respective endpoints, then merged.
func (c *Client) GetBars(ctx context.Context, symbols []string, timeframe string, start, end time.Time,
	limit int, feed broker.Feed) (map[string][]broker.Bar, error) {
	var equities, crypto []string
	for _, s := range symbols {
		if isCrypto(s) {
			crypto = append(crypto, s)
		} else {
			equities = append(equities, s)
		}
	}

	result := make(map[string][]broker.Bar)
	if len(equities) > 0 {
		bars, err := c.fetchBars(ctx, "/v2/stocks/bars", equities, timeframe, start, end, limit, string(feed))
		if err != nil {
			return nil, err
		}
		for k, v := range bars {
			result[k] = v
		}
	}
	if len(crypto) > 0 {
		bars, err := c.fetchBars(ctx, "/v1beta3/crypto/us/bars", crypto, timeframe, start, end, limit, "")
		if err != nil {
			return nil, err
		}
		for k, v := range bars {
			result[k] = v
		}
	}
	return result, nil
}

func (c *Client) fetchBars(ctx context.Context, path string, symbols []string, timeframe string,
	start, end time.Time, limit int, feed string) (map[string][]broker.Bar, error) {
	req := c.data.R().SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetQueryParam("timeframe", timeframe).
		SetQueryParam("start", start.UTC().Format(time.RFC3339)).
		SetQueryParam("end", end.UTC().Format(time.RFC3339)).
		SetQueryParam("limit", fmt.Sprintf("%d", limit))
	if feed != "" {
		req = req.SetQueryParam("feed", feed)
	}

	var out barsResponse
	resp, err := req.SetResult(&out).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get bars: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	result := make(map[string][]broker.Bar, len(out.Bars))
	for symbol, bars := range out.Bars {
		converted := make([]broker.Bar, 0, len(bars))
		for _, b := range bars {
			ts, _ := parseTime(b.Timestamp)
			converted = append(converted, broker.Bar{
				Timestamp:  ts,
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     b.Volume,
				TradeCount: b.TradeCount,
				VWAP:       b.VWAP,
			})
		}
		result[symbol] = converted
	}
	return result, nil
}

type snapshotResponse struct {
	LatestQuote struct {
		BidPrice *decimal.Decimal `json:"bp"`
		AskPrice *decimal.Decimal `json:"ap"`
	} `json:"latestQuote"`
	LatestTrade struct {
		Price *decimal.Decimal `json:"p"`
	} `json:"latestTrade"`
	DailyBar struct {
		TradeCount *int64 `json:"n"`
	} `json:"dailyBar"`
}

// GetSnapshot implements broker.Broker.
func (c *Client) GetSnapshot(ctx context.Context, symbol string) (*broker.Snapshot, error) {
	path := "/v2/stocks/" + symbol + "/snapshot"
	if isCrypto(symbol) {
		path = "/v1beta3/crypto/us/" + strings.ReplaceAll(symbol, "/", "%2F") + "/snapshot"
	}
	var out snapshotResponse
	resp, err := c.data.R().SetContext(ctx).SetResult(&out).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", symbol, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return &broker.Snapshot{
		Symbol:     symbol,
		Bid:        out.LatestQuote.BidPrice,
		Ask:        out.LatestQuote.AskPrice,
		LastPrice:  out.LatestTrade.Price,
		TradeCount: out.DailyBar.TradeCount,
	}, nil
}

type assetResponse struct {
	Symbol   string `json:"symbol"`
	Tradable bool   `json:"tradable"`
	Class    string `json:"class"`
}

// GetAsset implements broker.Broker.
func (c *Client) GetAsset(ctx context.Context, symbol string) (*broker.Asset, error) {
	var out assetResponse
	resp, err := c.trading.R().SetContext(ctx).SetResult(&out).Get("/v2/assets/" + symbol)
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", symbol, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return &broker.Asset{
		Symbol:   out.Symbol,
		Tradable: out.Tradable,
		Class:    out.Class,
	}, nil
}

type watchlistResponse struct {
	Name   string `json:"name"`
	Assets []struct {
		Symbol string `json:"symbol"`
	} `json:"assets"`
}

// GetWatchlist implements broker.Broker, resolving a watchlist by name via
// the by-name endpoint.
func (c *Client) GetWatchlist(ctx context.Context, name string) ([]string, error) {
	var out watchlistResponse
	resp, err := c.trading.R().SetContext(ctx).SetResult(&out).
		Get("/v2/watchlists:by_name?name=" + name)
	if err != nil {
		return nil, fmt.Errorf("get watchlist %s: %w", name, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(out.Assets))
	for _, a := range out.Assets {
		symbols = append(symbols, a.Symbol)
	}
	return symbols, nil
}

var _ broker.Broker = (*Client)(nil)
