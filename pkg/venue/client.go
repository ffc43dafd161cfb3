package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/trader"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	_ trader.Connector       = (*GatewayClient)(nil)
	_ trader.AmountQuantizer = (*GatewayClient)(nil)
)

type ClientConfig struct {
	Venue           models.VenueInfo
	BaseURL         string
	Auth            Authenticator
	RateLimit       float64 // requests per second, 0 = unlimited
	Burst           int
	Timeout         time.Duration
	PricePrecision  int32
	AmountPrecision int32
}

// GatewayClient is the REST adapter for one venue's connector gateway.
type GatewayClient struct {
	info            models.VenueInfo
	baseURL         string
	auth            Authenticator
	httpClient      *http.Client
	limiter         *rate.Limiter
	pricePrecision  int32
	amountPrecision int32
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

func NewGatewayClient(cfg ClientConfig) *GatewayClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	auth := cfg.Auth
	if auth == nil {
		auth = noAuth{}
	}
	pricePrecision := cfg.PricePrecision
	if pricePrecision <= 0 {
		pricePrecision = 8
	}
	amountPrecision := cfg.AmountPrecision
	if amountPrecision <= 0 {
		amountPrecision = 6
	}

	return &GatewayClient{
		info:            cfg.Venue,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		auth:            auth,
		httpClient:      &http.Client{Timeout: timeout},
		limiter:         rate.NewLimiter(limit, burst),
		pricePrecision:  pricePrecision,
		amountPrecision: amountPrecision,
	}
}

func (c *GatewayClient) Info() models.VenueInfo {
	return c.info
}

type marketsResponse struct {
	Markets []struct {
		Base  string `json:"base"`
		Quote string `json:"quote"`
		Type  string `json:"type"`
	} `json:"markets"`
}

// ListTokens returns the base tokens with a perpetual in the venue's quote currency.
func (c *GatewayClient) ListTokens(ctx context.Context) ([]string, error) {
	var resp marketsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/markets", nil, nil, &resp); err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(resp.Markets))
	for _, m := range resp.Markets {
		if m.Type != "" && m.Type != "perpetual" {
			continue
		}
		if !strings.EqualFold(m.Quote, c.info.Quote) {
			continue
		}
		tokens = append(tokens, strings.ToUpper(m.Base))
	}
	return tokens, nil
}

type fundingResponse struct {
	Rate               decimal.Decimal `json:"rate"`
	MarkPrice          decimal.Decimal `json:"mark_price"`
	IndexPrice         decimal.Decimal `json:"index_price"`
	NextFundingTime    int64           `json:"next_funding_time"` // unix ms
	FundingIntervalSec int64           `json:"funding_interval_sec"`
	Timestamp          int64           `json:"timestamp"` // unix ms
}

func (c *GatewayClient) GetFundingSnapshot(ctx context.Context, token string) (*models.FundingSnapshot, error) {
	query := url.Values{"pair": {c.info.TradingPair(token)}}
	var resp fundingResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/funding", query, nil, &resp); err != nil {
		return nil, c.unavailable(err)
	}

	snap := &models.FundingSnapshot{
		Token:           token,
		Venue:           c.info.Name,
		Rate:            resp.Rate.InexactFloat64(),
		FundingInterval: c.info.FundingInterval,
		MarkPrice:       resp.MarkPrice.InexactFloat64(),
		IndexPrice:      resp.IndexPrice.InexactFloat64(),
	}
	if resp.FundingIntervalSec > 0 {
		snap.FundingInterval = time.Duration(resp.FundingIntervalSec) * time.Second
	}
	if resp.NextFundingTime > 0 {
		snap.NextFundingTime = time.UnixMilli(resp.NextFundingTime).UTC()
	}
	if resp.Timestamp > 0 {
		snap.ObservedAt = time.UnixMilli(resp.Timestamp).UTC()
	}
	return snap, nil
}

type balanceResponse struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// GetAvailableBalance returns the unlocked balance of asset.
func (c *GatewayClient) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	var resp balanceResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(asset), nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Available.InexactFloat64(), nil
}

type tickerResponse struct {
	Bid       decimal.Decimal     `json:"bid"`
	Ask       decimal.Decimal     `json:"ask"`
	Last      decimal.Decimal     `json:"last"`
	Volume24h decimal.NullDecimal `json:"volume_24h"`
}

func (c *GatewayClient) ticker(ctx context.Context, pair string) (*tickerResponse, error) {
	var resp tickerResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/ticker", url.Values{"pair": {pair}}, nil, &resp); err != nil {
		return nil, c.unavailable(err)
	}
	return &resp, nil
}

func (c *GatewayClient) GetMidPrice(ctx context.Context, pair string) (float64, error) {
	t, err := c.ticker(ctx, pair)
	if err != nil {
		return 0, err
	}
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2)).InexactFloat64(), nil
	}
	if t.Last.IsPositive() {
		return t.Last.InexactFloat64(), nil
	}
	return 0, fmt.Errorf("%w: no price for %s on %s", trader.ErrDataUnavailable, pair, c.info.Name)
}

func (c *GatewayClient) Get24hVolume(ctx context.Context, pair string) (float64, error) {
	t, err := c.ticker(ctx, pair)
	if err != nil {
		return 0, err
	}
	if !t.Volume24h.Valid {
		return 0, fmt.Errorf("%w: no volume for %s on %s", trader.ErrDataUnavailable, pair, c.info.Name)
	}
	return t.Volume24h.Decimal.InexactFloat64(), nil
}

type openLegBody struct {
	ClientID    string `json:"client_id"`
	Pair        string `json:"pair"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	Amount      string `json:"amount"`
	Price       string `json:"price"`
	Leverage    string `json:"leverage"`
}

type openLegResponse struct {
	PositionID string `json:"position_id"`
}

// QuantizeAmount truncates amount to the precision OpenLeg submits.
func (c *GatewayClient) QuantizeAmount(tradingPair string, amount float64) float64 {
	return decimal.NewFromFloat(amount).Truncate(c.amountPrecision).InexactFloat64()
}

// OpenLeg places a limit order that opens one leg and returns the gateway's
// position id as the leg handle.
func (c *GatewayClient) OpenLeg(ctx context.Context, req models.OpenLegRequest) (string, error) {
	amount := decimal.NewFromFloat(req.Amount).Truncate(c.amountPrecision)
	if !amount.IsPositive() {
		return "", fmt.Errorf("amount %v rounds to zero at %d decimals", req.Amount, c.amountPrecision)
	}
	body := openLegBody{
		ClientID:    req.ClientID,
		Pair:        req.TradingPair,
		Side:        string(req.Side),
		Type:        "limit",
		TimeInForce: "GTC",
		Amount:      amount.String(),
		Price:       decimal.NewFromFloat(req.LimitPrice).Round(c.pricePrecision).String(),
		Leverage:    decimal.NewFromFloat(req.Leverage).Round(2).String(),
	}

	var resp openLegResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/positions", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.PositionID == "" {
		return "", fmt.Errorf("gateway returned empty position id")
	}
	return resp.PositionID, nil
}

// CloseLeg asks the gateway to unwind the leg with a reduce-only order.
func (c *GatewayClient) CloseLeg(ctx context.Context, handle string) error {
	return c.doRequest(ctx, http.MethodDelete, "/v1/positions/"+url.PathEscape(handle), nil, nil, nil)
}

func (c *GatewayClient) unavailable(err error) error {
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", trader.ErrDataUnavailable, err)
	}
	return err
}

func (c *GatewayClient) doRequest(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	signedPath := path
	if len(query) > 0 {
		signedPath += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+signedPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.auth.AddAuthHeaders(req, method, signedPath, string(payload)); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
