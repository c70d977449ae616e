package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"bybit-webhook-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	// All trading here is on linear (USDT-margined) perpetuals.
	categoryLinear = "linear"
)

// ClientInterface defines the interface for the Bybit v5 REST client.
type ClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error)
	SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error
	CreateOrder(ctx context.Context, creds Credentials, params OrderParams) (*OrderResult, error)
	GetClosedPnl(ctx context.Context, creds Credentials, symbol string, start, end time.Time) ([]PnlRecord, error)
}

// Client is a client for the Bybit v5 REST API.
// It implements ClientInterface.
type Client struct {
	client      *resty.Client
	recvWindow  string
	logger      *zap.Logger
	limiter     *rate.Limiter
	instruments *gocache.Cache
}

// ensure Client implements the interface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new Bybit REST API client. Credentials are not held on
// the client: every bot signs with its own api key, so signed calls take
// Credentials explicitly.
func NewClient(cfg *config.Bybit, logger *zap.Logger) *Client {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Bybit Testnet")
	} else {
		url = baseURL
		logger.Info("Using Bybit Production API")
	}

	client := resty.New().SetBaseURL(url)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.InstrumentTTL) * time.Second

	return &Client{
		client:      client,
		recvWindow:  cfg.RecvWindow,
		logger:      logger,
		limiter:     limiter,
		instruments: gocache.New(ttl, 2*ttl),
	}
}

// sign creates a HMAC-SHA256 signature over the canonical Bybit v5 string:
// timestamp + apiKey + recvWindow + (query string or JSON body).
func (c *Client) sign(creds Credentials, timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(creds.Secret))
	h.Write([]byte(timestamp + creds.Key + c.recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest executes a request after waiting for the rate limiter and
// unwraps the Bybit response envelope. Non-zero retCode becomes an
// ExchangeError. No retries: order submission must fail fast.
//
// The envelope is always decoded as JSON regardless of the response
// content type: a proxy serving an HTML error page with a 200 must fail
// loudly, not decode to a zero envelope that reads as success.
func (c *Client) doRequest(ctx context.Context, method, path string, req *resty.Request) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var env envelope
	resp, err := req.SetContext(ctx).
		SetResult(&env).
		ForceContentType("application/json").
		Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
	}
	if env.RetCode != 0 {
		return nil, &ExchangeError{Code: env.RetCode, Message: env.RetMsg}
	}
	return env.Result, nil
}

// signedGet performs an authenticated GET with the given query parameters.
// The request timestamp is fetched from the exchange immediately before
// signing so local clock drift cannot push us outside the recv window.
func (c *Client) signedGet(ctx context.Context, creds Credentials, path string, params url.Values) (json.RawMessage, error) {
	serverTime, err := c.GetServerTime(ctx)
	if err != nil {
		return nil, err
	}
	timestamp := strconv.FormatInt(serverTime, 10)

	query := params.Encode()
	req := c.client.R().
		SetHeader("X-BAPI-API-KEY", creds.Key).
		SetHeader("X-BAPI-SIGN", c.sign(creds, timestamp, query)).
		SetHeader("X-BAPI-TIMESTAMP", timestamp).
		SetHeader("X-BAPI-RECV-WINDOW", c.recvWindow).
		SetQueryString(query)

	return c.doRequest(ctx, "GET", path, req)
}

// signedPost performs an authenticated POST with a JSON body.
func (c *Client) signedPost(ctx context.Context, creds Credentials, path string, body any) (json.RawMessage, error) {
	serverTime, err := c.GetServerTime(ctx)
	if err != nil {
		return nil, err
	}
	timestamp := strconv.FormatInt(serverTime, 10)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req := c.client.R().
		SetHeader("X-BAPI-API-KEY", creds.Key).
		SetHeader("X-BAPI-SIGN", c.sign(creds, timestamp, string(payload))).
		SetHeader("X-BAPI-TIMESTAMP", timestamp).
		SetHeader("X-BAPI-RECV-WINDOW", c.recvWindow).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)

	return c.doRequest(ctx, "POST", path, req)
}

// GetServerTime fetches the exchange's current time in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	result, err := c.doRequest(ctx, "GET", "/v5/market/time", c.client.R())
	if err != nil {
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	var res struct {
		TimeNano string `json:"timeNano"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return 0, fmt.Errorf("failed to parse server time: %w", err)
	}
	nanos, err := strconv.ParseInt(res.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse server time %q: %w", res.TimeNano, err)
	}
	return nanos / int64(time.Millisecond), nil
}

// GetInstrumentInfo fetches the lot constraints for a symbol. Results are
// cached with a TTL since lot rules change rarely.
func (c *Client) GetInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	if cached, ok := c.instruments.Get(symbol); ok {
		return cached.(*InstrumentInfo), nil
	}

	req := c.client.R().
		SetQueryParam("category", categoryLinear).
		SetQueryParam("symbol", symbol)

	result, err := c.doRequest(ctx, "GET", "/v5/market/instruments-info", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument info for %s: %w", symbol, err)
	}

	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("failed to parse instrument info: %w", err)
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("no instrument info returned for symbol %s", symbol)
	}

	minQty, err := strconv.ParseFloat(res.List[0].LotSizeFilter.MinOrderQty, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minOrderQty: %w", err)
	}
	qtyStep, err := strconv.ParseFloat(res.List[0].LotSizeFilter.QtyStep, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qtyStep: %w", err)
	}

	info := &InstrumentInfo{Symbol: symbol, MinQty: minQty, QtyStep: qtyStep}
	c.instruments.Set(symbol, info, gocache.DefaultExpiration)
	return info, nil
}

// SetLeverage sets position leverage for a symbol. Best-effort: the
// "leverage not modified" response counts as success.
func (c *Client) SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error {
	body := map[string]string{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}

	_, err := c.signedPost(ctx, creds, "/v5/position/set-leverage", body)
	if err != nil {
		var exchErr *ExchangeError
		if errors.As(err, &exchErr) && exchErr.Code == retCodeLeverageNotModified {
			return nil
		}
		return fmt.Errorf("failed to set leverage for %s: %w", symbol, err)
	}
	return nil
}

// CreateOrder submits an order. Market orders use IOC, limit orders PostOnly.
// After submission it looks up the actual fill price and fee; that lookup is
// best-effort and the requested price is kept as a fallback on failure.
func (c *Client) CreateOrder(ctx context.Context, creds Credentials, params OrderParams) (*OrderResult, error) {
	body := map[string]string{
		"category":  categoryLinear,
		"symbol":    params.Symbol,
		"side":      params.Side,
		"orderType": params.OrderType,
		"qty":       strconv.FormatFloat(params.Quantity, 'f', -1, 64),
	}

	if params.OrderType == "Limit" {
		body["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
		body["timeInForce"] = "PostOnly"
	} else {
		body["timeInForce"] = "IOC"
	}
	if params.StopLoss > 0 {
		body["stopLoss"] = strconv.FormatFloat(params.StopLoss, 'f', -1, 64)
	}
	if params.TakeProfit > 0 {
		body["takeProfit"] = strconv.FormatFloat(params.TakeProfit, 'f', -1, 64)
	}
	if params.ReduceOnly {
		body["reduceOnly"] = "true"
	}

	result, err := c.signedPost(ctx, creds, "/v5/order/create", body)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", params.Symbol),
			zap.String("side", params.Side),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	var res struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	order := &OrderResult{
		OrderID:       res.OrderID,
		ExecutedPrice: params.Price,
		Status:        "Created",
	}

	// Fill details arrive asynchronously; a failed lookup must not fail the
	// order that already exists at the exchange.
	if err := c.fillExecution(ctx, creds, params.Symbol, order); err != nil {
		c.logger.Warn("Could not fetch execution details, keeping requested price",
			zap.String("order_id", order.OrderID),
			zap.Error(err),
		)
	}

	c.logger.Info("Successfully created order",
		zap.String("order_id", order.OrderID),
		zap.String("symbol", params.Symbol),
		zap.String("side", params.Side),
		zap.Float64("quantity", params.Quantity),
	)
	return order, nil
}

// fillExecution looks up the order in history to learn the average fill
// price and the cumulative execution fee.
func (c *Client) fillExecution(ctx context.Context, creds Credentials, symbol string, order *OrderResult) error {
	params := url.Values{}
	params.Set("category", categoryLinear)
	params.Set("symbol", symbol)
	params.Set("orderId", order.OrderID)

	result, err := c.signedGet(ctx, creds, "/v5/order/history", params)
	if err != nil {
		return err
	}

	var res struct {
		List []struct {
			AvgPrice    string `json:"avgPrice"`
			CumExecFee  string `json:"cumExecFee"`
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return fmt.Errorf("failed to parse order history: %w", err)
	}
	if len(res.List) == 0 {
		return fmt.Errorf("order %s not yet in history", order.OrderID)
	}

	if price, err := strconv.ParseFloat(res.List[0].AvgPrice, 64); err == nil && price > 0 {
		order.ExecutedPrice = price
	}
	if fee, err := strconv.ParseFloat(res.List[0].CumExecFee, 64); err == nil {
		order.Fees = fee
	}
	if res.List[0].OrderStatus != "" {
		order.Status = res.List[0].OrderStatus
	}
	return nil
}

// GetClosedPnl queries historical realized-PnL entries in [start, end].
func (c *Client) GetClosedPnl(ctx context.Context, creds Credentials, symbol string, start, end time.Time) ([]PnlRecord, error) {
	params := url.Values{}
	params.Set("category", categoryLinear)
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", "100")

	result, err := c.signedGet(ctx, creds, "/v5/position/closed-pnl", params)
	if err != nil {
		return nil, fmt.Errorf("failed to get closed pnl for %s: %w", symbol, err)
	}

	var res struct {
		List []struct {
			OrderID       string `json:"orderId"`
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Qty           string `json:"qty"`
			ClosedPnl     string `json:"closedPnl"`
			AvgEntryPrice string `json:"avgEntryPrice"`
			AvgExitPrice  string `json:"avgExitPrice"`
			CreatedTime   string `json:"createdTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("failed to parse closed pnl: %w", err)
	}

	records := make([]PnlRecord, 0, len(res.List))
	for _, entry := range res.List {
		qty, qtyErr := strconv.ParseFloat(entry.Qty, 64)
		pnl, pnlErr := strconv.ParseFloat(entry.ClosedPnl, 64)
		entryPrice, entryErr := strconv.ParseFloat(entry.AvgEntryPrice, 64)
		exitPrice, exitErr := strconv.ParseFloat(entry.AvgExitPrice, 64)
		if qtyErr != nil || pnlErr != nil || entryErr != nil || exitErr != nil {
			// A record with unparseable figures must not enter matching as
			// zeroes: it could win a tier on garbage.
			c.logger.Warn("Skipping malformed closed pnl entry",
				zap.String("symbol", entry.Symbol),
				zap.String("order_id", entry.OrderID),
			)
			continue
		}

		record := PnlRecord{
			OrderID:       entry.OrderID,
			Symbol:        entry.Symbol,
			Side:          entry.Side,
			Quantity:      qty,
			ClosedPnl:     pnl,
			AvgEntryPrice: entryPrice,
			AvgExitPrice:  exitPrice,
		}
		if ms, err := strconv.ParseInt(entry.CreatedTime, 10, 64); err == nil {
			record.CreatedAt = time.UnixMilli(ms)
		}
		records = append(records, record)
	}
	return records, nil
}
