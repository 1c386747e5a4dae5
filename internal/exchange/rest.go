// Package exchange implements the market-data and order-execution
// collaborators: a Binance-style REST client for live mode and a paper
// executor for dry runs and tests.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/sizing"
	"crypto-signal-engine/internal/trade"
)

// RestClient talks to a Binance-compatible futures REST API. All calls are
// rate limited and timeout bounded.
type RestClient struct {
	http    *resty.Client
	cfg     config.ExchangeConfig
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewRestClient creates a REST exchange client.
func NewRestClient(cfg config.ExchangeConfig, log zerolog.Logger) *RestClient {
	base := cfg.BaseURL
	if base == "" {
		if cfg.TestNet {
			base = "https://testnet.binancefuture.com"
		} else {
			base = "https://fapi.binance.com"
		}
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)

	return &RestClient{
		http:    client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec),
		log:     log.With().Str("component", "exchange").Logger(),
	}
}

// Klines fetches recent candles for an instrument.
func (c *RestClient) Klines(ctx context.Context, instrument, interval string, limit int) ([]features.Kline, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw [][]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   instrument,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("klines request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("klines request returned %s: %s", resp.Status(), resp.String())
	}

	klines := make([]features.Kline, 0, len(raw))
	for _, row := range raw {
		k, err := parseKlineRow(row)
		if err != nil {
			return nil, err
		}
		klines = append(klines, k)
	}
	return klines, nil
}

type depthResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// OrderBook fetches a depth snapshot.
func (c *RestClient) OrderBook(ctx context.Context, instrument string, depth int) (*features.OrderBook, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw depthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": instrument,
			"limit":  strconv.Itoa(depth),
		}).
		SetResult(&raw).
		Get("/fapi/v1/depth")
	if err != nil {
		return nil, fmt.Errorf("depth request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("depth request returned %s: %s", resp.Status(), resp.String())
	}

	book := &features.OrderBook{}
	for _, lvl := range raw.Bids {
		if pl, ok := parseLevel(lvl); ok {
			book.Bids = append(book.Bids, pl)
		}
	}
	for _, lvl := range raw.Asks {
		if pl, ok := parseLevel(lvl); ok {
			book.Asks = append(book.Asks, pl)
		}
	}
	return book, nil
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Price fetches the latest mark price for an instrument.
func (c *RestClient) Price(ctx context.Context, instrument string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var raw tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", instrument).
		SetResult(&raw).
		Get("/fapi/v1/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("ticker request failed: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("ticker request returned %s: %s", resp.Status(), resp.String())
	}

	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("ticker returned bad price %q: %w", raw.Price, err)
	}
	return price, nil
}

type orderResponse struct {
	OrderID  int64  `json:"orderId"`
	AvgPrice string `json:"avgPrice"`
	Status   string `json:"status"`
}

// SubmitOrder places a signed market order and returns the fill report.
func (c *RestClient) SubmitOrder(ctx context.Context, instrument string, direction trade.Direction, quantity float64, leverage int) (*sizing.ExecutionReport, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	side := "BUY"
	if direction == trade.Short {
		side = "SELL"
	}

	params := map[string]string{
		"symbol":           instrument,
		"side":             side,
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(quantity, 'f', -1, 64),
		"newClientOrderId": newClientOrderID(),
		"timestamp":        strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	params["signature"] = c.sign(params)

	var raw orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&raw).
		Post("/fapi/v1/order")
	if err != nil {
		return nil, fmt.Errorf("order request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("order rejected %s: %s", resp.Status(), resp.String())
	}

	filled, _ := strconv.ParseFloat(raw.AvgPrice, 64)

	c.log.Info().
		Str("instrument", instrument).
		Str("side", side).
		Float64("quantity", quantity).
		Int64("order_id", raw.OrderID).
		Msg("order submitted")

	return &sizing.ExecutionReport{
		OrderID:     strconv.FormatInt(raw.OrderID, 10),
		FilledPrice: filled,
	}, nil
}

// sign computes the HMAC-SHA256 request signature over the query string.
func (c *RestClient) sign(params map[string]string) string {
	// Binance signs the exact serialized query. resty sorts params, so sign
	// the sorted form.
	query := ""
	for _, key := range sortedKeys(params) {
		if query != "" {
			query += "&"
		}
		query += key + "=" + params[key]
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func parseKlineRow(row []interface{}) (features.Kline, error) {
	if len(row) < 6 {
		return features.Kline{}, fmt.Errorf("kline row has %d fields, want 6", len(row))
	}

	openTime, ok := row[0].(float64)
	if !ok {
		return features.Kline{}, fmt.Errorf("kline open time is %T, want number", row[0])
	}

	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		s, ok := row[i].(string)
		if !ok {
			return features.Kline{}, fmt.Errorf("kline field %d is %T, want string", i, row[i])
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return features.Kline{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		vals[i-1] = f
	}

	return features.Kline{
		OpenTime: time.UnixMilli(int64(openTime)),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

func parseLevel(lvl []string) (features.PriceLevel, bool) {
	if len(lvl) < 2 {
		return features.PriceLevel{}, false
	}
	price, err1 := strconv.ParseFloat(lvl[0], 64)
	qty, err2 := strconv.ParseFloat(lvl[1], 64)
	if err1 != nil || err2 != nil {
		return features.PriceLevel{}, false
	}
	return features.PriceLevel{Price: price, Quantity: qty}, true
}

// newClientOrderID returns a unique client order id for audit trails.
func newClientOrderID() string {
	return "cse-" + uuid.New().String()[:18]
}
