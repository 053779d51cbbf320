package bitget

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/atra-trading/execution-engine/internal/execution"
	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/pkg/keygen"
	"github.com/shopspring/decimal"
)

const (
	bitgetRestURL = "https://api.bitget.com"
	productType   = "USDT-FUTURES"
	marginCoin    = "USDT"

	fillPollInterval = 2 * time.Second
	requestTimeout   = 15 * time.Second
)

// Client is an authenticated Bitget USDT-futures REST client. It implements
// the execution gateway: one client per user credential set.
type Client struct {
	restURL    string
	apiKey     string
	apiSecret  string
	passphrase string
	httpClient *http.Client
}

// NewClient creates a client for one credential set.
func NewClient(apiKey, apiSecret, passphrase string) *Client {
	return &Client{
		restURL:    bitgetRestURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// sign builds the Bitget v2 request signature:
// base64(hmac-sha256(secret, timestamp + method + path + body)).
func (c *Client) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body string
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.restURL+path, reader)
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ACCESS-KEY", c.apiKey)
	req.Header.Set("ACCESS-SIGN", c.sign(timestamp, method, path, body))
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", c.passphrase)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != "00000" {
		return fmt.Errorf("bitget error %s: %s", envelope.Code, envelope.Msg)
	}
	if out != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// FetchTicker returns the current best bid/ask and last price.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*execution.Ticker, error) {
	path := fmt.Sprintf("/api/v2/mix/market/ticker?symbol=%s&productType=%s", symbol, productType)

	var data []struct {
		Symbol string `json:"symbol"`
		Last   string `json:"lastPr"`
		Bid    string `json:"bidPr"`
		Ask    string `json:"askPr"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no ticker data for %s", symbol)
	}

	bid, _ := decimal.NewFromString(data[0].Bid)
	ask, _ := decimal.NewFromString(data[0].Ask)
	last, _ := decimal.NewFromString(data[0].Last)
	return &execution.Ticker{Symbol: symbol, Bid: bid, Ask: ask, Last: last}, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"marginCoin":  marginCoin,
		"leverage":    strconv.Itoa(leverage),
	}
	return c.do(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", payload, nil)
}

func sideString(side models.OrderSide) string {
	if side == models.OrderSideBuy {
		return "buy"
	}
	return "sell"
}

type placedOrder struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOid"`
}

// CreateLimitOrder places a GTC limit order.
func (c *Client) CreateLimitOrder(ctx context.Context, symbol string, side models.OrderSide, quantity, price decimal.Decimal) (*execution.OrderResult, error) {
	payload := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"marginCoin":  marginCoin,
		"marginMode":  "crossed",
		"side":        sideString(side),
		"orderType":   "limit",
		"force":       "gtc",
		"size":        quantity.String(),
		"price":       price.String(),
		"clientOid":   keygen.OrderID(),
	}

	var data placedOrder
	if err := c.do(ctx, http.MethodPost, "/api/v2/mix/order/place-order", payload, &data); err != nil {
		return nil, err
	}
	return &execution.OrderResult{OrderID: data.OrderID, Status: "open", Price: price}, nil
}

// CreateMarketOrder places a market order and fetches the resulting fill.
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side models.OrderSide, quantity decimal.Decimal) (*execution.OrderResult, error) {
	payload := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"marginCoin":  marginCoin,
		"marginMode":  "crossed",
		"side":        sideString(side),
		"orderType":   "market",
		"size":        quantity.String(),
		"clientOid":   keygen.OrderID(),
	}

	var data placedOrder
	if err := c.do(ctx, http.MethodPost, "/api/v2/mix/order/place-order", payload, &data); err != nil {
		return nil, err
	}

	// Market orders fill immediately; read back the fill price.
	detail, err := c.orderDetail(ctx, symbol, data.OrderID)
	if err != nil {
		log.Printf("[BITGET] market order %s placed but detail fetch failed: %v", data.OrderID, err)
		return &execution.OrderResult{OrderID: data.OrderID, Status: "closed", FilledQty: quantity}, nil
	}
	return detail, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"orderId":     orderID,
	}
	return c.do(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", payload, nil)
}

func (c *Client) orderDetail(ctx context.Context, symbol, orderID string) (*execution.OrderResult, error) {
	path := fmt.Sprintf("/api/v2/mix/order/detail?symbol=%s&productType=%s&orderId=%s",
		symbol, productType, orderID)

	var data struct {
		OrderID    string `json:"orderId"`
		State      string `json:"state"`
		Price      string `json:"price"`
		BaseVolume string `json:"baseVolume"`
		PriceAvg   string `json:"priceAvg"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	price, _ := decimal.NewFromString(data.Price)
	filled, _ := decimal.NewFromString(data.BaseVolume)
	avg, _ := decimal.NewFromString(data.PriceAvg)

	status := "open"
	switch data.State {
	case "filled":
		status = "closed"
	case "canceled", "cancelled":
		status = "canceled"
	}

	return &execution.OrderResult{
		OrderID:      data.OrderID,
		Status:       status,
		Price:        price,
		FilledQty:    filled,
		AvgFillPrice: avg,
	}, nil
}

// WaitForFill polls the order until it fills, is cancelled, or the timeout
// lapses. Timing out is not an error: the last observed state is returned.
func (c *Client) WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*execution.OrderResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	var last *execution.OrderResult
	for {
		detail, err := c.orderDetail(ctx, symbol, orderID)
		if err == nil {
			last = detail
			if detail.Status != "open" {
				return detail, nil
			}
		} else {
			log.Printf("[BITGET] poll %s failed: %v", orderID, err)
		}

		if time.Now().After(deadline) {
			if last == nil {
				return nil, fmt.Errorf("order %s: no status observed before timeout", orderID)
			}
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) placeTriggerOrder(ctx context.Context, planType, symbol string, side models.OrderSide, quantity, triggerPrice decimal.Decimal) (*execution.OrderResult, error) {
	holdSide := "long"
	if side == models.OrderSideBuy {
		// A buy exit closes a short.
		holdSide = "short"
	}
	payload := map[string]string{
		"symbol":       symbol,
		"productType":  productType,
		"marginCoin":   marginCoin,
		"planType":     planType,
		"triggerPrice": triggerPrice.String(),
		"triggerType":  "mark_price",
		"holdSide":     holdSide,
		"size":         quantity.String(),
		"clientOid":    keygen.OrderID(),
	}

	var data placedOrder
	if err := c.do(ctx, http.MethodPost, "/api/v2/mix/order/place-tpsl-order", payload, &data); err != nil {
		return nil, err
	}
	return &execution.OrderResult{OrderID: data.OrderID, Status: "open", Price: triggerPrice}, nil
}

// PlaceStopLoss places a stop-loss trigger order closing the position.
func (c *Client) PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, quantity, stopPrice decimal.Decimal) (*execution.OrderResult, error) {
	return c.placeTriggerOrder(ctx, "loss_plan", symbol, side, quantity, stopPrice)
}

// PlaceTakeProfit places a take-profit trigger order closing the position.
func (c *Client) PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, quantity, price decimal.Decimal) (*execution.OrderResult, error) {
	return c.placeTriggerOrder(ctx, "profit_plan", symbol, side, quantity, price)
}

// FetchPositions returns the open positions, optionally filtered by symbol.
func (c *Client) FetchPositions(ctx context.Context, symbol string) ([]execution.ExchangePosition, error) {
	path := fmt.Sprintf("/api/v2/mix/position/all-position?productType=%s&marginCoin=%s", productType, marginCoin)
	if symbol != "" {
		path = fmt.Sprintf("/api/v2/mix/position/single-position?symbol=%s&productType=%s&marginCoin=%s",
			symbol, productType, marginCoin)
	}

	var data []struct {
		Symbol    string `json:"symbol"`
		HoldSide  string `json:"holdSide"`
		Total     string `json:"total"`
		OpenPrice string `json:"openPriceAvg"`
		MarkPrice string `json:"markPrice"`
		Leverage  string `json:"leverage"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	positions := make([]execution.ExchangePosition, 0, len(data))
	for _, p := range data {
		qty, _ := decimal.NewFromString(p.Total)
		if qty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		entry, _ := decimal.NewFromString(p.OpenPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		leverage, _ := strconv.Atoi(p.Leverage)

		side := models.OrderSideBuy
		if p.HoldSide == "short" {
			side = models.OrderSideSell
		}
		positions = append(positions, execution.ExchangePosition{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: entry,
			MarkPrice:  mark,
			Leverage:   leverage,
		})
	}
	return positions, nil
}
