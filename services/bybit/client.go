package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venued/venued/pkg/types"
)

const (
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	apiVersion = "v5"
	recvWindow = "5000"
)

// Client trades spot on Bybit through the v5 REST API. There is no
// maintained official Go SDK, so requests are signed and sent directly.
type Client struct {
	name      string
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	log       *logrus.Entry
}

// New builds a Bybit spot client. Keys are required even for market
// data because balance probes hit signed endpoints.
func New(apiKey, apiSecret string, testnet bool, log *logrus.Entry) (*Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("bybit: api credentials are required")
	}
	baseURL := mainnetBaseURL
	if testnet {
		baseURL = testnetBaseURL
	}
	return &Client{
		name:      "bybit",
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log.WithField("venue", "bybit"),
	}, nil
}

func (c *Client) Name() string { return c.name }

// FetchTicker reduces the v5 ticker row to top of book plus last trade.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	params := url.Values{}
	params.Set("category", categorySpot)
	params.Set("symbol", symbol)

	var result tickersResult
	if err := c.get(ctx, "/market/tickers", params, false, &result); err != nil {
		return nil, c.classify(types.OpTicker, err)
	}
	if len(result.List) == 0 {
		return nil, types.NewVenueError(c.name, types.OpTicker, types.ErrVenueRejected,
			fmt.Errorf("no ticker returned for %s", symbol))
	}

	row := result.List[0]
	return &types.Ticker{
		Venue:      c.name,
		Symbol:     symbol,
		Bid:        dec(row.Bid1Price),
		Ask:        dec(row.Ask1Price),
		Last:       dec(row.LastPrice),
		UpdateTime: time.Now().UTC(),
	}, nil
}

// FetchOrderBook returns up to depth levels per side, best first.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	if depth <= 0 || depth > 200 {
		depth = 50
	}
	params := url.Values{}
	params.Set("category", categorySpot)
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depth))

	var result orderbookResult
	if err := c.get(ctx, "/market/orderbook", params, false, &result); err != nil {
		return nil, c.classify(types.OpOrderBook, err)
	}

	return &types.OrderBook{
		Venue:      c.name,
		Symbol:     symbol,
		Bids:       parseLevels(result.Bids),
		Asks:       parseLevels(result.Asks),
		UpdateTime: time.UnixMilli(result.Ts),
	}, nil
}

// FetchBalance returns the non-zero spot wallet balances.
func (c *Client) FetchBalance(ctx context.Context) ([]types.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "SPOT")

	var result walletResult
	if err := c.get(ctx, "/account/wallet-balance", params, true, &result); err != nil {
		return nil, c.classify(types.OpBalance, err)
	}

	var balances []types.Balance
	for _, account := range result.List {
		for _, coin := range account.Coin {
			free := dec(coin.Free)
			locked := dec(coin.Locked)
			if free.IsZero() && locked.IsZero() {
				continue
			}
			balances = append(balances, types.Balance{Asset: coin.Coin, Free: free, Locked: locked})
		}
	}
	return balances, nil
}

// CreateOrder places a spot order. The acknowledgement carries only the
// order ids, so the returned order echoes the request marked as new.
func (c *Client) CreateOrder(ctx context.Context, req *types.OrderRequest) (*types.Order, error) {
	body := createParams{
		Category:    categorySpot,
		Symbol:      req.Symbol,
		Side:        sideToWire(req.Side),
		OrderType:   typeToWire(req.Type),
		Qty:         req.Quantity.String(),
		OrderLinkID: req.ClientOrderID,
	}
	if req.Type == types.OrderTypeLimit {
		body.Price = req.Price.String()
		body.TimeInForce = timeInForceGTC
	}

	var result createResult
	if err := c.post(ctx, "/order/create", body, &result); err != nil {
		return nil, c.classify(types.OpCreateOrder, err)
	}

	order := &types.Order{
		Venue:         c.name,
		OrderID:       result.OrderID,
		ClientOrderID: result.OrderLinkID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        types.OrderStatusNew,
		CreatedAt:     time.Now().UTC(),
	}
	c.log.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"side":     order.Side,
		"order_id": order.OrderID,
	}).Info("order placed")
	return order, nil
}

// Close releases nothing; the REST client keeps no open connections.
func (c *Client) Close() error { return nil }

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, signed bool, result interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, params.Encode(), nil, signed, result)
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, "", payload, true, result)
}

// do sends one request and decodes the retCode envelope. Signed calls
// carry the X-BAPI headers; the signature covers timestamp, key, recv
// window and the query string or body.
func (c *Client) do(ctx context.Context, method, endpoint, query string, body []byte, signed bool, result interface{}) error {
	fullURL := fmt.Sprintf("%s/%s%s", c.baseURL, apiVersion, endpoint)
	if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		payload := query
		if method != http.MethodGet {
			payload = string(body)
		}
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
		req.Header.Set("X-BAPI-SIGN", c.sign(ts+c.apiKey+recvWindow+payload))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var base baseResponse
	if err := json.Unmarshal(respBody, &base); err != nil {
		return fmt.Errorf("parse response (%s): %w", resp.Status, err)
	}
	if base.RetCode != 0 {
		return &apiError{Code: base.RetCode, Message: base.RetMsg}
	}
	if result != nil && len(base.Result) > 0 {
		if err := json.Unmarshal(base.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// classify maps venue retCodes onto coordinator error kinds so callers
// can tell an auth failure from a throttle or a bad order.
func (c *Client) classify(op string, err error) error {
	var venueErr *apiError
	if errors.As(err, &venueErr) {
		return types.NewVenueError(c.name, op, kindForRetCode(venueErr.Code), err)
	}
	return types.Classify(c.name, op, err)
}

func kindForRetCode(code int) types.ErrorKind {
	switch code {
	case 10003, 10004, 10005:
		return types.ErrUnauthorized
	case 10006, 10018:
		return types.ErrRateLimited
	case 10001:
		return types.ErrVenueRejected
	}
	// Order-level rejections live in the 110xxx block.
	if code >= 110000 && code < 120000 {
		return types.ErrVenueRejected
	}
	return types.ErrUnknown
}

func sideToWire(side types.OrderSide) string {
	if side == types.OrderSideSell {
		return sideSell
	}
	return sideBuy
}

func typeToWire(t types.OrderType) string {
	if t == types.OrderTypeLimit {
		return orderTypeLimit
	}
	return orderTypeMarket
}
