package bybit

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/venued/venued/pkg/types"
)

// Wire values the v5 API expects.
const (
	categorySpot = "spot"

	sideBuy  = "Buy"
	sideSell = "Sell"

	orderTypeMarket = "Market"
	orderTypeLimit  = "Limit"

	timeInForceGTC = "GTC"
)

// baseResponse is the envelope every v5 endpoint answers with.
type baseResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// apiError is a non-zero retCode from the venue.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bybit api error %d: %s", e.Code, e.Message)
}

// orderbookResult is the GET /v5/market/orderbook payload.
type orderbookResult struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	Ts       int64      `json:"ts"`
	UpdateID int64      `json:"u"`
}

// tickersResult is the GET /v5/market/tickers payload.
type tickersResult struct {
	Category string      `json:"category"`
	List     []tickerRow `json:"list"`
}

type tickerRow struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

// walletResult is the GET /v5/account/wallet-balance payload.
type walletResult struct {
	List []walletAccount `json:"list"`
}

type walletAccount struct {
	AccountType string       `json:"accountType"`
	Coin        []walletCoin `json:"coin"`
}

type walletCoin struct {
	Coin   string `json:"coin"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
	Total  string `json:"total"`
}

// createParams is the POST /v5/order/create body.
type createParams struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

// createResult is the POST /v5/order/create acknowledgement.
type createResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// parseLevels converts [price, quantity] rows into price levels. Short
// or unparsable rows are dropped rather than failing the snapshot.
func parseLevels(rows [][]string) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(row[1])
		if err != nil {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Quantity: qty})
	}
	return levels
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
