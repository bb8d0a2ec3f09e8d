package domain

import (
	"strings"
)

// Side of a bracket order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

// OrderRecord is a locally known open order. It exists in the ledger
// exactly while the remote order is believed to be open.
type OrderRecord struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entryPrice"`
	TakeProfit float64 `json:"takeProfit"`
	StopLoss   float64 `json:"stopLoss"`
	Quantity   float64 `json:"qty,omitempty"`
}

// Account is a point-in-time snapshot; balances change between calls so it
// is never cached.
type Account struct {
	ID            string  `json:"id"`
	AccountNumber string  `json:"accNum"`
	Balance       float64 `json:"accountBalance"`
}

// Instrument is the routing metadata needed to place an order.
type Instrument struct {
	Symbol               string `json:"symbol"`
	TradableInstrumentID int64  `json:"tradableInstrumentId"`
	RouteID              int64  `json:"routeId"`
}
