package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or a fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Position is a holding as reported by the broker. The broker owns it;
// nothing in this repo mutates a Position after it has been read.
type Position struct {
	Code            string          `json:"code"`             // Instrument code, e.g. "000001.SZ" or "AAPL"
	Volume          int64           `json:"volume"`           // Total shares held
	AvailableVolume int64           `json:"available_volume"` // Shares sellable today (T+1 settlement)
	OpenPrice       decimal.Decimal `json:"open_price"`       // Average entry price
	OpenDate        time.Time       `json:"open_date"`        // Zero when the broker does not report it
}

// Quote is the latest market view of one instrument.
type Quote struct {
	Code      string          `json:"code"`
	LastPrice decimal.Decimal `json:"last_price"`
	PrevClose decimal.Decimal `json:"prev_close"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    int64           `json:"volume"` // Cumulative session volume
	Time      time.Time       `json:"time"`
}

// Bar is one daily OHLCV candle.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Asset summarises the cash side of the account.
type Asset struct {
	AccountID   string          `json:"account_id"`
	Cash        decimal.Decimal `json:"cash"`
	MarketValue decimal.Decimal `json:"market_value"`
	TotalAsset  decimal.Decimal `json:"total_asset"`
}

// OrderRequest is a limit order handed to the broker gateway.
type OrderRequest struct {
	Code          string          `json:"code"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Volume        int64           `json:"volume"`
	Remark        string          `json:"remark"`
	ClientOrderID string          `json:"client_order_id"`
}

// OrderAck is the broker's synchronous answer to a submission. Fills arrive
// later through a Trade callback.
type OrderAck struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
}

// Trade is a fill reported by the broker.
type Trade struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Code          string          `json:"code"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Volume        int64           `json:"volume"`
	Remark        string          `json:"remark"`
	Time          time.Time       `json:"time"`
	// Final is set on the fill that completes the order.
	Final bool `json:"final"`
}

// OrderError is an asynchronous rejection or cancellation.
type OrderError struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// ExitReason tags why a sell was decided.
type ExitReason string

const (
	ReasonStopLoss         ExitReason = "stop-loss"
	ReasonTakeProfit       ExitReason = "take-profit"
	ReasonProfitProtection ExitReason = "profit-protection"
	ReasonTrendExit        ExitReason = "trend-exit"
	ReasonMABreak          ExitReason = "ma-break"
	ReasonRegressionExit   ExitReason = "regression-exit"
	ReasonRotation         ExitReason = "rotation"
)

// SellIntent is the engine's decision to close a position.
type SellIntent struct {
	Code   string          `json:"code"`
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
	Reason ExitReason      `json:"reason"`
}

// BuyIntent is the buyer's decision to open a position.
type BuyIntent struct {
	Code   string          `json:"code"`
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
}
