package model

import (
	"time"

	"github.com/shopspring/decimal"
)

//
// ────────────────────────────────────────────────
//   Unified trading model (exchange-agnostic)
// ────────────────────────────────────────────────
//

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState is the normalized lifecycle state of an order.
type OrderState string

const (
	OrderStateUnknown        OrderState = "UNKNOWN"
	OrderStateNew            OrderState = "NEW"
	OrderStateSubmitted      OrderState = "SUBMITTED"
	OrderStateTriggerPending OrderState = "TRIGGER_PENDING"
	OrderStateActive         OrderState = "ACTIVE"
	OrderStateChangePending  OrderState = "CHANGE_PENDING"
	OrderStateCancelPending  OrderState = "CANCEL_PENDING"
	OrderStateCancelled      OrderState = "CANCELLED"
	OrderStateRejected       OrderState = "REJECTED"
	OrderStatePartFilled     OrderState = "PART_FILLED"
	OrderStateFilled         OrderState = "FILLED"
	OrderStateExpired        OrderState = "EXPIRED"
)

// IsTerminal reports whether no further updates are expected for the state.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateCancelled, OrderStateRejected, OrderStateFilled, OrderStateExpired:
		return true
	default:
		return false
	}
}

// UnifiedOrder is a snapshot of an exchange order translated into the unified model.
type UnifiedOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	AccountID     string          `json:"account_id"`
	Exchange      string          `json:"exchange"`
	BaseAsset     string          `json:"base_asset"`
	QuoteAsset    string          `json:"quote_asset"`
	Type          string          `json:"type"`
	Side          Side            `json:"side"`
	State         OrderState      `json:"state"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Total         decimal.Decimal `json:"total"`
	IsMaker       bool            `json:"is_maker"`
	IsTaker       bool            `json:"is_taker"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Symbol returns the order instrument as BASE/QUOTE.
func (o UnifiedOrder) Symbol() string {
	return o.BaseAsset + "/" + o.QuoteAsset
}

// UnifiedTrade is a single execution belonging to an order.
type UnifiedTrade struct {
	TradeID       string          `json:"trade_id"`
	OrderID       string          `json:"order_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	AccountID     string          `json:"account_id"`
	Exchange      string          `json:"exchange"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Total         decimal.Decimal `json:"total"`
	Fee           decimal.Decimal `json:"fee"`
	FeeAsset      string          `json:"fee_asset,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// UnifiedBalance is the holding of one asset on an exchange account.
// Total is passed through as the exchange reports it; it is not reconciled
// against Available+Locked.
type UnifiedBalance struct {
	Asset      string          `json:"asset"`
	Name       string          `json:"name"`
	AccountID  string          `json:"account_id"`
	Exchange   string          `json:"exchange"`
	Available  decimal.Decimal `json:"available"`
	Locked     decimal.Decimal `json:"locked"`
	Total      decimal.Decimal `json:"total"`
	ObservedAt time.Time       `json:"observed_at"`
}
