package kucoin

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// nanos converts the stream's nanosecond timestamps.
func nanos(ns int64) time.Time {
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func nativeSymbol(symbol string) (string, error) {
	base, quote, err := exchange.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + "-" + quote, nil
}

func splitNative(native string) (base, quote string) {
	base, quote, _ = strings.Cut(strings.ToUpper(native), "-")
	return base, quote
}

func mapSide(side string) model.Side {
	if strings.EqualFold(side, "sell") {
		return model.SideSell
	}
	return model.SideBuy
}

// orderState derives the unified state from the REST activity flags;
// KuCoin has no explicit status field on orders.
func orderState(o *order) model.OrderState {
	dealt := dec(o.DealSize).IsPositive() || dec(o.DealFunds).IsPositive()
	switch {
	case o.IsActive && dealt:
		return model.OrderStatePartFilled
	case o.IsActive:
		return model.OrderStateActive
	case o.CancelExist:
		return model.OrderStateCancelled
	default:
		return model.OrderStateFilled
	}
}

func unitPrice(limit, dealSize, dealFunds decimal.Decimal) decimal.Decimal {
	if limit.IsPositive() {
		return limit
	}
	if dealSize.IsPositive() && dealFunds.IsPositive() {
		return dealFunds.Div(dealSize)
	}
	return limit
}

func toUnifiedOrder(o *order, accountID string) model.UnifiedOrder {
	base, quote := splitNative(o.Symbol)
	dealSize, dealFunds := dec(o.DealSize), dec(o.DealFunds)
	price := unitPrice(dec(o.Price), dealSize, dealFunds)

	amount := dec(o.Size)
	if !amount.IsPositive() {
		amount = dealSize
	}
	total := dealFunds
	if !total.IsPositive() {
		total = price.Mul(amount)
	}

	return model.UnifiedOrder{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOid,
		AccountID:     accountID,
		Exchange:      Identity,
		BaseAsset:     base,
		QuoteAsset:    quote,
		Type:          strings.ToUpper(o.Type),
		Side:          mapSide(o.Side),
		State:         orderState(o),
		Price:         price,
		Amount:        amount,
		Filled:        dealSize,
		Total:         total,
		IsMaker:       o.PostOnly,
		Timestamp:     millis(o.CreatedAt),
	}
}

func toUnifiedTrade(f *fill, accountID string) model.UnifiedTrade {
	total := dec(f.Funds)
	if !total.IsPositive() {
		total = dec(f.Price).Mul(dec(f.Size))
	}
	return model.UnifiedTrade{
		TradeID:       f.TradeID,
		OrderID:       f.OrderID,
		TransactionID: f.CounterOrderID,
		AccountID:     accountID,
		Exchange:      Identity,
		Price:         dec(f.Price),
		Quantity:      dec(f.Size),
		Total:         total,
		Fee:           dec(f.Fee),
		FeeAsset:      f.FeeCurrency,
		Timestamp:     millis(f.CreatedAt),
	}
}

// toUnifiedBalance passes KuCoin's balance through as the total.
func toUnifiedBalance(a *account, accountID string, observedAt time.Time) model.UnifiedBalance {
	return model.UnifiedBalance{
		Asset:      a.Currency,
		Name:       a.Currency,
		AccountID:  accountID,
		Exchange:   Identity,
		Available:  dec(a.Available),
		Locked:     dec(a.Holds),
		Total:      dec(a.Balance),
		ObservedAt: observedAt,
	}
}

// changeState maps an orderChange type to the unified state.
func changeState(c *orderChange) model.OrderState {
	switch c.Type {
	case "received":
		return model.OrderStateNew
	case "open", "update":
		if dec(c.FilledSize).IsPositive() {
			return model.OrderStatePartFilled
		}
		return model.OrderStateActive
	case "match":
		if c.Status == "done" || (c.RemainSize != "" && dec(c.RemainSize).IsZero()) {
			return model.OrderStateFilled
		}
		return model.OrderStatePartFilled
	case "filled":
		return model.OrderStateFilled
	case "canceled":
		return model.OrderStateCancelled
	default:
		return model.OrderStateUnknown
	}
}

// changeAmounts fills in what market orders leave out of a stream event.
// A market buy placed by funds has neither price nor size.
func changeAmounts(c *orderChange) (price, amount, filled, total decimal.Decimal) {
	filled = dec(c.FilledSize)
	price = dec(c.Price)
	if !price.IsPositive() {
		price = dec(c.MatchPrice)
	}

	amount = dec(c.OriginSize)
	if !amount.IsPositive() {
		amount = dec(c.Size)
	}
	if !amount.IsPositive() {
		amount = filled
	}

	total = price.Mul(amount)
	if !total.IsPositive() {
		total = dec(c.OriginFunds)
	}
	if !total.IsPositive() {
		total = dec(c.Funds)
	}
	return price, amount, filled, total
}

// fromOrderChange translates a stream event. The trade is non-nil for match events.
func fromOrderChange(c *orderChange, accountID string) (model.UnifiedOrder, *model.UnifiedTrade) {
	base, quote := splitNative(c.Symbol)
	price, amount, filled, total := changeAmounts(c)

	ts := nanos(c.Ts)
	o := model.UnifiedOrder{
		OrderID:       c.OrderID,
		ClientOrderID: c.ClientOid,
		AccountID:     accountID,
		Exchange:      Identity,
		BaseAsset:     base,
		QuoteAsset:    quote,
		Type:          strings.ToUpper(c.OrderType),
		Side:          mapSide(c.Side),
		State:         changeState(c),
		Price:         price,
		Amount:        amount,
		Filled:        filled,
		Total:         total,
		IsMaker:       c.Liquidity == "maker",
		IsTaker:       c.Liquidity == "taker",
		Timestamp:     ts,
	}

	if c.Type != "match" || c.TradeID == "" {
		return o, nil
	}
	matchPrice, matchSize := dec(c.MatchPrice), dec(c.MatchSize)
	return o, &model.UnifiedTrade{
		TradeID:       c.TradeID,
		OrderID:       c.OrderID,
		TransactionID: c.TradeID,
		AccountID:     accountID,
		Exchange:      Identity,
		Price:         matchPrice,
		Quantity:      matchSize,
		Total:         matchPrice.Mul(matchSize),
		Timestamp:     ts,
	}
}
