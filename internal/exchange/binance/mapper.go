package binance

import (
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// Quote assets tried, longest first, when splitting a native symbol such as "ETHUSDT".
var quoteAssets = []string{
	"FDUSD", "USDT", "USDC", "TUSD", "BUSD", "DAI",
	"BTC", "ETH", "BNB", "EUR", "TRY", "BRL", "GBP", "JPY",
}

// nativeSymbol turns "BTC/USDT" into "BTCUSDT".
func nativeSymbol(symbol string) (string, error) {
	base, quote, err := exchange.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

// splitNative is the inverse of nativeSymbol for symbols whose quote asset is known.
func splitNative(native string) (base, quote string) {
	native = strings.ToUpper(native)
	for _, q := range quoteAssets {
		if strings.HasSuffix(native, q) && len(native) > len(q) {
			return native[:len(native)-len(q)], q
		}
	}
	return native, ""
}

func mapStatus(status string) model.OrderState {
	switch strings.ToUpper(status) {
	case "NEW":
		return model.OrderStateNew
	case "PARTIALLY_FILLED":
		return model.OrderStatePartFilled
	case "FILLED":
		return model.OrderStateFilled
	case "CANCELED":
		return model.OrderStateCancelled
	case "PENDING_CANCEL":
		return model.OrderStateCancelPending
	case "PENDING_NEW":
		return model.OrderStateSubmitted
	case "REJECTED":
		return model.OrderStateRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return model.OrderStateExpired
	default:
		return model.OrderStateUnknown
	}
}

func mapSide(side string) model.Side {
	if strings.EqualFold(side, "SELL") {
		return model.SideSell
	}
	return model.SideBuy
}

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

// unitPrice prefers the average execution price once anything has filled;
// market orders report a zero limit price.
func unitPrice(limit, filled, quoteFilled decimal.Decimal) decimal.Decimal {
	if limit.IsPositive() {
		return limit
	}
	if filled.IsPositive() && quoteFilled.IsPositive() {
		return quoteFilled.Div(filled)
	}
	return limit
}

func toUnifiedOrder(o *gobinance.Order, accountID string) model.UnifiedOrder {
	base, quote := splitNative(o.Symbol)
	amount := dec(o.OrigQuantity)
	filled := dec(o.ExecutedQuantity)
	quoteFilled := dec(o.CummulativeQuoteQuantity)
	price := unitPrice(dec(o.Price), filled, quoteFilled)

	total := quoteFilled
	if !total.IsPositive() {
		total = price.Mul(amount)
	}

	ts := millis(o.UpdateTime)
	if ts.IsZero() {
		ts = millis(o.Time)
	}

	return model.UnifiedOrder{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		AccountID:     accountID,
		Exchange:      Identity,
		BaseAsset:     base,
		QuoteAsset:    quote,
		Type:          string(o.Type),
		Side:          mapSide(string(o.Side)),
		State:         mapStatus(string(o.Status)),
		Price:         price,
		Amount:        amount,
		Filled:        filled,
		Total:         total,
		IsMaker:       string(o.Type) == "LIMIT_MAKER",
		Timestamp:     ts,
	}
}

func toUnifiedTrade(t *gobinance.TradeV3, accountID string) model.UnifiedTrade {
	total := dec(t.QuoteQuantity)
	if !total.IsPositive() {
		total = dec(t.Price).Mul(dec(t.Quantity))
	}
	return model.UnifiedTrade{
		TradeID:       strconv.FormatInt(t.ID, 10),
		OrderID:       strconv.FormatInt(t.OrderID, 10),
		TransactionID: strconv.FormatInt(t.ID, 10),
		AccountID:     accountID,
		Exchange:      Identity,
		Price:         dec(t.Price),
		Quantity:      dec(t.Quantity),
		Total:         total,
		Fee:           dec(t.Commission),
		FeeAsset:      t.CommissionAsset,
		Timestamp:     millis(t.Time),
	}
}

// toUnifiedBalances skips assets with nothing available or locked.
// Binance reports no total, so it is derived as free + locked.
func toUnifiedBalances(acc *gobinance.Account, accountID string, observedAt time.Time) []model.UnifiedBalance {
	out := make([]model.UnifiedBalance, 0, len(acc.Balances))
	for _, b := range acc.Balances {
		free, locked := dec(b.Free), dec(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, model.UnifiedBalance{
			Asset:      b.Asset,
			Name:       b.Asset,
			AccountID:  accountID,
			Exchange:   Identity,
			Available:  free,
			Locked:     locked,
			Total:      free.Add(locked),
			ObservedAt: observedAt,
		})
	}
	return out
}

// fromExecutionReport translates a stream report. The trade is non-nil only
// for executions of type TRADE.
func fromExecutionReport(r *executionReport, accountID string) (model.UnifiedOrder, *model.UnifiedTrade) {
	base, quote := splitNative(r.Symbol)
	amount := dec(r.Quantity)
	filled := dec(r.FilledQuantity)
	quoteFilled := dec(r.QuoteFilled)
	price := unitPrice(dec(r.Price), filled, quoteFilled)

	total := quoteFilled
	if !total.IsPositive() {
		total = price.Mul(amount)
	}

	clientID := r.ClientOrderID
	if r.Status == "CANCELED" && r.OrigClientOrderID != "" {
		clientID = r.OrigClientOrderID
	}

	o := model.UnifiedOrder{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: clientID,
		AccountID:     accountID,
		Exchange:      Identity,
		BaseAsset:     base,
		QuoteAsset:    quote,
		Type:          r.OrderType,
		Side:          mapSide(r.Side),
		State:         mapStatus(r.Status),
		Price:         price,
		Amount:        amount,
		Filled:        filled,
		Total:         total,
		IsMaker:       r.IsMaker,
		IsTaker:       r.ExecutionType == "TRADE" && !r.IsMaker,
		Timestamp:     millis(r.TransactionTime),
	}

	if r.ExecutionType != "TRADE" {
		return o, nil
	}

	lastQty, lastPrice := dec(r.LastQuantity), dec(r.LastPrice)
	lastTotal := dec(r.LastQuoteFilled)
	if !lastTotal.IsPositive() {
		lastTotal = lastPrice.Mul(lastQty)
	}
	return o, &model.UnifiedTrade{
		TradeID:       strconv.FormatInt(r.TradeID, 10),
		OrderID:       o.OrderID,
		TransactionID: strconv.FormatInt(r.TradeID, 10),
		AccountID:     accountID,
		Exchange:      Identity,
		Price:         lastPrice,
		Quantity:      lastQty,
		Total:         lastTotal,
		Fee:           dec(r.Commission),
		FeeAsset:      r.CommissionAsset,
		Timestamp:     millis(r.TransactionTime),
	}
}
