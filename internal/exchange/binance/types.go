package binance

import "encoding/json"

// executionReport is the user-data stream payload for order changes.
// https://developers.binance.com/docs/binance-spot-api-docs/user-data-stream
type executionReport struct {
	EventType         string `json:"e"`
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	Side              string `json:"S"`
	OrderType         string `json:"o"`
	Quantity          string `json:"q"`
	Price             string `json:"p"`
	ExecutionType     string `json:"x"`
	Status            string `json:"X"`
	OrderID           int64  `json:"i"`
	LastQuantity      string `json:"l"`
	FilledQuantity    string `json:"z"`
	LastPrice         string `json:"L"`
	Commission        string `json:"n"`
	CommissionAsset   string `json:"N"`
	TransactionTime   int64  `json:"T"`
	TradeID           int64  `json:"t"`
	IsMaker           bool   `json:"m"`
	CreateTime        int64  `json:"O"`
	QuoteFilled       string `json:"Z"`
	LastQuoteFilled   string `json:"Y"`
	OrigClientOrderID string `json:"C"`
}

// streamEnvelope peeks at the event type before decoding the full payload.
type streamEnvelope struct {
	EventType string `json:"e"`
}

func decodeEventType(raw []byte) string {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.EventType
}
