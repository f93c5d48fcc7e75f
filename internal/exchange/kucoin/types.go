package kucoin

// The types below mirror the KuCoin wire format. SDK responses are decoded
// into them by JSON tag, so the mapper only ever sees venue field names.

// paged is the envelope of paginated list endpoints.
type paged[T any] struct {
	CurrentPage int `json:"currentPage"`
	PageSize    int `json:"pageSize"`
	TotalNum    int `json:"totalNum"`
	TotalPage   int `json:"totalPage"`
	Items       []T `json:"items"`
}

type order struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	OpType      string `json:"opType"`
	Type        string `json:"type"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Funds       string `json:"funds"`
	DealFunds   string `json:"dealFunds"`
	DealSize    string `json:"dealSize"`
	Fee         string `json:"fee"`
	FeeCurrency string `json:"feeCurrency"`
	TimeInForce string `json:"timeInForce"`
	PostOnly    bool   `json:"postOnly"`
	CancelExist bool   `json:"cancelExist"`
	CreatedAt   int64  `json:"createdAt"`
	ClientOid   string `json:"clientOid"`
	IsActive    bool   `json:"isActive"`
	TradeType   string `json:"tradeType"`
}

type fill struct {
	Symbol         string `json:"symbol"`
	TradeID        string `json:"tradeId"`
	OrderID        string `json:"orderId"`
	CounterOrderID string `json:"counterOrderId"`
	Side           string `json:"side"`
	Liquidity      string `json:"liquidity"`
	Price          string `json:"price"`
	Size           string `json:"size"`
	Funds          string `json:"funds"`
	Fee            string `json:"fee"`
	FeeCurrency    string `json:"feeCurrency"`
	Type           string `json:"type"`
	CreatedAt      int64  `json:"createdAt"`
}

type account struct {
	ID        string `json:"id"`
	Currency  string `json:"currency"`
	Type      string `json:"type"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Holds     string `json:"holds"`
}

// orderChange is the payload of /spotMarket/tradeOrdersV2.
// Market orders carry no price; market buys placed by funds carry no size.
type orderChange struct {
	Symbol       string `json:"symbol"`
	OrderType    string `json:"orderType"`
	Side         string `json:"side"`
	OrderID      string `json:"orderId"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	ClientOid    string `json:"clientOid"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	FilledSize   string `json:"filledSize"`
	RemainSize   string `json:"remainSize"`
	CanceledSize string `json:"canceledSize"`
	OriginSize   string `json:"originSize"`
	OriginFunds  string `json:"originFunds"`
	RemainFunds  string `json:"remainFunds"`
	Funds        string `json:"funds"`
	MatchPrice   string `json:"matchPrice"`
	MatchSize    string `json:"matchSize"`
	TradeID      string `json:"tradeId"`
	Liquidity    string `json:"liquidity"`
	OrderTime    int64  `json:"orderTime"`
	Ts           int64  `json:"ts"`
}
