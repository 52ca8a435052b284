package telemetry

import "time"

const (
	TagOrderInsert  = "ORDER_INSERT"
	TagOrderUpdate  = "ORDER_UPDATE"
	TagOrderClose   = "ORDER_CLOSE"
	TagChart        = "CHART"
	TagBalance      = "BALANCE"
	TagStrategyPack = "STRATEGY_PACK"
	TagAPIError     = "API_ERROR"
)

// Message is the closed set of inbound telemetry variants. Optional
// numeric fields are pointers so a merge can tell absent from zero.
type Message interface {
	Tag() string
}

type OrderInsert struct {
	ExternalID string
	Market     string
	Currency   string
	Side       string
	State      string
	BuyDate    time.Time
	Price      *float64
	Amount     *float64
	Raw        string
}

func (OrderInsert) Tag() string { return TagOrderInsert }

type OrderUpdate struct {
	ExternalID string
	Market     string
	Currency   string
	Side       string
	State      string
	Price      *float64
	Amount     *float64
	Profit     *float64
	Raw        string
}

func (OrderUpdate) Tag() string { return TagOrderUpdate }

type OrderClose struct {
	ExternalID string
	CloseDate  time.Time
	Profit     *float64
	Raw        string
}

func (OrderClose) Tag() string { return TagOrderClose }

type Chart struct {
	OrderExternalID string
	Market          string
	PumpChannel     string
	StartedAt       time.Time
	EndedAt         time.Time
	SessionProfit   *float64
	ChartData       string
	Raw             string
}

func (Chart) Tag() string { return TagChart }

type Balance struct {
	Currency string
	Free     float64
	Locked   float64
	Raw      string
}

func (Balance) Tag() string { return TagBalance }

type StrategyPack struct {
	PackNumber int
	Data       string
	Raw        string
}

func (StrategyPack) Tag() string { return TagStrategyPack }

type APIError struct {
	BotName   string
	Symbol    string
	Text      string
	Code      int
	ErrorTime time.Time
	Raw       string
}

func (APIError) Tag() string { return TagAPIError }
