package storage

import (
	"errors"
	"time"
)

// ErrConflict is returned when an insert loses a unique key race.
// Callers re-read and merge.
var ErrConflict = errors.New("unique key conflict")

const (
	OrderStateOpen   = "OPEN"
	OrderStateClosed = "CLOSED"
)

const (
	CommandStatusPending = "PENDING"
	CommandStatusFiring  = "FIRING"
	CommandStatusFired   = "FIRED"
	CommandStatusFailed  = "FAILED"
)

type Storer interface {
	Agents() ([]Agent, error)
	AgentByID(agentID int) (Agent, bool, error)
	UpdateAgentPassword(agentID int, encryptedPassword string) error
	SetAgentDefaultCurrency(agentID int, currency string) error

	OrderByExternalID(agentID int, externalOrderID string) (Order, bool, error)
	AddOrder(order Order) (int, error)
	UpdateOrder(order Order) error

	AddChart(chart Chart) (int, error)
	UpsertBalance(balance Balance) error
	UpsertStrategyPack(pack StrategyPack) error
	AddAPIError(apiError APIError) error

	SaveListenerStatus(status ListenerStatus) error

	SchedulerSettings() (SchedulerSettings, error)
	PendingScheduledCommands() ([]ScheduledCommand, error)
	ClaimScheduledCommand(commandID int) (bool, error)
	CompleteScheduledCommand(commandID int, status, response, lastError string, firedAt time.Time) error

	CleanupSettings() (CleanupSettings, error)
	DeleteAPIErrorsBefore(cutoff time.Time) (int64, error)
	DeleteChartsBefore(cutoff time.Time) (int64, error)
	DeleteClosedOrdersBefore(cutoff time.Time) (int64, error)
}

type Agent struct {
	ID                int
	Name              string
	Host              string
	Port              int
	ListenPort        int
	EncryptedPassword string
	DefaultCurrency   string
	KeepaliveEnabled  bool
	Active            bool
}

type Order struct {
	ID                int
	AgentID           int
	ExternalOrderID   string
	Market            string
	Currency          string
	Side              string
	State             string
	Price             float64
	Amount            float64
	Profit            float64
	BuyDate           time.Time
	CloseDate         time.Time
	RawMessage        string
	CreatedFromUpdate bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Chart struct {
	ID            int
	AgentID       int
	OrderDBID     int
	Market        string
	PumpChannel   string
	StartedAt     time.Time
	EndedAt       time.Time
	SessionProfit float64
	ChartData     string
	RawData       string
	ReceivedAt    time.Time
}

type Balance struct {
	AgentID    int
	Currency   string
	Free       float64
	Locked     float64
	ReceivedAt time.Time
}

type StrategyPack struct {
	AgentID    int
	PackNumber int
	Data       string
	ReceivedAt time.Time
}

type APIError struct {
	ID         int
	AgentID    int
	BotName    string
	Text       string
	Symbol     string
	Code       int
	ErrorTime  time.Time
	ReceivedAt time.Time
}

// FireAt holds the operator's wall clock reading, interpreted in
// Timezone by the scheduler. DisplayTime is kept verbatim for the UI.
type ScheduledCommand struct {
	ID          int
	AgentID     int
	Payload     string
	FireAt      time.Time
	Timezone    string
	DisplayTime string
	Status      string
	Response    string
	LastError   string
	FiredAt     time.Time
}

type SchedulerSettings struct {
	CheckIntervalSeconds int
}

type CleanupSettings struct {
	APIErrorsAuto          bool
	APIErrorsMaxAgeDays    int
	ChartsAuto             bool
	ChartsMaxAgeDays       int
	ClosedOrdersAuto       bool
	ClosedOrdersMaxAgeDays int
}

type ListenerStatus struct {
	AgentID       int
	State         string
	Messages      int64
	Rejected      int64
	LastError     string
	LastMessageAt time.Time
	UpdatedAt     time.Time
}
