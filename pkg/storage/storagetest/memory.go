package storagetest

// Memory is an in memory Storer used by package tests. It enforces the
// same unique keys as the MySQL schema so conflict handling can be
// exercised without a database.

import (
	"fmt"
	"sync"
	"time"

	"botfleet/pkg/storage"
)

var _ storage.Storer = (*Memory)(nil)

type Memory struct {
	mu sync.Mutex

	AgentRows    map[int]storage.Agent
	orderRows    map[string]storage.Order
	ChartRows    []storage.Chart
	BalanceRows  map[string]storage.Balance
	StrategyRows map[string]storage.StrategyPack
	APIErrorRows []storage.APIError
	CommandRows  map[int]storage.ScheduledCommand
	StatusRows   map[int]storage.ListenerStatus

	Scheduler storage.SchedulerSettings
	Cleanup   storage.CleanupSettings

	nextOrderID int
}

func New() *Memory {
	return &Memory{
		AgentRows:    make(map[int]storage.Agent),
		orderRows:    make(map[string]storage.Order),
		BalanceRows:  make(map[string]storage.Balance),
		StrategyRows: make(map[string]storage.StrategyPack),
		CommandRows:  make(map[int]storage.ScheduledCommand),
		StatusRows:   make(map[int]storage.ListenerStatus),
	}
}

func orderKey(agentID int, externalOrderID string) string {
	return fmt.Sprintf("%d/%s", agentID, externalOrderID)
}

func (m *Memory) Agents() ([]storage.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var agents []storage.Agent
	for _, a := range m.AgentRows {
		agents = append(agents, a)
	}

	return agents, nil
}

func (m *Memory) AgentByID(agentID int) (storage.Agent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.AgentRows[agentID]

	return a, ok, nil
}

func (m *Memory) UpdateAgentPassword(agentID int, encryptedPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.AgentRows[agentID]
	if !ok {
		return fmt.Errorf("agent %d not found", agentID)
	}
	a.EncryptedPassword = encryptedPassword
	m.AgentRows[agentID] = a

	return nil
}

func (m *Memory) SetAgentDefaultCurrency(agentID int, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.AgentRows[agentID]
	if !ok {
		return fmt.Errorf("agent %d not found", agentID)
	}
	if a.DefaultCurrency == "" {
		a.DefaultCurrency = currency
		m.AgentRows[agentID] = a
	}

	return nil
}

func (m *Memory) OrderByExternalID(agentID int, externalOrderID string) (storage.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orderRows[orderKey(agentID, externalOrderID)]

	return o, ok, nil
}

func (m *Memory) AddOrder(o storage.Order) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := orderKey(o.AgentID, o.ExternalOrderID)
	if _, ok := m.orderRows[key]; ok {
		return 0, fmt.Errorf("%w: order %s", storage.ErrConflict, key)
	}

	m.nextOrderID++
	o.ID = m.nextOrderID
	m.orderRows[key] = o

	return o.ID, nil
}

func (m *Memory) UpdateOrder(o storage.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := orderKey(o.AgentID, o.ExternalOrderID)
	if _, ok := m.orderRows[key]; !ok {
		return fmt.Errorf("order %s not found", key)
	}
	m.orderRows[key] = o

	return nil
}

// Orders returns a copy of all order rows for assertions.
func (m *Memory) Orders() []storage.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orders []storage.Order
	for _, o := range m.orderRows {
		orders = append(orders, o)
	}

	return orders
}

func (m *Memory) AddChart(c storage.Chart) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.ID = len(m.ChartRows) + 1
	m.ChartRows = append(m.ChartRows, c)

	return c.ID, nil
}

func (m *Memory) UpsertBalance(b storage.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BalanceRows[fmt.Sprintf("%d/%s", b.AgentID, b.Currency)] = b

	return nil
}

func (m *Memory) UpsertStrategyPack(p storage.StrategyPack) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StrategyRows[fmt.Sprintf("%d/%d", p.AgentID, p.PackNumber)] = p

	return nil
}

func (m *Memory) AddAPIError(e storage.APIError) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = len(m.APIErrorRows) + 1
	m.APIErrorRows = append(m.APIErrorRows, e)

	return nil
}

func (m *Memory) SaveListenerStatus(st storage.ListenerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StatusRows[st.AgentID] = st

	return nil
}

func (m *Memory) SchedulerSettings() (storage.SchedulerSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Scheduler, nil
}

func (m *Memory) PendingScheduledCommands() ([]storage.ScheduledCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cmds []storage.ScheduledCommand
	for _, c := range m.CommandRows {
		if c.Status == storage.CommandStatusPending {
			cmds = append(cmds, c)
		}
	}

	return cmds, nil
}

func (m *Memory) ClaimScheduledCommand(commandID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.CommandRows[commandID]
	if !ok || c.Status != storage.CommandStatusPending {
		return false, nil
	}

	c.Status = storage.CommandStatusFiring
	m.CommandRows[commandID] = c

	return true, nil
}

func (m *Memory) CompleteScheduledCommand(commandID int, status, response, lastError string, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.CommandRows[commandID]
	if !ok {
		return fmt.Errorf("command %d not found", commandID)
	}

	c.Status = status
	c.Response = response
	c.LastError = lastError
	c.FiredAt = firedAt
	m.CommandRows[commandID] = c

	return nil
}

func (m *Memory) CleanupSettings() (storage.CleanupSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Cleanup, nil
}

func (m *Memory) DeleteAPIErrorsBefore(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []storage.APIError
	var deleted int64
	for _, e := range m.APIErrorRows {
		if e.ReceivedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.APIErrorRows = kept

	return deleted, nil
}

func (m *Memory) DeleteChartsBefore(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []storage.Chart
	var deleted int64
	for _, c := range m.ChartRows {
		if c.ReceivedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, c)
	}
	m.ChartRows = kept

	return deleted, nil
}

func (m *Memory) DeleteClosedOrdersBefore(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, o := range m.orderRows {
		if o.State == storage.OrderStateClosed && !o.CloseDate.IsZero() && o.CloseDate.Before(cutoff) {
			delete(m.orderRows, key)
			deleted++
		}
	}

	return deleted, nil
}
