package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

type Mysql struct {
	db *sql.DB
}

// NewMysql expects a DSN with parseTime=true so DATETIME columns scan
// into time.Time. Timestamps are stored UTC naive.
func NewMysql(connString string) (*Mysql, error) {
	db, err := sql.Open("mysql", connString)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		return nil, err
	}

	instance := Mysql{
		db: db,
	}

	if err = instance.createSchemaIfNotExists(); err != nil {
		return nil, err
	}

	return &instance, nil
}

func (s *Mysql) Agents() ([]Agent, error) {
	rows, err := s.db.Query(`
        SELECT
            id,
            name,
            host,
            port,
            listen_port,
            encrypted_password,
            default_currency,
            keepalive_enabled,
            active
        FROM agents
    `)
	if err != nil {
		return []Agent{}, err
	}
	defer rows.Close()

	var agents []Agent

	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return []Agent{}, err
		}
		agents = append(agents, a)
	}

	return agents, rows.Err()
}

func (s *Mysql) AgentByID(agentID int) (Agent, bool, error) {
	row := s.db.QueryRow(`
        SELECT
            id,
            name,
            host,
            port,
            listen_port,
            encrypted_password,
            default_currency,
            keepalive_enabled,
            active
        FROM agents
        WHERE id = ?
    `, agentID)

	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, false, nil
	}
	if err != nil {
		return Agent{}, false, err
	}

	return a, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(r rowScanner) (Agent, error) {
	var a Agent
	var password, currency sql.NullString

	err := r.Scan(
		&a.ID,
		&a.Name,
		&a.Host,
		&a.Port,
		&a.ListenPort,
		&password,
		&currency,
		&a.KeepaliveEnabled,
		&a.Active,
	)
	if err != nil {
		return Agent{}, err
	}

	a.EncryptedPassword = password.String
	a.DefaultCurrency = currency.String

	return a, nil
}

func (s *Mysql) UpdateAgentPassword(agentID int, encryptedPassword string) error {
	_, err := s.db.Exec(`UPDATE agents SET encrypted_password = ? WHERE id = ?`, encryptedPassword, agentID)
	return err
}

func (s *Mysql) SetAgentDefaultCurrency(agentID int, currency string) error {
	_, err := s.db.Exec(`
        UPDATE agents
        SET default_currency = ?
        WHERE id = ? AND (default_currency IS NULL OR default_currency = '')
    `, currency, agentID)
	return err
}

func (s *Mysql) OrderByExternalID(agentID int, externalOrderID string) (Order, bool, error) {
	row := s.db.QueryRow(`
        SELECT
            id,
            agent_id,
            external_order_id,
            market,
            currency,
            side,
            state,
            price,
            amount,
            profit,
            buy_date,
            close_date,
            raw_message,
            created_from_update,
            created_at,
            updated_at
        FROM orders
        WHERE agent_id = ? AND external_order_id = ?
    `, agentID, externalOrderID)

	var o Order
	var market, currency, side, raw sql.NullString
	var price, amount, profit sql.NullFloat64
	var buyDate, closeDate, updatedAt sql.NullTime

	err := row.Scan(
		&o.ID,
		&o.AgentID,
		&o.ExternalOrderID,
		&market,
		&currency,
		&side,
		&o.State,
		&price,
		&amount,
		&profit,
		&buyDate,
		&closeDate,
		&raw,
		&o.CreatedFromUpdate,
		&o.CreatedAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, err
	}

	o.Market = market.String
	o.Currency = currency.String
	o.Side = side.String
	o.RawMessage = raw.String
	o.Price = price.Float64
	o.Amount = amount.Float64
	o.Profit = profit.Float64
	o.BuyDate = buyDate.Time
	o.CloseDate = closeDate.Time
	o.UpdatedAt = updatedAt.Time

	return o, true, nil
}

func (s *Mysql) AddOrder(o Order) (int, error) {
	res, err := s.db.Exec(`
        INSERT INTO orders (
            agent_id, external_order_id, market, currency, side, state,
            price, amount, profit, buy_date, close_date, raw_message,
            created_from_update, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		o.AgentID,
		o.ExternalOrderID,
		nullString(o.Market),
		nullString(o.Currency),
		nullString(o.Side),
		o.State,
		o.Price,
		o.Amount,
		o.Profit,
		nullTime(o.BuyDate),
		nullTime(o.CloseDate),
		nullString(o.RawMessage),
		o.CreatedFromUpdate,
		o.CreatedAt,
		nullTime(o.UpdatedAt),
	)
	if err != nil {
		return 0, wrapConflict(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	return int(id), nil
}

func (s *Mysql) UpdateOrder(o Order) error {
	_, err := s.db.Exec(`
        UPDATE orders SET
            market = ?,
            currency = ?,
            side = ?,
            state = ?,
            price = ?,
            amount = ?,
            profit = ?,
            buy_date = ?,
            close_date = ?,
            raw_message = ?,
            created_from_update = ?,
            updated_at = ?
        WHERE id = ?
    `,
		nullString(o.Market),
		nullString(o.Currency),
		nullString(o.Side),
		o.State,
		o.Price,
		o.Amount,
		o.Profit,
		nullTime(o.BuyDate),
		nullTime(o.CloseDate),
		nullString(o.RawMessage),
		o.CreatedFromUpdate,
		time.Now().UTC(),
		o.ID,
	)

	return err
}

func (s *Mysql) AddChart(c Chart) (int, error) {
	res, err := s.db.Exec(`
        INSERT INTO charts (
            agent_id, order_db_id, market, pump_channel, started_at,
            ended_at, session_profit, chart_data, raw_data, received_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		c.AgentID,
		nullInt(c.OrderDBID),
		nullString(c.Market),
		nullString(c.PumpChannel),
		nullTime(c.StartedAt),
		nullTime(c.EndedAt),
		c.SessionProfit,
		nullString(c.ChartData),
		nullString(c.RawData),
		c.ReceivedAt,
	)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	return int(id), nil
}

func (s *Mysql) UpsertBalance(b Balance) error {
	_, err := s.db.Exec(`
        INSERT INTO balances (agent_id, currency, free, locked, received_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            free = VALUES(free),
            locked = VALUES(locked),
            received_at = VALUES(received_at)
    `, b.AgentID, b.Currency, b.Free, b.Locked, b.ReceivedAt)

	return err
}

func (s *Mysql) UpsertStrategyPack(p StrategyPack) error {
	_, err := s.db.Exec(`
        INSERT INTO strategy_cache (agent_id, pack_number, data, received_at)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            data = VALUES(data),
            received_at = VALUES(received_at)
    `, p.AgentID, p.PackNumber, p.Data, p.ReceivedAt)

	return err
}

func (s *Mysql) AddAPIError(e APIError) error {
	_, err := s.db.Exec(`
        INSERT INTO api_errors (
            agent_id, bot_name, text, symbol, code, error_time, received_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
    `,
		e.AgentID,
		nullString(e.BotName),
		nullString(e.Text),
		nullString(e.Symbol),
		e.Code,
		nullTime(e.ErrorTime),
		e.ReceivedAt,
	)

	return err
}

func (s *Mysql) SaveListenerStatus(st ListenerStatus) error {
	_, err := s.db.Exec(`
        INSERT INTO listener_status (
            agent_id, state, messages, rejected, last_error, last_message_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            state = VALUES(state),
            messages = VALUES(messages),
            rejected = VALUES(rejected),
            last_error = VALUES(last_error),
            last_message_at = VALUES(last_message_at),
            updated_at = VALUES(updated_at)
    `,
		st.AgentID,
		st.State,
		st.Messages,
		st.Rejected,
		nullString(st.LastError),
		nullTime(st.LastMessageAt),
		st.UpdatedAt,
	)

	return err
}

func (s *Mysql) SchedulerSettings() (SchedulerSettings, error) {
	row := s.db.QueryRow(`SELECT check_interval_seconds FROM scheduler_settings WHERE id = 1`)

	var settings SchedulerSettings
	err := row.Scan(&settings.CheckIntervalSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return SchedulerSettings{}, nil
	}
	if err != nil {
		return SchedulerSettings{}, err
	}

	return settings, nil
}

func (s *Mysql) PendingScheduledCommands() ([]ScheduledCommand, error) {
	rows, err := s.db.Query(`
        SELECT
            id, agent_id, payload, fire_at, timezone, display_time,
            status, response, last_error, fired_at
        FROM scheduled_commands
        WHERE status = ?
    `, CommandStatusPending)
	if err != nil {
		return []ScheduledCommand{}, err
	}
	defer rows.Close()

	var cmds []ScheduledCommand

	for rows.Next() {
		var c ScheduledCommand
		var timezone, displayTime, response, lastError sql.NullString
		var firedAt sql.NullTime

		err := rows.Scan(
			&c.ID,
			&c.AgentID,
			&c.Payload,
			&c.FireAt,
			&timezone,
			&displayTime,
			&c.Status,
			&response,
			&lastError,
			&firedAt,
		)
		if err != nil {
			return []ScheduledCommand{}, err
		}

		c.Timezone = timezone.String
		c.DisplayTime = displayTime.String
		c.Response = response.String
		c.LastError = lastError.String
		c.FiredAt = firedAt.Time

		cmds = append(cmds, c)
	}

	return cmds, rows.Err()
}

// ClaimScheduledCommand moves a command from pending to firing. The
// WHERE clause on status makes the claim a compare and set, so a command
// can never be fired twice.
func (s *Mysql) ClaimScheduledCommand(commandID int) (bool, error) {
	res, err := s.db.Exec(`
        UPDATE scheduled_commands
        SET status = ?
        WHERE id = ? AND status = ?
    `, CommandStatusFiring, commandID, CommandStatusPending)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected == 1, nil
}

func (s *Mysql) CompleteScheduledCommand(commandID int, status, response, lastError string, firedAt time.Time) error {
	_, err := s.db.Exec(`
        UPDATE scheduled_commands
        SET status = ?, response = ?, last_error = ?, fired_at = ?
        WHERE id = ?
    `, status, nullString(response), nullString(lastError), nullTime(firedAt), commandID)

	return err
}

func (s *Mysql) CleanupSettings() (CleanupSettings, error) {
	row := s.db.QueryRow(`
        SELECT
            api_errors_auto, api_errors_max_age_days,
            charts_auto, charts_max_age_days,
            closed_orders_auto, closed_orders_max_age_days
        FROM cleanup_settings
        WHERE id = 1
    `)

	var settings CleanupSettings
	err := row.Scan(
		&settings.APIErrorsAuto,
		&settings.APIErrorsMaxAgeDays,
		&settings.ChartsAuto,
		&settings.ChartsMaxAgeDays,
		&settings.ClosedOrdersAuto,
		&settings.ClosedOrdersMaxAgeDays,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CleanupSettings{}, nil
	}
	if err != nil {
		return CleanupSettings{}, err
	}

	return settings, nil
}

func (s *Mysql) DeleteAPIErrorsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM api_errors WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (s *Mysql) DeleteChartsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM charts WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (s *Mysql) DeleteClosedOrdersBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
        DELETE FROM orders
        WHERE state = ? AND close_date IS NOT NULL AND close_date < ?
    `, OrderStateClosed, cutoff)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (s *Mysql) createSchemaIfNotExists() error {
	queries := []string{
		`
        CREATE TABLE IF NOT EXISTS agents (
            id INT PRIMARY KEY AUTO_INCREMENT,
            name VARCHAR(128) NOT NULL,
            host VARCHAR(255) NOT NULL,
            port INT NOT NULL,
            listen_port INT NOT NULL,
            encrypted_password TEXT,
            default_currency VARCHAR(16),
            keepalive_enabled TINYINT(1) NOT NULL DEFAULT 0,
            active TINYINT(1) NOT NULL DEFAULT 1
        )`,
		`
        CREATE TABLE IF NOT EXISTS orders (
            id INT PRIMARY KEY AUTO_INCREMENT,
            agent_id INT NOT NULL,
            external_order_id VARCHAR(64) NOT NULL,
            market VARCHAR(32),
            currency VARCHAR(16),
            side VARCHAR(8),
            state VARCHAR(16) NOT NULL,
            price DOUBLE NOT NULL DEFAULT 0,
            amount DOUBLE NOT NULL DEFAULT 0,
            profit DOUBLE NOT NULL DEFAULT 0,
            buy_date DATETIME,
            close_date DATETIME,
            raw_message TEXT,
            created_from_update TINYINT(1) NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            updated_at DATETIME,
            UNIQUE KEY uniq_agent_order (agent_id, external_order_id)
        )`,
		`
        CREATE TABLE IF NOT EXISTS charts (
            id INT PRIMARY KEY AUTO_INCREMENT,
            agent_id INT NOT NULL,
            order_db_id INT,
            market VARCHAR(32),
            pump_channel VARCHAR(64),
            started_at DATETIME,
            ended_at DATETIME,
            session_profit DOUBLE NOT NULL DEFAULT 0,
            chart_data MEDIUMTEXT,
            raw_data MEDIUMTEXT,
            received_at DATETIME NOT NULL
        )`,
		`
        CREATE TABLE IF NOT EXISTS balances (
            id INT PRIMARY KEY AUTO_INCREMENT,
            agent_id INT NOT NULL,
            currency VARCHAR(16) NOT NULL,
            free DOUBLE NOT NULL DEFAULT 0,
            locked DOUBLE NOT NULL DEFAULT 0,
            received_at DATETIME NOT NULL,
            UNIQUE KEY uniq_agent_currency (agent_id, currency)
        )`,
		`
        CREATE TABLE IF NOT EXISTS strategy_cache (
            id INT PRIMARY KEY AUTO_INCREMENT,
            agent_id INT NOT NULL,
            pack_number INT NOT NULL,
            data MEDIUMTEXT,
            received_at DATETIME NOT NULL,
            UNIQUE KEY uniq_agent_pack (agent_id, pack_number)
        )`,
		`
        CREATE TABLE IF NOT EXISTS api_errors (
            id INT PRIMARY KEY AUTO_INCREMENT,
            agent_id INT NOT NULL,
            bot_name VARCHAR(128),
            text TEXT,
            symbol VARCHAR(32),
            code INT NOT NULL DEFAULT 0,
            error_time DATETIME,
            received_at DATETIME NOT NULL
        )`,
		`
        CREATE TABLE IF NOT EXISTS scheduled_commands (
            id INT PRIMARY KEY AUTO_INCREMENT,
            agent_id INT NOT NULL,
            payload TEXT NOT NULL,
            fire_at DATETIME NOT NULL,
            timezone VARCHAR(64),
            display_time VARCHAR(64),
            status VARCHAR(16) NOT NULL,
            response TEXT,
            last_error TEXT,
            fired_at DATETIME
        )`,
		`
        CREATE TABLE IF NOT EXISTS scheduler_settings (
            id INT PRIMARY KEY,
            check_interval_seconds INT NOT NULL
        )`,
		`
        CREATE TABLE IF NOT EXISTS cleanup_settings (
            id INT PRIMARY KEY,
            api_errors_auto TINYINT(1) NOT NULL DEFAULT 0,
            api_errors_max_age_days INT NOT NULL DEFAULT 30,
            charts_auto TINYINT(1) NOT NULL DEFAULT 0,
            charts_max_age_days INT NOT NULL DEFAULT 90,
            closed_orders_auto TINYINT(1) NOT NULL DEFAULT 0,
            closed_orders_max_age_days INT NOT NULL DEFAULT 180
        )`,
		`
        CREATE TABLE IF NOT EXISTS listener_status (
            agent_id INT PRIMARY KEY,
            state VARCHAR(16) NOT NULL,
            messages BIGINT NOT NULL DEFAULT 0,
            rejected BIGINT NOT NULL DEFAULT 0,
            last_error TEXT,
            last_message_at DATETIME,
            updated_at DATETIME NOT NULL
        )`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	return nil
}

func wrapConflict(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return fmt.Errorf("%w: %s", ErrConflict, mysqlErr.Message)
	}

	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i != 0}
}
