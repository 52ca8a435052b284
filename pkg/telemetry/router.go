package telemetry

// The router takes a verified payload from a listener, parses it and
// dispatches to the right persistence path. It never lets an error out
// of the listener loop: parse and storage failures are logged, counted
// and dropped. A failed write is retried once with jitter before the
// datagram is given up on.

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"botfleet/pkg/reconcile"
	"botfleet/pkg/storage"
	"botfleet/pkg/utils/metrics/exporter"
)

const fallbackCurrency = "USDT"

var (
	metricParseErrors   = exporter.GetCounter("botfleet", "telemetry_parse_errors_total", []string{"agentid"})
	metricPersistErrors = exporter.GetCounter("botfleet", "telemetry_persist_errors_total", []string{"agentid"})
	metricHandled       = exporter.GetCounter("botfleet", "telemetry_handled_total", []string{"agentid", "tag"})
)

type ConfigRouter struct {
	Storer          storage.Storer
	AgentID         int
	DefaultCurrency string
}

type Router struct {
	logger          logrus.FieldLogger
	storer          storage.Storer
	reconciler      *reconcile.Reconciler
	agentID         int
	agentLabel      string
	defaultCurrency string
}

func NewRouter(cfg *ConfigRouter, logger logrus.FieldLogger) *Router {
	rec := reconcile.New(&reconcile.ConfigReconciler{
		Storer:  cfg.Storer,
		AgentID: cfg.AgentID,
	}, logger)

	return &Router{
		logger:          logger.WithField("module", "telemetry").WithField("agentid", cfg.AgentID),
		storer:          cfg.Storer,
		reconciler:      rec,
		agentID:         cfg.AgentID,
		agentLabel:      strconv.Itoa(cfg.AgentID),
		defaultCurrency: cfg.DefaultCurrency,
	}
}

// Route handles one verified payload. It reports whether the payload
// was parsed and persisted, so the listener can track consecutive
// failures for its degraded state.
func (r *Router) Route(payload string) bool {
	msg, err := Parse(payload)
	if err != nil {
		metricParseErrors.WithLabelValues(r.agentLabel).Inc()
		r.logger.WithError(err).Debug("telemetry dropped")
		return false
	}

	if err := r.persist(r.handler(msg)); err != nil {
		metricPersistErrors.WithLabelValues(r.agentLabel).Inc()
		r.logger.WithError(err).Errorf("fail persist %s telemetry", msg.Tag())
		return false
	}

	metricHandled.WithLabelValues(r.agentLabel, msg.Tag()).Inc()

	return true
}

func (r *Router) handler(msg Message) func() error {
	switch m := msg.(type) {
	case OrderInsert:
		return func() error { return r.handleOrderInsert(m) }
	case OrderUpdate:
		return func() error { return r.handleOrderUpdate(m) }
	case OrderClose:
		return func() error { return r.reconciler.ApplyClose(castClose(m)) }
	case Chart:
		return func() error { return r.handleChart(m) }
	case Balance:
		return func() error { return r.handleBalance(m) }
	case StrategyPack:
		return func() error { return r.handleStrategyPack(m) }
	case APIError:
		return func() error { return r.handleAPIError(m) }
	default:
		return func() error { return nil }
	}
}

// persist runs a handler and retries once with jitter on failure
func (r *Router) persist(write func() error) error {
	err := write()
	if err == nil {
		return nil
	}

	time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)

	return write()
}

func (r *Router) handleOrderInsert(m OrderInsert) error {
	m.Currency = r.resolveCurrency(m.Currency)
	return r.reconciler.ApplyInsert(castInsert(m))
}

func (r *Router) handleOrderUpdate(m OrderUpdate) error {
	if m.Currency != "" {
		m.Currency = r.resolveCurrency(m.Currency)
	}
	return r.reconciler.ApplyUpdate(castUpdate(m))
}

func (r *Router) handleChart(m Chart) error {
	chart := storage.Chart{
		AgentID:     r.agentID,
		Market:      m.Market,
		PumpChannel: m.PumpChannel,
		StartedAt:   m.StartedAt,
		EndedAt:     m.EndedAt,
		ChartData:   m.ChartData,
		RawData:     m.Raw,
		ReceivedAt:  time.Now().UTC(),
	}
	if m.SessionProfit != nil {
		chart.SessionProfit = *m.SessionProfit
	}

	// link the chart to its order row when the session names one
	if m.OrderExternalID != "" {
		order, found, err := r.storer.OrderByExternalID(r.agentID, m.OrderExternalID)
		if err != nil {
			return err
		}
		if found {
			chart.OrderDBID = order.ID
		}
	}

	_, err := r.storer.AddChart(chart)

	return err
}

func (r *Router) handleBalance(m Balance) error {
	r.inferCurrency(m.Currency)

	return r.storer.UpsertBalance(storage.Balance{
		AgentID:    r.agentID,
		Currency:   m.Currency,
		Free:       m.Free,
		Locked:     m.Locked,
		ReceivedAt: time.Now().UTC(),
	})
}

func (r *Router) handleStrategyPack(m StrategyPack) error {
	return r.storer.UpsertStrategyPack(storage.StrategyPack{
		AgentID:    r.agentID,
		PackNumber: m.PackNumber,
		Data:       m.Data,
		ReceivedAt: time.Now().UTC(),
	})
}

func (r *Router) handleAPIError(m APIError) error {
	return r.storer.AddAPIError(storage.APIError{
		AgentID:    r.agentID,
		BotName:    m.BotName,
		Text:       m.Text,
		Symbol:     m.Symbol,
		Code:       m.Code,
		ErrorTime:  m.ErrorTime,
		ReceivedAt: time.Now().UTC(),
	})
}

// resolveCurrency picks the currency for an order: the message wins,
// then the agent default, then USDT. The first telemetry that carries
// a currency also becomes the agent default when none is set.
func (r *Router) resolveCurrency(currency string) string {
	if currency != "" {
		r.inferCurrency(currency)
		return currency
	}

	if r.defaultCurrency != "" {
		return r.defaultCurrency
	}

	return fallbackCurrency
}

func (r *Router) inferCurrency(currency string) {
	if r.defaultCurrency != "" || currency == "" {
		return
	}

	if err := r.storer.SetAgentDefaultCurrency(r.agentID, currency); err != nil {
		r.logger.WithError(err).Error("fail persist inferred default currency")
		return
	}

	r.defaultCurrency = currency
	r.logger.Infof("default currency inferred from telemetry: %s", currency)
}
