package reconcile

// package reconcile keeps the per agent order table consistent while
// telemetry arrives out of order. An UPDATE or CLOSE seen before its
// INSERT creates a provisional row marked created_from_update; the
// INSERT later upgrades it without losing fields the UPDATE already won.

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"botfleet/pkg/storage"
	"botfleet/pkg/utils/metrics/exporter"
)

var metricPostCloseUpdates = exporter.GetCounter("botfleet", "order_post_close_updates_total", []string{"agentid"})

type ConfigReconciler struct {
	Storer  storage.Storer
	AgentID int
}

type Reconciler struct {
	logger  logrus.FieldLogger
	storer  storage.Storer
	agentID int
}

func New(cfg *ConfigReconciler, logger logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		logger:  logger.WithField("module", "reconcile"),
		storer:  cfg.Storer,
		agentID: cfg.AgentID,
	}
}

type Insert struct {
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

type Update struct {
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

type Close struct {
	ExternalID string
	CloseDate  time.Time
	Profit     *float64
	Raw        string
}

func (r *Reconciler) ApplyInsert(ins Insert) error {
	row, found, err := r.loadRow(ins.ExternalID)
	if err != nil {
		return err
	}

	if !found {
		row, found, err = r.insertRow(castInsert(r.agentID, ins))
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		// lost the insert race, fall through and merge
	}

	if row.CreatedFromUpdate {
		// upgrade a provisional row: fill INSERT only fields that are
		// still empty, keep everything the UPDATE already set
		if row.BuyDate.IsZero() {
			row.BuyDate = ins.BuyDate
		}
		fillString(&row.Market, ins.Market)
		fillString(&row.Currency, ins.Currency)
		fillString(&row.Side, ins.Side)
		if row.Price == 0 && ins.Price != nil {
			row.Price = *ins.Price
		}
		if row.Amount == 0 && ins.Amount != nil {
			row.Amount = *ins.Amount
		}
		row.CreatedFromUpdate = false

		return r.storer.UpdateOrder(row)
	}

	// duplicate INSERT: existing fields win, buy date is never
	// overwritten, only holes are filled
	if row.BuyDate.IsZero() {
		row.BuyDate = ins.BuyDate
	}
	fillString(&row.Market, ins.Market)
	fillString(&row.Currency, ins.Currency)
	fillString(&row.Side, ins.Side)

	return r.storer.UpdateOrder(row)
}

func (r *Reconciler) ApplyUpdate(upd Update) error {
	row, found, err := r.loadRow(upd.ExternalID)
	if err != nil {
		return err
	}

	if !found {
		row, found, err = r.insertRow(castUpdate(r.agentID, upd))
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
	}

	if row.State == storage.OrderStateClosed {
		r.countPostClose(upd.ExternalID)
		return nil
	}

	setString(&row.Market, upd.Market)
	setString(&row.Currency, upd.Currency)
	setString(&row.Side, upd.Side)
	setString(&row.State, upd.State)
	setFloat(&row.Price, upd.Price)
	setFloat(&row.Amount, upd.Amount)
	setFloat(&row.Profit, upd.Profit)
	row.RawMessage = upd.Raw

	return r.storer.UpdateOrder(row)
}

func (r *Reconciler) ApplyClose(cls Close) error {
	row, found, err := r.loadRow(cls.ExternalID)
	if err != nil {
		return err
	}

	if !found {
		// no INSERT or UPDATE seen yet: create the provisional row
		// already closed, in one write
		provisional := castClose(r.agentID, cls)
		applyCloseFields(&provisional, cls)

		row, found, err = r.insertRow(provisional)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
	}

	if row.State == storage.OrderStateClosed {
		// duplicate close
		r.countPostClose(cls.ExternalID)
		return nil
	}

	applyCloseFields(&row, cls)

	return r.storer.UpdateOrder(row)
}

func applyCloseFields(row *storage.Order, cls Close) {
	row.State = storage.OrderStateClosed
	row.CloseDate = cls.CloseDate
	if row.CloseDate.IsZero() {
		row.CloseDate = time.Now().UTC()
	}
	setFloat(&row.Profit, cls.Profit)
	row.RawMessage = cls.Raw
}

func (r *Reconciler) loadRow(externalID string) (storage.Order, bool, error) {
	row, found, err := r.storer.OrderByExternalID(r.agentID, externalID)
	if err != nil {
		return storage.Order{}, false, fmt.Errorf("fetch order %s: %w", externalID, err)
	}

	return row, found, nil
}

// insertRow adds a fresh row. When another writer won the unique key
// race it re-reads and reports found=true so the caller merges instead.
func (r *Reconciler) insertRow(row storage.Order) (storage.Order, bool, error) {
	_, err := r.storer.AddOrder(row)
	if err == nil {
		return storage.Order{}, false, nil
	}

	if !errors.Is(err, storage.ErrConflict) {
		return storage.Order{}, false, fmt.Errorf("insert order %s: %w", row.ExternalOrderID, err)
	}

	r.logger.WithField("externalorderid", row.ExternalOrderID).Debug("order insert lost unique key race, merging")

	current, found, err := r.loadRow(row.ExternalOrderID)
	if err != nil {
		return storage.Order{}, false, err
	}
	if !found {
		return storage.Order{}, false, fmt.Errorf("order %s conflicted but is gone", row.ExternalOrderID)
	}

	return current, true, nil
}

func (r *Reconciler) countPostClose(externalID string) {
	metricPostCloseUpdates.WithLabelValues(strconv.Itoa(r.agentID)).Inc()
	r.logger.
		WithField("externalorderid", externalID).
		Debug("post-close update ignored")
}

func fillString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
