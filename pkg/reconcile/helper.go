package reconcile

import (
	"time"

	"botfleet/pkg/storage"
)

func castInsert(agentID int, ins Insert) storage.Order {
	row := storage.Order{
		AgentID:           agentID,
		ExternalOrderID:   ins.ExternalID,
		Market:            ins.Market,
		Currency:          ins.Currency,
		Side:              ins.Side,
		State:             ins.State,
		BuyDate:           ins.BuyDate,
		RawMessage:        ins.Raw,
		CreatedFromUpdate: false,
		CreatedAt:         time.Now().UTC(),
	}

	if row.State == "" {
		row.State = storage.OrderStateOpen
	}
	if ins.Price != nil {
		row.Price = *ins.Price
	}
	if ins.Amount != nil {
		row.Amount = *ins.Amount
	}

	return row
}

func castUpdate(agentID int, upd Update) storage.Order {
	row := storage.Order{
		AgentID:           agentID,
		ExternalOrderID:   upd.ExternalID,
		Market:            upd.Market,
		Currency:          upd.Currency,
		Side:              upd.Side,
		State:             upd.State,
		RawMessage:        upd.Raw,
		CreatedFromUpdate: true,
		CreatedAt:         time.Now().UTC(),
	}

	if row.State == "" {
		row.State = storage.OrderStateOpen
	}
	if upd.Price != nil {
		row.Price = *upd.Price
	}
	if upd.Amount != nil {
		row.Amount = *upd.Amount
	}
	if upd.Profit != nil {
		row.Profit = *upd.Profit
	}

	return row
}

func castClose(agentID int, cls Close) storage.Order {
	return storage.Order{
		AgentID:           agentID,
		ExternalOrderID:   cls.ExternalID,
		State:             storage.OrderStateOpen,
		RawMessage:        cls.Raw,
		CreatedFromUpdate: true,
		CreatedAt:         time.Now().UTC(),
	}
}
