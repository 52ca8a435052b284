package telemetry

import "botfleet/pkg/reconcile"

func castInsert(m OrderInsert) reconcile.Insert {
	return reconcile.Insert{
		ExternalID: m.ExternalID,
		Market:     m.Market,
		Currency:   m.Currency,
		Side:       m.Side,
		State:      m.State,
		BuyDate:    m.BuyDate,
		Price:      m.Price,
		Amount:     m.Amount,
		Raw:        m.Raw,
	}
}

func castUpdate(m OrderUpdate) reconcile.Update {
	return reconcile.Update{
		ExternalID: m.ExternalID,
		Market:     m.Market,
		Currency:   m.Currency,
		Side:       m.Side,
		State:      m.State,
		Price:      m.Price,
		Amount:     m.Amount,
		Profit:     m.Profit,
		Raw:        m.Raw,
	}
}

func castClose(m OrderClose) reconcile.Close {
	return reconcile.Close{
		ExternalID: m.ExternalID,
		CloseDate:  m.CloseDate,
		Profit:     m.Profit,
		Raw:        m.Raw,
	}
}
