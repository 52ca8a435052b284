package retention

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/pkg/storage"
	"botfleet/pkg/storage/storagetest"
)

func newTestSweeper(t *testing.T, mem *storagetest.Memory) *Sweeper {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return New(&ConfigSweeper{Storer: mem, Interval: time.Hour}, logger)
}

func TestRunSweepsExpiredRows(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	mem := storagetest.New()
	mem.Cleanup = storage.CleanupSettings{
		APIErrorsAuto:          true,
		APIErrorsMaxAgeDays:    30,
		ChartsAuto:             true,
		ChartsMaxAgeDays:       7,
		ClosedOrdersAuto:       true,
		ClosedOrdersMaxAgeDays: 90,
	}

	mem.APIErrorRows = []storage.APIError{
		{ID: 1, AgentID: 1, ReceivedAt: now.AddDate(0, 0, -31)},
		{ID: 2, AgentID: 1, ReceivedAt: now.AddDate(0, 0, -1)},
	}
	mem.ChartRows = []storage.Chart{
		{ID: 1, AgentID: 1, ReceivedAt: now.AddDate(0, 0, -8)},
		{ID: 2, AgentID: 1, ReceivedAt: now},
	}

	_, err := mem.AddOrder(storage.Order{
		AgentID:         1,
		ExternalOrderID: "old",
		State:           storage.OrderStateClosed,
		CloseDate:       now.AddDate(0, 0, -91),
	})
	require.NoError(t, err)
	_, err = mem.AddOrder(storage.Order{
		AgentID:         1,
		ExternalOrderID: "open",
		State:           storage.OrderStateOpen,
	})
	require.NoError(t, err)

	s := newTestSweeper(t, mem)
	s.run(now)

	require.Len(t, mem.APIErrorRows, 1)
	assert.Equal(t, 2, mem.APIErrorRows[0].ID)

	require.Len(t, mem.ChartRows, 1)
	assert.Equal(t, 2, mem.ChartRows[0].ID)

	orders := mem.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "open", orders[0].ExternalOrderID)
}

func TestRunDisabledCategoriesAreKept(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	mem := storagetest.New()
	mem.Cleanup = storage.CleanupSettings{
		APIErrorsAuto:       false,
		APIErrorsMaxAgeDays: 30,
	}
	mem.APIErrorRows = []storage.APIError{
		{ID: 1, AgentID: 1, ReceivedAt: now.AddDate(0, 0, -400)},
	}

	s := newTestSweeper(t, mem)
	s.run(now)

	assert.Len(t, mem.APIErrorRows, 1)
}

// a zero max age never deletes, even when the toggle is on
func TestRunZeroMaxAgeIsOff(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	mem := storagetest.New()
	mem.Cleanup = storage.CleanupSettings{
		ChartsAuto:       true,
		ChartsMaxAgeDays: 0,
	}
	mem.ChartRows = []storage.Chart{
		{ID: 1, AgentID: 1, ReceivedAt: now.AddDate(-1, 0, 0)},
	}

	s := newTestSweeper(t, mem)
	s.run(now)

	assert.Len(t, mem.ChartRows, 1)
}
