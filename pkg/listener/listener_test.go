package listener

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/pkg/storage"
	"botfleet/pkg/storage/storagetest"
	"botfleet/pkg/telemetry"
	"botfleet/pkg/wire"
)

const testPassword = "agent-pw"

func newTestListener(t *testing.T, threshold int) (*Listener, *storagetest.Memory) {
	t.Helper()

	mem := storagetest.New()
	mem.AgentRows[1] = storage.Agent{ID: 1, Name: "a1", DefaultCurrency: "USDT", Active: true}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	router := telemetry.NewRouter(&telemetry.ConfigRouter{
		Storer:          mem,
		AgentID:         1,
		DefaultCurrency: "USDT",
	}, logger)

	l := New(&ConfigListener{
		Storer:            mem,
		Router:            router,
		AgentID:           1,
		BindPort:          0, // let the kernel pick a free port
		Password:          testPassword,
		DegradedThreshold: threshold,
	}, logger)

	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)

	return l, mem
}

func send(t *testing.T, l *Listener, datagram string) {
	t.Helper()

	port := l.Addr().(*net.UDPAddr).Port
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte(datagram))
	require.NoError(t, err)
}

func TestListenerAcceptsFramedTelemetry(t *testing.T) {
	t.Parallel()

	l, mem := newTestListener(t, 0)

	send(t, l, wire.Frame(testPassword, "BALANCE currency=USDT free=100 locked=5"))

	require.Eventually(t, func() bool {
		return l.Status().Messages == 1
	}, 2*time.Second, 10*time.Millisecond)

	balance := mem.BalanceRows["1/USDT"]
	assert.Equal(t, 100.0, balance.Free)
	assert.Equal(t, 5.0, balance.Locked)
	assert.Equal(t, StateRunning, l.Status().State)
}

func TestListenerRejectsBadDigest(t *testing.T) {
	t.Parallel()

	l, mem := newTestListener(t, 0)

	send(t, l, wire.Frame("wrong-password", "BALANCE currency=USDT free=1 locked=0"))
	send(t, l, "not even a frame")

	require.Eventually(t, func() bool {
		return l.Status().Rejected == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, l.Status().Messages)
	assert.Empty(t, mem.BalanceRows)
}

func TestListenerDegradesAndRecovers(t *testing.T) {
	t.Parallel()

	l, _ := newTestListener(t, 2)

	send(t, l, "garbage one")
	send(t, l, "garbage two")

	require.Eventually(t, func() bool {
		return l.Status().State == StateDegraded
	}, 2*time.Second, 10*time.Millisecond)

	// one verified message clears the streak
	send(t, l, wire.Frame(testPassword, "BALANCE currency=USDT free=1 locked=0"))

	require.Eventually(t, func() bool {
		return l.Status().State == StateRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListenerPersistsStatus(t *testing.T) {
	t.Parallel()

	l, mem := newTestListener(t, 0)

	send(t, l, wire.Frame(testPassword, "BALANCE currency=USDT free=1 locked=0"))

	require.Eventually(t, func() bool {
		return l.Status().Messages == 1
	}, 2*time.Second, 10*time.Millisecond)

	st := mem.StatusRows[1]
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, int64(1), st.Messages)
	assert.False(t, st.LastMessageAt.IsZero())
}

func TestListenerStop(t *testing.T) {
	t.Parallel()

	l, mem := newTestListener(t, 0)

	l.Stop()

	assert.Equal(t, StateStopped, l.Status().State)
	assert.Equal(t, StateStopped, mem.StatusRows[1].State)

	// the cleanup hook stops it again, which must be a no-op
	l.Stop()
	assert.Equal(t, StateStopped, l.Status().State)
}
