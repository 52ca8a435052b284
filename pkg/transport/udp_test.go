package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/pkg/wire"
)

// echoAgent answers every framed datagram with a framed "ok <payload>".
func echoAgent(t *testing.T, password string) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			payload, err := wire.Verify(string(buf[:n]), password)
			if err != nil {
				continue
			}

			_, _ = conn.WriteToUDP([]byte(wire.Frame(password, "ok "+payload)), remote)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

// blackHoleAgent accepts datagrams and never answers.
func blackHoleAgent(t *testing.T) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn.LocalAddr().(*net.UDPAddr)
}

func newTestUDP(timeout time.Duration) *UDP {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return NewUDP(&ConfigUDP{Timeout: timeout}, logger)
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()

	addr := echoAgent(t, "pw")
	u := newTestUDP(2 * time.Second)

	resp, err := u.Request(context.Background(), Endpoint{
		AgentID:  1,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Password: "pw",
	}, "list")

	require.NoError(t, err)
	assert.Equal(t, "ok list", resp.Payload)
	assert.Greater(t, resp.Latency, time.Duration(0))
}

func TestRequestWithoutPassword(t *testing.T) {
	t.Parallel()

	addr := echoAgent(t, "")
	u := newTestUDP(2 * time.Second)

	resp, err := u.Request(context.Background(), Endpoint{
		AgentID: 1,
		Host:    "127.0.0.1",
		Port:    addr.Port,
	}, "status")

	require.NoError(t, err)
	assert.Equal(t, "ok status", resp.Payload)
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	addr := blackHoleAgent(t)
	u := newTestUDP(200 * time.Millisecond)

	start := time.Now()
	_, err := u.Request(context.Background(), Endpoint{
		AgentID:  1,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Password: "pw",
	}, "list")

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRequestContextDeadlineWins(t *testing.T) {
	t.Parallel()

	addr := blackHoleAgent(t)
	u := newTestUDP(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := u.Request(ctx, Endpoint{
		AgentID:  1,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Password: "pw",
	}, "list")

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRequestRejectsBadReplyDigest(t *testing.T) {
	t.Parallel()

	// agent frames its replies with a different password
	addr := echoAgent(t, "")
	u := newTestUDP(2 * time.Second)

	_, err := u.Request(context.Background(), Endpoint{
		AgentID:  1,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Password: "pw",
	}, "list")

	assert.ErrorIs(t, err, wire.ErrAuth)
}
