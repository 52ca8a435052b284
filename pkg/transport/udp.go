package transport

// one shot request/response over UDP. Each call opens an ephemeral
// socket, sends a single framed datagram and waits for one reply up to
// the deadline. Retry policy belongs to the caller.

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"botfleet/pkg/utils/metrics/exporter"
	"botfleet/pkg/wire"
)

const (
	defaultTimeout  = 5 * time.Second
	maxDatagramSize = 64 * 1024
)

var metricRequestLatency = exporter.GetHistogram("botfleet", "udp_request_latency", []string{"agentid"})

type ConfigUDP struct {
	Timeout time.Duration
}

type UDP struct {
	logger  logrus.FieldLogger
	timeout time.Duration
}

func NewUDP(cfg *ConfigUDP, logger logrus.FieldLogger) *UDP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &UDP{
		logger:  logger.WithField("module", "transport"),
		timeout: timeout,
	}
}

func (u *UDP) Request(ctx context.Context, agent Endpoint, payload string) (Response, error) {
	addr := net.JoinHostPort(agent.Host, strconv.Itoa(agent.Port))

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return Response{}, fmt.Errorf("dial agent %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("set deadline for agent %s: %w", addr, err)
	}

	start := time.Now()

	if _, err := conn.Write([]byte(wire.Frame(agent.Password, payload))); err != nil {
		return Response{}, fmt.Errorf("send to agent %s: %w", addr, err)
	}

	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("receive from agent %s: %w", addr, err)
	}

	latency := time.Since(start)
	metricRequestLatency.WithLabelValues(strconv.Itoa(agent.AgentID)).Observe(float64(latency.Milliseconds()))

	raw := strings.ToValidUTF8(string(buf[:n]), "�")
	replyPayload, err := wire.Verify(raw, agent.Password)
	if err != nil {
		return Response{}, fmt.Errorf("reply from agent %s: %w", addr, err)
	}

	u.logger.WithField("agentid", agent.AgentID).Debugf("request served in %s", latency)

	return Response{
		Payload: replyPayload,
		Latency: latency,
	}, nil
}
