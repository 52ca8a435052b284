package listener

// package listener is responsible for:
// - binding the agent's inbound UDP port
// - verifying the hmac frame of every datagram
// - handing verified payloads to the telemetry router in receive order
// - keeping the agent's listener_status row current

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"botfleet/pkg/storage"
	"botfleet/pkg/telemetry"
	"botfleet/pkg/utils/metrics/exporter"
	"botfleet/pkg/wire"
)

const (
	StateStopped  = "STOPPED"
	StateStarting = "STARTING"
	StateRunning  = "RUNNING"
	StateDegraded = "DEGRADED"
	StateStopping = "STOPPING"
)

const (
	maxDatagramSize = 64 * 1024
	// consecutive verify/parse failures before the listener is degraded
	defaultDegradedThreshold = 5
)

var (
	metricMessages = exporter.GetCounter("botfleet", "listener_messages_total", []string{"agentid"})
	metricRejected = exporter.GetCounter("botfleet", "listener_rejected_total", []string{"agentid"})
)

type ConfigListener struct {
	Storer            storage.Storer
	Router            *telemetry.Router
	AgentID           int
	BindPort          int
	Password          string
	DegradedThreshold int
}

type Listener struct {
	ctx        context.Context
	cancelFunc func()
	logger     logrus.FieldLogger
	storer     storage.Storer
	router     *telemetry.Router
	agentID    int
	agentLabel string
	bindPort   int
	password   string
	threshold  int
	doneSig    chan struct{}

	stopOnce sync.Once

	mu     sync.Mutex
	conn   *net.UDPConn
	status storage.ListenerStatus

	consecutiveFailures int
}

func New(cfg *ConfigListener, logger logrus.FieldLogger) *Listener {
	listenerCtx, cancel := context.WithCancel(context.Background())

	threshold := cfg.DegradedThreshold
	if threshold < 1 {
		threshold = defaultDegradedThreshold
	}

	return &Listener{
		ctx:        listenerCtx,
		cancelFunc: cancel,
		logger:     logger.WithField("module", "listener").WithField("agentid", cfg.AgentID),
		storer:     cfg.Storer,
		router:     cfg.Router,
		agentID:    cfg.AgentID,
		agentLabel: strconv.Itoa(cfg.AgentID),
		bindPort:   cfg.BindPort,
		password:   cfg.Password,
		threshold:  threshold,
		doneSig:    make(chan struct{}),
		status: storage.ListenerStatus{
			AgentID: cfg.AgentID,
			State:   StateStopped,
		},
	}
}

func (l *Listener) Start() error {
	l.setState(StateStarting)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.bindPort})
	if err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("agentID: %d bind udp port %d: %w", l.agentID, l.bindPort, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	go l.loop()

	l.setState(StateRunning)
	l.logger.Infof("agentID: %d listener starts with success on port %d", l.agentID, l.bindPort)

	return nil
}

// Stop shuts the listener down and is safe to call more than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.logger.Infof("agentID: %d listener stopping ...", l.agentID)
		l.setState(StateStopping)
		l.cancelFunc()

		// closing the socket unblocks the read
		l.mu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.mu.Unlock()

		select {
		case <-l.doneSig:
		case <-time.After(2 * time.Second):
			l.logger.Errorf("agentID: %d listener did not drain in time", l.agentID)
		}

		l.setState(StateStopped)
		l.logger.Infof("agentID: %d listener stops with success", l.agentID)
	})
}

// Addr returns the bound address, useful when the port was 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}

	return l.conn.LocalAddr()
}

// Status returns a snapshot of the liveness record.
func (l *Listener) Status() storage.ListenerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.status
}

func (l *Listener) loop() {
	buf := make([]byte, maxDatagramSize)

	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.ctx.Done():
				l.doneSig <- struct{}{}
				return
			default:
			}

			l.recordError(err)
			if !l.rebind() {
				l.doneSig <- struct{}{}
				return
			}
			continue
		}

		l.handle(strings.ToValidUTF8(string(buf[:n]), "�"))
	}
}

func (l *Listener) handle(frame string) {
	payload, err := wire.Verify(frame, l.password)
	if err != nil {
		// dropped silently on the wire, only counted here
		metricRejected.WithLabelValues(l.agentLabel).Inc()
		l.bumpRejected()
		l.failure()
		return
	}

	if !l.router.Route(payload) {
		l.failure()
		return
	}

	metricMessages.WithLabelValues(l.agentLabel).Inc()
	l.bumpMessages()
	l.success()
}

func (l *Listener) failure() {
	l.consecutiveFailures++
	if l.consecutiveFailures >= l.threshold && l.currentState() == StateRunning {
		l.logger.Errorf("agentID: %d listener degraded after %d consecutive failures", l.agentID, l.consecutiveFailures)
		l.setState(StateDegraded)
	}
}

func (l *Listener) success() {
	l.consecutiveFailures = 0
	if l.currentState() == StateDegraded {
		l.setState(StateRunning)
	}
}

// rebind closes the broken socket and retries the bind with exponential
// backoff until it succeeds or the listener is stopped.
func (l *Listener) rebind() bool {
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.mu.Unlock()

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-l.ctx.Done():
			return false
		case <-time.After(b.Duration()):
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.bindPort})
		if err != nil {
			l.recordError(err)
			l.logger.WithError(err).Errorf("agentID: %d rebind failed, next try in %s", l.agentID, b.Duration())
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.logger.Infof("agentID: %d listener rebound on port %d", l.agentID, l.bindPort)
		l.setState(StateRunning)

		return true
	}
}

func (l *Listener) currentState() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.status.State
}

func (l *Listener) setState(state string) {
	l.mu.Lock()
	l.status.State = state
	l.status.UpdatedAt = time.Now().UTC()
	status := l.status
	l.mu.Unlock()

	l.persistStatus(status)
}

func (l *Listener) bumpMessages() {
	l.mu.Lock()
	l.status.Messages++
	l.status.LastMessageAt = time.Now().UTC()
	l.status.UpdatedAt = l.status.LastMessageAt
	status := l.status
	l.mu.Unlock()

	l.persistStatus(status)
}

func (l *Listener) bumpRejected() {
	l.mu.Lock()
	l.status.Rejected++
	l.status.UpdatedAt = time.Now().UTC()
	status := l.status
	l.mu.Unlock()

	l.persistStatus(status)
}

func (l *Listener) recordError(err error) {
	l.mu.Lock()
	l.status.LastError = err.Error()
	l.status.UpdatedAt = time.Now().UTC()
	status := l.status
	l.mu.Unlock()

	l.persistStatus(status)
}

func (l *Listener) persistStatus(status storage.ListenerStatus) {
	if err := l.storer.SaveListenerStatus(status); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.WithError(err).Error("fail persist listener status")
	}
}
