package fleet

// package fleet is the orchestrator: it polls the agents table, keeps
// one inbound listener per active agent (restarting a listener when the
// agent's endpoint, port or password changed), repairs stored passwords
// and owns the scheduler, the retention sweeper and the metrics
// exporter.

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"botfleet/pkg/listener"
	"botfleet/pkg/retention"
	"botfleet/pkg/scheduler"
	"botfleet/pkg/secrets"
	"botfleet/pkg/storage"
	"botfleet/pkg/telemetry"
	"botfleet/pkg/transport"
	"botfleet/pkg/utils/metrics/exporter"
	"botfleet/pkg/wire"
)

type ConfigFleet struct {
	Storer             storage.Storer
	Secrets            *secrets.Box
	Requester          transport.Requester
	SyncInterval       time.Duration
	SchedulerGrace     time.Duration
	RetentionInterval  time.Duration
	MetricsBindingPort string
}

type listenerParams struct {
	bindPort int
	password string
	currency string
}

type Fleet struct {
	ctx                context.Context
	logger             *logrus.Logger
	storer             storage.Storer
	secrets            *secrets.Box
	requester          transport.Requester
	syncInterval       time.Duration
	schedulerGrace     time.Duration
	retentionInterval  time.Duration
	metricsBindingPort string
	// map[AgentID]
	listeners map[int]*listener.Listener
	applied   map[int]listenerParams
	scheduler *scheduler.Scheduler
	sweeper   *retention.Sweeper
	done      chan struct{}
}

func New(ctx context.Context, cfg *ConfigFleet, logger *logrus.Logger) *Fleet {
	return &Fleet{
		ctx:                ctx,
		logger:             logger,
		storer:             cfg.Storer,
		secrets:            cfg.Secrets,
		requester:          cfg.Requester,
		syncInterval:       cfg.SyncInterval,
		schedulerGrace:     cfg.SchedulerGrace,
		retentionInterval:  cfg.RetentionInterval,
		metricsBindingPort: cfg.MetricsBindingPort,
		listeners:          make(map[int]*listener.Listener),
		applied:            make(map[int]listenerParams),
		done:               make(chan struct{}),
	}
}

func (f *Fleet) Start() error {
	f.scheduler = scheduler.New(&scheduler.ConfigScheduler{
		Storer:    f.storer,
		Requester: f.requester,
		Secrets:   f.secrets,
		Grace:     f.schedulerGrace,
	}, f.logger)
	f.scheduler.Start()

	f.sweeper = retention.New(&retention.ConfigSweeper{
		Storer:   f.storer,
		Interval: f.retentionInterval,
	}, f.logger)
	f.sweeper.Start()

	if f.metricsBindingPort != "" {
		go exporter.GetMetricsExporter(f.metricsBindingPort)
	}

	// start goroutine that will create listeners and update them
	// with new parameters periodically
	go func() {
		for {
			select {
			case <-f.ctx.Done():
				f.done <- struct{}{}
				return
			default:
				f.run()
				<-time.After(f.syncInterval)
			}
		}
	}()

	return nil
}

// Wait blocks until the sync loop exits, then stops every child.
func (f *Fleet) Wait() {
	<-f.done

	for agentID, l := range f.listeners {
		l.Stop()
		delete(f.listeners, agentID)
		delete(f.applied, agentID)
	}

	f.scheduler.Stop()
	f.sweeper.Stop()
}

// run reads all agents from storage and makes the listener pool match
func (f *Fleet) run() {
	agents, err := f.storer.Agents()
	if err != nil {
		f.logger.WithError(err).Error("storage Agents() error")
		return
	}

	for _, agent := range agents {
		if !agent.Active {
			f.stopListener(agent.ID)
			continue
		}

		password, ok := f.openPassword(agent)
		if !ok {
			// unreadable password, keep the other agents running
			continue
		}

		params := listenerParams{
			bindPort: agent.ListenPort,
			password: password,
			currency: agent.DefaultCurrency,
		}

		if applied, running := f.applied[agent.ID]; running {
			if applied == params {
				continue
			}
			f.logger.Infof("restart listener for agentID: %d for changing config params", agent.ID)
			f.stopListener(agent.ID)
		}

		f.startListener(agent, params)
	}
}

// openPassword decrypts the stored password and writes back repairs:
// a multiply encrypted value becomes single layer, a plaintext value
// becomes encrypted.
func (f *Fleet) openPassword(agent storage.Agent) (string, bool) {
	password, repaired, err := f.secrets.Open(agent.EncryptedPassword)
	if err != nil {
		f.logger.WithError(err).Errorf("agentID: %d stored password (%s) is unreadable",
			agent.ID, wire.Mask(agent.EncryptedPassword))
		return "", false
	}

	if repaired == "" && password != "" && !secrets.IsCiphertext(agent.EncryptedPassword) {
		repaired, err = f.secrets.Encrypt(password)
		if err != nil {
			f.logger.WithError(err).Errorf("agentID: %d fail encrypt plaintext password", agent.ID)
			return "", false
		}
	}

	if repaired != "" {
		if err := f.storer.UpdateAgentPassword(agent.ID, repaired); err != nil {
			f.logger.WithError(err).Errorf("agentID: %d fail store re-encrypted password", agent.ID)
		}
	}

	return password, true
}

func (f *Fleet) startListener(agent storage.Agent, params listenerParams) {
	router := telemetry.NewRouter(&telemetry.ConfigRouter{
		Storer:          f.storer,
		AgentID:         agent.ID,
		DefaultCurrency: agent.DefaultCurrency,
	}, f.logger)

	l := listener.New(&listener.ConfigListener{
		Storer:   f.storer,
		Router:   router,
		AgentID:  agent.ID,
		BindPort: agent.ListenPort,
		Password: params.password,
	}, f.logger)

	if err := l.Start(); err != nil {
		f.logger.WithError(err).Errorf("listener could not be started for agentID: %d", agent.ID)
		return
	}

	f.listeners[agent.ID] = l
	f.applied[agent.ID] = params
}

func (f *Fleet) stopListener(agentID int) {
	l, ok := f.listeners[agentID]
	if !ok {
		return
	}

	l.Stop()
	delete(f.listeners, agentID)
	delete(f.applied, agentID)
}
