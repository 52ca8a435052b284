package scheduler

// package scheduler fires stored commands at their wall clock time.
// fire_at is a naive timestamp interpreted in the command's own
// timezone; a command is due when that instant converted to UTC has
// passed. The pending -> firing claim is a compare and set in storage,
// so a command fires at most once even across restarts.

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"botfleet/pkg/secrets"
	"botfleet/pkg/storage"
	"botfleet/pkg/transport"
	"botfleet/pkg/utils/metrics/exporter"
	"botfleet/pkg/wire"
)

const defaultCheckInterval = 5 * time.Second

var (
	metricFired  = exporter.GetCounter("botfleet", "scheduler_commands_fired_total", []string{})
	metricFailed = exporter.GetCounter("botfleet", "scheduler_commands_failed_total", []string{})
)

type ConfigScheduler struct {
	Storer    storage.Storer
	Requester transport.Requester
	Secrets   *secrets.Box
	// pending commands older than Grace are failed instead of fired
	// after downtime; zero fires everything that was missed
	Grace time.Duration
}

type Scheduler struct {
	ctx        context.Context
	cancelFunc func()
	logger     logrus.FieldLogger
	storer     storage.Storer
	requester  transport.Requester
	secrets    *secrets.Box
	grace      time.Duration
	doneSig    chan struct{}
}

func New(cfg *ConfigScheduler, logger logrus.FieldLogger) *Scheduler {
	schedulerCtx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		ctx:        schedulerCtx,
		cancelFunc: cancel,
		logger:     logger.WithField("module", "scheduler"),
		storer:     cfg.Storer,
		requester:  cfg.Requester,
		secrets:    cfg.Secrets,
		grace:      cfg.Grace,
		doneSig:    make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go func() {
		for {
			select {
			case <-s.ctx.Done():
				s.doneSig <- struct{}{}
				return
			default:
				s.run(time.Now().UTC())
				<-time.After(s.tickInterval())
			}
		}
	}()

	s.logger.Info("scheduler starts with success")
}

func (s *Scheduler) Stop() {
	s.logger.Info("scheduler stopping ...")
	s.cancelFunc()

	<-s.doneSig
	s.logger.Info("scheduler stops with success")
}

// tickInterval re-reads the operator setting on every tick
func (s *Scheduler) tickInterval() time.Duration {
	settings, err := s.storer.SchedulerSettings()
	if err != nil {
		s.logger.WithError(err).Error("fail fetch scheduler settings, using default interval")
		return defaultCheckInterval
	}

	if settings.CheckIntervalSeconds < 1 {
		return defaultCheckInterval
	}

	return time.Duration(settings.CheckIntervalSeconds) * time.Second
}

func (s *Scheduler) run(now time.Time) {
	cmds, err := s.storer.PendingScheduledCommands()
	if err != nil {
		s.logger.WithError(err).Error("fail fetch pending commands")
		return
	}

	for _, cmd := range cmds {
		logger := s.logger.WithField("commandid", cmd.ID)

		due, err := fireAtUTC(cmd)
		if err != nil {
			logger.WithError(err).Error("command has a broken timezone")
			s.finish(cmd.ID, storage.CommandStatusFailed, "", err.Error(), now)
			continue
		}

		if due.After(now) {
			continue
		}

		if s.grace > 0 && now.Sub(due) > s.grace {
			logger.Errorf("command missed its firing window by %s", now.Sub(due))
			s.finish(cmd.ID, storage.CommandStatusFailed, "", "missed firing window", now)
			continue
		}

		claimed, err := s.storer.ClaimScheduledCommand(cmd.ID)
		if err != nil {
			logger.WithError(err).Error("fail claim command")
			continue
		}
		if !claimed {
			// another writer won
			continue
		}

		s.fire(cmd, logger)
	}
}

func (s *Scheduler) fire(cmd storage.ScheduledCommand, logger logrus.FieldLogger) {
	endpoint, err := s.endpoint(cmd.AgentID)
	if err != nil {
		logger.WithError(err).Error("fail resolve command agent")
		s.finish(cmd.ID, storage.CommandStatusFailed, "", err.Error(), time.Now().UTC())
		return
	}

	resp, err := s.requester.Request(s.ctx, endpoint, cmd.Payload)
	firedAt := time.Now().UTC()

	if err != nil {
		logger.WithError(err).Error("command failed")
		metricFailed.WithLabelValues().Inc()
		s.finish(cmd.ID, storage.CommandStatusFailed, "", err.Error(), firedAt)
		return
	}

	logger.Infof("command fired in %s", resp.Latency)
	metricFired.WithLabelValues().Inc()
	s.finish(cmd.ID, storage.CommandStatusFired, resp.Payload, "", firedAt)
}

func (s *Scheduler) finish(commandID int, status, response, lastError string, firedAt time.Time) {
	if err := s.storer.CompleteScheduledCommand(commandID, status, response, lastError, firedAt); err != nil {
		s.logger.WithError(err).Errorf("fail record outcome for commandID: %d", commandID)
	}
}

func (s *Scheduler) endpoint(agentID int) (transport.Endpoint, error) {
	agent, found, err := s.storer.AgentByID(agentID)
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("fetch agent %d: %w", agentID, err)
	}
	if !found {
		return transport.Endpoint{}, fmt.Errorf("agent %d not found", agentID)
	}

	password, repaired, err := s.secrets.Open(agent.EncryptedPassword)
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("agent %d password (%s): %w", agentID, wire.Mask(agent.EncryptedPassword), err)
	}
	if repaired != "" {
		if err := s.storer.UpdateAgentPassword(agent.ID, repaired); err != nil {
			s.logger.WithError(err).Errorf("fail re-encrypt password for agentID: %d", agent.ID)
		}
	}

	return transport.Endpoint{
		AgentID:  agent.ID,
		Host:     agent.Host,
		Port:     agent.Port,
		Password: password,
	}, nil
}

// fireAtUTC converts the command's naive wall clock reading into the
// UTC instant it becomes due.
func fireAtUTC(cmd storage.ScheduledCommand) (time.Time, error) {
	loc := time.UTC
	if cmd.Timezone != "" {
		l, err := time.LoadLocation(cmd.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", cmd.Timezone, err)
		}
		loc = l
	}

	f := cmd.FireAt

	return time.Date(f.Year(), f.Month(), f.Day(), f.Hour(), f.Minute(), f.Second(), f.Nanosecond(), loc).UTC(), nil
}
