package retention

// periodic cleanup of telemetry history, driven by the operator's
// cleanup_settings row

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"botfleet/pkg/storage"
)

type ConfigSweeper struct {
	Storer   storage.Storer
	Interval time.Duration
}

type Sweeper struct {
	ctx        context.Context
	cancelFunc func()
	logger     logrus.FieldLogger
	storer     storage.Storer
	interval   time.Duration
}

func New(cfg *ConfigSweeper, logger logrus.FieldLogger) *Sweeper {
	sweeperCtx, cancel := context.WithCancel(context.Background())

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	return &Sweeper{
		ctx:        sweeperCtx,
		cancelFunc: cancel,
		logger:     logger.WithField("module", "retention"),
		storer:     cfg.Storer,
		interval:   interval,
	}
}

func (s *Sweeper) Start() {
	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.interval):
				s.run(time.Now().UTC())
			}
		}
	}()

	s.logger.Info("retention sweeper starts with success")
}

func (s *Sweeper) Stop() {
	s.cancelFunc()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) run(now time.Time) {
	settings, err := s.storer.CleanupSettings()
	if err != nil {
		s.logger.WithError(err).Error("fail fetch cleanup settings")
		return
	}

	if settings.APIErrorsAuto && settings.APIErrorsMaxAgeDays > 0 {
		s.sweep("api_errors", s.storer.DeleteAPIErrorsBefore, now.AddDate(0, 0, -settings.APIErrorsMaxAgeDays))
	}
	if settings.ChartsAuto && settings.ChartsMaxAgeDays > 0 {
		s.sweep("charts", s.storer.DeleteChartsBefore, now.AddDate(0, 0, -settings.ChartsMaxAgeDays))
	}
	if settings.ClosedOrdersAuto && settings.ClosedOrdersMaxAgeDays > 0 {
		s.sweep("orders", s.storer.DeleteClosedOrdersBefore, now.AddDate(0, 0, -settings.ClosedOrdersMaxAgeDays))
	}
}

func (s *Sweeper) sweep(category string, del func(time.Time) (int64, error), cutoff time.Time) {
	deleted, err := del(cutoff)
	if err != nil {
		s.logger.WithError(err).Errorf("fail sweep %s", category)
		return
	}

	if deleted > 0 {
		s.logger.Infof("swept %d expired %s rows", deleted, category)
	}
}
