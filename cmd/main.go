package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sirupsen/logrus"

	"botfleet/pkg/fleet"
	"botfleet/pkg/secrets"
	"botfleet/pkg/storage"
	"botfleet/pkg/transport"
)

type Config struct {
	DatabaseURL        string        `env:"DATABASE_URL" env-default:""`
	MasterKey          string        `env:"MASTER_KEY" env-default:""`
	SyncInterval       time.Duration `env:"SYNC_INTERVAL" env-default:"10s"`
	UDPTimeout         time.Duration `env:"UDP_TIMEOUT" env-default:"5s"`
	SchedulerGrace     time.Duration `env:"SCHEDULER_GRACE" env-default:"0"`
	RetentionInterval  time.Duration `env:"RETENTION_INTERVAL" env-default:"1h"`
	MetricsBindingPort string        `env:"METRICS_BINDING_PORT" env-default:""`
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("[CONFIG] DatabaseURL can not be empty")
	}

	if c.MasterKey == "" {
		return errors.New("[CONFIG] MasterKey can not be empty")
	}

	if c.SyncInterval < time.Second {
		return errors.New("[CONFIG] SyncInterval should be greater than 1s")
	}

	return nil
}

func main() {
	logger := logger()

	// cfg
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		logger.WithError(err).Fatal("can not read env vars")
	}
	if err := cfg.validate(); err != nil {
		logger.WithError(err).Fatal("can not validate config")
	}

	box, err := secrets.NewBox(cfg.MasterKey)
	if err != nil {
		logger.WithError(err).Fatal("can not init secret store")
	}

	storer, err := storage.NewMysql(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("can not init storage")
	}

	ctx, cancel := context.WithCancel(context.Background())

	configFleet := &fleet.ConfigFleet{
		Storer:             storer,
		Secrets:            box,
		Requester:          transport.NewUDP(&transport.ConfigUDP{Timeout: cfg.UDPTimeout}, logger),
		SyncInterval:       cfg.SyncInterval,
		SchedulerGrace:     cfg.SchedulerGrace,
		RetentionInterval:  cfg.RetentionInterval,
		MetricsBindingPort: cfg.MetricsBindingPort,
	}

	f := fleet.New(ctx, configFleet, logger)
	if err := f.Start(); err != nil {
		logger.WithError(err).Fatal("unsuccessful start, everything stopped.")
	}

	logger.Info("successful start, press Ctrl + C to graceful shutdown")
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	logger.Info("botfleet stopping ...")
	cancel()
	f.Wait()

	logger.Info("botfleet successful stop.")
}

type UTCFormatter struct {
	logrus.Formatter
}

func (f UTCFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return f.Formatter.Format(e)
}

func logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(
		UTCFormatter{
			&logrus.TextFormatter{
				TimestampFormat: time.RFC3339,
				FullTimestamp:   true,
				DisableColors:   false,
				DisableSorting:  false,
			},
		},
	)

	return logger
}
