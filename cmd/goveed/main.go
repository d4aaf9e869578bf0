package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/engine"
	"github.com/wheelibin/goveed/internal/env"
	"github.com/wheelibin/goveed/internal/events"
	"github.com/wheelibin/goveed/internal/models"
	"github.com/wheelibin/goveed/internal/poller"
	"github.com/wheelibin/goveed/internal/repos"
	"github.com/wheelibin/goveed/internal/stream"
	"github.com/wheelibin/goveed/internal/telemetry"
	"gopkg.in/natefinch/lumberjack.v2"
)

// signalLog is the repair issue sink when running standalone
type signalLog struct {
	logger *log.Logger
}

func (s signalLog) Emit(sig models.Signal) {
	if !sig.Active {
		s.logger.Info("issue resolved", "issue", sig.IssueID)
		return
	}
	switch sig.Severity {
	case models.SeverityError:
		s.logger.Error(sig.Message, "issue", sig.IssueID, "remediation", sig.Remediation)
	default:
		s.logger.Warn(sig.Message, "issue", sig.IssueID, "remediation", sig.Remediation)
	}
}

func main() {

	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		ReportCaller:    true,
	})
	logger.Info("goveed starting")

	// read the config file
	if err := config.InitialiseConfig(os.Getenv("GOVEED_CONFIG")); err != nil {
		logger.Fatal(err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "err", err)
	}
	logger.SetLevel(env.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		logger.SetOutput(&lumberjack.Logger{Filename: cfg.Log.File, MaxAge: 3})
	}
	e := env.New(logger, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// create/wire up services
	opts := engine.Options{SignalSink: signalLog{logger: logger.WithPrefix("issues")}}

	var recorder *repos.Recorder
	if cfg.Database.Path != "" {
		db, err := sql.Open("sqlite3", cfg.Database.Path)
		if err != nil {
			logger.Fatal("failed to open database", "path", cfg.Database.Path, "err", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(1)

		repo, err := repos.NewStateRepo(logger.WithPrefix("repo"), db, cfg.Database.HistoryLimit)
		if err != nil {
			logger.Fatal(err)
		}
		opts.Store = repo
		recorder = repos.NewRecorder(logger.WithPrefix("recorder"), repo)
	}

	eng := engine.New(e, opts)

	quitChannel := make(chan os.Signal, 1)
	signal.Notify(quitChannel, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quitChannel
		logger.Info("goveed is closing")
		cancel()
	}()

	// subscribe before initialising so warm start snapshots are recorded
	if recorder != nil {
		startRecorder(ctx, &wg, eng, recorder)
	}

	if err := initialise(ctx, logger, eng); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("goveed stopped before initialisation completed")
			wg.Wait()
			return
		}
		logger.Fatal("failed to initialise", "err", err)
	}

	if cfg.Influx.Enabled {
		sink, closeSink, err := telemetry.Connect(logger.WithPrefix("influx"), cfg.Influx)
		if err != nil {
			logger.Error("telemetry disabled", "err", err)
		} else {
			defer closeSink()
			eng.Subscribe(events.AllDevices, sink)
			eng.OnPollCycle(func(_ poller.CycleResult, status models.RateLimitStatus) {
				sink.RecordRateLimits(status)
			})
		}
	}

	if cfg.Stream.Listen != "" {
		srv := stream.NewServer(logger.WithPrefix("stream"), eng, eng)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx, cfg.Stream.Listen); err != nil {
				logger.Error("event stream stopped", "err", err)
			}
		}()
	}

	// start the main loop
	eng.Run(ctx)
	wg.Wait()
}

func startRecorder(ctx context.Context, wg *sync.WaitGroup, eng *engine.Engine, recorder *repos.Recorder) {
	eng.Subscribe(events.AllDevices, recorder)
	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.Run(ctx)
	}()
}

// initialise retries transient discovery failures until it succeeds or ctx ends
func initialise(ctx context.Context, logger *log.Logger, eng *engine.Engine) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0

	for {
		err := eng.Initialise(ctx)
		if err == nil || engine.IsFatal(err) {
			return err
		}
		wait := b.NextBackOff()
		logger.Warn("initialisation failed, retrying", "in", wait, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
