// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/ethercomm/internal/communicator"
	"github.com/skobkin/ethercomm/internal/config"
	"github.com/skobkin/ethercomm/internal/cycle"
	"github.com/skobkin/ethercomm/internal/device"
	"github.com/skobkin/ethercomm/internal/httpserver"
	"github.com/skobkin/ethercomm/internal/publish"
	"github.com/skobkin/ethercomm/internal/transport"
)

const (
	shutdownTimeout = 10 * time.Second

	loopbackDevices    = 2
	loopbackInputSize  = 4
	loopbackOutputSize = 4
)

// Run bootstraps the application lifecycle. It returns when ctx is cancelled
// or when the cyclic loop ends on its own, with the loop's error if any.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	return run(ctx, baseLogger, cfg, cycle.NewSystemClock())
}

func run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, clock cycle.Clock) error {
	appLogger := baseLogger.With("component", "app")

	top, err := loadTopology(cfg.DevicesFile, appLogger)
	if err != nil {
		return err
	}

	bus := transport.NewSimulated(transport.SimOptions{
		DriftPPM:  cfg.Sim.DriftPPM,
		RefOffset: cfg.Sim.RefOffset,
		Echo:      cfg.Sim.Echo,
	}, clock, baseLogger)
	defer func() {
		if err := bus.Close(); err != nil {
			appLogger.Warn("transport close", "err", err)
		}
	}()

	hub := publish.NewHub(cfg.Publish.QueueSize, baseLogger)
	defer hub.Close()

	comm, err := communicator.New(communicator.Options{
		Period:       cfg.Cycle.Period,
		RunFor:       cfg.Cycle.RunFor,
		DCMode:       cfg.DC.Mode,
		FilterWindow: cfg.DC.FilterWindow,
		MaxAdjust:    cfg.DC.MaxAdjust,
		Sched:        cfg.Sched,
		StatsMode:    cfg.Stats.Mode,
		StatsRateHz:  cfg.Stats.RateHz,
		StatsHorizon: cfg.Stats.Horizon,
		StatsLog:     cfg.Stats.LogPath,
	}, bus, clock, publish.NewPublisher(hub), baseLogger)
	if err != nil {
		return fmt.Errorf("init communicator: %w", err)
	}

	if err := comm.Init(top); err != nil {
		return fmt.Errorf("init communicator: %w", err)
	}
	if err := comm.Start(); err != nil {
		return fmt.Errorf("start communicator: %w", err)
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), comm, hub)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	shutdownHTTP := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	select {
	case err := <-errCh:
		stopErr := comm.Stop()
		if err != nil {
			return errors.Join(err, stopErr)
		}
		return stopErr
	case <-comm.Done():
		appLogger.Info("cyclic loop ended", "err", comm.Err())
		stopErr := comm.Stop()
		return errors.Join(stopErr, shutdownHTTP())
	case <-ctx.Done():
		appLogger.Info("shutdown initiated", "reason", ctx.Err())

		httpErr := shutdownHTTP()
		stopErr := comm.Stop()
		if err := errors.Join(httpErr, stopErr); err != nil {
			return err
		}

		appLogger.Info("shutdown complete")
		return nil
	}
}

func loadTopology(path string, logger *slog.Logger) (*device.Topology, error) {
	if path == "" {
		logger.Info("no device file configured, using loopback topology", "devices", loopbackDevices)
		return device.Loopback(loopbackDevices, loopbackInputSize, loopbackOutputSize), nil
	}
	top, err := device.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	logger.Info("loaded device topology", "path", path, "devices", len(top.Devices))
	return top, nil
}
