package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"h906bridge/internal/config"
	"h906bridge/internal/gpio"
	"h906bridge/internal/httpapi"
	"h906bridge/internal/ipc"
	"h906bridge/internal/logging"
	"h906bridge/internal/simreader"
	"h906bridge/sdk"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $H906_CONFIG)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	if _, err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "env load warning: %v\n", err)
	}
	path := *configPath
	if path == "" {
		path = os.Getenv("H906_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("bridge stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	client := sdk.NewClient(clientOptions(cfg, logger))
	defer client.Close()

	if res := client.Connect(ctx); res.Success {
		logger.Info().Int("baud", res.Baud).Msg("reader ready")
	} else {
		logger.Warn().Int("code", res.Code).Str("error", res.Error).Msg("initial connect failed, callers will retry")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ipc.New(cfg.IPC.Socket, client, logger).Run(gctx)
	})
	g.Go(func() error {
		return httpapi.New(cfg.HTTP.Addr, client, logger).Run(gctx)
	})
	// Keeps the reader session alive when both surfaces are disabled.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func clientOptions(cfg config.Config, logger zerolog.Logger) sdk.Options {
	opts := sdk.Options{
		Port:                 cfg.Reader.Port,
		Bauds:                cfg.Reader.Bauds,
		Address:              byte(cfg.Reader.Address),
		ExchangeTimeout:      cfg.Reader.ExchangeTimeout,
		ProbeTimeout:         cfg.Reader.ProbeTimeout,
		Defaults:             cfg.ReaderParameters(),
		ApplyRegion:          cfg.Region.Apply,
		PollInterval:         cfg.Inventory.PollInterval,
		MaxCycleFailures:     cfg.Inventory.MaxCycleFailures,
		EventQueue:           cfg.Inventory.EventQueue,
		Power:                gpio.New(cfg.Power.GPIOPath),
		PowerOffOnDisconnect: cfg.Power.OffOnDisconnect,
		Logger:               logger,
	}
	if cfg.Simulate {
		opts.Opener = simulatedReader().Opener()
		if opts.Port == "" {
			opts.Port = "sim"
		}
		logger.Warn().Msg("simulated reader in use")
	}
	return opts
}

func simulatedReader() *simreader.Device {
	dev := simreader.New()
	dev.SetTags(
		simreader.MustTag("E2000017221101441890ABCD", "E2801105200074C5A1B2C3D4", 0x52),
		simreader.MustTag("E2000017221101441890ABCE", "E2801105200074C5A1B2C3D5", 0x4A),
		simreader.MustTag("300833B2DDD9014000000001", "E2003412012F0000AABBCCDD", 0x3E),
	)
	return dev
}
