// Command daboutputd is the Dexter DAB transmitter process: it loads
// configuration, brings up a radio.Device backend (real hardware over IIOD,
// or an in-process mock), wires the output core, DPD feedback, board
// health, mDNS discovery, and run-statistics telemetry together, and runs
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dabtx/dexter-output/internal/config"
	"github.com/dabtx/dexter-output/internal/dexter"
	"github.com/dabtx/dexter-output/internal/discovery"
	"github.com/dabtx/dexter-output/internal/dpd"
	"github.com/dabtx/dexter-output/internal/health"
	"github.com/dabtx/dexter-output/internal/logging"
	"github.com/dabtx/dexter-output/internal/output"
	"github.com/dabtx/dexter-output/internal/radio"
	"github.com/dabtx/dexter-output/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "daboutputd:", err)
		os.Exit(1)
	}
}

func run() error {
	const configPath = "daboutputd.json"

	persisted, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cfg, err := config.Parse(os.Args[1:], os.LookupEnv, persisted)
	if err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logging.New(level, format, os.Stdout)
	logging.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	device, closeDevice, err := buildDevice(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build device: %w", err)
	}
	defer closeDevice()

	if healthCfg, ok := cfg.HealthConfig(); ok {
		reader, err := health.New(healthCfg)
		if err != nil {
			log.Warn("health reader disabled", logging.Field{Key: "error", Value: err})
		} else if setter, ok := device.(healthSetter); ok {
			setter.SetHealthReader(reader)
			defer reader.Close()
		}
	}

	outCfg, err := cfg.OutputConfig()
	if err != nil {
		return fmt.Errorf("build output config: %w", err)
	}

	dpdManager := dpd.New(device, noDPDServerConfigured, log)

	stage := output.New(device, outCfg, dpdManager, log)
	defer stage.Close()

	hub := telemetry.NewHub(500)
	var reporter telemetry.Reporter = telemetry.NewStdoutReporter(log)
	if cfg.ControlAddr != "" {
		reporter = telemetry.MultiReporter{hub, reporter}
		webServer := telemetry.NewWebServer(cfg.ControlAddr, hub, stage, log)
		go webServer.Start(ctx)
		log.Info("remote control listening", logging.Field{Key: "addr", Value: cfg.ControlAddr})
	}
	collector := telemetry.NewCollector(stage, reporter, time.Second)
	go collector.Run(ctx)

	var advertiser *discovery.Advertiser
	if cfg.DiscoveryEnabled && cfg.AdvertiseInstance != "" {
		_, port, err := controlPort(cfg.ControlAddr)
		if err != nil {
			log.Warn("mdns advertise disabled", logging.Field{Key: "error", Value: err})
		} else if advertiser, err = discovery.Advertise(cfg.AdvertiseInstance, cfg.SiteID, port); err != nil {
			log.Warn("mdns advertise failed", logging.Field{Key: "error", Value: err})
		}
	}
	if advertiser != nil {
		defer advertiser.Shutdown()
	}

	log.Info("daboutputd running", logging.Field{Key: "backend", Value: cfg.Backend})
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// healthSetter is implemented by backends (internal/dexter.Driver) that
// accept a health.Reader after construction.
type healthSetter interface {
	SetHealthReader(*health.Reader)
}

func buildDevice(ctx context.Context, cfg config.Config, log logging.Logger) (radio.Device, func(), error) {
	switch cfg.Backend {
	case "", "mock":
		mock := radio.NewMock(float64(time.Now().Unix()))
		stop := make(chan struct{})
		go tickMockClock(mock, stop)
		return mock, func() { close(stop) }, nil

	case "dexter":
		dexCfg, err := cfg.DexterConfig()
		if err != nil {
			return nil, func() {}, err
		}
		dexCfg.Logger = log
		driver, err := dexter.New(ctx, dexCfg)
		if err != nil {
			return nil, func() {}, err
		}
		return driver, func() { _ = driver.Close() }, nil

	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// tickMockClock advances a mock device's wall clock once a second so a
// mock-backed run behaves like a free-running device instead of a frozen
// one - otherwise every synthesized frame looks late within moments.
func tickMockClock(mock *radio.Mock, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mock.SetRealSecs(float64(time.Now().Unix()))
		case <-stop:
			return
		}
	}
}

// noDPDServerConfigured is the default dpd.Factory when no external DPD
// server address is configured: construction always fails, which dpd.New
// logs and leaves for the first Observe call to retry - DPD feedback is
// optional, not required for transmission.
func noDPDServerConfigured() (dpd.Observer, error) {
	return nil, fmt.Errorf("dpd: no feedback server configured")
}

func controlPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("control address %q has a non-numeric port: %w", addr, err)
	}
	return host, port, nil
}
