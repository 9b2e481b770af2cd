// blelockd serves the unlock orchestrator to a local UI shell over HTTP.
//
// It wires the audit journal, MQTT events and InfluxDB metrics when they are
// enabled, runs the re-close check after each unlock, and tells systemd when
// it is ready.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/chaz8081/blelock/internal/api"
	"github.com/chaz8081/blelock/internal/app"
	"github.com/chaz8081/blelock/internal/config"
	"github.com/chaz8081/blelock/internal/logging"
)

var version = "dev"

const pruneInterval = 6 * time.Hour

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blelock/config.yaml)")
	simulate := flag.Bool("simulate", false, "serve a simulated lock instead of the radio and access server")
	listen := flag.String("listen", "", "override api.listen")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *simulate, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, simulate bool, listen string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if listen != "" {
		cfg.API.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	log := logging.New(config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat, version, os.Stderr)
	slog.SetDefault(log)
	log.Info("Starting blelockd", "version", version, "simulate", simulate)

	rt, err := app.New(cfg, app.Options{Simulate: simulate, Sinks: true, Guard: true}, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Shutting down")
		rt.Close()
	}()

	go rt.PruneAudit(ctx, pruneInterval)

	deps := api.Deps{Unlocker: rt.Orchestrator, Scanner: rt.Transport}
	if rt.Audit != nil {
		deps.History = rt.Audit
	}
	srv := api.NewServer(cfg.API.Listen, version, deps, log)
	return srv.ListenAndServe(ctx, func() {
		sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
		switch {
		case err != nil:
			log.Warn("[API] sd_notify failed", "error", err)
		case sent:
			log.Debug("[API] Notified systemd")
		}
	})
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		return config.Load(defaultPath)
	}
	return config.Default(), nil
}
