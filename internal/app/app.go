// Package app wires configuration into a running transport, handshake
// machine, authorization gate and orchestrator, with the optional audit,
// event and metrics sinks. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blelock/internal/audit"
	"github.com/chaz8081/blelock/internal/authz"
	"github.com/chaz8081/blelock/internal/ble"
	"github.com/chaz8081/blelock/internal/config"
	"github.com/chaz8081/blelock/internal/events"
	"github.com/chaz8081/blelock/internal/handshake"
	"github.com/chaz8081/blelock/internal/locksim"
	"github.com/chaz8081/blelock/internal/telemetry"
	"github.com/chaz8081/blelock/internal/unlock"
)

// SimLockName is the name the simulated lock is registered under.
const SimLockName = "sim"

// SimOpenDuration is what the simulated access server grants per unlock.
const SimOpenDuration = 5 * time.Second

// SimLockOptions describes the lock --simulate talks to.
func SimLockOptions() locksim.Options {
	return locksim.Options{
		MAC:             "D8:71:4D:0C:E9:0F",
		ProtocolVersion: 29,
		KeyGroupID:      900,
		AESKey:          []byte("vdsWrarnt3xyDMf8"),
		AuthCode:        []byte("20BD58D4"),
		Name:            "SimLock",
	}
}

// ErrNoAuthServer is returned outside simulation when authz.base_url is unset.
var ErrNoAuthServer = errors.New("app: authz.base_url is not configured")

// ErrUnknownLock is returned by Resolve for a name that is neither configured
// nor a MAC address.
var ErrUnknownLock = errors.New("app: unknown lock")

// Options selects what New wires.
type Options struct {
	// Simulate replaces the radio and the access server with a locksim lock.
	Simulate bool
	// Sinks enables the MQTT and InfluxDB sinks when configured. The audit
	// journal is wired whenever audit.enabled is set.
	Sinks bool
	// Guard enables the re-close check.
	Guard bool
}

// Runtime holds the wired components. Close releases them in reverse order.
type Runtime struct {
	Config       *config.Config
	Transport    *ble.Transport
	Orchestrator *unlock.Orchestrator
	// Audit is nil when the journal is disabled.
	Audit *audit.SQLiteStore
	// Sim is non-nil in simulation.
	Sim *locksim.Lock

	log     *slog.Logger
	closers []func()
}

// New builds a Runtime from cfg. A nil logger uses slog.Default.
func New(cfg *config.Config, opts Options, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	rt := &Runtime{Config: cfg, log: log}

	var (
		adapter ble.Adapter
		collab  authz.Collaborator
	)
	if opts.Simulate {
		sim, err := locksim.New(SimLockOptions(), log)
		if err != nil {
			return nil, fmt.Errorf("app: simulator: %w", err)
		}
		rt.Sim = sim
		adapter = sim
		collab = sim.Collaborator(SimOpenDuration)
		rt.registerSimLock()
		log.Info("[LOCK] Simulation mode", "lock", SimLockOptions().MAC)
	} else {
		if cfg.Authz.BaseURL == "" {
			return nil, ErrNoAuthServer
		}
		a, err := ble.NewTinyGoAdapter(cfg.BLE.ServiceUUID)
		if err != nil {
			return nil, fmt.Errorf("app: bluetooth adapter: %w", err)
		}
		adapter = a
		collab = authz.NewHTTPCollaborator(cfg.Authz.BaseURL, cfg.Authz.RequestTimeout.D(), log)
	}

	rt.Transport = ble.NewTransport(adapter, cfg.TransportOptions(), log)
	machine := handshake.NewMachine(rt.Transport, cfg.HandshakeTimeouts(), log)
	gate := authz.NewGate(collab, log)

	uopts := cfg.UnlockOptions()
	uopts.Logger = log
	if opts.Guard {
		uopts.Observer = rt.Transport
	}

	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.AuditStoreConfig())
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		rt.Audit = store
		rt.closers = append(rt.closers, func() {
			if err := store.Close(); err != nil {
				log.Error("[AUDIT] Close failed", "error", err)
			}
		})
		uopts.Sinks = append(uopts.Sinks, store)
	}

	if opts.Sinks {
		uopts.Sinks = append(uopts.Sinks, rt.optionalSinks()...)
	}

	rt.Orchestrator = unlock.New(gate, machine, uopts)
	rt.closers = append(rt.closers, rt.Orchestrator.Close)
	return rt, nil
}

// optionalSinks connects the MQTT and InfluxDB sinks that are enabled. A sink
// that cannot connect is logged and skipped; attempts work without it.
func (rt *Runtime) optionalSinks() []unlock.Sink {
	var sinks []unlock.Sink
	cfg := rt.Config

	if cfg.MQTT.Enabled {
		pub, err := events.Connect(cfg.EventsConfig(), rt.log)
		if err != nil {
			rt.log.Warn("[MQTT] Event publishing disabled", "error", err)
		} else {
			sinks = append(sinks, pub)
			rt.closers = append(rt.closers, pub.Close)
		}
	}

	rec, err := telemetry.Connect(cfg.TelemetryConfig(), rt.log)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
	case err != nil:
		rt.log.Warn("[METRICS] Metrics disabled", "error", err)
	default:
		sinks = append(sinks, rec)
		rt.closers = append(rt.closers, rec.Close)
	}
	return sinks
}

func (rt *Runtime) registerSimLock() {
	if _, ok := rt.Config.FindLock(SimLockName); ok {
		return
	}
	o := SimLockOptions()
	rt.Config.Locks = append(rt.Config.Locks, config.LockConfig{
		Name:            SimLockName,
		MAC:             o.MAC,
		ProtocolVersion: o.ProtocolVersion,
		KeyGroupID:      o.KeyGroupID,
	})
}

// Resolve returns the identity for ref: a configured lock name or MAC. An
// unconfigured MAC needs protocolVersion and keyGroupID from the caller;
// zero values mean "not given".
func (rt *Runtime) Resolve(ref string, protocolVersion uint8, keyGroupID uint32) (ble.LockIdentity, error) {
	if l, ok := rt.Config.FindLock(ref); ok {
		if protocolVersion != 0 {
			l.ProtocolVersion = protocolVersion
		}
		if keyGroupID != 0 {
			l.KeyGroupID = keyGroupID
		}
		return l.Identity()
	}
	if _, err := ble.ParseMAC(ref); err != nil {
		return ble.LockIdentity{}, fmt.Errorf("%w: %q", ErrUnknownLock, ref)
	}
	return ble.NewLockIdentity(ref, protocolVersion, keyGroupID)
}

// PruneAudit deletes journal rows older than the configured retention every
// interval until ctx is done. It returns at once when the journal is off.
func (rt *Runtime) PruneAudit(ctx context.Context, interval time.Duration) {
	if rt.Audit == nil || rt.Config.Audit.Retention <= 0 {
		return
	}
	prune := func() {
		n, err := rt.Audit.Prune(ctx, rt.Config.Audit.Retention.D())
		switch {
		case err != nil && ctx.Err() == nil:
			rt.log.Warn("[AUDIT] Prune failed", "error", err)
		case n > 0:
			rt.log.Info("[AUDIT] Pruned old entries", "rows", n)
		}
	}

	prune()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}

// Close stops the orchestrator and releases every sink.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
