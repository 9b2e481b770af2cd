package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/blelock/internal/app"
	"github.com/chaz8081/blelock/internal/authz"
	"github.com/chaz8081/blelock/internal/ble"
	"github.com/chaz8081/blelock/internal/config"
	"github.com/chaz8081/blelock/internal/logging"
	"github.com/chaz8081/blelock/internal/unlock"
)

var version = "dev"

// tokenEnv holds the session token when -token is not given.
const tokenEnv = "BLELOCK_TOKEN"

const usage = `usage: blelock [-config path] [-simulate] <command> [flags]

commands:
  scan                 list nearby locks
  unlock <lock>        unlock a lock by name or MAC
  lock <lock>          re-lock a lock by name or MAC
  history <lock>       show recent attempts from the audit journal
  init                 write the default config file
`

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blelock/config.yaml)")
	simulate := flag.Bool("simulate", false, "talk to a simulated lock instead of the radio and access server")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code, err := run(ctx, *configPath, *simulate, flag.Args(), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

// run executes one command and returns the process exit code: 0 on success,
// 1 on errors and failed attempts, 3 on denials.
func run(ctx context.Context, configPath string, simulate bool, args []string, out io.Writer) (int, error) {
	cmd, rest := args[0], args[1:]
	if cmd == "init" {
		path, err := config.WriteDefault()
		if err != nil {
			return 1, err
		}
		if path == "" {
			fmt.Fprintf(out, "Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Fprintf(out, "Wrote %s\n", path)
		}
		return 0, nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return 1, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return 1, fmt.Errorf("config validation: %w", err)
	}
	logger := logging.New(config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat, version, os.Stderr)

	rt, err := app.New(cfg, app.Options{Simulate: simulate}, logger)
	if err != nil {
		return 1, err
	}
	defer rt.Close()

	switch cmd {
	case "scan":
		return scanCmd(ctx, rt, rest, out)
	case "unlock", "lock":
		return attemptCmd(ctx, rt, cmd, rest, simulate, out)
	case "history":
		return historyCmd(ctx, rt, rest, out)
	default:
		return 2, fmt.Errorf("unknown command %q", cmd)
	}
}

func scanCmd(ctx context.Context, rt *app.Runtime, args []string, out io.Writer) (int, error) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 5*time.Second, "how long to listen")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}

	devices, err := rt.Transport.ScanForLocks(ctx, *timeout)
	if err != nil {
		return 1, fmt.Errorf("scan: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "No locks found")
		return 0, nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MAC\tNAME\tRSSI\tSTATE")
	for _, d := range devices {
		state := "closed"
		if d.ReportsOpen() {
			state = "open"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.MAC, d.Name, d.RSSI, state)
	}
	return 0, w.Flush()
}

func attemptCmd(ctx context.Context, rt *app.Runtime, cmd string, args []string, simulate bool, out io.Writer) (int, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	token := fs.String("token", "", "session token (default: $"+tokenEnv+")")
	protocolVersion := fs.Uint("protocol-version", 0, "lock protocol version, for locks not in the config")
	keyGroup := fs.Uint("key-group", 0, "lock key group id, for locks not in the config")
	lat := fs.Float64("lat", 0, "latitude for proximity checks")
	lon := fs.Float64("lon", 0, "longitude for proximity checks")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if fs.NArg() != 1 {
		return 2, fmt.Errorf("%s needs exactly one lock name or MAC", cmd)
	}
	if *protocolVersion > 255 {
		return 2, fmt.Errorf("-protocol-version must be 1..255")
	}
	if *keyGroup > 1<<32-1 {
		return 2, fmt.Errorf("-key-group is out of range")
	}

	lock, err := rt.Resolve(fs.Arg(0), uint8(*protocolVersion), uint32(*keyGroup))
	if err != nil {
		return 1, err
	}

	tok := *token
	if tok == "" {
		tok = os.Getenv(tokenEnv)
	}
	if tok == "" && simulate {
		tok = "simulated"
	}

	var loc *authz.Location
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	switch {
	case set["lat"] && set["lon"]:
		loc = &authz.Location{Latitude: *lat, Longitude: *lon}
	case set["lat"] || set["lon"]:
		return 2, errors.New("-lat and -lon must be given together")
	}

	var res unlock.Result
	if cmd == "unlock" {
		res = rt.Orchestrator.RequestUnlock(ctx, lock, authz.SessionToken(tok), loc)
	} else {
		res = rt.Orchestrator.RequestLock(ctx, lock, authz.SessionToken(tok), loc)
	}

	fmt.Fprintf(out, "%s: %s\n", lock.MAC, res)
	if res.Reason != "" {
		fmt.Fprintf(out, "  %s\n", res.Reason)
	}
	switch res.Outcome {
	case unlock.Success:
		return 0, nil
	case unlock.Denied:
		return 3, nil
	default:
		return 1, nil
	}
}

func historyCmd(ctx context.Context, rt *app.Runtime, args []string, out io.Writer) (int, error) {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "how many entries to show")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if fs.NArg() != 1 {
		return 2, errors.New("history needs exactly one lock name or MAC")
	}
	if rt.Audit == nil {
		return 1, errors.New("the audit journal is disabled (audit.enabled: false)")
	}
	ref := fs.Arg(0)
	if l, ok := rt.Config.FindLock(ref); ok {
		ref = l.MAC
	}
	mac, err := ble.ParseMAC(ref)
	if err != nil {
		return 1, fmt.Errorf("%w: %q", app.ErrUnknownLock, fs.Arg(0))
	}

	entries, err := rt.Audit.History(ctx, mac, *limit)
	if err != nil {
		return 1, err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No attempts recorded")
		return 0, nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAIL\tATTEMPTS\tELAPSED")
	for _, e := range entries {
		detail := e.Kind
		if e.DenyReason != "" {
			detail = e.DenyReason
		}
		if e.OpenSeconds > 0 {
			detail = fmt.Sprintf("%ds", e.OpenSeconds)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Action, e.Outcome, detail,
			e.Attempts, e.Elapsed.Round(time.Millisecond))
	}
	return 0, w.Flush()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	log.Println("No config file found, using defaults (run 'blelock init' to write one)")
	return config.Default(), nil
}
