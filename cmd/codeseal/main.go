package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ipsix/codeseal/internal/cli"
	"github.com/ipsix/codeseal/internal/config"
	"github.com/ipsix/codeseal/internal/daemon"
	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/logging"
	"github.com/ipsix/codeseal/internal/storage"
)

const exitMismatch = 3

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "ctl":
			runCLI(os.Args[2:])
			return
		case "check":
			os.Exit(runCheck(os.Args[2:]))
		case "fingerprint":
			os.Exit(runFingerprint(os.Args[2:]))
		}
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("config error", err)
	}

	logger := newLogger(cfg)
	logger.Info("codeseal starting", logging.Field{Key: "config", Value: cfg.Redacted()})

	runner := daemon.New(cfg, logger)
	if err := runner.Run(context.Background()); err != nil {
		logger.Error("daemon exited with error", logging.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *logging.Logger {
	return logging.NewWithConfig(loggingConfig(cfg))
}

func loggingConfig(cfg config.Config) logging.Config {
	return logging.Config{
		Level:      cfg.Daemon.LogLevel,
		Format:     cfg.Daemon.LogFormat,
		File:       cfg.Daemon.LogFile,
		MaxSizeMB:  cfg.Daemon.LogMaxSizeMB,
		MaxBackups: cfg.Daemon.LogMaxBackups,
	}
}

// oneShotEngine builds an engine whose throttle state lives only for this
// process; one-shot commands never touch the daemon's store.
func oneShotEngine(fs *flag.FlagSet, args []string) (*integrity.Engine, string, error) {
	configPath := fs.String("config", config.DefaultConfigPath, "Path to config file")
	host := fs.String("host", "", "Host name to check (defaults to integrity.host)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, "", err
	}
	if *host == "" {
		*host = cfg.Integrity.Host
	}
	if *host == "" {
		return nil, "", fmt.Errorf("host is required (use -host or integrity.host)")
	}
	logCfg := loggingConfig(cfg)
	logCfg.File = ""
	logger := logging.NewWithWriter(logCfg, os.Stderr)
	engine, err := daemon.NewEngine(cfg.Integrity, storage.NewMemoryKV(), logger)
	if err != nil {
		return nil, "", err
	}
	return engine, *host, nil
}

func runCheck(args []string) int {
	engine, host, err := oneShotEngine(flag.NewFlagSet("check", flag.ExitOnError), args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "check error:", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report, err := engine.Verify(ctx, host)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "check error:", err)
		return 1
	}
	decision := integrity.Respond(engine.ApplicationID(), report, time.Now())
	if !decision.Halt {
		_, _ = fmt.Fprintf(os.Stdout, "ok %s %s (%d files)\n", report.Domain, report.VerificationCode, len(report.Files))
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "integrity mismatch for", report.Domain)
	_, _ = fmt.Fprintln(os.Stdout, decision.Candidate.JSON())
	return exitMismatch
}

func runFingerprint(args []string) int {
	engine, host, err := oneShotEngine(flag.NewFlagSet("fingerprint", flag.ExitOnError), args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "fingerprint error:", err)
		return 1
	}
	report := engine.Fingerprint(host)
	for _, f := range report.Failures {
		_, _ = fmt.Fprintln(os.Stderr, "skipped:", f.Error())
	}
	candidate := integrity.NewCandidate(engine.ApplicationID(), report.Domain, report.VerificationCode, time.Now())
	_, _ = fmt.Fprintln(os.Stdout, candidate.JSON())
	return 0
}

func runCLI(args []string) {
	fs := flag.NewFlagSet("ctl", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8788", "API base URL")
	token := fs.String("token", "", "API token (or set CODESEAL_TOKEN)")
	host := fs.String("host", "", "Host for fingerprint/trigger (defaults to the daemon's host)")
	limit := fs.Int("limit", 0, "Number of history entries")
	pretty := fs.Bool("pretty", false, "Pretty-print JSON responses")
	configPath := fs.String("config", config.DefaultConfigPath, "Config path for validate/storage-check")
	envFile := fs.String("env-file", "", "Env file to load before validate/storage-check")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		usageCLI()
		os.Exit(2)
	}
	cmd := fs.Arg(0)
	sub := ""
	if fs.NArg() > 1 {
		sub = fs.Arg(1)
	}

	if cmd == "validate" || cmd == "storage-check" {
		var err error
		if cmd == "validate" {
			err = runValidate(*configPath, *envFile)
		} else {
			err = runStorageCheck(*configPath, *envFile)
		}
		if err != nil {
			fail("ctl error", err)
		}
		_, _ = os.Stdout.WriteString(`{"status":"ok"}` + "\n")
		return
	}

	if *token == "" {
		*token = os.Getenv("CODESEAL_TOKEN")
	}
	if *token == "" {
		fail("ctl error", fmt.Errorf("token is required (use -token or CODESEAL_TOKEN)"))
	}

	client := cli.NewClient(*addr, *token)
	ctx := context.Background()
	var (
		raw []byte
		err error
	)

	switch cmd {
	case "status":
		raw, err = client.Status(ctx)
	case "health":
		raw, err = client.Health(ctx)
	case "results":
		switch sub {
		case "latest":
			raw, err = client.Latest(ctx)
		case "history", "":
			raw, err = client.History(ctx, *limit)
		default:
			usageCLI()
			os.Exit(2)
		}
	case "candidate":
		raw, err = client.Candidate(ctx)
	case "fingerprint":
		raw, err = client.Fingerprint(ctx, *host)
	case "trigger":
		raw, err = client.Trigger(ctx, *host)
	default:
		usageCLI()
		os.Exit(2)
	}

	if err != nil {
		fail("ctl error", err)
	}
	if *pretty {
		raw = cli.PrettyJSON(raw)
	}
	_, _ = os.Stdout.Write(raw)
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
}

func usageCLI() {
	usage := []string{
		"Usage: codeseal ctl [flags] <command>",
		"",
		"Commands:",
		"  status",
		"  health",
		"  results [latest|history]",
		"  candidate",
		"  fingerprint",
		"  trigger",
		"  validate",
		"  storage-check",
		"",
		"Flags:",
		"  -addr http://127.0.0.1:8788",
		"  -token <token> (or CODESEAL_TOKEN)",
		"  -host <host> (for fingerprint/trigger)",
		"  -limit <n> (for results history)",
		"  -pretty (pretty-print JSON)",
		"  -config <path> (for validate/storage-check)",
		"  -env-file <path> (optional env file for validate/storage-check)",
		"",
		"Other modes:",
		"  codeseal [-config path]            run the daemon",
		"  codeseal check [-host h]           verify once; exit " + strconv.Itoa(exitMismatch) + " on mismatch",
		"  codeseal fingerprint [-host h]     print the candidate record for the current tree",
	}
	_, _ = os.Stderr.WriteString(strings.Join(usage, "\n") + "\n")
}

func runValidate(configPath, envFile string) error {
	restore, err := cli.LoadEnvFile(envFile)
	if err != nil {
		return err
	}
	defer restore()

	_, err = config.Load(configPath)
	return err
}

func runStorageCheck(configPath, envFile string) error {
	restore, err := cli.LoadEnvFile(envFile)
	if err != nil {
		return err
	}
	defer restore()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	kv, _, closeFn, err := daemon.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeFn()
	if _, err := kv.Get(ctx, cfg.Integrity.StateKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func fail(prefix string, err error) {
	_, _ = os.Stderr.WriteString(prefix + ": " + err.Error() + "\n")
	os.Exit(1)
}
