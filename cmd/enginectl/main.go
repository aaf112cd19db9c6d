package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/theroutercompany/engine_manager/internal/config"
	"github.com/theroutercompany/engine_manager/internal/loader"
	"github.com/theroutercompany/engine_manager/pkg/daemon"
	"github.com/theroutercompany/engine_manager/pkg/engine"
	pkglog "github.com/theroutercompany/engine_manager/pkg/log"
	"github.com/theroutercompany/engine_manager/pkg/runtime"
)

var errNoManager = errors.New("no engine manager bound (engine.backend is none)")

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(1)
		}
		log.Fatalf("enginectl %s: %v", os.Args[1], err)
	}
	_ = pkglog.Sync()
}

var errUsage = errors.New("unknown command")

func run(command string, args []string, stdout io.Writer) error {
	switch command {
	case "serve":
		return serveCommand(args)
	case "validate":
		return validateCommand(args, stdout)
	case "init":
		return initCommand(args, stdout)
	case "convert-env":
		return convertEnvCommand(args, stdout)
	case "daemon":
		return daemonCommand(args, stdout)
	case "version", "libpath", "install", "libraries", "load":
		return queryCommand(command, args, stdout)
	default:
		return errUsage
	}
}

// commonFlags registers the flags shared by every config-consuming command.
type commonFlags struct {
	configPath *string
	envFile    *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "Path to engine manager configuration file"),
		envFile:    fs.String("env-file", "", "Optional dotenv file loaded before configuration"),
	}
}

func (c commonFlags) load() (config.Config, []config.Option, error) {
	if path := strings.TrimSpace(*c.envFile); path != "" {
		if err := godotenv.Load(path); err != nil {
			return config.Config{}, nil, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	opts := []config.Option{}
	if path := strings.TrimSpace(*c.configPath); path != "" {
		opts = append(opts, config.WithPath(path))
	}

	cfg, err := config.Load(opts...)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, opts, nil
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	common := addCommonFlags(fs)
	watch := fs.Bool("watch", false, "Watch the config file for changes and hot-reload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, opts, err := common.load()
	if err != nil {
		return err
	}

	logger := pkglog.Shared()
	rt, err := runtime.New(cfg, runtime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reloadRequests := make(chan config.Config, 1)
	enqueueReload := func(cfg config.Config) {
		select {
		case reloadRequests <- cfg:
		default:
			go func() { reloadRequests <- cfg }()
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var watchErrCh <-chan error
	if *watch {
		if strings.TrimSpace(*common.configPath) == "" {
			return errors.New("--config is required when --watch is enabled")
		}
		watchReloadCh, errCh, cancelWatch, err := watchConfig(ctx, *common.configPath, opts)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer cancelWatch()
		watchErrCh = errCh
		go func() {
			for cfg := range watchReloadCh {
				enqueueReload(cfg)
			}
		}()
	}

	runCtx, runCancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() {
		runDone <- rt.Run(runCtx)
	}()

	for {
		select {
		case err := <-runDone:
			runCancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-hup:
			cfg, err := config.Load(opts...)
			if err != nil {
				logger.Errorw("reload on SIGHUP failed", "error", err)
				continue
			}
			enqueueReload(cfg)
		case cfg := <-reloadRequests:
			runCancel()
			if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if err := rt.Reload(cfg); err != nil {
				return fmt.Errorf("reload config: %w", err)
			}
			runCtx, runCancel = context.WithCancel(ctx)
			runDone = make(chan error, 1)
			go func() {
				runDone <- rt.Run(runCtx)
			}()
			logger.Infow("configuration reloaded", "backend", cfg.Engine.Backend)
		case err, ok := <-watchErrCh:
			if !ok {
				watchErrCh = nil
				continue
			}
			if err != nil {
				logger.Warnw("config watch error", "error", err)
			}
		case <-ctx.Done():
			runCancel()
		}
	}
}

func validateCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, _, err := common.load(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	fmt.Fprintln(stdout, "configuration valid")
	return nil
}

func initCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	outputPath := fs.String("path", "enginectl.yaml", "Destination path for generated config")
	force := fs.Bool("force", false, "Overwrite existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*outputPath); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", *outputPath)
		}
	}

	if err := os.WriteFile(*outputPath, []byte(sampleConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(stdout, "configuration written to %s\n", *outputPath)
	return nil
}

func convertEnvCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("convert-env", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := common.load()
	if err != nil {
		return err
	}
	cfg.Auth.Secret = ""

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = stdout.Write(data)
	return err
}

func queryCommand(command string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	version := strings.TrimSpace(fs.Arg(0))
	if command != "version" && version == "" {
		return fmt.Errorf("usage: enginectl %s [--config path] <version>", command)
	}
	// Flags may also follow the version.
	if fs.NArg() > 1 {
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return err
		}
		if fs.NArg() > 0 {
			return fmt.Errorf("usage: enginectl %s [--config path] <version>: unexpected argument %q", command, fs.Arg(0))
		}
	}

	cfg, _, err := common.load()
	if err != nil {
		return err
	}

	logger := pkglog.NewNop()
	backend, err := runtime.BindEngine(cfg.Engine.Backend)
	if err != nil {
		return err
	}
	svc := engine.Instrument(backend, engine.WithLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if command == "load" {
		ld := loader.New(svc, loader.WithLogger(logger), loader.WithConfig(cfg))
		res, err := ld.Load(ctx, version)
		if err != nil {
			return err
		}
		return printJSON(stdout, res)
	}

	if svc == nil {
		return errNoManager
	}

	ctx, callCancel := context.WithTimeout(ctx, cfg.Engine.CallTimeout.AsDuration())
	defer callCancel()

	switch command {
	case "version":
		v, err := svc.EngineVersion(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"engineVersion": v})
	case "libpath":
		path, err := svc.LibPathByVersion(ctx, version)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"version": version, "path": absent(path)})
	case "install":
		installed, err := svc.InstallVersion(ctx, version)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"version": version, "installed": installed})
	default:
		list, err := svc.LibraryList(ctx, version)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{
			"version":   version,
			"libraries": engine.ParseLibraryList(list),
			"raw":       absent(list),
		})
	}
}

const daemonChildEnv = "ENGINECTL_DAEMON_CHILD"

func daemonCommand(args []string, stdout io.Writer) error {
	subcommand := "start"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcommand = args[0]
		args = args[1:]
	}

	switch subcommand {
	case "start":
		return daemonStart(args, stdout)
	case "stop":
		return daemonStop(args, stdout)
	case "status":
		return daemonStatus(args, stdout)
	default:
		return fmt.Errorf("unknown daemon subcommand %q", subcommand)
	}
}

func daemonStart(args []string, stdout io.Writer) error {
	rawArgs := append([]string(nil), args...)
	fs := flag.NewFlagSet("daemon start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to engine manager configuration file")
	envFile := fs.String("env-file", "", "Optional dotenv file loaded before configuration")
	pidPath := fs.String("pid", "enginectl.pid", "Path to write the PID file")
	logPath := fs.String("log", "", "Path to write daemon logs")
	logLevel := fs.String("log-level", "info", "Daemon log level")
	background := fs.Bool("background", false, "Run the daemon in the background")
	if err := fs.Parse(args); err != nil {
		return err
	}

	isChild := os.Getenv(daemonChildEnv) == "1"
	if *background && !isChild {
		childArgs := []string{"daemon", "start"}
		for _, arg := range rawArgs {
			if strings.HasPrefix(arg, "--background") || strings.HasPrefix(arg, "-background") {
				continue
			}
			childArgs = append(childArgs, arg)
		}
		cmd := exec.Command(os.Args[0], childArgs...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start background daemon: %w", err)
		}
		fmt.Fprintf(stdout, "daemon started (pid %d)\n", cmd.Process.Pid)
		return nil
	}
	_ = os.Unsetenv(daemonChildEnv)

	if path := strings.TrimSpace(*envFile); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return daemon.Run(ctx, daemon.Options{
		ConfigPath: *configPath,
		PIDFile:    *pidPath,
		LogFile:    *logPath,
		LogLevel:   *logLevel,
	})
}

func daemonStop(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("daemon stop", flag.ContinueOnError)
	pidPath := fs.String("pid", "enginectl.pid", "Path to PID file")
	signalName := fs.String("signal", "SIGTERM", "Signal to send (name or number)")
	wait := fs.Duration("wait", 5*time.Second, "Time to wait for shutdown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sig, err := daemon.ParseSignal(*signalName)
	if err != nil {
		return err
	}

	status, err := daemon.Stop(*pidPath, sig)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(stdout, "daemon not running (no pid file)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	if !status.Running {
		fmt.Fprintln(stdout, "daemon already stopped")
		_ = os.Remove(*pidPath)
		return nil
	}
	if sig == syscall.SIGHUP {
		fmt.Fprintf(stdout, "reload signalled (pid %d)\n", status.PID)
		return nil
	}

	deadline := time.Now().Add(*wait)
	for {
		time.Sleep(200 * time.Millisecond)
		st, err := daemon.Status(*pidPath)
		if err != nil {
			return fmt.Errorf("check status: %w", err)
		}
		if st.PID == 0 || !st.Running {
			fmt.Fprintln(stdout, "daemon stopped")
			_ = os.Remove(*pidPath)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon pid %d did not stop within %s", st.PID, *wait)
		}
	}
}

func daemonStatus(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("daemon status", flag.ContinueOnError)
	pidPath := fs.String("pid", "enginectl.pid", "Path to PID file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	status, err := daemon.Status(*pidPath)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	switch {
	case status.PID == 0:
		fmt.Fprintln(stdout, "daemon not running")
	case status.Running:
		fmt.Fprintf(stdout, "daemon running (pid %d)\n", status.PID)
	default:
		fmt.Fprintf(stdout, "daemon stopped (stale pid %d)\n", status.PID)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// absent maps the empty string to JSON null.
func absent(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: enginectl <command> [options] [version]\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  serve        Serve the engine manager HTTP surface\n")
	fmt.Fprintf(w, "  validate     Validate configuration without serving\n")
	fmt.Fprintf(w, "  init         Generate a config skeleton\n")
	fmt.Fprintf(w, "  convert-env  Snapshot environment variables into a YAML config\n")
	fmt.Fprintf(w, "  daemon       Manage the server as a background process (start/stop/status)\n")
	fmt.Fprintf(w, "  version      Print the engine manager version\n")
	fmt.Fprintf(w, "  libpath      Print the library path of an OpenCV version\n")
	fmt.Fprintf(w, "  install      Request installation of an OpenCV version\n")
	fmt.Fprintf(w, "  libraries    Print the library list of an OpenCV version\n")
	fmt.Fprintf(w, "  load         Resolve an OpenCV version through the loader\n")
}

const sampleConfigYAML = `# Engine manager configuration.
version: ""

http:
  port: 8080
  shutdownTimeout: 15s

grpc:
  enabled: false
  port: 9090

engine:
  backend: stub
  minVersion: 2
  callTimeout: 2s

install:
  window: 60s
  max: 3

auth:
  secret: replace-me
  issuer: engine-manager
  audiences:
    - engine

cors:
  allowedOrigins: []

rateLimit:
  window: 60s
  max: 120

metrics:
  enabled: true
`
