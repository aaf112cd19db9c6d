// Package daemon runs the engine manager runtime as a background process
// tracked by a PID file. SIGHUP reloads configuration in place.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/theroutercompany/engine_manager/internal/config"
	pkglog "github.com/theroutercompany/engine_manager/pkg/log"
	"github.com/theroutercompany/engine_manager/pkg/runtime"
)

// Options configure daemon lifecycle behaviour.
type Options struct {
	ConfigPath string
	PIDFile    string
	LogFile    string
	LogLevel   string
}

func (o Options) configOptions() []config.Option {
	if path := strings.TrimSpace(o.ConfigPath); path != "" {
		return []config.Option{config.WithPath(path)}
	}
	return nil
}

// ProcessStatus reflects the current state of a daemonised process.
type ProcessStatus struct {
	PID     int
	Running bool
}

// Run serves the engine manager until ctx is cancelled. Each SIGHUP reloads
// the configuration and restarts the runtime with it; a configuration that
// fails to load is logged and the running one is kept.
func Run(ctx context.Context, opts Options) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	return run(ctx, opts, hup)
}

func run(ctx context.Context, opts Options, reload <-chan os.Signal) error {
	pid := pidFile(opts.PIDFile)
	release, err := pid.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := setupLogFile(opts.LogFile); err != nil {
		return err
	}

	logger, err := pkglog.New(opts.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	loadConfig := func() (config.Config, error) {
		return config.Load(opts.configOptions()...)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := runtime.New(cfg, runtime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	logger.Infow("engine manager daemon starting",
		"pid", os.Getpid(),
		"pidFile", opts.PIDFile,
		"backend", cfg.Engine.Backend,
	)
	return supervise(ctx, rt, logger, reload, loadConfig)
}

// supervise runs rt until ctx ends, restarting it with freshly loaded
// configuration whenever reload fires.
func supervise(ctx context.Context, rt *runtime.Runtime, logger pkglog.Logger, reload <-chan os.Signal, loadConfig func() (config.Config, error)) error {
	for {
		runCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- rt.Run(runCtx) }()

		next, err := awaitReload(done, reload, logger, loadConfig)
		stop()
		if err != nil || next == nil {
			return err
		}
		if err := <-done; err != nil {
			return err
		}
		if err := rt.Reload(*next); err != nil {
			return fmt.Errorf("reload runtime: %w", err)
		}
		logger.Infow("daemon configuration reloaded", "backend", next.Engine.Backend)
	}
}

// awaitReload blocks until the runtime exits (nil config) or a reload signal
// yields a loadable configuration.
func awaitReload(done <-chan error, reload <-chan os.Signal, logger pkglog.Logger, loadConfig func() (config.Config, error)) (*config.Config, error) {
	for {
		select {
		case err := <-done:
			return nil, err
		case <-reload:
			cfg, err := loadConfig()
			if err != nil {
				logger.Errorw("daemon reload rejected", "error", err)
				continue
			}
			return &cfg, nil
		}
	}
}

// Status inspects the PID file and reports whether the process it names is
// still alive. A missing PID file yields a zero status.
func Status(pidPath string) (ProcessStatus, error) {
	pid, err := pidFile(pidPath).read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ProcessStatus{}, nil
	case err != nil:
		return ProcessStatus{}, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return ProcessStatus{PID: pid}, fmt.Errorf("find process: %w", err)
	}
	return ProcessStatus{PID: pid, Running: proc.Signal(syscall.Signal(0)) == nil}, nil
}

// Stop delivers sig (SIGTERM when zero) to the daemon. SIGHUP asks a running
// daemon to reload instead of exiting.
func Stop(pidPath string, sig syscall.Signal) (ProcessStatus, error) {
	if sig == 0 {
		sig = syscall.SIGTERM
	}

	status, err := Status(pidPath)
	if err != nil {
		return status, err
	}
	if status.PID == 0 {
		return status, os.ErrNotExist
	}
	if !status.Running {
		return status, nil
	}

	proc, err := os.FindProcess(status.PID)
	if err != nil {
		return status, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return status, fmt.Errorf("signal pid %d: %w", status.PID, err)
	}
	return status, nil
}

// ParseSignal maps a signal name or number to a syscall.Signal. Empty input
// selects SIGTERM.
func ParseSignal(value string) (syscall.Signal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return syscall.SIGTERM, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		return syscall.Signal(n), nil
	}

	name := strings.TrimPrefix(strings.ToUpper(value), "SIG")
	if sig, ok := signalNames[name]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("unsupported signal %q", value)
}

var signalNames = map[string]syscall.Signal{
	"TERM": syscall.SIGTERM,
	"KILL": syscall.SIGKILL,
	"INT":  syscall.SIGINT,
	"HUP":  syscall.SIGHUP,
}

// pidFile is the path of a file holding the daemon's process id. An empty
// path disables PID tracking.
type pidFile string

func (p pidFile) path() string { return strings.TrimSpace(string(p)) }

// acquire records the current pid and returns a func removing the file. It
// refuses to overwrite a file that already names a pid.
func (p pidFile) acquire() (func(), error) {
	path := p.path()
	if path == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure pid directory: %w", err)
	}
	if existing, err := p.read(); err == nil {
		return nil, fmt.Errorf("pid file %s already names pid %d", path, existing)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	return func() { _ = os.Remove(path) }, nil
}

func (p pidFile) read() (int, error) {
	path := p.path()
	if path == "" {
		return 0, errors.New("pid file path is required")
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, os.ErrNotExist
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid value %d", pid)
	}
	return pid, nil
}

// setupLogFile creates the log file and points the logger at it.
func setupLogFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	_ = file.Close()

	return os.Setenv(pkglog.EnvLogPath, path)
}
