package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/theroutercompany/engine_manager/internal/config"
	pkglog "github.com/theroutercompany/engine_manager/pkg/log"
	enginert "github.com/theroutercompany/engine_manager/pkg/runtime"
)

func TestPIDFileAcquireAndRelease(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "enginectl.pid")
	cleanup, err := pidFile(tmp).acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}

	cleanup()
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, got err=%v", err)
	}
}

func TestPIDFileAcquireRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enginectl.pid")
	if err := os.WriteFile(path, []byte("12345\n"), 0o644); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}

	if _, err := pidFile(path).acquire(); err == nil {
		t.Fatalf("expected error when pid file exists")
	}
}

func TestSetupLogFileSetsEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	t.Setenv(pkglog.EnvLogPath, "")

	if err := setupLogFile(path); err != nil {
		t.Fatalf("setupLogFile: %v", err)
	}
	if env := os.Getenv(pkglog.EnvLogPath); env != path {
		t.Fatalf("expected env %s=%s, got %s", pkglog.EnvLogPath, path, env)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file created: %v", err)
	}
}

func TestStatusHandlesMissingPID(t *testing.T) {
	status, err := Status(filepath.Join(t.TempDir(), "missing.pid"))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Running || status.PID != 0 {
		t.Fatalf("expected no process, got %+v", status)
	}
}

func TestStatusReportsCurrentProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	status, err := Status(path)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.PID != os.Getpid() || !status.Running {
		t.Fatalf("expected running status for current pid, got %+v", status)
	}
}

func TestParseSignal(t *testing.T) {
	cases := map[string]syscall.Signal{
		"":        syscall.SIGTERM,
		"term":    syscall.SIGTERM,
		"SIGKILL": syscall.SIGKILL,
		"HUP":     syscall.SIGHUP,
		"2":       syscall.SIGINT,
	}
	for input, want := range cases {
		got, err := ParseSignal(input)
		if err != nil || got != want {
			t.Fatalf("ParseSignal(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseSignal("USR9"); err == nil {
		t.Fatalf("expected error for unknown signal")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "engine.yaml")
	body := fmt.Sprintf("http:\n  port: %d\nengine:\n  backend: stub\n", freePort(t))
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	pidPath := filepath.Join(dir, "run", "enginectl.pid")
	t.Setenv(pkglog.EnvLogPath, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			ConfigPath: configPath,
			PIDFile:    pidPath,
			LogFile:    filepath.Join(dir, "engine.log"),
			LogLevel:   "error",
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(pidPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("pid file not written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop")
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed after run, got err=%v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestStopSendsSignal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals not supported on Windows in tests")
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestDaemonHelperProcess", "--", "daemon-helper")
	cmd.Env = append(os.Environ(), "ENGINE_MANAGER_DAEMON_TEST_HELPER=1")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	defer cmd.Process.Kill()

	pidPath := filepath.Join(t.TempDir(), "pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", cmd.Process.Pid)), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	status, err := Stop(pidPath, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if status.PID != cmd.Process.Pid {
		t.Fatalf("expected pid %d, got %d", cmd.Process.Pid, status.PID)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				t.Fatalf("helper exit: %v", err)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for helper to exit")
	}
}

func TestDaemonHelperProcess(t *testing.T) {
	if os.Getenv("ENGINE_MANAGER_DAEMON_TEST_HELPER") != "1" {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-time.After(5 * time.Second):
	}
	os.Exit(0)
}

func TestSuperviseReloadsOnSignal(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = config.DurationFrom(time.Second)
	rt, err := enginert.New(cfg, enginert.WithLogger(pkglog.NewNop()))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	reloaded := cfg
	reloaded.Engine.Backend = config.BackendNone
	loads := 0
	loadConfig := func() (config.Config, error) {
		loads++
		if loads == 1 {
			return config.Config{}, errors.New("engine.backend: unknown value")
		}
		return reloaded, nil
	}

	reload := make(chan os.Signal)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- supervise(ctx, rt, pkglog.NewNop(), reload, loadConfig)
	}()

	waitForBackend(t, rt.Addr, config.BackendStub)

	reload <- syscall.SIGHUP
	waitForBackend(t, rt.Addr, config.BackendStub)

	reload <- syscall.SIGHUP
	waitForBackend(t, rt.Addr, config.BackendNone)
	if rt.Engine() != nil {
		t.Fatalf("expected no engine bound after reload to none")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("supervise: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("supervise did not stop")
	}
}

func TestHangupReloadsRunningDaemon(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals not supported on Windows in tests")
	}

	dir := t.TempDir()
	port := freePort(t)
	configPath := filepath.Join(dir, "engine.yaml")
	writeDaemonConfig(t, configPath, port, config.BackendStub)
	pidPath := filepath.Join(dir, "enginectl.pid")

	cmd := exec.Command(os.Args[0], "-test.run=TestDaemonRunHelperProcess", "--", "daemon-run-helper")
	cmd.Env = append(os.Environ(),
		"ENGINE_MANAGER_DAEMON_RUN_HELPER=1",
		"ENGINE_MANAGER_DAEMON_TEST_CONFIG="+configPath,
		"ENGINE_MANAGER_DAEMON_TEST_PID="+pidPath,
	)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	defer cmd.Process.Kill()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	addr := func() string { return fmt.Sprintf("127.0.0.1:%d", port) }
	waitForBackend(t, addr, config.BackendStub)

	writeDaemonConfig(t, configPath, port, config.BackendNone)
	if _, err := Stop(pidPath, syscall.SIGHUP); err != nil {
		t.Fatalf("signal reload: %v", err)
	}
	waitForBackend(t, addr, config.BackendNone)

	status, err := Status(pidPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Running || status.PID != cmd.Process.Pid {
		t.Fatalf("expected daemon to survive reload, got %+v", status)
	}

	if _, err := Stop(pidPath, syscall.SIGTERM); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-exited:
		if err != nil {
			t.Fatalf("daemon exit: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed after stop, got err=%v", err)
	}
}

func TestDaemonRunHelperProcess(t *testing.T) {
	if os.Getenv("ENGINE_MANAGER_DAEMON_RUN_HELPER") != "1" {
		return
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	err := Run(ctx, Options{
		ConfigPath: os.Getenv("ENGINE_MANAGER_DAEMON_TEST_CONFIG"),
		PIDFile:    os.Getenv("ENGINE_MANAGER_DAEMON_TEST_PID"),
		LogLevel:   "error",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func writeDaemonConfig(t *testing.T, path string, port int, backend string) {
	t.Helper()
	body := fmt.Sprintf("http:\n  port: %d\n  shutdownTimeout: 1s\nengine:\n  backend: %s\n", port, backend)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// waitForBackend polls /health until it reports the wanted backend.
func waitForBackend(t *testing.T, addr func() string, want string) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(5 * time.Second)
	last := ""
	for time.Now().Before(deadline) {
		if a := addr(); a != "" {
			_, port, err := net.SplitHostPort(a)
			if err != nil {
				t.Fatalf("split %q: %v", a, err)
			}
			resp, err := client.Get("http://" + net.JoinHostPort("127.0.0.1", port) + "/health")
			if err == nil {
				var body struct {
					Backend string `json:"backend"`
				}
				decodeErr := json.NewDecoder(resp.Body).Decode(&body)
				resp.Body.Close()
				if decodeErr == nil {
					last = body.Backend
					if last == want {
						return
					}
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("backend %q never reported, last saw %q", want, last)
}
