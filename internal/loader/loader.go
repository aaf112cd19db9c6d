// Package loader resolves the native OpenCV libraries for a requested version
// through an engine manager client, asking the manager to install the version
// when it is missing.
package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/theroutercompany/engine_manager/internal/config"
	"github.com/theroutercompany/engine_manager/pkg/engine"
	pkglog "github.com/theroutercompany/engine_manager/pkg/log"
)

// DefaultMinEngineVersion is the oldest manager revision the loader talks to.
const DefaultMinEngineVersion = 2

// ErrInvalidVersion reports a requested version that is not a semantic version.
var ErrInvalidVersion = errors.New("invalid opencv version")

// Option configures a Loader.
type Option func(*Loader)

// WithLogger overrides the logger. Defaults to the shared logger.
func WithLogger(logger pkglog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMinEngineVersion sets the oldest acceptable manager revision.
func WithMinEngineVersion(v int) Option {
	return func(l *Loader) {
		if v >= 0 {
			l.minEngineVersion = v
		}
	}
}

// WithCallTimeout bounds each manager call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d >= 0 {
			l.callTimeout = d
		}
	}
}

// WithInstallLimit allows at most max install requests per window.
func WithInstallLimit(window time.Duration, max int) Option {
	return func(l *Loader) {
		if window <= 0 || max <= 0 {
			l.installLimiter = nil
			return
		}
		l.installLimiter = rate.NewLimiter(rate.Every(window/time.Duration(max)), max)
	}
}

// WithConfig applies the engine and install sections of cfg: minimum manager
// revision, per-call timeout and install throttle.
func WithConfig(cfg config.Config) Option {
	return func(l *Loader) {
		for _, opt := range []Option{
			WithMinEngineVersion(cfg.Engine.MinVersion),
			WithCallTimeout(cfg.Engine.CallTimeout.AsDuration()),
			WithInstallLimit(cfg.Install.Window.AsDuration(), cfg.Install.Max),
		} {
			opt(l)
		}
	}
}

// WithClock overrides the time source used by the install limiter.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		if now != nil {
			l.now = now
		}
	}
}

// Loader drives the manager client. It is safe for concurrent use.
type Loader struct {
	svc              engine.Interface
	logger           pkglog.Logger
	minEngineVersion int
	callTimeout      time.Duration
	installLimiter   *rate.Limiter
	now              func() time.Time
}

// New constructs a Loader over svc. A nil svc is valid and reported as an
// unavailable manager by Load.
func New(svc engine.Interface, opts ...Option) *Loader {
	l := &Loader{
		svc:              svc,
		logger:           pkglog.Shared(),
		minEngineVersion: DefaultMinEngineVersion,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// NormalizeVersion parses version as a semantic version and returns its
// major.minor.patch form.
func NormalizeVersion(version string) (string, error) {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	v, err := semver.NewVersion(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidVersion, version, err)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch()), nil
}

// Load resolves the libraries of version. Manager outcomes are reported in
// Result.Status; the error is reserved for invalid input and failed calls.
func (l *Loader) Load(ctx context.Context, version string) (Result, error) {
	res := Result{
		AttemptID: uuid.NewString(),
		Requested: version,
	}

	normalized, err := NormalizeVersion(version)
	if err != nil {
		return res, err
	}
	res.Version = normalized

	logger := l.logger
	fields := []any{"attemptId", res.AttemptID, "version", normalized}

	if l.svc == nil {
		res.Status = StatusManagerUnavailable
		logger.Warnw("engine manager unavailable", fields...)
		return res, nil
	}

	engineVersion, err := call(ctx, l.callTimeout, l.svc.EngineVersion)
	if err != nil {
		return res, fmt.Errorf("query engine version: %w", err)
	}
	res.EngineVersion = engineVersion
	if engineVersion < l.minEngineVersion {
		res.Status = StatusIncompatibleManager
		logger.Warnw("engine manager too old", append(fields, "engineVersion", engineVersion, "minEngineVersion", l.minEngineVersion)...)
		return res, nil
	}

	path, err := call(ctx, l.callTimeout, func(ctx context.Context) (string, error) {
		return l.svc.LibPathByVersion(ctx, normalized)
	})
	if err != nil {
		return res, fmt.Errorf("resolve library path: %w", err)
	}

	if path != "" {
		list, err := call(ctx, l.callTimeout, func(ctx context.Context) (string, error) {
			return l.svc.LibraryList(ctx, normalized)
		})
		if err != nil {
			return res, fmt.Errorf("list libraries: %w", err)
		}
		res.Status = StatusResolved
		res.Path = path
		res.Libraries = engine.ParseLibraryList(list)
		logger.Infow("opencv libraries resolved", append(fields, "path", path, "libraries", len(res.Libraries))...)
		return res, nil
	}

	if l.installLimiter != nil && !l.installLimiter.AllowN(l.now(), 1) {
		res.Status = StatusInstallThrottled
		logger.Warnw("install request throttled", fields...)
		return res, nil
	}

	installed, err := call(ctx, l.callTimeout, func(ctx context.Context) (bool, error) {
		return l.svc.InstallVersion(ctx, normalized)
	})
	if err != nil {
		return res, fmt.Errorf("install version: %w", err)
	}
	if installed {
		res.Status = StatusInstallRequested
		logger.Infow("opencv install requested", fields...)
	} else {
		res.Status = StatusInstallRejected
		logger.Warnw("opencv install rejected", fields...)
	}
	return res, nil
}

func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}
