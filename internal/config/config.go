// Package config loads, validates, and normalises engine manager
// configuration from layered YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine backends.
const (
	BackendStub = "stub"
	BackendNone = "none"
)

const (
	defaultPort             = 8080
	defaultGRPCPort         = 9090
	defaultShutdownTimeout  = 15 * time.Second
	defaultBackend          = BackendStub
	defaultMinEngineVersion = 2
	defaultCallTimeout      = 2 * time.Second
	defaultInstallWindow    = 60 * time.Second
	defaultInstallMax       = 3
	defaultRateLimitWindow  = 60 * time.Second
	defaultRateLimitMax     = 120
	defaultMetricsEnabled   = true
	defaultConfigEnvVar     = "ENGINE_MANAGER_CONFIG"
	envPort                 = "PORT"
	envGRPCPort             = "GRPC_PORT"
	envGRPCEnabled          = "GRPC_ENABLED"
	envShutdownTimeout      = "SHUTDOWN_TIMEOUT_MS"
	envGitSHA               = "GIT_SHA"
	envEngineBackend        = "ENGINE_BACKEND"
	envEngineMinVersion     = "ENGINE_MIN_VERSION"
	envEngineCallTimeout    = "ENGINE_CALL_TIMEOUT_MS"
	envInstallWindow        = "INSTALL_WINDOW_MS"
	envInstallMax           = "INSTALL_MAX"
	envJWTSecret            = "JWT_SECRET"
	envJWTAudience          = "JWT_AUDIENCE"
	envJWTIssuer            = "JWT_ISSUER"
	envCorsAllowedOrigins   = "CORS_ALLOWED_ORIGINS"
	envRateLimitWindow      = "RATE_LIMIT_WINDOW_MS"
	envRateLimitMax         = "RATE_LIMIT_MAX"
	envMetricsEnabled       = "METRICS_ENABLED"
)

// Config captures runtime configuration for the engine manager service.
type Config struct {
	Version   string          `yaml:"version"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Engine    EngineConfig    `yaml:"engine"`
	Install   InstallConfig   `yaml:"install"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// HTTPConfig configures listener behaviour.
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// GRPCConfig configures the gRPC health listener.
type GRPCConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// EngineConfig selects the manager client and how callers treat it.
type EngineConfig struct {
	Backend     string   `yaml:"backend"`
	MinVersion  int      `yaml:"minVersion"`
	CallTimeout Duration `yaml:"callTimeout"`
}

// InstallConfig throttles install requests sent to the manager.
type InstallConfig struct {
	Window Duration `yaml:"window"`
	Max    int      `yaml:"max"`
}

// AuthConfig captures JWT validation settings.
type AuthConfig struct {
	Secret    string   `yaml:"secret"`
	Audiences []string `yaml:"audiences"`
	Issuer    string   `yaml:"issuer"`
}

// CORSConfig captures allowed origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// RateLimitConfig captures per-client throttling of the HTTP surface.
type RateLimitConfig struct {
	Window Duration `yaml:"window"`
	Max    int      `yaml:"max"`
}

// MetricsConfig toggles metrics exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Duration is a YAML-friendly time.Duration accepting Go duration strings or
// integer milliseconds.
type Duration time.Duration

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.AsDuration().String(), nil
}

// UnmarshalYAML decodes a scalar duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}

	txt := strings.TrimSpace(value.Value)
	if txt == "" {
		*d = Duration(0)
		return nil
	}
	if ms, err := strconv.Atoi(txt); err == nil {
		if ms < 0 {
			return fmt.Errorf("duration must be non-negative, got %d", ms)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(txt)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", txt, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be non-negative, got %s", parsed)
	}
	*d = Duration(parsed)
	return nil
}

// DurationFrom constructs a Duration from a time.Duration.
func DurationFrom(d time.Duration) Duration {
	return Duration(d)
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Version: os.Getenv(envGitSHA),
		HTTP: HTTPConfig{
			Port:            defaultPort,
			ShutdownTimeout: DurationFrom(defaultShutdownTimeout),
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Port:    defaultGRPCPort,
		},
		Engine: EngineConfig{
			Backend:     defaultBackend,
			MinVersion:  defaultMinEngineVersion,
			CallTimeout: DurationFrom(defaultCallTimeout),
		},
		Install: InstallConfig{
			Window: DurationFrom(defaultInstallWindow),
			Max:    defaultInstallMax,
		},
		RateLimit: RateLimitConfig{
			Window: DurationFrom(defaultRateLimitWindow),
			Max:    defaultRateLimitMax,
		},
		Metrics: MetricsConfig{
			Enabled: defaultMetricsEnabled,
		},
	}
}

// Option customises the load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	paths     []string
	lookupEnv func(string) (string, bool)
}

// WithPath adds a YAML config path to attempt loading. Missing files are skipped.
func WithPath(path string) Option {
	return func(o *loaderOptions) {
		if strings.TrimSpace(path) != "" {
			o.paths = append(o.paths, path)
		}
	}
}

// WithLookupEnv overrides the environment lookup function.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *loaderOptions) {
		o.lookupEnv = fn
	}
}

// Load builds a Config from defaults, YAML files, and environment overrides
// in that order.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		lookupEnv: os.LookupEnv,
	}
	if envPath := strings.TrimSpace(os.Getenv(defaultConfigEnvVar)); envPath != "" {
		options.paths = append(options.paths, envPath)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg := Default()

	for _, path := range options.paths {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg, options.lookupEnv); err != nil {
		return cfg, err
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		val, ok := lookup(key)
		val = strings.TrimSpace(val)
		return val, ok && val != ""
	}

	if val, ok := get(envPort); ok {
		port, err := strconv.Atoi(val)
		if err != nil || port <= 0 {
			return fmt.Errorf("invalid %s value: %s", envPort, val)
		}
		cfg.HTTP.Port = port
	}

	if val, ok := get(envGRPCPort); ok {
		port, err := strconv.Atoi(val)
		if err != nil || port <= 0 {
			return fmt.Errorf("invalid %s value: %s", envGRPCPort, val)
		}
		cfg.GRPC.Port = port
	}

	if val, ok := get(envGRPCEnabled); ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envGRPCEnabled, err)
		}
		cfg.GRPC.Enabled = enabled
	}

	if val, ok := get(envShutdownTimeout); ok {
		timeout, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envShutdownTimeout, err)
		}
		cfg.HTTP.ShutdownTimeout = DurationFrom(timeout)
	}

	if val, ok := get(envGitSHA); ok {
		cfg.Version = val
	}

	if val, ok := get(envEngineBackend); ok {
		cfg.Engine.Backend = strings.ToLower(val)
	}

	if val, ok := get(envEngineMinVersion); ok {
		min, err := strconv.Atoi(val)
		if err != nil || min < 0 {
			return fmt.Errorf("invalid %s: %s", envEngineMinVersion, val)
		}
		cfg.Engine.MinVersion = min
	}

	if val, ok := get(envEngineCallTimeout); ok {
		timeout, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envEngineCallTimeout, err)
		}
		cfg.Engine.CallTimeout = DurationFrom(timeout)
	}

	if val, ok := get(envInstallWindow); ok {
		window, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envInstallWindow, err)
		}
		cfg.Install.Window = DurationFrom(window)
	}

	if val, ok := get(envInstallMax); ok {
		max, err := strconv.Atoi(val)
		if err != nil || max <= 0 {
			return fmt.Errorf("invalid %s: %s", envInstallMax, val)
		}
		cfg.Install.Max = max
	}

	if val, ok := get(envJWTSecret); ok {
		cfg.Auth.Secret = val
	}

	if val, ok := get(envJWTAudience); ok {
		cfg.Auth.Audiences = splitAndTrim(val)
	}

	if val, ok := get(envJWTIssuer); ok {
		cfg.Auth.Issuer = val
	}

	if val, ok := get(envCorsAllowedOrigins); ok {
		cfg.CORS.AllowedOrigins = splitAndTrim(val)
	}

	if val, ok := get(envRateLimitWindow); ok {
		window, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envRateLimitWindow, err)
		}
		cfg.RateLimit.Window = DurationFrom(window)
	}

	if val, ok := get(envRateLimitMax); ok {
		max, err := strconv.Atoi(val)
		if err != nil || max <= 0 {
			return fmt.Errorf("invalid %s: %s", envRateLimitMax, val)
		}
		cfg.RateLimit.Max = max
	}

	if val, ok := get(envMetricsEnabled); ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envMetricsEnabled, err)
		}
		cfg.Metrics.Enabled = enabled
	}

	return nil
}

// normalize fills in defaults that may be missing after YAML/env overrides.
func (cfg *Config) normalize() {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaultPort
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() <= 0 {
		cfg.HTTP.ShutdownTimeout = DurationFrom(defaultShutdownTimeout)
	}
	if cfg.GRPC.Port == 0 {
		cfg.GRPC.Port = defaultGRPCPort
	}
	cfg.Engine.Backend = strings.ToLower(strings.TrimSpace(cfg.Engine.Backend))
	if cfg.Engine.Backend == "" {
		cfg.Engine.Backend = defaultBackend
	}
	if cfg.Engine.CallTimeout.AsDuration() <= 0 {
		cfg.Engine.CallTimeout = DurationFrom(defaultCallTimeout)
	}
	if cfg.Install.Window.AsDuration() <= 0 {
		cfg.Install.Window = DurationFrom(defaultInstallWindow)
	}
	if cfg.Install.Max <= 0 {
		cfg.Install.Max = defaultInstallMax
	}
	if cfg.RateLimit.Window.AsDuration() <= 0 {
		cfg.RateLimit.Window = DurationFrom(defaultRateLimitWindow)
	}
	if cfg.RateLimit.Max <= 0 {
		cfg.RateLimit.Max = defaultRateLimitMax
	}
}

// Validate performs semantic validation on the configuration.
func (cfg Config) Validate() error {
	var errs []error

	if cfg.HTTP.Port < 0 {
		errs = append(errs, fmt.Errorf("http.port must not be negative"))
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("http.shutdownTimeout must be positive"))
	}
	if cfg.GRPC.Enabled && cfg.GRPC.Port < 0 {
		errs = append(errs, fmt.Errorf("grpc.port must not be negative"))
	}
	switch cfg.Engine.Backend {
	case BackendStub, BackendNone:
	default:
		errs = append(errs, fmt.Errorf("engine.backend %q is not supported (want %s or %s)", cfg.Engine.Backend, BackendStub, BackendNone))
	}
	if cfg.Engine.MinVersion < 0 {
		errs = append(errs, fmt.Errorf("engine.minVersion must not be negative"))
	}
	if cfg.Engine.CallTimeout.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("engine.callTimeout must be positive"))
	}
	if cfg.Install.Max <= 0 {
		errs = append(errs, fmt.Errorf("install.max must be positive"))
	}
	if cfg.Install.Window.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("install.window must be positive"))
	}
	if cfg.RateLimit.Max <= 0 {
		errs = append(errs, fmt.Errorf("rateLimit.max must be positive"))
	}
	if cfg.RateLimit.Window.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("rateLimit.window must be positive"))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func parsePositiveDurationMillis(value string) (time.Duration, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("value must be positive: %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func splitAndTrim(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
