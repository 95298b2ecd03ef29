// Package config loads harvestctl's own machine-readable engine settings
// (rate limits, cache TTLs, download tunables, TLS policy, storage
// layout, registered site metadata) the way mirrorctl's internal/mirror
// config.go loads mirror settings: TOML plus an env-tag override pass.
//
// This is distinct from the interactive per-run configuration (YAML,
// TUI) that spec.md §1 places deliberately out of scope; the engine
// still needs a typed settings object of its own.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// TLSVerifyMode selects how the HTTP client layer validates server
// certificates (spec.md §4.1).
type TLSVerifyMode string

const (
	TLSTruststore         TLSVerifyMode = "truststore"
	TLSCertifi            TLSVerifyMode = "certifi"
	TLSTruststoreCertifi  TLSVerifyMode = "truststore+certifi"
	TLSNone               TLSVerifyMode = "none"
)

// TLSConfig controls certificate verification for the HTTP client layer.
type TLSConfig struct {
	VerifyMode TLSVerifyMode `toml:"verify_mode" env:"HARVESTCTL_TLS_VERIFY_MODE"`
	CACertFile string        `toml:"ca_cert_file,omitempty" env:"HARVESTCTL_TLS_CA_CERT_FILE"`
	MinVersion string        `toml:"min_version,omitempty" env:"HARVESTCTL_TLS_MIN_VERSION"`
}

// BuildTLSConfig builds a *tls.Config from t. TLSNone disables
// verification entirely (diagnostic use only); every other mode uses Go's
// default trust store, optionally extended with CACertFile.
func (t *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12} // #nosec G402 - overridden below per mode
	if t.MinVersion == "1.3" {
		cfg.MinVersion = tls.VersionTLS13
	}

	switch t.VerifyMode {
	case "", TLSTruststore, TLSCertifi, TLSTruststoreCertifi:
		// default trust store behavior
	case TLSNone:
		cfg.InsecureSkipVerify = true // #nosec G402 - explicit opt-in diagnostic mode
		slog.Warn("TLS certificate verification is DISABLED", "mode", t.VerifyMode)
	default:
		return nil, errors.New("invalid tls verify_mode: " + string(t.VerifyMode))
	}

	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading ca_cert_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse ca_cert_file: " + t.CACertFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// HostClass selects which cache-TTL bucket (spec.md §4.2) a registered
// site falls into.
type HostClass string

const (
	HostClassFileHost HostClass = "file_host"
	HostClassForum    HostClass = "forum"
	HostClassDefault  HostClass = "default"
)

// SiteConfig registers one site's host suffixes and cache class, so the
// request cache (C2) can pick a TTL from the class of the longest
// matching suffix. The dispatcher's scraper registry (C9) does not read
// it.
type SiteConfig struct {
	Domain       string    `toml:"domain"`
	HostSuffixes []string  `toml:"host_suffixes"`
	Class        HostClass `toml:"class"`
}

// RateLimitConfig configures the per-host token bucket and the global
// download-speed shaper (spec.md §4.3).
type RateLimitConfig struct {
	RequestsPerSecond         float64       `toml:"requests_per_second" env:"HARVESTCTL_RPS"`
	BurstTolerance            int           `toml:"burst_tolerance" env:"HARVESTCTL_BURST_TOLERANCE"`
	MaxSimultaneousDownloads  int           `toml:"max_simultaneous_downloads" env:"HARVESTCTL_MAX_DOWNLOADS"`
	MaxPerDomain              int           `toml:"max_simultaneous_downloads_per_domain" env:"HARVESTCTL_MAX_DOWNLOADS_PER_DOMAIN"`
	DownloadSpeedLimitBytes   int64         `toml:"download_speed_limit_bytes" env:"HARVESTCTL_SPEED_LIMIT_BYTES"`
	ScrapeTimeout             time.Duration `toml:"scrape_timeout" env:"HARVESTCTL_SCRAPE_TIMEOUT"`
	ConnectTimeout            time.Duration `toml:"connect_timeout" env:"HARVESTCTL_CONNECT_TIMEOUT"`
	SlowSpeedFloorBytes       int64         `toml:"slow_speed_floor_bytes" env:"HARVESTCTL_SLOW_SPEED_FLOOR_BYTES"`
	SlowSpeedWindow           time.Duration `toml:"slow_speed_window" env:"HARVESTCTL_SLOW_SPEED_WINDOW"`
}

// CacheConfig configures the request cache (C2).
type CacheConfig struct {
	FileHostExpireAfter time.Duration `toml:"file_host_expire_after" env:"HARVESTCTL_CACHE_FILEHOST_TTL"`
	ForumExpireAfter    time.Duration `toml:"forum_expire_after" env:"HARVESTCTL_CACHE_FORUM_TTL"`
	DefaultExpireAfter  time.Duration `toml:"default_expire_after" env:"HARVESTCTL_CACHE_DEFAULT_TTL"`
	EnablePOSTCaching   bool          `toml:"enable_post_caching" env:"HARVESTCTL_CACHE_POST"`
}

// DownloadConfig configures the download engine (C7).
type DownloadConfig struct {
	Attempts          int    `toml:"attempts" env:"HARVESTCTL_DOWNLOAD_ATTEMPTS"`
	RequiredFreeSpace int64  `toml:"required_free_space" env:"HARVESTCTL_REQUIRED_FREE_SPACE"`
	UserAgent         string `toml:"user_agent" env:"HARVESTCTL_USER_AGENT"`
}

// LogConfig configures slog, the way mirrorctl's LogConfig.Apply does.
type LogConfig struct {
	Level  string `toml:"level" env:"HARVESTCTL_LOG_LEVEL"`
	Format string `toml:"format" env:"HARVESTCTL_LOG_FORMAT"`
}

// Apply configures the global slog logger.
func (lc *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + lc.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(lc.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "", "text", "plain":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + lc.Format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// ChallengeSolverConfig configures the Challenge Solver Adapter (C5).
type ChallengeSolverConfig struct {
	Enabled    bool   `toml:"enabled" env:"HARVESTCTL_CHALLENGE_ENABLED"`
	BaseURL    string `toml:"base_url" env:"HARVESTCTL_CHALLENGE_URL"`
	ProxyURL   string `toml:"proxy_url,omitempty" env:"HARVESTCTL_CHALLENGE_PROXY"`
}

// Config is harvestctl's top-level engine settings object.
type Config struct {
	StorageDir string                   `toml:"storage_dir" env:"HARVESTCTL_STORAGE_DIR"`
	Log        LogConfig                `toml:"log"`
	TLS        TLSConfig                `toml:"tls"`
	RateLimit  RateLimitConfig          `toml:"rate_limit"`
	Cache      CacheConfig              `toml:"cache"`
	Download   DownloadConfig           `toml:"download"`
	Challenge  ChallengeSolverConfig    `toml:"challenge"`
	Sites      map[string]*SiteConfig   `toml:"sites"`
	OnlyHosts  []string                 `toml:"only_hosts,omitempty" env:"HARVESTCTL_ONLY_HOSTS"`
	SkipHosts  []string                 `toml:"skip_hosts,omitempty" env:"HARVESTCTL_SKIP_HOSTS"`
	BlockedHosts []string               `toml:"blocked_hosts,omitempty" env:"HARVESTCTL_BLOCKED_HOSTS"`
}

// New returns a Config populated with spec.md's documented defaults.
func New() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		TLS: TLSConfig{VerifyMode: TLSTruststoreCertifi},
		RateLimit: RateLimitConfig{
			RequestsPerSecond:        10,
			BurstTolerance:           2,
			MaxSimultaneousDownloads: 15,
			MaxPerDomain:             4,
			DownloadSpeedLimitBytes:  0, // unlimited
			ScrapeTimeout:            315 * time.Second,
			ConnectTimeout:           15 * time.Second,
			SlowSpeedFloorBytes:      8192,
			SlowSpeedWindow:          30 * time.Second,
		},
		Cache: CacheConfig{
			FileHostExpireAfter: 7 * 24 * time.Hour,
			ForumExpireAfter:    28 * 24 * time.Hour,
			DefaultExpireAfter:  7 * 24 * time.Hour,
		},
		Download: DownloadConfig{
			Attempts:          5,
			RequiredFreeSpace: 512 * 1024 * 1024,
			UserAgent:         "harvestctl/1.0",
		},
		Sites: map[string]*SiteConfig{},
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.StorageDir == "" {
		return errors.New("storage_dir is not set")
	}
	if !path.IsAbs(c.StorageDir) {
		return errors.New("storage_dir must be an absolute path")
	}
	if c.RateLimit.MaxSimultaneousDownloads <= 0 {
		return errors.New("rate_limit.max_simultaneous_downloads must be positive")
	}
	if c.RateLimit.MaxPerDomain <= 0 {
		return errors.New("rate_limit.max_simultaneous_downloads_per_domain must be positive")
	}
	if c.Download.RequiredFreeSpace < 512*1024*1024 {
		c.Download.RequiredFreeSpace = 512 * 1024 * 1024
	}
	if c.Challenge.Enabled && c.Challenge.BaseURL == "" {
		return errors.New("challenge.base_url is required when challenge.enabled is true")
	}
	return nil
}

// ApplyEnvironmentVariables overrides TOML-loaded values from the
// process environment, following "env" struct tags via reflection - the
// same mechanism as mirrorctl's applyEnvToStruct.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnvToStruct(c)
}

func applyEnvToStruct(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return errors.New("applyEnvToStruct requires a pointer to struct")
	}
	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rt.Field(i)
		if !field.CanSet() {
			continue
		}

		if envTag := fieldType.Tag.Get("env"); envTag != "" {
			if err := setFieldFromEnv(field, envTag); err != nil {
				return errors.Wrap(err, "field "+fieldType.Name)
			}
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field.Addr().Interface()); err != nil {
				return err
			}
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envVar string) error {
	envValue := os.Getenv(envVar)
	if envValue == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(envValue)
			if err != nil {
				return errors.New("invalid duration for " + envVar + ": " + envValue)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return errors.New("invalid integer for " + envVar + ": " + envValue)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return errors.New("invalid float for " + envVar + ": " + envValue)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return errors.New("invalid bool for " + envVar + ": " + envValue)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(envValue, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		} else {
			return errors.New("unsupported slice type for " + envVar)
		}
	default:
		return errors.New("unsupported field kind for " + envVar)
	}
	return nil
}
