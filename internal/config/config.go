package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ipsix/codeseal/internal/integrity"
)

const (
	DefaultConfigPath = "configs/config.yaml"
)

type Config struct {
	Daemon    DaemonConfig    `json:"daemon" yaml:"daemon"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Integrity IntegrityConfig `json:"integrity" yaml:"integrity"`
	Schedule  ScheduleConfig  `json:"schedule" yaml:"schedule"`
	API       APIConfig       `json:"api" yaml:"api"`
	Guard     GuardConfig     `json:"guard" yaml:"guard"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
}

type DaemonConfig struct {
	LogLevel        string `json:"log_level" yaml:"log_level" validate:"loglevel"`
	LogFormat       string `json:"log_format" yaml:"log_format" validate:"logformat"`
	LogFile         string `json:"log_file" yaml:"log_file"`
	LogMaxSizeMB    int    `json:"log_max_size_mb" yaml:"log_max_size_mb" validate:"gte=0"`
	LogMaxBackups   int    `json:"log_max_backups" yaml:"log_max_backups" validate:"gte=0"`
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"omitempty,duration"`
}

type StorageConfig struct {
	Driver              string `json:"driver" yaml:"driver" validate:"oneof=badger redis memory"`
	DBPath              string `json:"db_path" yaml:"db_path"`
	EncryptionKeyBase64 string `json:"encryption_key_base64" yaml:"encryption_key_base64"`
	RedisAddr           string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword       string `json:"redis_password" yaml:"redis_password"`
	RedisDB             int    `json:"redis_db" yaml:"redis_db" validate:"gte=0"`
	RedisPrefix         string `json:"redis_prefix" yaml:"redis_prefix"`
	HistoryDriver       string `json:"history_driver" yaml:"history_driver" validate:"oneof=badger sqlite none"`
	SQLitePath          string `json:"sqlite_path" yaml:"sqlite_path"`
	RetentionDays       int    `json:"retention_days" yaml:"retention_days" validate:"gte=0"`
}

type IntegrityConfig struct {
	ApplicationID    string      `json:"application_id" yaml:"application_id" validate:"required"`
	Root             string      `json:"root" yaml:"root"`
	Host             string      `json:"host" yaml:"host"`
	RemoteBaseURL    string      `json:"remote_base_url" yaml:"remote_base_url" validate:"required,url"`
	Interval         string      `json:"interval" yaml:"interval" validate:"omitempty,duration"`
	StateLifetime    string      `json:"state_lifetime" yaml:"state_lifetime" validate:"omitempty,duration"`
	StateKey         string      `json:"state_key" yaml:"state_key"`
	ConnectTimeout   string      `json:"connect_timeout" yaml:"connect_timeout" validate:"omitempty,duration"`
	TotalTimeout     string      `json:"total_timeout" yaml:"total_timeout" validate:"omitempty,duration"`
	MaxRedirects     int         `json:"max_redirects" yaml:"max_redirects" validate:"gte=0,lte=10"`
	UserAgent        string      `json:"user_agent" yaml:"user_agent"`
	FailOnUnreadable bool        `json:"fail_on_unreadable" yaml:"fail_on_unreadable"`
	LockTTL          string      `json:"lock_ttl" yaml:"lock_ttl" validate:"omitempty,duration"`
	Extensions       []string    `json:"extensions" yaml:"extensions"`
	Exclude          []string    `json:"exclude" yaml:"exclude"`
	Paths            []PathEntry `json:"paths" yaml:"paths" validate:"min=1"`
}

type ScheduleConfig struct {
	Spec       string `json:"spec" yaml:"spec"`
	RunOnStart bool   `json:"run_on_start" yaml:"run_on_start"`
	Timeout    string `json:"timeout" yaml:"timeout" validate:"omitempty,duration"`
}

type APIConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BindAddr  string `json:"bind_addr" yaml:"bind_addr"`
	AuthToken string `json:"auth_token" yaml:"auth_token"`
}

type GuardConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`
	Upstream string `json:"upstream" yaml:"upstream"`
	// AllowedHosts may be checked under their own name; any other Host
	// header is checked as integrity.host.
	AllowedHosts []string `json:"allowed_hosts" yaml:"allowed_hosts"`
}

type AlertingConfig struct {
	Enabled      bool                 `json:"enabled" yaml:"enabled"`
	DedupWindow  string               `json:"dedup_window" yaml:"dedup_window" validate:"omitempty,duration"`
	RetryMax     int                  `json:"retry_max" yaml:"retry_max" validate:"gte=0,lte=10"`
	RetryBackoff string               `json:"retry_backoff" yaml:"retry_backoff" validate:"omitempty,duration"`
	Channels     []AlertChannelConfig `json:"channels" yaml:"channels" validate:"dive"`
}

type AlertChannelConfig struct {
	Type     string   `json:"type" yaml:"type" validate:"oneof=log webhook"`
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	URL      string   `json:"url" yaml:"url" validate:"omitempty,url"`
	Severity []string `json:"severity" yaml:"severity" validate:"dive,oneof=info low medium high critical"`
}

type SecurityConfig struct {
	SelfIntegrity  bool   `json:"self_integrity" yaml:"self_integrity"`
	ExpectedSHA256 string `json:"expected_sha256" yaml:"expected_sha256"`
}

// PathEntry accepts either a bare path string or a rule object.
type PathEntry struct {
	integrity.PathRule
}

func (p *PathEntry) UnmarshalJSON(raw []byte) error {
	*p = PathEntry{}
	var path string
	if err := json.Unmarshal(raw, &path); err == nil {
		p.Path = path
		return nil
	}
	return json.Unmarshal(raw, &p.PathRule)
}

func (p PathEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.PathRule)
}

func (p *PathEntry) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	*p = PathEntry{}
	if value.Kind == yaml.ScalarNode {
		p.Path = strings.TrimSpace(value.Value)
		return nil
	}
	return value.Decode(&p.PathRule)
}

func Default() Config {
	paths := []PathEntry{}
	for _, rule := range integrity.DefaultPathSet() {
		paths = append(paths, PathEntry{PathRule: rule})
	}
	return Config{
		Daemon: DaemonConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			LogMaxSizeMB:    50,
			LogMaxBackups:   3,
			ShutdownTimeout: "10s",
		},
		Storage: StorageConfig{
			Driver:        "badger",
			DBPath:        "/var/lib/codeseal/badger",
			RedisAddr:     "127.0.0.1:6379",
			RedisPrefix:   "codeseal",
			HistoryDriver: "badger",
			SQLitePath:    "/var/lib/codeseal/history.db",
			RetentionDays: 30,
		},
		Integrity: IntegrityConfig{
			Interval:       "12h",
			StateLifetime:  "48h",
			StateKey:       integrity.DefaultStateKey,
			ConnectTimeout: "3s",
			TotalTimeout:   "30s",
			MaxRedirects:   integrity.DefaultMaxRedirects,
			UserAgent:      integrity.DefaultUserAgent,
			LockTTL:        "2m",
			Paths:          paths,
		},
		Schedule: ScheduleConfig{
			Spec:       "@every 1m",
			RunOnStart: true,
			Timeout:    "2m",
		},
		API: APIConfig{
			Enabled:  false,
			BindAddr: "127.0.0.1:8788",
		},
		Guard: GuardConfig{
			Enabled:  false,
			BindAddr: "127.0.0.1:8080",
		},
		Alerting: AlertingConfig{
			Enabled:      false,
			DedupWindow:  "1h",
			RetryMax:     2,
			RetryBackoff: "1s",
			Channels: []AlertChannelConfig{
				{Type: "log", Enabled: true},
			},
		},
	}
}

// Load reads a JSON or YAML file (chosen by extension), applies CODESEAL_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cfg)
	default:
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	errs := structErrors(c)

	if c.Storage.Driver == "badger" || c.Storage.HistoryDriver == "badger" {
		if c.Storage.DBPath == "" {
			errs = append(errs, "storage.db_path is required")
		} else if !filepath.IsAbs(c.Storage.DBPath) {
			errs = append(errs, "storage.db_path must be an absolute path")
		}
	}
	if c.Storage.Driver == "redis" && c.Storage.RedisAddr == "" {
		errs = append(errs, "storage.redis_addr is required when driver is redis")
	}
	if c.Storage.HistoryDriver == "sqlite" && c.Storage.SQLitePath == "" {
		errs = append(errs, "storage.sqlite_path is required when history_driver is sqlite")
	}
	if c.Storage.EncryptionKeyBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(c.Storage.EncryptionKeyBase64)
		if err != nil {
			errs = append(errs, "storage.encryption_key_base64 must be valid base64")
		} else if len(decoded) != 32 {
			errs = append(errs, "storage.encryption_key_base64 must decode to 32 bytes")
		}
	}

	if c.Integrity.RemoteBaseURL != "" && !strings.HasPrefix(strings.ToLower(c.Integrity.RemoteBaseURL), "https://") {
		errs = append(errs, "integrity.remote_base_url must use https")
	}
	if budget := c.Integrity.TotalTimeoutDuration() + c.Integrity.ConnectTimeoutDuration(); c.Integrity.LockTTLDuration() <= budget {
		errs = append(errs, fmt.Sprintf("integrity.lock_ttl must exceed total_timeout plus connect_timeout (%s)", budget))
	}
	if err := c.Integrity.PathSet().Validate(); err != nil {
		errs = append(errs, "integrity.paths: "+err.Error())
	}

	if c.API.Enabled {
		if c.API.BindAddr == "" {
			errs = append(errs, "api.bind_addr is required when enabled")
		}
		if c.API.AuthToken == "" {
			errs = append(errs, "api.auth_token is required when enabled")
		}
	}
	for i, ch := range c.Alerting.Channels {
		if ch.Type == "webhook" && ch.Enabled && ch.URL == "" {
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].url is required for webhook", i))
		}
	}
	if c.Guard.Enabled {
		if c.Guard.BindAddr == "" {
			errs = append(errs, "guard.bind_addr is required when enabled")
		}
		if c.Guard.Upstream == "" {
			errs = append(errs, "guard.upstream is required when enabled")
		}
		if len(c.Guard.AllowedHosts) > 0 && c.Integrity.Host == "" {
			errs = append(errs, "integrity.host is required when guard.allowed_hosts is set")
		}
	}
	if c.Schedule.Spec == "" && c.Integrity.Host != "" {
		errs = append(errs, "schedule.spec is required when integrity.host is set")
	}
	if c.Security.SelfIntegrity && c.Security.ExpectedSHA256 == "" {
		errs = append(errs, "security.expected_sha256 is required when self_integrity is enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c Config) Redacted() Config {
	clone := c
	if clone.API.AuthToken != "" {
		clone.API.AuthToken = "REDACTED"
	}
	if clone.Storage.RedisPassword != "" {
		clone.Storage.RedisPassword = "REDACTED"
	}
	if clone.Storage.EncryptionKeyBase64 != "" {
		clone.Storage.EncryptionKeyBase64 = "REDACTED"
	}
	return clone
}

// PathSet resolves the configured entries, filling in the section-wide
// extension and exclusion lists where an entry has none.
func (i IntegrityConfig) PathSet() integrity.MonitoredPathSet {
	set := make(integrity.MonitoredPathSet, 0, len(i.Paths))
	for _, entry := range i.Paths {
		rule := entry.PathRule
		if len(rule.Extensions) == 0 && len(i.Extensions) > 0 {
			rule.Extensions = append([]string{}, i.Extensions...)
		}
		if rule.Exclude == nil && i.Exclude != nil {
			rule.Exclude = append([]string{}, i.Exclude...)
		}
		set = append(set, rule)
	}
	return set
}

func (i IntegrityConfig) RootDir() string {
	if i.Root != "" {
		return i.Root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func (i IntegrityConfig) IntervalDuration() time.Duration {
	return parseOr(i.Interval, integrity.DefaultInterval)
}

func (i IntegrityConfig) StateLifetimeDuration() time.Duration {
	return parseOr(i.StateLifetime, integrity.DefaultStateLifetime)
}

func (i IntegrityConfig) ConnectTimeoutDuration() time.Duration {
	return parseOr(i.ConnectTimeout, integrity.DefaultConnectTimeout)
}

func (i IntegrityConfig) TotalTimeoutDuration() time.Duration {
	return parseOr(i.TotalTimeout, integrity.DefaultTotalTimeout)
}

func (i IntegrityConfig) LockTTLDuration() time.Duration {
	return parseOr(i.LockTTL, integrity.DefaultLockTTL)
}

func (d DaemonConfig) ShutdownTimeoutDuration() time.Duration {
	return parseOr(d.ShutdownTimeout, 10*time.Second)
}

func (s ScheduleConfig) TimeoutDuration() time.Duration {
	return parseOr(s.Timeout, 2*time.Minute)
}

func (a AlertingConfig) DedupWindowDuration() time.Duration {
	return parseOr(a.DedupWindow, time.Hour)
}

func (a AlertingConfig) RetryBackoffDuration() time.Duration {
	return parseOr(a.RetryBackoff, time.Second)
}

func parseOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func structErrors(c Config) []string {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	_ = validate.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "debug", "info", "warn", "error":
			return true
		}
		return false
	})
	_ = validate.RegisterValidation("logformat", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "json", "text":
			return true
		}
		return false
	})

	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			out = append(out, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("CODESEAL_APP_ID"); ok && v != "" {
		cfg.Integrity.ApplicationID = v
	}
	if v, ok := os.LookupEnv("CODESEAL_REMOTE_URL"); ok && v != "" {
		cfg.Integrity.RemoteBaseURL = v
	}
	if v, ok := os.LookupEnv("CODESEAL_HOST"); ok && v != "" {
		cfg.Integrity.Host = v
	}
	if v, ok := os.LookupEnv("CODESEAL_ROOT"); ok && v != "" {
		cfg.Integrity.Root = v
	}
	if v, ok := os.LookupEnv("CODESEAL_STORAGE_DRIVER"); ok && v != "" {
		cfg.Storage.Driver = v
	}
	if v, ok := os.LookupEnv("CODESEAL_REDIS_ADDR"); ok && v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v, ok := os.LookupEnv("CODESEAL_API_ENABLED"); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.API.Enabled = parsed
		}
	}
	if v, ok := os.LookupEnv("CODESEAL_API_TOKEN"); ok && v != "" {
		cfg.API.AuthToken = v
	}
}
