package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Submission SubmissionConfig `yaml:"submission"`
	CaseMgmt   CaseMgmtConfig   `yaml:"casemgmt"`
	Auth       AuthConfig       `yaml:"auth"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Cache      CacheConfig      `yaml:"cache"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SubmissionConfig holds visit-submission feed settings.
type SubmissionConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PageSize       int    `yaml:"page_size"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// Timeout returns the request timeout as a duration.
func (c SubmissionConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CaseMgmtConfig holds case-management forms API settings.
type CaseMgmtConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PageSize       int    `yaml:"page_size"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// Timeout returns the request timeout as a duration.
func (c CaseMgmtConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuthConfig holds the upstream bearer token settings. The token itself is
// issued by the external identity layer; we only carry it.
type AuthConfig struct {
	Token      string `yaml:"token"`
	RefreshURL string `yaml:"refresh_url"`
}

// RedisConfig holds the cache backend connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds the snapshot store connection settings.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// ArchiveConfig holds optional S3 archival of completed snapshots.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
}

// ToleranceProfile groups the cache validity tunables for one operating
// mode. See internal/cache for how the three rules are evaluated.
type ToleranceProfile struct {
	Ratio      float64 `yaml:"tolerance_ratio"`
	TTLMinutes int     `yaml:"ttl_minutes"`
}

// TTL returns the time-rule window as a duration.
func (p ToleranceProfile) TTL() time.Duration {
	return time.Duration(p.TTLMinutes) * time.Minute
}

// CacheConfig selects between the strict and relaxed tolerance profiles.
// Relaxed is for non-production use only.
type CacheConfig struct {
	Mode    string           `yaml:"mode"` // "strict" or "relaxed"
	Strict  ToleranceProfile `yaml:"strict"`
	Relaxed ToleranceProfile `yaml:"relaxed"`
}

// Profile resolves the active tolerance profile from Mode.
func (c CacheConfig) Profile() ToleranceProfile {
	if c.Mode == "relaxed" {
		return c.Relaxed
	}
	return c.Strict
}

// Scheduling anchors for a visit type. Registration-referenced slots are
// fixed when the document is created; delivery-referenced slots shift once
// the actual delivery date is known.
const (
	ReferenceRegistration = "registration"
	ReferenceDelivery     = "delivery"
)

// VisitTypeConfig is one row of the visit-type schedule table. The windows
// encode program policy and change over time, so they live in config, never
// inline in the engine.
type VisitTypeConfig struct {
	Type             string   `yaml:"type"`    // canonical type name
	Aliases          []string `yaml:"aliases"` // raw form tags normalizing to this type
	OnTimeWindowDays int      `yaml:"on_time_window_days"`
	ExpiryOffsetDays int      `yaml:"expiry_offset_days"` // 0 = no derived expiry
	Reference        string   `yaml:"reference"`          // "registration" or "delivery"
}

// DomainConfig identifies one monitored deployment domain. Each domain
// gets its own pipeline and cache namespace.
type DomainConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MonitorConfig holds per-run pipeline parameters.
type MonitorConfig struct {
	Domains         []DomainConfig    `yaml:"domains"`
	DateRangeDays   int               `yaml:"date_range_days"`
	GPSThresholdKm  float64           `yaml:"gps_threshold_km"`
	GracePeriodDays int               `yaml:"grace_period_days"`
	TrailingDays    int               `yaml:"trailing_days"` // travel-distance sparkline window
	EligibleOnly    bool              `yaml:"eligible_only"`
	VisitTypes      []VisitTypeConfig `yaml:"visit_types"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads the YAML file (when present) and applies environment
// variable overrides. A missing file is not an error: a fully
// env-configured deployment is supported.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SUBMISSION_BASE_URL"); v != "" {
		cfg.Submission.BaseURL = v
	}
	if v := os.Getenv("CASEMGMT_BASE_URL"); v != "" {
		cfg.CaseMgmt.BaseURL = v
	}
	if v := os.Getenv("UPSTREAM_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("UPSTREAM_TOKEN_REFRESH_URL"); v != "" {
		cfg.Auth.RefreshURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.Enabled = true
		cfg.Archive.S3Bucket = v
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.Archive.S3Region = v
	}
	// Relaxed mode is intended for non-production use; the env flag is the
	// single switch, everything downstream receives the resolved profile.
	if v := os.Getenv("CACHE_MODE"); v == "strict" || v == "relaxed" {
		cfg.Cache.Mode = v
	}
	if v := os.Getenv("MONITOR_DOMAIN_ID"); v != "" {
		name := os.Getenv("MONITOR_DOMAIN_NAME")
		if name == "" {
			name = v
		}
		cfg.Monitor.Domains = append(cfg.Monitor.Domains, DomainConfig{ID: v, Name: name})
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Cache.Mode != "strict" && c.Cache.Mode != "relaxed" {
		return fmt.Errorf("cache.mode must be strict or relaxed, got %q", c.Cache.Mode)
	}
	if c.Monitor.GPSThresholdKm <= 0 {
		return fmt.Errorf("monitor.gps_threshold_km must be positive")
	}
	seenDomain := map[string]bool{}
	for _, d := range c.Monitor.Domains {
		if d.ID == "" {
			return fmt.Errorf("monitor.domains entry missing id")
		}
		if seenDomain[d.ID] {
			return fmt.Errorf("duplicate domain %q in monitor.domains", d.ID)
		}
		seenDomain[d.ID] = true
	}
	seen := map[string]bool{}
	for _, vt := range c.Monitor.VisitTypes {
		if vt.Type == "" {
			return fmt.Errorf("monitor.visit_types entry missing type")
		}
		if seen[vt.Type] {
			return fmt.Errorf("duplicate visit type %q in schedule table", vt.Type)
		}
		seen[vt.Type] = true
		if vt.OnTimeWindowDays <= 0 {
			return fmt.Errorf("visit type %q: on_time_window_days must be positive", vt.Type)
		}
		if vt.Reference != "" && vt.Reference != ReferenceRegistration && vt.Reference != ReferenceDelivery {
			return fmt.Errorf("visit type %q: reference must be registration or delivery", vt.Type)
		}
	}
	return nil
}

// defaults returns a Config pre-filled with sane defaults. The visit-type
// table default mirrors the standard program schedule but any deployment
// should override it in YAML.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Submission: SubmissionConfig{
			TimeoutSeconds: 30,
			PageSize:       500,
			MaxConcurrency: 4,
		},
		CaseMgmt: CaseMgmtConfig{
			TimeoutSeconds: 30,
			PageSize:       200,
			MaxConcurrency: 4,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Cache: CacheConfig{
			Mode:    "strict",
			Strict:  ToleranceProfile{Ratio: 0.98, TTLMinutes: 30},
			Relaxed: ToleranceProfile{Ratio: 0.85, TTLMinutes: 90},
		},
		Monitor: MonitorConfig{
			DateRangeDays:   30,
			GPSThresholdKm:  5.0,
			GracePeriodDays: 5,
			TrailingDays:    14,
			EligibleOnly:    true,
			VisitTypes: []VisitTypeConfig{
				{Type: "registration_followup", Aliases: []string{"reg_followup", "followup_registration"}, OnTimeWindowDays: 7, ExpiryOffsetDays: 30, Reference: ReferenceRegistration},
				{Type: "delivery_followup", Aliases: []string{"del_followup", "followup_delivery"}, OnTimeWindowDays: 4, ExpiryOffsetDays: 21, Reference: ReferenceDelivery},
			},
		},
	}
}
