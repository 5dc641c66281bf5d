package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is built once at startup and passed by value to every component.
// Nothing mutates it afterwards.
type Config struct {
	AccountsFile string
	Schedule     ScheduleConfig
	Proxy        ProxyConfig
	HTTP         HTTPConfig
	API          APIConfig
	Locate       LocateConfig
	NDT7         NDT7Config
	Session      SessionConfig
	Database     DatabaseConfig
	Metrics      MetricsConfig
}

type ScheduleConfig struct {
	Interval     time.Duration
	AccountDelay time.Duration
}

// ProxySource selects where the proxy pool is loaded from
type ProxySource string

const (
	ProxySourceFile     ProxySource = "file"
	ProxySourceDatabase ProxySource = "database"
)

type ProxyConfig struct {
	Enabled      bool
	Source       ProxySource
	File         string
	MaxRetries   int
	Timeout      time.Duration
	CheckURL     string
	CheckWorkers int
}

type HTTPConfig struct {
	Timeout   time.Duration
	MaxConns  int
	UserAgent string
	Origin    string
	Referer   string
}

// Header returns the browser-like header set attached to every outbound request
func (c HTTPConfig) Header() http.Header {
	h := http.Header{}
	if c.UserAgent != "" {
		h.Set("User-Agent", c.UserAgent)
	}
	if c.Origin != "" {
		h.Set("Origin", c.Origin)
	}
	if c.Referer != "" {
		h.Set("Referer", c.Referer)
	}
	return h
}

type APIConfig struct {
	BaseURL     string
	ProfilePath string
	ReportPath  string
}

func (c APIConfig) ProfileURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.ProfilePath
}

func (c APIConfig) ReportURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.ReportPath
}

type LocateConfig struct {
	URL        string
	ClientName string
}

type NDT7Config struct {
	Duration      time.Duration
	Grace         time.Duration
	ChunkSize     int
	MaxBacklog    int
	YieldInterval time.Duration
}

type SessionConfig struct {
	ExpiryMargin time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the Postgres connection string for the proxy store
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type MetricsConfig struct {
	Listen string
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("accounts_file", "accounts.txt")

	v.SetDefault("schedule.interval", time.Hour)
	v.SetDefault("schedule.account_delay", 30*time.Second)

	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.source", string(ProxySourceFile))
	v.SetDefault("proxy.file", "proxies.txt")
	v.SetDefault("proxy.max_retries", 3)
	v.SetDefault("proxy.timeout", 10*time.Second)
	v.SetDefault("proxy.check_url", "https://api.ipify.org?format=json")
	v.SetDefault("proxy.check_workers", 16)

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_conns", 256)
	v.SetDefault("http.user_agent", defaultUserAgent)

	v.SetDefault("api.profile_path", "/api/user/profile")
	v.SetDefault("api.report_path", "/api/speedtest/report")

	v.SetDefault("locate.url", "https://locate.measurementlab.net/v2/nearest/ndt/ndt7")
	v.SetDefault("locate.client_name", "ndt7-js")

	v.SetDefault("ndt7.duration", 10*time.Second)
	v.SetDefault("ndt7.grace", 5*time.Second)
	v.SetDefault("ndt7.chunk_size", 32<<10)
	v.SetDefault("ndt7.max_backlog", 1<<20)
	v.SetDefault("ndt7.yield_interval", 10*time.Millisecond)

	v.SetDefault("session.expiry_margin", 90*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
}

// Load converts the viper state into a Config and validates it
func Load(v *viper.Viper) (Config, error) {
	cfg := build(v)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOffline is Load for commands that never contact the API, such as the
// credential expiry check. api.base_url may be unset.
func LoadOffline(v *viper.Viper) (Config, error) {
	cfg := build(v)
	if err := cfg.validateLocal(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func build(v *viper.Viper) Config {
	return Config{
		AccountsFile: v.GetString("accounts_file"),
		Schedule: ScheduleConfig{
			Interval:     v.GetDuration("schedule.interval"),
			AccountDelay: v.GetDuration("schedule.account_delay"),
		},
		Proxy: ProxyConfig{
			Enabled:      v.GetBool("proxy.enabled"),
			Source:       ProxySource(v.GetString("proxy.source")),
			File:         v.GetString("proxy.file"),
			MaxRetries:   v.GetInt("proxy.max_retries"),
			Timeout:      v.GetDuration("proxy.timeout"),
			CheckURL:     v.GetString("proxy.check_url"),
			CheckWorkers: v.GetInt("proxy.check_workers"),
		},
		HTTP: HTTPConfig{
			Timeout:   v.GetDuration("http.timeout"),
			MaxConns:  v.GetInt("http.max_conns"),
			UserAgent: v.GetString("http.user_agent"),
			Origin:    v.GetString("http.origin"),
			Referer:   v.GetString("http.referer"),
		},
		API: APIConfig{
			BaseURL:     v.GetString("api.base_url"),
			ProfilePath: v.GetString("api.profile_path"),
			ReportPath:  v.GetString("api.report_path"),
		},
		Locate: LocateConfig{
			URL:        v.GetString("locate.url"),
			ClientName: v.GetString("locate.client_name"),
		},
		NDT7: NDT7Config{
			Duration:      v.GetDuration("ndt7.duration"),
			Grace:         v.GetDuration("ndt7.grace"),
			ChunkSize:     v.GetInt("ndt7.chunk_size"),
			MaxBacklog:    v.GetInt("ndt7.max_backlog"),
			YieldInterval: v.GetDuration("ndt7.yield_interval"),
		},
		Session: SessionConfig{
			ExpiryMargin: v.GetDuration("session.expiry_margin"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		Metrics: MetricsConfig{
			Listen: v.GetString("metrics.listen"),
		},
	}
}

func (c Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	return c.validateLocal()
}

func (c Config) validateLocal() error {
	if c.AccountsFile == "" {
		return fmt.Errorf("accounts_file is required")
	}
	if c.Session.ExpiryMargin < 0 {
		return fmt.Errorf("session.expiry_margin must not be negative")
	}
	switch c.Proxy.Source {
	case ProxySourceFile, ProxySourceDatabase:
	default:
		return fmt.Errorf("invalid proxy.source %q: must be 'file' or 'database'", c.Proxy.Source)
	}
	if c.Proxy.MaxRetries < 1 {
		return fmt.Errorf("proxy.max_retries must be at least 1")
	}
	if c.NDT7.ChunkSize <= 0 || c.NDT7.MaxBacklog < c.NDT7.ChunkSize {
		return fmt.Errorf("ndt7.max_backlog must be at least ndt7.chunk_size")
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be positive")
	}
	return nil
}
