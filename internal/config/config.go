package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Webhook     WebhookConfig     `json:"webhook" yaml:"webhook"`
	KafkaIngest KafkaIngestConfig `json:"kafka_ingest" yaml:"kafka_ingest"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Correlation CorrelationConfig `json:"correlation" yaml:"correlation"`
	SLA         SLAConfig         `json:"sla" yaml:"sla"`
	Optical     OpticalConfig     `json:"optical" yaml:"optical"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	Events      EventsConfig      `json:"events" yaml:"events"`
	API         APIConfig         `json:"api" yaml:"api"`
	Activity    ActivityConfig    `json:"activity" yaml:"activity"`
}

type WebhookConfig struct {
	Addr              string          `json:"addr" yaml:"addr"`
	MaxBodyBytes      int64           `json:"max_body_bytes" yaml:"max_body_bytes"`
	TrustProxyHeaders bool            `json:"trust_proxy_headers" yaml:"trust_proxy_headers"`
	TestEndpoint      bool            `json:"test_endpoint" yaml:"test_endpoint"`
	RateLimit         RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Allowlist         AllowlistConfig `json:"allowlist" yaml:"allowlist"`
	Signature         SignatureConfig `json:"signature" yaml:"signature"`
}

type RateLimitConfig struct {
	Backend       string        `json:"backend" yaml:"backend"`
	Window        time.Duration `json:"window" yaml:"window"`
	MaxRequests   int           `json:"max_requests" yaml:"max_requests"`
	RedisAddr     string        `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `json:"redis_password" yaml:"redis_password"`
	RedisDB       int           `json:"redis_db" yaml:"redis_db"`
	KeyPrefix     string        `json:"key_prefix" yaml:"key_prefix"`
}

type AllowlistConfig struct {
	CIDRs    []string `json:"cidrs" yaml:"cidrs"`
	Optional bool     `json:"optional" yaml:"optional"`
}

type SignatureConfig struct {
	Secrets          map[string]string `json:"secrets" yaml:"secrets"`
	Optional         bool              `json:"optional" yaml:"optional"`
	MaxSkew          time.Duration     `json:"max_skew" yaml:"max_skew"`
	RequireTimestamp bool              `json:"require_timestamp" yaml:"require_timestamp"`
}

type KafkaIngestConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Brokers       []string `json:"brokers" yaml:"brokers"`
	Topic         string   `json:"topic" yaml:"topic"`
	GroupID       string   `json:"group_id" yaml:"group_id"`
	DefaultVendor string   `json:"default_vendor" yaml:"default_vendor"`
}

type StorageConfig struct {
	Driver       string `json:"driver" yaml:"driver"`
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
}

type CorrelationConfig struct {
	SignalThrottle time.Duration `json:"signal_throttle" yaml:"signal_throttle"`
}

type SLAConfig struct {
	ScanInterval       time.Duration     `json:"scan_interval" yaml:"scan_interval"`
	AlertCooldown      time.Duration     `json:"alert_cooldown" yaml:"alert_cooldown"`
	WarnWindow         time.Duration     `json:"warn_window" yaml:"warn_window"`
	IncidentRecipients []string          `json:"incident_recipients" yaml:"incident_recipients"`
	Task               TaskSLAConfig     `json:"task" yaml:"task"`
	Incident           IncidentSLAConfig `json:"incident" yaml:"incident"`
}

type TaskSLAConfig struct {
	AckHours            map[string]float64 `json:"ack_hours" yaml:"ack_hours"`
	CompleteHours       map[string]float64 `json:"complete_hours" yaml:"complete_hours"`
	PriorityMultipliers map[string]float64 `json:"priority_multipliers" yaml:"priority_multipliers"`
}

type IncidentSLAConfig struct {
	Ack     map[string]time.Duration `json:"ack" yaml:"ack"`
	Restore map[string]time.Duration `json:"restore" yaml:"restore"`
}

type OpticalConfig struct {
	Window  time.Duration         `json:"window" yaml:"window"`
	DriftDB float64               `json:"drift_db" yaml:"drift_db"`
	Bands   map[string]BandConfig `json:"bands" yaml:"bands"`
}

type BandConfig struct {
	HardLow  float64 `json:"hard_low" yaml:"hard_low"`
	SoftLow  float64 `json:"soft_low" yaml:"soft_low"`
	SoftHigh float64 `json:"soft_high" yaml:"soft_high"`
	HardHigh float64 `json:"hard_high" yaml:"hard_high"`
}

type NotifyConfig struct {
	Throttle time.Duration    `json:"throttle" yaml:"throttle"`
	SMTP     SMTPConfig       `json:"smtp" yaml:"smtp"`
	Webhook  NotifyHookConfig `json:"webhook" yaml:"webhook"`
}

type SMTPConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	From     string `json:"from" yaml:"from"`
}

type NotifyHookConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url"`
	Secret  string        `json:"secret" yaml:"secret"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type EventsConfig struct {
	Driver  string   `json:"driver" yaml:"driver"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	NATSURL string   `json:"nats_url" yaml:"nats_url"`
	Subject string   `json:"subject" yaml:"subject"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type ActivityConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

const defaultSQLiteDSN = "file:fibertrack.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Webhook: WebhookConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
			RateLimit: RateLimitConfig{
				Backend:     "memory",
				Window:      60 * time.Second,
				MaxRequests: 300,
				KeyPrefix:   "fibertrack:ratelimit:",
			},
			Signature: SignatureConfig{
				Secrets: map[string]string{},
				MaxSkew: 5 * time.Minute,
			},
		},
		KafkaIngest: KafkaIngestConfig{Enabled: false, DefaultVendor: "generic"},
		Storage:     StorageConfig{Driver: "sqlite", DSN: defaultSQLiteDSN, MaxOpenConns: 4},
		Correlation: CorrelationConfig{SignalThrottle: time.Minute},
		SLA: SLAConfig{
			ScanInterval:  15 * time.Minute,
			AlertCooldown: time.Hour,
			WarnWindow:    time.Hour,
			Task:          defaultTaskSLA(),
			Incident:      defaultIncidentSLA(),
		},
		Optical: OpticalConfig{
			Window:  24 * time.Hour,
			DriftDB: 3,
			Bands:   defaultBands(),
		},
		Notify: NotifyConfig{
			Throttle: time.Minute,
			Webhook:  NotifyHookConfig{Timeout: 10 * time.Second},
		},
		Events:   EventsConfig{Driver: "none", Topic: "fibertrack.incidents", Subject: "fibertrack.incidents"},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Activity: ActivityConfig{StoreLimit: 1000},
	}
}

func defaultTaskSLA() TaskSLAConfig {
	return TaskSLAConfig{
		AckHours: map[string]float64{
			"cac_check": 4, "stringing": 8, "installation": 8, "testing": 8,
			"maintenance": 4, "documentation": 12, "other": 12,
		},
		CompleteHours: map[string]float64{
			"cac_check": 24, "stringing": 72, "installation": 48, "testing": 24,
			"maintenance": 24, "documentation": 24, "other": 48,
		},
		PriorityMultipliers: map[string]float64{
			"critical": 0.5, "high": 0.8, "medium": 1.0, "low": 1.2,
		},
	}
}

func defaultIncidentSLA() IncidentSLAConfig {
	return IncidentSLAConfig{
		Ack: map[string]time.Duration{
			"p1": 15 * time.Minute, "p2": 30 * time.Minute, "p3": 2 * time.Hour, "p4": 4 * time.Hour,
		},
		Restore: map[string]time.Duration{
			"p1": 4 * time.Hour, "p2": 8 * time.Hour, "p3": 24 * time.Hour, "p4": 72 * time.Hour,
		},
	}
}

func defaultBands() map[string]BandConfig {
	return map[string]BandConfig{
		"rx": {HardLow: -28, SoftLow: -25, SoftHigh: -10, HardHigh: -8},
		"tx": {HardLow: -1, SoftLow: 0.5, SoftHigh: 5, HardHigh: 7},
	}
}

// FromEnv returns the defaults with vendor secrets taken from the environment.
func FromEnv() *Config {
	cfg := DefaultConfig()
	applyDefaults(cfg)
	return cfg
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = def.Webhook.MaxBodyBytes
	}
	if cfg.Webhook.RateLimit.Backend == "" {
		cfg.Webhook.RateLimit.Backend = "memory"
	}
	if cfg.Webhook.RateLimit.Window <= 0 {
		cfg.Webhook.RateLimit.Window = def.Webhook.RateLimit.Window
	}
	if cfg.Webhook.RateLimit.KeyPrefix == "" {
		cfg.Webhook.RateLimit.KeyPrefix = def.Webhook.RateLimit.KeyPrefix
	}
	if cfg.Webhook.Signature.Secrets == nil {
		cfg.Webhook.Signature.Secrets = map[string]string{}
	}
	for _, vendor := range []string{"librenms", "zabbix", "generic"} {
		if cfg.Webhook.Signature.Secrets[vendor] != "" {
			continue
		}
		if v := os.Getenv("WEBHOOK_SECRET_" + strings.ToUpper(vendor)); v != "" {
			cfg.Webhook.Signature.Secrets[vendor] = v
		}
	}
	if cfg.KafkaIngest.DefaultVendor == "" {
		cfg.KafkaIngest.DefaultVendor = "generic"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = defaultSQLiteDSN
	}
	if cfg.SLA.ScanInterval <= 0 {
		cfg.SLA.ScanInterval = def.SLA.ScanInterval
	}
	if cfg.SLA.AlertCooldown <= 0 {
		cfg.SLA.AlertCooldown = def.SLA.AlertCooldown
	}
	mergeFloats(&cfg.SLA.Task.AckHours, def.SLA.Task.AckHours)
	mergeFloats(&cfg.SLA.Task.CompleteHours, def.SLA.Task.CompleteHours)
	mergeFloats(&cfg.SLA.Task.PriorityMultipliers, def.SLA.Task.PriorityMultipliers)
	mergeDurations(&cfg.SLA.Incident.Ack, def.SLA.Incident.Ack)
	mergeDurations(&cfg.SLA.Incident.Restore, def.SLA.Incident.Restore)
	if cfg.Optical.Window <= 0 {
		cfg.Optical.Window = def.Optical.Window
	}
	if cfg.Optical.DriftDB <= 0 {
		cfg.Optical.DriftDB = def.Optical.DriftDB
	}
	if cfg.Optical.Bands == nil {
		cfg.Optical.Bands = map[string]BandConfig{}
	}
	for dir, band := range def.Optical.Bands {
		if _, ok := cfg.Optical.Bands[dir]; !ok {
			cfg.Optical.Bands[dir] = band
		}
	}
	if cfg.Notify.Webhook.Timeout <= 0 {
		cfg.Notify.Webhook.Timeout = def.Notify.Webhook.Timeout
	}
	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "none"
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = def.Events.Topic
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = def.Events.Subject
	}
	if cfg.Activity.StoreLimit <= 0 {
		cfg.Activity.StoreLimit = def.Activity.StoreLimit
	}
}

func mergeFloats(dst *map[string]float64, def map[string]float64) {
	if *dst == nil {
		*dst = map[string]float64{}
	}
	for k, v := range def {
		if _, ok := (*dst)[k]; !ok {
			(*dst)[k] = v
		}
	}
}

func mergeDurations(dst *map[string]time.Duration, def map[string]time.Duration) {
	if *dst == nil {
		*dst = map[string]time.Duration{}
	}
	for k, v := range def {
		if _, ok := (*dst)[k]; !ok {
			(*dst)[k] = v
		}
	}
}

func Validate(cfg *Config) error {
	if cfg.Webhook.Addr == "" {
		return errors.New("webhook.addr required")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch cfg.Webhook.RateLimit.Backend {
	case "memory":
	case "redis":
		if cfg.Webhook.RateLimit.RedisAddr == "" {
			return errors.New("webhook.rate_limit.redis_addr required when backend is redis")
		}
	default:
		return fmt.Errorf("webhook.rate_limit.backend must be memory or redis, got %q", cfg.Webhook.RateLimit.Backend)
	}
	if cfg.Webhook.RateLimit.MaxRequests < 0 {
		return errors.New("webhook.rate_limit.max_requests must be >= 0")
	}
	for _, cidr := range cfg.Webhook.Allowlist.CIDRs {
		if _, err := parsePrefix(cidr); err != nil {
			return fmt.Errorf("webhook.allowlist.cidrs: %w", err)
		}
	}
	if cfg.KafkaIngest.Enabled {
		if len(cfg.KafkaIngest.Brokers) == 0 || cfg.KafkaIngest.Topic == "" || cfg.KafkaIngest.GroupID == "" {
			return errors.New("kafka_ingest requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	switch cfg.Events.Driver {
	case "none":
	case "kafka":
		if len(cfg.Events.Brokers) == 0 {
			return errors.New("events.brokers required when events.driver is kafka")
		}
	case "nats":
		if cfg.Events.NATSURL == "" {
			return errors.New("events.nats_url required when events.driver is nats")
		}
	default:
		return fmt.Errorf("events.driver must be none, kafka or nats, got %q", cfg.Events.Driver)
	}
	if cfg.SLA.WarnWindow < 0 {
		return errors.New("sla.warn_window must be >= 0")
	}
	for dir, band := range cfg.Optical.Bands {
		if !(band.HardLow <= band.SoftLow && band.SoftLow <= band.SoftHigh && band.SoftHigh <= band.HardHigh) {
			return fmt.Errorf("optical.bands.%s must satisfy hard_low <= soft_low <= soft_high <= hard_high", dir)
		}
	}
	if cfg.Notify.SMTP.Enabled && (cfg.Notify.SMTP.Addr == "" || cfg.Notify.SMTP.From == "") {
		return errors.New("notify.smtp requires addr and from")
	}
	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.URL == "" {
		return errors.New("notify.webhook.url required when enabled")
	}
	return nil
}

// parsePrefix accepts both CIDR notation and bare addresses.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := parsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops for it.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
