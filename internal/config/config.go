package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"decomwatch/internal/domain"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen        = ":8080"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultMetricsPath       = "/metrics"
	defaultEvalIntervalSec   = 60
	defaultReloadIntervalSec = 30
	defaultSourceTimeoutSec  = 10
	defaultSourceWindowSec   = 1800
	defaultNoDataWindowSec   = 86400
	defaultRecoveryFraction  = 0.8
	defaultWorkers           = 4
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultStateBucket       = "decomwatch_state"
	defaultBusSubject        = "decomwatch.transitions"
	defaultLastActiveMetric  = "postgresql_activity_last_active_timestamp"
	defaultSamplesMetric     = "postgresql_queries_total"
	defaultEntityLabel       = "database"

	// ServiceModeSingle keeps in-memory state without NATS dependencies.
	ServiceModeSingle = "single"
	// ServiceModeNATS keeps JetStream KV state and the bus notify channel.
	ServiceModeNATS = "nats"
)

// Config holds service runtime settings and the monitored entity fleet.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service ServiceConfig `toml:"service"`
	Log     LogConfig     `toml:"log"`
	HTTP    HTTPConfig    `toml:"http"`
	Source  SourceConfig  `toml:"source"`
	Policy  PolicyConfig  `toml:"policy"`
	Notify  NotifyConfig  `toml:"notify"`
	Entity  []EntityConfig
}

// rawConfig mirrors the TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw entity map keyed by entity id.
type rawConfig struct {
	Service ServiceConfig              `toml:"service"`
	Log     LogConfig                  `toml:"log"`
	HTTP    HTTPConfig                 `toml:"http"`
	Source  SourceConfig               `toml:"source"`
	Policy  PolicyConfig               `toml:"policy"`
	Notify  NotifyConfig               `toml:"notify"`
	Entity  map[string]rawEntityConfig `toml:"entity"`
}

// rawEntityConfig stores one entity body from `[entity.<id>]` table.
// Params: entity fields except the key-derived id.
// Returns: intermediate entity body used for normalization.
type rawEntityConfig struct {
	Criticality string `toml:"criticality"`
	Scenario    string `toml:"scenario"`
	OwnerEmail  string `toml:"owner_email"`
}

// EntityConfig is one normalized monitored entity declaration.
// Params: id from table key plus classification fields.
// Returns: registry input record.
type EntityConfig struct {
	ID          string
	Criticality string
	Scenario    string
	OwnerEmail  string
}

// ServiceConfig contains process-level settings.
// Params: name, state mode, evaluation cadence, and reload controls.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name              string `toml:"name"`
	Mode              string `toml:"mode"`
	EvalIntervalSec   int    `toml:"eval_interval_sec"`
	Workers           int    `toml:"workers"`
	ReloadEnabled     bool   `toml:"reload_enabled"`
	ReloadIntervalSec int    `toml:"reload_interval_sec"`
	WatchEnabled      bool   `toml:"watch_enabled"`
}

// HTTPConfig configures the health/metrics HTTP surface.
// Params: listen address and endpoint paths.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Listen      string `toml:"listen"`
	HealthPath  string `toml:"health_path"`
	ReadyPath   string `toml:"ready_path"`
	MetricsPath string `toml:"metrics_path"`
}

// SourceConfig configures the external activity metric source.
// Params: exposition endpoint, metric names, entity label, and fetch bounds.
// Returns: metric source behavior.
type SourceConfig struct {
	URL              string            `toml:"url"`
	TimeoutSec       int               `toml:"timeout_sec"`
	WindowSec        int               `toml:"window_sec"`
	LastActiveMetric string            `toml:"last_active_metric"`
	SamplesMetric    string            `toml:"samples_metric"`
	EntityLabel      string            `toml:"entity_label"`
	Headers          map[string]string `toml:"headers"`
}

// PolicyConfig holds tunable policy parameters.
// Params: recovery fractions and the no-data window.
// Returns: hysteresis derivation controls.
type PolicyConfig struct {
	WarningRecoveryFraction  float64 `toml:"warning_recovery_fraction"`
	CriticalRecoveryFraction float64 `toml:"critical_recovery_fraction"`
	NoDataWindowSec          int64   `toml:"no_data_window_sec"`
}

// NotifyConfig defines outbound notification behavior.
// Params: per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	Webhook  WebhookNotifier  `toml:"webhook"`
	Tracker  TrackerNotifier  `toml:"tracker"`
	Telegram TelegramNotifier `toml:"telegram"`
	Bus      BusNotifier      `toml:"bus"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// WebhookNotifier defines the decommissioning workflow webhook endpoint.
// Params: URL, method, timeout, optional static headers, and retry policy.
// Returns: webhook sender configuration.
type WebhookNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
	Retry      NotifyRetry       `toml:"retry"`
}

// TrackerNotifier defines the issue-tracker integration for manual review.
// Params: API base URL, repository, auth token, timeout, and retry policy.
// Returns: tracker sender configuration.
type TrackerNotifier struct {
	Enabled    bool        `toml:"enabled"`
	BaseURL    string      `toml:"base_url"`
	Repository string      `toml:"repository"`
	Token      string      `toml:"token"`
	TimeoutSec int         `toml:"timeout_sec"`
	Retry      NotifyRetry `toml:"retry"`
}

// TelegramNotifier defines the operator escalation channel.
// Params: enabled flag, bot token, chat ID, API base URL, and retry policy.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	ChatID   string      `toml:"chat_id"`
	APIBase  string      `toml:"api_base"`
	Retry    NotifyRetry `toml:"retry"`
}

// BusNotifier defines transition event publication to NATS.
// Params: server URLs and target subject.
// Returns: bus sender configuration.
type BusNotifier struct {
	Enabled bool     `toml:"enabled"`
	URL     []string `toml:"url"`
	Subject string   `toml:"subject"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// NATSStateConfig contains derived JetStream KV settings for the state backend.
// Params: URL list and bucket name.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL                []string
	Bucket             string
	AllowCreateBuckets bool
}

// DeriveStateNATSConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS state settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	urls := normalizeNATSURLs(cfg.Notify.Bus.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return NATSStateConfig{
		URL:                urls,
		Bucket:             defaultStateBucket,
		AllowCreateBuckets: true,
	}
}

// Source describes a file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type Source struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (Source, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return Source{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return Source{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return Source{File: filePath}, nil
	}
	return Source{Dir: dirPath}, nil
}

// WatchPath returns the filesystem path the reload watcher should observe.
// Params: none.
// Returns: file or directory path.
func (s Source) WatchPath() string {
	if s.File != "" {
		return s.File
	}
	return s.Dir
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src Source) (Config, error) {
	var raw rawConfig
	var err error
	if src.File != "" {
		err = decodeFile(src.File, &raw)
	} else {
		err = decodeDir(src.Dir, &raw)
	}
	if err != nil {
		return Config{}, err
	}

	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFile decodes one TOML file into the raw model.
// Params: file path and destination raw config.
// Returns: read or decode error.
func decodeFile(path string, raw *rawConfig) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, raw); err != nil {
		return fmt.Errorf("decode config %q: %w", path, err)
	}
	return nil
}

// decodeDir decodes all *.toml fragments in lexical order into one raw model.
// Params: directory path and destination raw config.
// Returns: read or decode error; later fragments override earlier keys.
func decodeDir(dir string, raw *rawConfig) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return fmt.Errorf("config dir %q contains no *.toml fragments", dir)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := decodeFile(filepath.Join(dir, name), raw); err != nil {
			return err
		}
	}
	return nil
}

// normalizeRawConfig converts the raw TOML model to runtime config.
// Params: decoded raw config.
// Returns: normalized config snapshot with entities sorted by id.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service: raw.Service,
		Log:     raw.Log,
		HTTP:    raw.HTTP,
		Source:  raw.Source,
		Policy:  raw.Policy,
		Notify:  raw.Notify,
	}
	if len(raw.Entity) == 0 {
		return cfg, nil
	}

	ids := make([]string, 0, len(raw.Entity))
	for id := range raw.Entity {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cfg.Entity = make([]EntityConfig, 0, len(ids))
	for _, id := range ids {
		body := raw.Entity[id]
		cfg.Entity = append(cfg.Entity, EntityConfig{
			ID:          id,
			Criticality: body.Criticality,
			Scenario:    body.Scenario,
			OwnerEmail:  body.OwnerEmail,
		})
	}
	return cfg, nil
}

// applyDefaults fills zero-valued settings with runtime defaults.
// Params: mutable config snapshot.
// Returns: config mutated in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "decomwatch"
	}
	if strings.TrimSpace(cfg.Service.Mode) == "" {
		cfg.Service.Mode = ServiceModeSingle
	}
	if cfg.Service.EvalIntervalSec <= 0 {
		cfg.Service.EvalIntervalSec = defaultEvalIntervalSec
	}
	if cfg.Service.Workers <= 0 {
		cfg.Service.Workers = defaultWorkers
	}
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadIntervalSec
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}

	if cfg.Source.TimeoutSec <= 0 {
		cfg.Source.TimeoutSec = defaultSourceTimeoutSec
	}
	if cfg.Source.WindowSec <= 0 {
		cfg.Source.WindowSec = defaultSourceWindowSec
	}
	if strings.TrimSpace(cfg.Source.LastActiveMetric) == "" {
		cfg.Source.LastActiveMetric = defaultLastActiveMetric
	}
	if strings.TrimSpace(cfg.Source.SamplesMetric) == "" {
		cfg.Source.SamplesMetric = defaultSamplesMetric
	}
	if strings.TrimSpace(cfg.Source.EntityLabel) == "" {
		cfg.Source.EntityLabel = defaultEntityLabel
	}

	if cfg.Policy.WarningRecoveryFraction == 0 {
		cfg.Policy.WarningRecoveryFraction = defaultRecoveryFraction
	}
	if cfg.Policy.CriticalRecoveryFraction == 0 {
		cfg.Policy.CriticalRecoveryFraction = defaultRecoveryFraction
	}
	if cfg.Policy.NoDataWindowSec <= 0 {
		cfg.Policy.NoDataWindowSec = defaultNoDataWindowSec
	}

	applyRetryDefaults(&cfg.Notify.Webhook.Retry)
	applyRetryDefaults(&cfg.Notify.Tracker.Retry)
	applyRetryDefaults(&cfg.Notify.Telegram.Retry)
	if strings.TrimSpace(cfg.Notify.Webhook.Method) == "" {
		cfg.Notify.Webhook.Method = "POST"
	}
	if cfg.Notify.Webhook.TimeoutSec <= 0 {
		cfg.Notify.Webhook.TimeoutSec = defaultSourceTimeoutSec
	}
	if cfg.Notify.Tracker.TimeoutSec <= 0 {
		cfg.Notify.Tracker.TimeoutSec = defaultSourceTimeoutSec
	}
	if strings.TrimSpace(cfg.Notify.Bus.Subject) == "" {
		cfg.Notify.Bus.Subject = defaultBusSubject
	}
	if cfg.Notify.Bus.Enabled && len(cfg.Notify.Bus.URL) == 0 {
		cfg.Notify.Bus.URL = []string{defaultNATSURL}
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console = LogSinkConfig{Enabled: true, Level: "info", Format: "line"}
	}
}

// applyRetryDefaults fills one retry policy with the standard backoff defaults.
// Params: mutable retry policy.
// Returns: policy mutated in place.
func applyRetryDefaults(retry *NotifyRetry) {
	if strings.TrimSpace(retry.Backoff) == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 10000
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}
}

// validateConfig checks the normalized snapshot against the contract.
// Params: config snapshot with defaults applied.
// Returns: first validation error; reload keeps the previous snapshot on error.
func validateConfig(cfg Config) error {
	switch cfg.Service.Mode {
	case ServiceModeSingle, ServiceModeNATS:
	default:
		return fmt.Errorf("service.mode %q is not supported", cfg.Service.Mode)
	}

	if cfg.Policy.WarningRecoveryFraction <= 0 || cfg.Policy.WarningRecoveryFraction >= 1 {
		return fmt.Errorf("policy.warning_recovery_fraction %v must be in (0,1)", cfg.Policy.WarningRecoveryFraction)
	}
	if cfg.Policy.CriticalRecoveryFraction <= 0 || cfg.Policy.CriticalRecoveryFraction >= 1 {
		return fmt.Errorf("policy.critical_recovery_fraction %v must be in (0,1)", cfg.Policy.CriticalRecoveryFraction)
	}

	if len(cfg.Entity) == 0 {
		return errors.New("at least one [entity.<id>] block is required")
	}
	for _, entity := range cfg.Entity {
		record := domain.Entity{
			ID:          entity.ID,
			OwnerEmail:  entity.OwnerEmail,
			Criticality: domain.Criticality(strings.ToUpper(strings.TrimSpace(entity.Criticality))),
			Scenario:    domain.Scenario(strings.ToUpper(strings.TrimSpace(entity.Scenario))),
		}
		if err := record.Validate(); err != nil {
			return err
		}
	}

	if strings.TrimSpace(cfg.Source.URL) == "" {
		return errors.New("source.url is required")
	}

	if cfg.Notify.Webhook.Enabled && strings.TrimSpace(cfg.Notify.Webhook.URL) == "" {
		return errors.New("notify.webhook.url is required when webhook is enabled")
	}
	if cfg.Notify.Tracker.Enabled {
		if strings.TrimSpace(cfg.Notify.Tracker.BaseURL) == "" {
			return errors.New("notify.tracker.base_url is required when tracker is enabled")
		}
		if strings.TrimSpace(cfg.Notify.Tracker.Repository) == "" {
			return errors.New("notify.tracker.repository is required when tracker is enabled")
		}
	}
	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when telegram is enabled")
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when telegram is enabled")
		}
	}
	if cfg.Notify.Bus.Enabled && cfg.Service.Mode == ServiceModeSingle {
		return errors.New("notify.bus requires service.mode = \"nats\"")
	}

	if err := validateLogSink("console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("file", cfg.Log.File, true); err != nil {
		return err
	}
	return nil
}

// validateLogSink checks one logging sink block.
// Params: sink label, sink config, and path requirement flag.
// Returns: validation error.
func validateLogSink(label string, sink LogSinkConfig, needPath bool) error {
	if !sink.Enabled {
		return nil
	}
	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("log.%s.format %q is not supported", label, sink.Format)
	}
	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.%s.level %q is not supported", label, sink.Level)
	}
	if needPath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("log.%s.path is required", label)
	}
	return nil
}

// EvalInterval returns the evaluation cycle cadence.
// Params: config snapshot.
// Returns: tick interval duration.
func EvalInterval(cfg Config) time.Duration {
	return time.Duration(cfg.Service.EvalIntervalSec) * time.Second
}

// normalizeNATSURLs trims and drops empty NATS server URLs.
// Params: raw URL list.
// Returns: cleaned URL list.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
