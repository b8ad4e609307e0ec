package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the sentinel core service.
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Incidents     IncidentsConfig     `mapstructure:"incidents"`
	Response      ResponseConfig      `mapstructure:"response"`
	Escalation    EscalationConfig    `mapstructure:"escalation"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Snapshot      SnapshotConfig      `mapstructure:"snapshot"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TelemetryConfig bounds the per-metric sample rings.
type TelemetryConfig struct {
	MaxSamplesPerMetric int           `mapstructure:"max_samples_per_metric"`
	TrimTo              int           `mapstructure:"trim_to"`
	LockWait            time.Duration `mapstructure:"lock_wait"`
}

// AlertingConfig contains the rule engine tunables and the alert rule set.
// The debounce window and adaptive blend factor are deliberately
// configurable; the defaults mirror long-standing production values.
type AlertingConfig struct {
	Epsilon               float64           `mapstructure:"epsilon"`
	DebounceWindow        time.Duration     `mapstructure:"debounce_window"`
	BaselineCapacity      int               `mapstructure:"baseline_capacity"`
	BaselineTrimTo        int               `mapstructure:"baseline_trim_to"`
	BaselineMinValues     int               `mapstructure:"baseline_min_values"`
	BlendFactor           float64           `mapstructure:"blend_factor"`
	MaxAlertHistory       int               `mapstructure:"max_alert_history"`
	IncidentSeverityFloor string            `mapstructure:"incident_severity_floor"`
	LockWait              time.Duration     `mapstructure:"lock_wait"`
	Rules                 []AlertRuleConfig `mapstructure:"rules"`
}

// AlertRuleConfig is the declarative form of a single alert rule.
type AlertRuleConfig struct {
	ID               string   `mapstructure:"id" json:"id"`
	Metric           string   `mapstructure:"metric" json:"metric"`
	Comparator       string   `mapstructure:"comparator" json:"comparator"`
	Threshold        float64  `mapstructure:"threshold" json:"threshold"`
	Severity         string   `mapstructure:"severity" json:"severity"`
	CooldownSeconds  int      `mapstructure:"cooldown_seconds" json:"cooldown_seconds"`
	MinOccurrences   int      `mapstructure:"min_occurrences" json:"min_occurrences"`
	MaxAlertsPerHour int      `mapstructure:"max_alerts_per_hour" json:"max_alerts_per_hour"`
	Adaptive         bool     `mapstructure:"adaptive" json:"adaptive"`
	Tags             []string `mapstructure:"tags" json:"tags,omitempty"`
}

// IncidentsConfig contains the incident registry tunables.
type IncidentsConfig struct {
	LockWait time.Duration `mapstructure:"lock_wait"`
}

// ResponseConfig contains the response rule set.
type ResponseConfig struct {
	PerformedBy string               `mapstructure:"performed_by"`
	LockWait    time.Duration        `mapstructure:"lock_wait"`
	Rules       []ResponseRuleConfig `mapstructure:"rules"`
}

// ResponseRuleConfig is the declarative form of a single response rule. The
// condition is an expression over incident fields, compiled at load time.
type ResponseRuleConfig struct {
	ID            string   `mapstructure:"id" json:"id"`
	IncidentKind  string   `mapstructure:"incident_kind" json:"incident_kind"`
	SeverityFloor string   `mapstructure:"severity_floor" json:"severity_floor"`
	Condition     string   `mapstructure:"condition" json:"condition,omitempty"`
	Actions       []string `mapstructure:"actions" json:"actions"`
	SubjectRole   string   `mapstructure:"subject_role" json:"subject_role,omitempty"`
	Enabled       bool     `mapstructure:"enabled" json:"enabled"`
	Description   string   `mapstructure:"description" json:"description,omitempty"`
}

// EscalationConfig maps severities to escalation policies.
type EscalationConfig struct {
	Policies map[string]EscalationPolicy `mapstructure:"policies"`
}

// EscalationPolicy drives the periodic escalation scan for one severity.
type EscalationPolicy struct {
	EscalateImmediately bool          `mapstructure:"escalate_immediately" json:"escalate_immediately"`
	EscalationAge       time.Duration `mapstructure:"escalation_age" json:"escalation_age"`
	ContactClasses      []string      `mapstructure:"contact_classes" json:"contact_classes"`
	NotifyChannels      []string      `mapstructure:"notify_channels" json:"notify_channels"`
}

// NotificationsConfig configures the dispatcher boundary.
type NotificationsConfig struct {
	RatePerMinute  int           `mapstructure:"rate_per_minute"`
	Burst          int           `mapstructure:"burst"`
	Webhook        WebhookConfig `mapstructure:"webhook"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WebhookConfig configures the optional webhook dispatcher.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// SchedulerConfig contains the periodic task schedules.
type SchedulerConfig struct {
	EscalationSchedule string        `mapstructure:"escalation_schedule"`
	CleanupSchedule    string        `mapstructure:"cleanup_schedule"`
	MetricsSchedule    string        `mapstructure:"metrics_schedule"`
	AlertRetention     time.Duration `mapstructure:"alert_retention"`
}

// KafkaConfig configures the optional event ingestion consumer.
type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	TelemetryTopic string   `mapstructure:"telemetry_topic"`
	DetectionTopic string   `mapstructure:"detection_topic"`
}

// SnapshotConfig configures state export/import.
type SnapshotConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads configuration from file and environment. The file is optional;
// defaults produce a runnable service.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("sentinel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/sentinel")

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("debug", false)

	v.SetDefault("server.http_port", 8084)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.max_samples_per_metric", 1000)
	v.SetDefault("telemetry.trim_to", 500)
	v.SetDefault("telemetry.lock_wait", 2*time.Second)

	v.SetDefault("alerting.epsilon", 1e-3)
	v.SetDefault("alerting.debounce_window", 5*time.Minute)
	v.SetDefault("alerting.baseline_capacity", 100)
	v.SetDefault("alerting.baseline_trim_to", 50)
	v.SetDefault("alerting.baseline_min_values", 10)
	v.SetDefault("alerting.blend_factor", 0.8)
	v.SetDefault("alerting.max_alert_history", 1000)
	v.SetDefault("alerting.incident_severity_floor", "high")
	v.SetDefault("alerting.lock_wait", 2*time.Second)

	v.SetDefault("incidents.lock_wait", 2*time.Second)

	v.SetDefault("response.performed_by", "sentinel-core")
	v.SetDefault("response.lock_wait", 2*time.Second)

	v.SetDefault("notifications.rate_per_minute", 30)
	v.SetDefault("notifications.burst", 10)
	v.SetDefault("notifications.request_timeout", 5*time.Second)
	v.SetDefault("notifications.webhook.enabled", false)

	v.SetDefault("scheduler.escalation_schedule", "@every 60s")
	v.SetDefault("scheduler.cleanup_schedule", "@every 10m")
	v.SetDefault("scheduler.metrics_schedule", "@every 30s")
	v.SetDefault("scheduler.alert_retention", 24*time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "sentinel-core")
	v.SetDefault("kafka.telemetry_topic", "telemetry.samples")
	v.SetDefault("kafka.detection_topic", "security.detections")

	v.SetDefault("snapshot.dir", "./snapshots")
}

// Validate checks structural configuration. Per-rule semantics (comparators,
// severities, actions, condition expressions) are validated where the rules
// are registered, so a hot reload rejects bad rules the same way startup does.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}
	if c.Telemetry.MaxSamplesPerMetric <= 0 {
		return fmt.Errorf("telemetry.max_samples_per_metric must be positive")
	}
	if c.Telemetry.TrimTo <= 0 || c.Telemetry.TrimTo > c.Telemetry.MaxSamplesPerMetric {
		return fmt.Errorf("telemetry.trim_to must be in (0, max_samples_per_metric]")
	}
	if c.Alerting.BlendFactor < 0 || c.Alerting.BlendFactor > 1 {
		return fmt.Errorf("alerting.blend_factor must be in [0, 1]")
	}
	if c.Alerting.DebounceWindow <= 0 {
		return fmt.Errorf("alerting.debounce_window must be positive")
	}
	if c.Alerting.BaselineTrimTo <= 0 || c.Alerting.BaselineTrimTo > c.Alerting.BaselineCapacity {
		return fmt.Errorf("alerting.baseline_trim_to must be in (0, baseline_capacity]")
	}
	if c.Alerting.MaxAlertHistory <= 0 {
		return fmt.Errorf("alerting.max_alert_history must be positive")
	}
	if c.Notifications.RatePerMinute <= 0 {
		return fmt.Errorf("notifications.rate_per_minute must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must be set when kafka is enabled")
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("notifications.webhook.url must be set when the webhook is enabled")
	}
	return nil
}
