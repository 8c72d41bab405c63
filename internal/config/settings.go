// Package config loads the gateway's settings the way the teacher repo
// does: viper, a conventional search path, an env var override for an
// explicit file, and a single Settings struct unmarshaled via
// mapstructure tags.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// MQTTConfig configures the vendor and profile-driven MQTT adapters (C2).
type MQTTConfig struct {
	Host                 string `mapstructure:"host"`
	Port                 int    `mapstructure:"port"`
	Keepalive            int    `mapstructure:"keepalive"`
	QoSControl           byte   `mapstructure:"qos_control"`
	QoSAudio             byte   `mapstructure:"qos_audio"`
	ReconnectMinSeconds  int    `mapstructure:"reconnect_min"`
	ReconnectMaxSeconds  int    `mapstructure:"reconnect_max"`
	OfflineControlBuffer int    `mapstructure:"offline_control_buffer"`
	ControlReplayWindow  int    `mapstructure:"control_replay_window"`
	ReplayEnabled        bool   `mapstructure:"replay_enabled"`
	HeartbeatTopic       string `mapstructure:"heartbeat_topic"`
	HeartbeatIntervalSec int    `mapstructure:"heartbeat_interval_seconds"`
	UpControlTopic       string `mapstructure:"up_control_topic"`
	UpAudioTopic         string `mapstructure:"up_audio_topic"`
	DownControlTopic     string `mapstructure:"down_control_topic"`
	DownAudioTopic       string `mapstructure:"down_audio_topic"`
	AudioMagicByte       byte   `mapstructure:"audio_magic_byte"`
}

// AuthAPIConfig configures the control-plane bearer/X-Auth-Token check.
type AuthAPIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// RateLimitConfig configures the control-plane limiter: in-process by
// default, or Redis-backed across replicas when Redis.Addr is set.
type RateLimitConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	RPM           int         `mapstructure:"rpm"`
	Burst         int         `mapstructure:"burst"`
	WindowSeconds int         `mapstructure:"window_seconds"`
	Redis         RedisConfig `mapstructure:"redis"`
}

// RedisConfig points the rate limiter at a shared Redis instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ReplayGuardConfig configures nonce+timestamp replay protection.
type ReplayGuardConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	WindowSeconds int  `mapstructure:"window_seconds"`
}

// ControlAPIConfig configures the HTTP control plane (C9).
type ControlAPIConfig struct {
	ListenAddr          string            `mapstructure:"listen_addr"`
	Auth                AuthAPIConfig     `mapstructure:"auth"`
	RateLimit           RateLimitConfig   `mapstructure:"rate_limit"`
	Replay              ReplayGuardConfig `mapstructure:"replay"`
	MaxRequestBodyBytes int64             `mapstructure:"max_request_body_bytes"`
	DeviceTokenSecret   string            `mapstructure:"device_token_secret"`
}

// HardwareConfig configures the device runtime orchestrator and its
// chosen southbound adapter.
type HardwareConfig struct {
	Adapter                 string             `mapstructure:"adapter"`
	TTSMode                 string             `mapstructure:"tts_mode"`
	NoHeartbeatTimeoutS     int                `mapstructure:"no_heartbeat_timeout_s"`
	DeviceAuthEnabled       bool               `mapstructure:"device_auth_enabled"`
	AllowUnboundDevices     bool               `mapstructure:"allow_unbound_devices"`
	RequireActivatedDevices bool               `mapstructure:"require_activated_devices"`
	ControlAPI              ControlAPIConfig   `mapstructure:"control_api"`
	MQTT                    MQTTConfig         `mapstructure:"mqtt"`
	WebSocketListenAddr     string             `mapstructure:"websocket_listen_addr"`
	WebSocketRequireToken   bool               `mapstructure:"websocket_require_token"`
	PolicyClient            PolicyClientConfig `mapstructure:"policy_client"`
}

// PolicyClientConfig configures the cache wrapped around the remote
// tool-policy client (§4.5.1). The remote client itself is an external
// collaborator and out of scope; this only bounds how long a fetched
// policy is reused before a refresh is attempted.
type PolicyClientConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// DigitalTaskConfig configures the digital task executor (C6).
type DigitalTaskConfig struct {
	DefaultTimeoutSeconds int    `mapstructure:"default_timeout_seconds"`
	MaxConcurrentTasks    int    `mapstructure:"max_concurrent_tasks"`
	StatusRetryCount      int    `mapstructure:"status_retry_count"`
	StatusRetryBackoffMs  int    `mapstructure:"status_retry_backoff_ms"`
	SQLitePath            string `mapstructure:"sqlite_path"`
}

// SafetyConfig configures the keyword-tiered safety policy.
type SafetyConfig struct {
	ConfidenceThreshold float64  `mapstructure:"confidence_threshold"`
	MaxOutputChars      int      `mapstructure:"max_output_chars"`
	P0Keywords          []string `mapstructure:"p0_keywords"`
	P1Keywords          []string `mapstructure:"p1_keywords"`
	P2Keywords          []string `mapstructure:"p2_keywords"`
}

// InteractionConfig configures proactive hints and quiet-hours silencing.
type InteractionConfig struct {
	QuietHoursStart  int      `mapstructure:"quiet_hours_start"`
	QuietHoursEnd    int      `mapstructure:"quiet_hours_end"`
	ProactiveSources []string `mapstructure:"proactive_sources"`
	EmotionSources   []string `mapstructure:"emotion_sources"`
}

// ObservabilityConfig configures the periodic sampling job (internal/cron).
type ObservabilityConfig struct {
	SampleIntervalSeconds         int `mapstructure:"sample_interval_seconds"`
	MaxRows                       int `mapstructure:"max_rows"`
	MinTaskTotalForAlert          int `mapstructure:"min_task_total_for_alert"`
	IngestRejectedActiveQueueMin  int `mapstructure:"ingest_rejected_active_queue_depth_min"`
}

// StoreConfig configures the three SQLite durability databases (C8).
type StoreConfig struct {
	LifelogPath       string `mapstructure:"lifelog_path"`
	ObservabilityPath string `mapstructure:"observability_path"`
}

// CronConfig configures the robfig/cron maintenance scheduler.
type CronConfig struct {
	RetentionCleanupCron   string `mapstructure:"retention_cleanup_cron"`
	PushQueueFlushCron     string `mapstructure:"push_queue_flush_cron"`
	ObservabilitySampleCron string `mapstructure:"observability_sample_cron"`
}

// Settings is the gateway's full configuration surface.
type Settings struct {
	Env          string              `mapstructure:"env"`
	Debug        bool                `mapstructure:"debug"`
	Hardware     HardwareConfig      `mapstructure:"hardware"`
	DigitalTask  DigitalTaskConfig   `mapstructure:"digital_task"`
	Safety       SafetyConfig        `mapstructure:"safety"`
	Interaction  InteractionConfig   `mapstructure:"interaction"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Store        StoreConfig         `mapstructure:"store"`
	Cron         CronConfig          `mapstructure:"cron"`
}

func setDefaults() {
	viper.SetDefault("hardware.adapter", "mock")
	viper.SetDefault("hardware.tts_mode", "device_text")
	viper.SetDefault("hardware.no_heartbeat_timeout_s", 60)
	viper.SetDefault("hardware.policy_client.cache_ttl_seconds", 30)
	viper.SetDefault("hardware.control_api.listen_addr", ":8080")
	viper.SetDefault("hardware.control_api.max_request_body_bytes", 1<<20)
	viper.SetDefault("hardware.control_api.rate_limit.rpm", 120)
	viper.SetDefault("hardware.control_api.rate_limit.burst", 20)
	viper.SetDefault("hardware.control_api.rate_limit.window_seconds", 60)
	viper.SetDefault("hardware.control_api.replay.window_seconds", 300)
	viper.SetDefault("hardware.control_api.device_token_secret", "dev-insecure-device-token-secret")
	viper.SetDefault("hardware.mqtt.keepalive", 60)
	viper.SetDefault("hardware.mqtt.qos_control", 1)
	viper.SetDefault("hardware.mqtt.qos_audio", 0)
	viper.SetDefault("hardware.mqtt.reconnect_min", 1)
	viper.SetDefault("hardware.mqtt.reconnect_max", 60)
	viper.SetDefault("hardware.mqtt.offline_control_buffer", 256)
	viper.SetDefault("hardware.mqtt.control_replay_window", 256)
	viper.SetDefault("hardware.mqtt.audio_magic_byte", 0xA5)
	viper.SetDefault("digital_task.default_timeout_seconds", 120)
	viper.SetDefault("digital_task.max_concurrent_tasks", 4)
	viper.SetDefault("digital_task.status_retry_count", 3)
	viper.SetDefault("digital_task.status_retry_backoff_ms", 500)
	viper.SetDefault("digital_task.sqlite_path", "./data/tasks.db")
	viper.SetDefault("safety.confidence_threshold", 0.6)
	viper.SetDefault("safety.max_output_chars", 600)
	viper.SetDefault("observability.sample_interval_seconds", 30)
	viper.SetDefault("observability.max_rows", 10000)
	viper.SetDefault("store.lifelog_path", "./data/lifelog.db")
	viper.SetDefault("store.observability_path", "./data/observability.db")
	viper.SetDefault("cron.retention_cleanup_cron", "0 3 * * *")
	viper.SetDefault("cron.push_queue_flush_cron", "@every 1m")
	viper.SetDefault("cron.observability_sample_cron", "@every 30s")
}

// Load reads settings from GATEWAY_CONFIG if set, else the conventional
// search path (./config_<env>.yaml, ./config, /etc/gateway).
func Load() (*Settings, error) {
	setDefaults()

	if cfgPath := os.Getenv("GATEWAY_CONFIG"); cfgPath != "" {
		viper.SetConfigFile(cfgPath)
	} else {
		viper.SetConfigName("config_" + genEnv())
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/gateway")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var settings Settings
	if err := viper.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &settings, nil
}

func genEnv() string {
	env := viper.GetString("env")
	if env == "" {
		return "dev"
	}
	return env
}
