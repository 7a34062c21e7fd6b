// Package config loads the control plane's configuration from an optional
// YAML file overlaid with environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BrokerConfig controls the pub/sub transport.
type BrokerConfig struct {
	URL              string        `json:"url" env:"BROKER_URL"`
	Namespace        string        `json:"namespace" env:"BROKER_NAMESPACE"`
	ReconnectInitial time.Duration `json:"reconnect_initial" env:"BROKER_RECONNECT_INITIAL"`
	ReconnectMax     time.Duration `json:"reconnect_max" env:"BROKER_RECONNECT_MAX"`
	ReconnectJitter  float64       `json:"reconnect_jitter" env:"BROKER_RECONNECT_JITTER"`
	OutboundQueueLen int           `json:"outbound_queue_len" env:"BROKER_OUTBOUND_QUEUE_LEN"`
	HeartbeatPeriod  time.Duration `json:"heartbeat_period" env:"BROKER_HEARTBEAT_PERIOD"`
	HeartbeatMisses  int           `json:"heartbeat_misses" env:"BROKER_HEARTBEAT_MISSES"`
}

// DatabaseConfig controls the Entity Store's Postgres connection.
type DatabaseConfig struct {
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// TimeseriesConfig controls the Time-Series Writer's Postgres connection.
type TimeseriesConfig struct {
	DSN             string        `json:"dsn" env:"TIMESERIES_DSN"`
	BatchMaxPoints  int           `json:"batch_max_points" env:"TIMESERIES_BATCH_MAX_POINTS"`
	BatchMaxWait    time.Duration `json:"batch_max_wait" env:"TIMESERIES_BATCH_MAX_WAIT"`
	RawRetention    time.Duration `json:"raw_retention" env:"TIMESERIES_RAW_RETENTION"`
	HourlyRetention time.Duration `json:"hourly_retention" env:"TIMESERIES_HOURLY_RETENTION"`
	DailyRetention  time.Duration `json:"daily_retention" env:"TIMESERIES_DAILY_RETENTION"`
}

// RedisConfig controls the Alert Engine's threshold cache.
type RedisConfig struct {
	Addr     string        `json:"addr" env:"REDIS_ADDR"`
	Password string        `json:"password" env:"REDIS_PASSWORD"`
	DB       int           `json:"db" env:"REDIS_DB"`
	TTL      time.Duration `json:"ttl" env:"REDIS_THRESHOLD_TTL"`
}

// AlertConfig holds alert threshold and hysteresis settings decoded from the
// environment. The Alert Engine does not read it: its defaults come from
// alertengine.DefaultMetrics.
type AlertConfig struct {
	BatteryWarnPct    float64       `json:"battery_warn_pct" env:"ALERT_BATTERY_WARN_PCT"`
	BatteryCritPct    float64       `json:"battery_crit_pct" env:"ALERT_BATTERY_CRIT_PCT"`
	TemperatureWarnC  float64       `json:"temperature_warn_c" env:"ALERT_TEMPERATURE_WARN_C"`
	TemperatureCritC  float64       `json:"temperature_crit_c" env:"ALERT_TEMPERATURE_CRIT_C"`
	CPUWarnPct        float64       `json:"cpu_warn_pct" env:"ALERT_CPU_WARN_PCT"`
	CPUCritPct        float64       `json:"cpu_crit_pct" env:"ALERT_CPU_CRIT_PCT"`
	HysteresisDefault float64       `json:"hysteresis_default" env:"ALERT_HYSTERESIS_DEFAULT"`
	StaleRobotAfter   time.Duration `json:"stale_robot_after" env:"ALERT_STALE_ROBOT_AFTER"`
}

// CommandConfig controls the Command Router.
type CommandConfig struct {
	AckTimeout    time.Duration `json:"ack_timeout" env:"COMMAND_ACK_TIMEOUT"`
	QueueCapacity int           `json:"queue_capacity" env:"COMMAND_QUEUE_CAPACITY"`
}

// JobConfig controls the Job Tracker.
type JobConfig struct {
	StaleTimeout time.Duration `json:"stale_timeout" env:"JOB_STALE_TIMEOUT"`
}

// AgentConfig controls Robot Agent identity, task intervals and capability
// device wiring. The interval defaults mirror the scheduling contract
// (status 5s, sensors 1s, servos 5s, heartbeat 10s); the server also reads
// them to document expected telemetry staleness windows. Device paths left
// empty mean "no real hardware here", so the corresponding capability runs
// in simulated mode.
type AgentConfig struct {
	RobotID        string `json:"robot_id" env:"ROBOT_ID"`
	NetworkAddress string `json:"network_address" env:"NETWORK_ADDRESS"`

	StatusInterval    time.Duration `json:"status_interval" env:"AGENT_STATUS_INTERVAL"`
	SensorsInterval   time.Duration `json:"sensors_interval" env:"AGENT_SENSORS_INTERVAL"`
	ServosInterval    time.Duration `json:"servos_interval" env:"AGENT_SERVOS_INTERVAL"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" env:"AGENT_HEARTBEAT_INTERVAL"`

	IMUDevice      string `json:"imu_device" env:"AGENT_IMU_DEVICE"`
	SonarDevice    string `json:"sonar_device" env:"AGENT_SONAR_DEVICE"`
	CameraDevice   string `json:"camera_device" env:"AGENT_CAMERA_DEVICE"`
	ServoBusDevice string `json:"servo_bus_device" env:"AGENT_SERVO_BUS_DEVICE"`
	ServoIDs       string `json:"servo_ids" env:"AGENT_SERVO_IDS"`
	LightDevice    string `json:"light_device" env:"AGENT_LIGHT_DEVICE"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// HTTPConfig controls the dashboard/API boundary.
type HTTPConfig struct {
	Addr               string  `json:"addr" env:"HTTP_ADDR"`
	BodyLimitBytes     int64   `json:"body_limit_bytes" env:"HTTP_BODY_LIMIT_BYTES"`
	RateLimitPerSecond float64 `json:"rate_limit_per_second" env:"HTTP_RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int     `json:"rate_limit_burst" env:"HTTP_RATE_LIMIT_BURST"`
	CORSOrigins        string  `json:"cors_origins" env:"HTTP_CORS_ORIGINS"`
}

// Config is the top-level control plane configuration.
type Config struct {
	Broker     BrokerConfig     `json:"broker"`
	Database   DatabaseConfig   `json:"database"`
	Timeseries TimeseriesConfig `json:"timeseries"`
	Redis      RedisConfig      `json:"redis"`
	Alert      AlertConfig      `json:"alert"`
	Command    CommandConfig    `json:"command"`
	Job        JobConfig        `json:"job"`
	Agent      AgentConfig      `json:"agent"`
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
}

// New returns a Config populated with the defaults described in the
// configuration surface: capped exponential broker reconnect, 30s command
// ack timeout, 5% hysteresis bands, batched time-series flush at 500
// points/2s.
func New() *Config {
	return &Config{
		Broker: BrokerConfig{
			Namespace:        "tonypi",
			ReconnectInitial: time.Second,
			ReconnectMax:     120 * time.Second,
			ReconnectJitter:  0.2,
			OutboundQueueLen: 256,
			HeartbeatPeriod:  5 * time.Second,
			HeartbeatMisses:  3,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Timeseries: TimeseriesConfig{
			BatchMaxPoints:  500,
			BatchMaxWait:    2 * time.Second,
			RawRetention:    7 * 24 * time.Hour,
			HourlyRetention: 30 * 24 * time.Hour,
			DailyRetention:  365 * 24 * time.Hour,
		},
		Redis: RedisConfig{
			TTL: 30 * time.Second,
		},
		Alert: AlertConfig{
			BatteryWarnPct:    20,
			BatteryCritPct:    10,
			TemperatureWarnC:  60,
			TemperatureCritC:  75,
			CPUWarnPct:        80,
			CPUCritPct:        95,
			HysteresisDefault: 0.05,
			StaleRobotAfter:   30 * time.Second,
		},
		Command: CommandConfig{
			AckTimeout:    30 * time.Second,
			QueueCapacity: 64,
		},
		Job: JobConfig{
			StaleTimeout: 5 * time.Minute,
		},
		Agent: AgentConfig{
			StatusInterval:    5 * time.Second,
			SensorsInterval:   time.Second,
			ServosInterval:    5 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			ServoIDs:          "1,2,3,4,5,6",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Addr:               ":8080",
			BodyLimitBytes:     1 << 20,
			RateLimitPerSecond: 100,
			RateLimitBurst:     200,
		},
	}
}

// Load loads configuration from an optional YAML file and environment
// variables, with environment variables taking precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// CORSOriginList splits the comma-separated HTTP_CORS_ORIGINS value.
func (c HTTPConfig) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
