package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	ParcelFlow ParcelFlowConfig `yaml:"parcelflow"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
	Billing    BillingConfig    `yaml:"billing"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int32  `yaml:"max_conns"`
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.DBName,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

type KafkaConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ScansTopic     string `yaml:"scans_topic"`
	LegsTopic      string `yaml:"legs_topic"`
	StopsTopic     string `yaml:"stops_topic"`
	HandoffsTopic  string `yaml:"handoffs_topic"`
	ShipmentsTopic string `yaml:"shipments_topic"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type ParcelFlowConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
	CustodyTTLSeconds  int    `yaml:"custody_ttl_seconds"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerID                  string `yaml:"worker_id"`
	RelayIntervalMillis       int    `yaml:"relay_interval_millis"`
	RelayBatchSize            int    `yaml:"relay_batch_size"`
	RelayLeaseSeconds         int    `yaml:"relay_lease_seconds"`
	DispatchIntervalMillis    int    `yaml:"dispatch_interval_millis"`
	DispatchLeaseSeconds      int    `yaml:"dispatch_lease_seconds"`
	HandoffTTLSeconds         int    `yaml:"handoff_ttl_seconds"`
	LeaseReaperSpec           string `yaml:"lease_reaper_spec"`
	HandoffExpirySpec         string `yaml:"handoff_expiry_spec"`
	OutboxLagSpec             string `yaml:"outbox_lag_spec"`
	BillingConsumerGroup      string `yaml:"billing_consumer_group"`
	NotificationConsumerGroup string `yaml:"notification_consumer_group"`
	ConsumerMaxAttempts       int    `yaml:"consumer_max_attempts"`
}

type WebhooksConfig struct {
	DefaultSecret         string  `yaml:"default_secret"`
	MaxAttempts           int     `yaml:"max_attempts"`
	InitialBackoffSeconds int     `yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     int     `yaml:"max_backoff_seconds"`
	Multiplier            float64 `yaml:"multiplier"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	UserAgent             string  `yaml:"user_agent"`
}

// RetryPolicy overlays the configured values on def. Zero values keep def.
func (w WebhooksConfig) RetryPolicy(def models.RetryPolicy) models.RetryPolicy {
	p := def
	if w.MaxAttempts > 0 {
		p.MaxAttempts = w.MaxAttempts
	}
	if w.InitialBackoffSeconds > 0 {
		p.InitialBackoff = time.Duration(w.InitialBackoffSeconds) * time.Second
	}
	if w.MaxBackoffSeconds > 0 {
		p.MaxBackoff = time.Duration(w.MaxBackoffSeconds) * time.Second
	}
	if w.Multiplier >= 1 {
		p.Multiplier = w.Multiplier
	}
	if w.TimeoutSeconds > 0 {
		p.Timeout = time.Duration(w.TimeoutSeconds) * time.Second
	}
	return p
}

type BillingConfig struct {
	BaseURL string `yaml:"base_url"` // empty: logging fake
	APIKey  string `yaml:"api_key"`
}

// LoadEnv reads .env files into the process environment. Missing files are
// not an error; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "load env file %s", f)
		}
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal YAML")
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv overrides secrets and endpoints that deployments keep out of the
// YAML file.
func (c *Config) applyEnv() error {
	setString(&c.Database.Host, "DATABASE_HOST")
	setString(&c.Database.Password, "DATABASE_PASSWORD")
	setString(&c.Redis.Host, "REDIS_HOST")
	setString(&c.Kafka.Host, "KAFKA_HOST")
	setString(&c.Webhooks.DefaultSecret, "WEBHOOK_DEFAULT_SECRET")
	setString(&c.Billing.APIKey, "BILLING_API_KEY")
	setString(&c.ParcelFlow.WorkerID, "WORKER_ID")

	for key, dst := range map[string]*int{
		"DATABASE_PORT": &c.Database.Port,
		"REDIS_PORT":    &c.Redis.Port,
		"KAFKA_PORT":    &c.Kafka.Port,
	} {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "env %s", key)
		}
		*dst = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
