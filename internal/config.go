package internal

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aaronbmoore/hobbes-processor/pkg/auth"
	"github.com/aaronbmoore/hobbes-processor/pkg/codeanalysis"
	"github.com/aaronbmoore/hobbes-processor/pkg/embedding"
	"github.com/aaronbmoore/hobbes-processor/pkg/objectstore"
	"github.com/aaronbmoore/hobbes-processor/pkg/secrets"
	"github.com/aaronbmoore/hobbes-processor/pkg/vectorstore"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// ServiceName namespaces metrics and consumer groups.
	ServiceName string `yaml:"service_name"`
	// Server holds server-specific configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		WebhookPath    string `yaml:"webhook_path"`
	} `yaml:"server"`
	// Providers holds fallback credentials and API base URLs per provider.
	Providers auth.Config `yaml:"providers"`
	// Database is the repository configuration store.
	Database DatabaseConfig `yaml:"database"`
	// Watermill holds configuration for the message publishers.
	Watermill WatermillConfig `yaml:"watermill"`
	Topics    TopicsConfig    `yaml:"topics"`
	Worker    WorkerConfig    `yaml:"worker"`

	ObjectStore objectstore.Config  `yaml:"object_store"`
	VectorStore vectorstore.Config  `yaml:"vector_store"`
	Embedding   embedding.Config    `yaml:"embedding"`
	Analysis    codeanalysis.Config `yaml:"analysis"`
	Secrets     secrets.Config      `yaml:"secrets"`
}

// Config represents the application configuration including rules.
type Config struct {
	AppConfig   `yaml:",inline"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

// DatabaseConfig locates the repository store. DSNSecret, when set, names
// the secret holding the DSN.
type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	DSNSecret   string `yaml:"dsn_secret"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// TopicsConfig names the queues between stages.
type TopicsConfig struct {
	FileProcessing     string `yaml:"file_processing"`
	ManifestEvents     string `yaml:"manifest_events"`
	FileDeadLetter     string `yaml:"file_processing_dlq"`
	ManifestDeadLetter string `yaml:"manifest_events_dlq"`
}

// WorkerConfig bounds message and outbound-call retries.
type WorkerConfig struct {
	// MaxRetries is the delivery attempt at which a failing message is
	// dead-lettered.
	MaxRetries       int  `yaml:"max_retries"`
	Concurrency      int  `yaml:"concurrency"`
	StoreAttempts    int  `yaml:"store_attempts"`
	StoreBaseDelayMS int  `yaml:"store_base_delay_ms"`
	DebugEmbeddings  bool `yaml:"debug_embeddings"`
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the RiverQueue publisher.
type RiverQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// LoadConfig loads the full application configuration, including rules, from a YAML file.
// A .env file in the working directory is loaded first so ${VAR} references
// can be satisfied from it. Environment variables are expanded, defaults are
// applied and rules are normalized.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("hobbes/config .env not loaded: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg.AppConfig)
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized
	return cfg, nil
}

// RulesConfig represents the rule-specific parts of the configuration.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
	Logger *log.Logger
}

func applyDefaults(cfg *AppConfig) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "hobbes"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 5 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.WebhookPath == "" {
		cfg.Server.WebhookPath = "/webhooks/github/"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Topics.FileProcessing == "" {
		cfg.Topics.FileProcessing = "file_processing"
	}
	if cfg.Topics.ManifestEvents == "" {
		cfg.Topics.ManifestEvents = "manifest_events"
	}
	if cfg.Topics.FileDeadLetter == "" {
		cfg.Topics.FileDeadLetter = cfg.Topics.FileProcessing + "_dlq"
	}
	if cfg.Topics.ManifestDeadLetter == "" {
		cfg.Topics.ManifestDeadLetter = cfg.Topics.ManifestEvents + "_dlq"
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 3
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.StoreAttempts == 0 {
		cfg.Worker.StoreAttempts = 3
	}
	if cfg.Worker.StoreBaseDelayMS == 0 {
		cfg.Worker.StoreBaseDelayMS = 1000
	}
	if cfg.Watermill.Driver == "" && len(cfg.Watermill.Drivers) == 0 {
		cfg.Watermill.Driver = "gochannel"
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Watermill.HTTP.Mode == "" {
		cfg.Watermill.HTTP.Mode = "topic_url"
	}
	if cfg.Watermill.RiverQueue.Table == "" {
		cfg.Watermill.RiverQueue.Table = "river_job"
	}
	if cfg.Watermill.RiverQueue.Queue == "" {
		cfg.Watermill.RiverQueue.Queue = "default"
	}
	if cfg.Watermill.RiverQueue.Priority == 0 {
		cfg.Watermill.RiverQueue.Priority = 1
	}
	if cfg.Watermill.RiverQueue.Kind == "" {
		cfg.Watermill.RiverQueue.Kind = "hobbes_commit"
	}
	if cfg.Watermill.RiverQueue.MaxAttempts == 0 {
		cfg.Watermill.RiverQueue.MaxAttempts = cfg.Worker.MaxRetries
	}
	if cfg.Watermill.PublishRetry.Attempts == 0 {
		cfg.Watermill.PublishRetry.Attempts = 3
	}
	if cfg.Watermill.PublishRetry.DelayMS == 0 {
		cfg.Watermill.PublishRetry.DelayMS = 500
	}
	if cfg.ObjectStore.Bucket == "" {
		cfg.ObjectStore.Bucket = "hobbes-processing"
	}
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		emit := make(EmitList, 0, len(rule.Emit))
		for _, topic := range rule.Emit {
			if trimmed := strings.TrimSpace(topic); trimmed != "" {
				emit = append(emit, trimmed)
			}
		}
		rule.Emit = emit
		if rule.When == "" || len(rule.Emit) == 0 {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			drivers := make([]string, 0, len(rule.Drivers))
			for _, driver := range rule.Drivers {
				trimmed := strings.TrimSpace(driver)
				if trimmed != "" {
					drivers = append(drivers, trimmed)
				}
			}
			rule.Drivers = drivers
		}
		out = append(out, rule)
	}
	return out, nil
}
