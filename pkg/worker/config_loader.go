package worker

import (
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Watermill SubscriberConfig `yaml:"watermill"`
}

// LoadSubscriberConfig reads the watermill section of the service config.
// A .env file next to the process is loaded first when present.
func LoadSubscriberConfig(path string) (SubscriberConfig, error) {
	var cfg fileConfig
	_ = godotenv.Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg.Watermill, err
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg.Watermill, err
	}
	ApplySubscriberDefaults(&cfg.Watermill, "")
	return cfg.Watermill, nil
}

// ApplySubscriberDefaults fills unset fields. consumerGroup, when given,
// becomes the Kafka and SQL consumer group and the NATS durable name.
func ApplySubscriberDefaults(cfg *SubscriberConfig, consumerGroup string) {
	if cfg.Driver == "" && len(cfg.Drivers) == 0 {
		cfg.Driver = "gochannel"
	}
	if cfg.GoChannel.OutputChannelBuffer == 0 {
		cfg.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.NATS.ClientIDSuffix == "" {
		cfg.NATS.ClientIDSuffix = "-worker"
	}
	if cfg.BuildAttempts <= 0 {
		cfg.BuildAttempts = 10
	}
	if cfg.BuildDelayMS <= 0 {
		cfg.BuildDelayMS = 2000
	}
	if cfg.River.Kind == "" {
		cfg.River.Kind = RiverJobKind()
	}
	if consumerGroup == "" {
		return
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = consumerGroup
	}
	if cfg.SQL.ConsumerGroup == "" {
		cfg.SQL.ConsumerGroup = consumerGroup
	}
	if cfg.NATS.Durable == "" {
		cfg.NATS.Durable = consumerGroup
	}
}
