package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/logsync/pkg/util"
)

// Config represents Kafka-specific configuration
type Config struct {
	Brokers  []string        `mapstructure:"brokers"`
	Topics   []string        `mapstructure:"topics"`
	Version  string          `mapstructure:"version"`
	ClientID string          `mapstructure:"clientId"`
	SASL     SASL            `mapstructure:"sasl"`
	TLS      util.TLSOptions `mapstructure:"tls"`
	// IdleTimeout ends the read of a partition that delivers nothing for this
	// long before its high-water mark is reached (e.g. transaction markers)
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
	// Settle leaves messages younger than this for a later fetch so that
	// producers with lagging CreateTime timestamps are not skipped
	Settle time.Duration `mapstructure:"settle"`
}

// SASL represents SASL authentication configuration
type SASL struct {
	Enable    bool   `mapstructure:"enable"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"`
}

func defaultConfig() Config {
	return Config{
		Brokers:     util.GetEnvListOrDefault("LOGSYNC_KAFKA_BROKERS", []string{"localhost:9092"}),
		Version:     util.GetEnvOrDefault("LOGSYNC_KAFKA_VERSION", "2.1.1"),
		ClientID:    "logsync",
		IdleTimeout: 5 * time.Second,
		SASL: SASL{
			Username:  util.GetEnvOrDefault("LOGSYNC_KAFKA_SASL_USERNAME", ""),
			Password:  util.GetEnvOrDefault("LOGSYNC_KAFKA_SASL_PASSWORD", ""),
			Algorithm: "sha512",
		},
	}
}

// ToSaramaConfig converts the Config to a sarama.Config for a consumer that
// seeks explicitly and never commits offsets.
func (c *Config) ToSaramaConfig() (*sarama.Config, error) {
	if len(c.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers configured")
	}
	if len(c.Topics) == 0 {
		return nil, fmt.Errorf("no topics configured")
	}

	conf := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("error parsing Kafka version: %w", err)
	}
	// offset lookup by timestamp needs ListOffsets v1 (Kafka 0.10.1)
	if !version.IsAtLeast(sarama.V0_10_1_0) {
		return nil, fmt.Errorf("kafka version %s does not support offset lookup by timestamp", c.Version)
	}
	conf.Version = version

	if c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "plain":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	tlsConfig, err := util.TLSConfig(c.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConfig
	}

	conf.ClientID = c.ClientID
	conf.Consumer.Return.Errors = true
	conf.Consumer.Offsets.AutoCommit.Enable = false
	conf.Metadata.Full = false

	return conf, nil
}
