// Package kafka connects a mirror to its topic: it builds the sarama client
// configuration, joins the mirror consumer group and feeds the records of
// the claimed partitions into the ingestion runner.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
)

// Config represents Kafka-specific configuration
type Config struct {
	Brokers  []string `mapstructure:"brokers"`
	Version  string   `mapstructure:"version"`
	ClientID string   `mapstructure:"clientId"`
	// Group is the consumer group shared by all replicas of one mirror.
	Group          string        `mapstructure:"group"`
	SessionTimeout time.Duration `mapstructure:"sessionTimeout"`
	SASL           SASL          `mapstructure:"sasl"`
	TLS            TLS           `mapstructure:"tls"`
}

// SASL represents SASL authentication configuration
type SASL struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"`
	Enable    bool   `mapstructure:"enable"`
}

// TLS represents TLS configuration
type TLS struct {
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	CAFile     string `mapstructure:"caFile"`
	Enable     bool   `mapstructure:"enable"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

// DefaultConfig returns the configuration of a local single broker.
func DefaultConfig() Config {
	return Config{
		Brokers:        []string{"localhost:9092"},
		Version:        "2.8.0",
		ClientID:       "quick-mirror",
		SessionTimeout: 10 * time.Second,
		SASL:           SASL{Algorithm: "sha512"},
	}
}

// Validate checks the settings ToSaramaConfig cannot default.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: at least one broker is required"))
	}
	if c.Group == "" {
		errs = append(errs, errors.New("kafka: consumer group is required"))
	}
	if c.SASL.Enable && c.SASL.Username == "" {
		errs = append(errs, errors.New("kafka: SASL needs a username"))
	}
	return errors.Join(errs...)
}

// ToSaramaConfig converts the Config to a sarama.Config. memberAddress is
// published to the other group members as the query address of this
// instance.
func (c *Config) ToSaramaConfig(memberAddress string) (*sarama.Config, error) {
	conf := sarama.NewConfig()

	// Set Kafka version
	if c.Version != "" {
		version, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("error parsing Kafka version: %w", err)
		}
		conf.Version = version
	}

	// Configure SASL
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

	// Configure TLS
	if c.TLS.Enable {
		tlsConf, err := createTLSConfiguration(c.TLS)
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConf
	}

	if c.ClientID != "" {
		conf.ClientID = c.ClientID
	}
	if c.SessionTimeout > 0 {
		conf.Consumer.Group.Session.Timeout = c.SessionTimeout
		conf.Consumer.Group.Heartbeat.Interval = c.SessionTimeout / 3
	}

	// A partition without local state is rebuilt from the start of the log.
	conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	conf.Consumer.Return.Errors = true
	conf.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	conf.Consumer.Group.Member.UserData = []byte(memberAddress)
	conf.Metadata.Full = false

	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) (*tls.Config, error) {
	t := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load kafka client key pair: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}

	if tlsCfg.CAFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read kafka CA: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", tlsCfg.CAFile)
		}
		t.RootCAs = caCertPool
	}

	return t, nil
}
