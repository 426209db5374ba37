package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bakdata/quick-sub003/pkg/extract"
	"github.com/bakdata/quick-sub003/pkg/kafka"
	"github.com/bakdata/quick-sub003/pkg/mirror"
	"github.com/bakdata/quick-sub003/pkg/router"
	"github.com/bakdata/quick-sub003/pkg/store"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MIRROR_KAFKA_BROKERS.
const EnvPrefix = "MIRROR"

// Config holds application-wide configuration
type Config struct {
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Kafka    kafka.Config   `mapstructure:"kafka"`
	Registry RegistryConfig `mapstructure:"registry"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type MirrorConfig struct {
	Topic string `mapstructure:"topic"`
	// Address is the host:port other members reach this instance on.
	Address     string           `mapstructure:"address"`
	DataDir     string           `mapstructure:"dataDir"`
	Fsync       string           `mapstructure:"fsync"`
	PointStore  string           `mapstructure:"pointStore"`
	Partitioner string           `mapstructure:"partitioner"`
	Range       RangeConfig      `mapstructure:"range"`
	Retention   RetentionConfig  `mapstructure:"retention"`
	Membership  MembershipConfig `mapstructure:"membership"`
}

type RangeConfig struct {
	Field string `mapstructure:"field"`
	Type  string `mapstructure:"type"`
	Store string `mapstructure:"store"`
}

type RetentionConfig struct {
	Duration  time.Duration `mapstructure:"duration"`
	Interval  time.Duration `mapstructure:"interval"`
	Store     string        `mapstructure:"store"`
	BatchSize int           `mapstructure:"batchSize"`
}

type MembershipConfig struct {
	// Mode is "group" to follow the consumer group or "static".
	Mode string `mapstructure:"mode"`
	// Members are spread round-robin over the partitions in static mode.
	Members []string      `mapstructure:"members"`
	Refresh time.Duration `mapstructure:"refresh"`
}

type RegistryConfig struct {
	// Type is "static", "file" or "nats".
	Type    string        `mapstructure:"type"`
	File    string        `mapstructure:"file"`
	URL     string        `mapstructure:"url"`
	Bucket  string        `mapstructure:"bucket"`
	Timeout time.Duration `mapstructure:"timeout"`
	Topics  []topic.Spec  `mapstructure:"topics"`
}

type HTTPConfig struct {
	ListenAddr     string        `mapstructure:"listenAddr"`
	Scheme         string        `mapstructure:"scheme"`
	Prefix         string        `mapstructure:"prefix"`
	Path           string        `mapstructure:"path"`
	ForwardTimeout time.Duration `mapstructure:"forwardTimeout"`
	ForwardRetries int           `mapstructure:"forwardRetries"`
	TLSCert        string        `mapstructure:"tlsCert"`
	TLSKey         string        `mapstructure:"tlsKey"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	k := kafka.DefaultConfig()
	defaults := map[string]any{
		"mirror.topic":               "",
		"mirror.address":             "",
		"mirror.dataDir":             "data",
		"mirror.fsync":               "interval",
		"mirror.pointStore":          "point",
		"mirror.partitioner":         "murmur2",
		"mirror.range.field":         "",
		"mirror.range.type":          "long",
		"mirror.range.store":         "range",
		"mirror.retention.duration":  time.Duration(0),
		"mirror.retention.interval":  time.Minute,
		"mirror.retention.store":     "retention",
		"mirror.retention.batchSize": mirror.DefaultEvictBatch,
		"mirror.membership.mode":     "group",
		"mirror.membership.members":  []string{},
		"mirror.membership.refresh":  30 * time.Second,
		"kafka.brokers":              k.Brokers,
		"kafka.version":              k.Version,
		"kafka.clientId":             k.ClientID,
		"kafka.group":                "",
		"kafka.sessionTimeout":       k.SessionTimeout,
		"kafka.sasl.enable":          false,
		"kafka.sasl.username":        "",
		"kafka.sasl.password":        "",
		"kafka.sasl.algorithm":       k.SASL.Algorithm,
		"kafka.tls.enable":           false,
		"kafka.tls.certFile":         "",
		"kafka.tls.keyFile":          "",
		"kafka.tls.caFile":           "",
		"kafka.tls.skipVerify":       false,
		"registry.type":              "static",
		"registry.file":              "",
		"registry.url":               "nats://localhost:4222",
		"registry.bucket":            "topics",
		"registry.timeout":           30 * time.Second,
		"http.listenAddr":            ":8080",
		"http.scheme":                "http",
		"http.prefix":                "",
		"http.path":                  "mirror",
		"http.forwardTimeout":        5 * time.Second,
		"http.forwardRetries":        2,
		"http.tlsCert":               "",
		"http.tlsKey":                "",
		"metrics.enabled":            true,
		"metrics.addr":               ":9100",
		"metrics.path":               "/metrics",
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// New returns a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config from file or environment. binds may attach command
// line flags to v.
func Load(cfgFile string, binds ...func(v *viper.Viper) error) (*Config, error) {
	v := New()
	for _, bind := range binds {
		if err := bind(v); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("mirror")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the settings of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the mirror cannot start with.
func (c *Config) Validate() error {
	var errs []error
	m := c.Mirror
	if m.Topic == "" {
		errs = append(errs, errors.New("mirror.topic is required"))
	}
	if m.Address == "" {
		errs = append(errs, errors.New("mirror.address is required"))
	}
	if m.PointStore == "" {
		errs = append(errs, errors.New("mirror.pointStore is required"))
	}
	if _, err := store.ParseFsyncMode(m.Fsync); err != nil {
		errs = append(errs, fmt.Errorf("mirror.fsync: %w", err))
	}
	if _, err := router.FinderByName(m.Partitioner, m.Topic); err != nil {
		errs = append(errs, fmt.Errorf("mirror.partitioner: %w", err))
	}
	if m.Range.Field != "" {
		if m.Range.Store == "" {
			errs = append(errs, errors.New("mirror.range.store is required with a range field"))
		}
		if _, err := extract.ParseFieldType(m.Range.Type); err != nil {
			errs = append(errs, fmt.Errorf("mirror.range.type: %w", err))
		}
	}
	if m.Retention.Duration < 0 {
		errs = append(errs, errors.New("mirror.retention.duration must not be negative"))
	}
	if m.Retention.Duration > 0 && (m.Retention.Store == "" || m.Retention.Interval <= 0) {
		errs = append(errs, errors.New("mirror.retention needs a store and a positive interval"))
	}
	if err := distinctStores(c); err != nil {
		errs = append(errs, err)
	}
	switch m.Membership.Mode {
	case "group":
	case "static":
		if len(m.Membership.Members) == 0 {
			errs = append(errs, errors.New("mirror.membership.members is required in static mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("mirror.membership.mode: unknown mode %q", m.Membership.Mode))
	}
	if err := c.Kafka.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Registry.Type {
	case "static":
	case "file":
		if c.Registry.File == "" {
			errs = append(errs, errors.New("registry.file is required for a file registry"))
		}
	case "nats":
		if c.Registry.URL == "" || c.Registry.Bucket == "" {
			errs = append(errs, errors.New("registry.url and registry.bucket are required for a nats registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.type: unknown type %q", c.Registry.Type))
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		errs = append(errs, errors.New("http.tlsCert and http.tlsKey must be set together"))
	}
	return errors.Join(errs...)
}

// distinctStores rejects indexes sharing a store, they would share one key
// namespace.
func distinctStores(c *Config) error {
	m := c.Mirror
	owners := map[string]string{m.PointStore: "mirror.pointStore"}
	check := func(key, name string) error {
		if name == "" {
			return nil
		}
		if other, ok := owners[name]; ok {
			return fmt.Errorf("%s: store %q is already used by %s", key, name, other)
		}
		owners[name] = key
		return nil
	}
	var errs []error
	if m.Range.Field != "" {
		errs = append(errs, check("mirror.range.store", m.Range.Store))
	}
	if m.Retention.Duration > 0 {
		errs = append(errs, check("mirror.retention.store", m.Retention.Store))
	}
	return errors.Join(errs...)
}

// RangeOptions returns the range index settings, nil when disabled.
func (c *Config) RangeOptions() *mirror.RangeConfig {
	r := c.Mirror.Range
	if r.Field == "" {
		return nil
	}
	ft, _ := extract.ParseFieldType(r.Type)
	return &mirror.RangeConfig{Store: r.Store, Field: r.Field, FieldType: ft}
}

// RetentionOptions returns the retention settings, nil when disabled.
func (c *Config) RetentionOptions() *mirror.RetentionConfig {
	r := c.Mirror.Retention
	if r.Duration <= 0 {
		return nil
	}
	return &mirror.RetentionConfig{Store: r.Store, Duration: r.Duration, BatchSize: r.BatchSize}
}

// StoreOptions returns the Pebble settings for stores.
func (c *Config) StoreOptions(stores []string) store.Options {
	fsync, _ := store.ParseFsyncMode(c.Mirror.Fsync)
	return store.Options{DataDir: c.Mirror.DataDir, Stores: stores, Fsync: fsync}
}
