package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"ojjudge/internal/common/cache"
	"ojjudge/internal/common/db"
	"ojjudge/internal/common/mq"
	"ojjudge/internal/common/storage"
	"ojjudge/internal/judge/aggregator"
	"ojjudge/internal/judge/problem"
	"ojjudge/internal/judge/sandbox/engine"
	"ojjudge/internal/judge/sandbox/profile"
	"ojjudge/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	driverKafka = "kafka"
	driverNATS  = "nats"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// ModeConfig selects the roles this process plays. Unset roles are enabled.
type ModeConfig struct {
	Worker     *bool `yaml:"worker"`
	Aggregator *bool `yaml:"aggregator"`
	API        *bool `yaml:"api"`
}

func (m ModeConfig) WorkerEnabled() bool     { return enabled(m.Worker) }
func (m ModeConfig) AggregatorEnabled() bool { return enabled(m.Aggregator) }
func (m ModeConfig) APIEnabled() bool        { return enabled(m.API) }

func enabled(v *bool) bool {
	return v == nil || *v
}

// MQConfig holds topic and consumer settings shared by both bus drivers.
type MQConfig struct {
	Driver              string         `yaml:"driver"`
	SubmitTopic         string         `yaml:"submitTopic"`
	RetryTopic          string         `yaml:"retryTopic"`
	ResultTopic         string         `yaml:"resultTopic"`
	DeadLetterTopic     string         `yaml:"deadLetterTopic"`
	ConsumerGroup       string         `yaml:"consumerGroup"`
	ResultConsumerGroup string         `yaml:"resultConsumerGroup"`
	PrefetchCount       int            `yaml:"prefetchCount"`
	Concurrency         int            `yaml:"concurrency"`
	MaxRetries          int            `yaml:"maxRetries"`
	RetryDelay          time.Duration  `yaml:"retryDelay"`
	PoolRetryMax        int            `yaml:"poolRetryMax"`
	PoolRetryBase       time.Duration  `yaml:"poolRetryBaseDelay"`
	PoolRetryMaxDelay   time.Duration  `yaml:"poolRetryMaxDelay"`
	TopicWeights        map[string]int `yaml:"topicWeights"`
}

// KafkaConfig holds Kafka client settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
	MaxWait      time.Duration `yaml:"maxWait"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
}

// NATSConfig holds NATS client settings.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxReconnects int           `yaml:"maxReconnects"`
	PendingMsgs   int           `yaml:"pendingMsgs"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	PoolSize       int           `yaml:"poolSize"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
}

// JudgeConfig holds per-submission judge settings.
type JudgeConfig struct {
	WorkRoot       string        `yaml:"workRoot"`
	ShareWorkDir   bool          `yaml:"shareWorkDir"`
	Timeout        time.Duration `yaml:"timeout"`
	StorageTimeout time.Duration `yaml:"storageTimeout"`
	StatusTimeout  time.Duration `yaml:"statusTimeout"`
	EmitAttempts   int           `yaml:"emitAttempts"`
	EmitBackoff    time.Duration `yaml:"emitBackoff"`
}

// ArchiveConfig holds the local archive cache settings.
type ArchiveConfig struct {
	RootDir        string        `yaml:"rootDir"`
	TTL            time.Duration `yaml:"ttl"`
	LockWait       time.Duration `yaml:"lockWait"`
	MaxEntries     int           `yaml:"maxEntries"`
	MaxBytes       int64         `yaml:"maxBytes"`
	MaxUploadBytes int64         `yaml:"maxUploadBytes"`
}

// AggregatorConfig holds result aggregation settings.
type AggregatorConfig struct {
	StalenessWindow time.Duration `yaml:"stalenessWindow"`
	FinalTTL        time.Duration `yaml:"finalTTL"`
	WatchBuffer     int           `yaml:"watchBuffer"`
}

// LanguageConfig holds language definitions. Empty means the built-in table.
type LanguageConfig struct {
	Languages []profile.LanguageSpec `yaml:"languages"`
}

// MetricsConfig holds prometheus exposition settings.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server     ServerConfig        `yaml:"server"`
	Logger     logger.Config       `yaml:"logger"`
	Mode       ModeConfig          `yaml:"mode"`
	MQ         MQConfig            `yaml:"mq"`
	Kafka      KafkaConfig         `yaml:"kafka"`
	NATS       NATSConfig          `yaml:"nats"`
	Database   db.MySQLConfig      `yaml:"database"`
	Redis      cache.RedisConfig   `yaml:"redis"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	Worker     WorkerConfig        `yaml:"worker"`
	Judge      JudgeConfig         `yaml:"judge"`
	Archive    ArchiveConfig       `yaml:"archive"`
	Aggregator AggregatorConfig    `yaml:"aggregator"`
	Sandbox    engine.Config       `yaml:"sandbox"`
	Language   LanguageConfig      `yaml:"language"`
	Metrics    MetricsConfig       `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	cfg.Redis.ApplyDefaults()
	applyServerDefaults(&cfg.Server)
	if err := applyMQDefaults(cfg); err != nil {
		return err
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 1
	}
	if cfg.Worker.AcquireTimeout <= 0 {
		cfg.Worker.AcquireTimeout = 2 * time.Second
	}
	if cfg.Judge.WorkRoot == "" {
		cfg.Judge.WorkRoot = os.TempDir() + "/ojjudge/work"
	}
	if cfg.Archive.RootDir == "" {
		cfg.Archive.RootDir = os.TempDir() + "/ojjudge/archives"
	}
	if cfg.Archive.TTL <= 0 {
		cfg.Archive.TTL = time.Hour
	}
	if cfg.Aggregator.StalenessWindow <= 0 {
		cfg.Aggregator.StalenessWindow = aggregator.DefaultStalenessWindow
	}
	if len(cfg.Language.Languages) == 0 {
		cfg.Language.Languages = profile.DefaultLanguages()
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	cfg.Sandbox.ApplyDefaults()
	return nil
}

func applyServerDefaults(s *ServerConfig) {
	if s.Addr == "" {
		s.Addr = defaultHTTPAddr
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = defaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = defaultIdleTimeout
	}
}

func applyMQDefaults(cfg *AppConfig) error {
	m := &cfg.MQ
	m.Driver = strings.ToLower(strings.TrimSpace(m.Driver))
	if m.Driver == "" {
		m.Driver = driverKafka
	}
	switch m.Driver {
	case driverKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
	case driverNATS:
	default:
		return fmt.Errorf("unknown mq driver %q", m.Driver)
	}
	if m.SubmitTopic == "" {
		m.SubmitTopic = "judge.submit"
	}
	if m.RetryTopic == "" {
		m.RetryTopic = "judge.retry"
	}
	if m.ResultTopic == "" {
		m.ResultTopic = "judge.result"
	}
	if m.DeadLetterTopic == "" {
		m.DeadLetterTopic = "judge.dlq"
	}
	if m.ConsumerGroup == "" {
		m.ConsumerGroup = "judge-worker"
	}
	if m.ResultConsumerGroup == "" {
		m.ResultConsumerGroup = "judge-aggregator"
	}
	if m.PoolRetryMax <= 0 {
		m.PoolRetryMax = 5
	}
	if m.PoolRetryBase == 0 {
		m.PoolRetryBase = time.Second
	}
	if m.PoolRetryMaxDelay == 0 {
		m.PoolRetryMaxDelay = 30 * time.Second
	}
	if len(m.TopicWeights) == 0 {
		m.TopicWeights = defaultTopicWeights([]string{m.SubmitTopic, m.RetryTopic})
	}
	return nil
}

// defaultTopicWeights favours earlier topics: 8, 4, 2, then 1.
func defaultTopicWeights(topics []string) map[string]int {
	weights := []int{8, 4, 2, 1}
	out := make(map[string]int, len(topics))
	for i, topic := range topics {
		if topic == "" {
			continue
		}
		if i < len(weights) {
			out[topic] = weights[i]
			continue
		}
		out[topic] = 1
	}
	return out
}

func (m MQConfig) weightedTopics() ([]mq.WeightedTopic, error) {
	topics := []string{m.SubmitTopic, m.RetryTopic}
	out := make([]mq.WeightedTopic, 0, len(topics))
	for _, topic := range topics {
		weight, ok := m.TopicWeights[topic]
		if !ok || weight <= 0 {
			return nil, fmt.Errorf("invalid weight %d for topic %s", weight, topic)
		}
		out = append(out, mq.WeightedTopic{Topic: topic, Weight: weight})
	}
	return out, nil
}

func (m MQConfig) subscribeOptions(group string) *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   group,
		PrefetchCount:   m.PrefetchCount,
		Concurrency:     m.Concurrency,
		MaxRetries:      m.MaxRetries,
		RetryDelay:      m.RetryDelay,
		DeadLetterTopic: m.DeadLetterTopic,
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (n NATSConfig) toMQConfig() mq.NATSConfig {
	return mq.NATSConfig{
		URL:           n.URL,
		Name:          n.Name,
		Timeout:       n.Timeout,
		MaxReconnects: n.MaxReconnects,
		PendingMsgs:   n.PendingMsgs,
	}
}

func (a ArchiveConfig) toCacheConfig() problem.ArchiveCacheConfig {
	return problem.ArchiveCacheConfig{
		RootDir:    a.RootDir,
		TTL:        a.TTL,
		LockWait:   a.LockWait,
		MaxEntries: a.MaxEntries,
		MaxBytes:   a.MaxBytes,
	}
}

func (m MetricsConfig) isEnabled() bool {
	return enabled(m.Enabled)
}
