package output

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	BaseConfig

	// Brokers is the list of Kafka broker addresses
	Brokers []string

	// Topic is the Kafka topic to send envelopes to
	Topic string

	// RequiredAcks specifies the number of acknowledgments required (0, 1, -1)
	RequiredAcks int16

	// CompressionCodec specifies the compression codec (none, gzip, snappy, lz4, zstd)
	CompressionCodec string

	// MaxMessageBytes is the maximum size of a single message
	MaxMessageBytes int

	// EnableTLS enables TLS for connections; TLS optionally carries the
	// client certificate and CA pool
	EnableTLS bool
	TLS       *tls.Config

	// SASL configuration
	SASLEnabled   bool
	SASLMechanism string // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string
	SASLPassword  string

	// ClientID is the client identifier
	ClientID string

	// Version is the Kafka protocol version
	Version string
}

// DefaultKafkaConfig returns default Kafka configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		BaseConfig:       DefaultBaseConfig(),
		Brokers:          []string{"localhost:9092"},
		Topic:            "intel",
		RequiredAcks:     1,
		CompressionCodec: "none",
		MaxMessageBytes:  1000000, // 1MB
		ClientID:         "intelwatch",
		Version:          "3.0.0",
	}
}

// SaramaConfig translates the output configuration into a producer
// configuration. Envelopes are keyed so the hash partitioner keeps alerts
// for one system in order.
func (c KafkaConfig) SaramaConfig() (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(c.RequiredAcks)
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	if c.ClientID != "" {
		saramaConfig.ClientID = c.ClientID
	}

	switch c.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if c.MaxMessageBytes > 0 {
		saramaConfig.Producer.MaxMessageBytes = c.MaxMessageBytes
	}

	if c.Version != "" {
		version, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if c.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = c.SASLUsername
		saramaConfig.Net.SASL.Password = c.SASLPassword

		switch c.SASLMechanism {
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if c.EnableTLS {
		saramaConfig.Net.TLS.Enable = true
		saramaConfig.Net.TLS.Config = c.TLS
	}

	return saramaConfig, nil
}

// KafkaOutput sends envelopes to Kafka
type KafkaOutput struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	batcher  *Batcher
	metrics  *OutputMetrics
	mu       sync.RWMutex
	closed   atomic.Bool
}

// NewKafkaOutput creates a new Kafka output
func NewKafkaOutput(config KafkaConfig) (*KafkaOutput, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}

	saramaConfig, err := config.SaramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewKafkaOutputWithProducer(config, producer)
}

// NewKafkaOutputWithProducer creates a Kafka output on an existing producer
func NewKafkaOutputWithProducer(config KafkaConfig, producer sarama.SyncProducer) (*KafkaOutput, error) {
	if config.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	output := &KafkaOutput{
		config:   config,
		producer: producer,
		metrics:  &OutputMetrics{},
	}

	// Create batcher if batch size > 1
	if config.BatchSize > 1 {
		output.batcher = NewBatcher(BatcherConfig{
			MaxBatchSize:  config.BatchSize,
			MaxBatchBytes: config.MaxMessageBytes * config.BatchSize,
			FlushInterval: config.FlushInterval,
		}, output.sendBatchInternal)
	}

	return output, nil
}

// Publish sends a single envelope to Kafka
func (k *KafkaOutput) Publish(ctx context.Context, env *Envelope) error {
	if k.closed.Load() {
		return fmt.Errorf("kafka output is closed")
	}

	if k.batcher != nil {
		value, err := json.Marshal(env)
		if err != nil {
			k.recordFailure(1, err)
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		return k.batcher.Add(ctx, env, len(value))
	}

	return k.sendSingle(ctx, env)
}

// sendSingle sends a single envelope without batching
func (k *KafkaOutput) sendSingle(ctx context.Context, env *Envelope) error {
	msg, size, err := k.buildMessage(env)
	if err != nil {
		k.recordFailure(1, err)
		return err
	}

	startTime := time.Now()
	_, _, err = k.producer.SendMessage(msg)
	latency := time.Since(startTime)

	if err != nil {
		k.recordFailure(1, err)
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}

	k.mu.Lock()
	k.metrics.EventsSent++
	k.metrics.BytesSent += int64(size)
	k.metrics.LastSendTime = time.Now()
	k.metrics.AvgLatency = (k.metrics.AvgLatency + latency) / 2
	k.mu.Unlock()

	return nil
}

// sendBatchInternal sends a batch of envelopes
func (k *KafkaOutput) sendBatchInternal(ctx context.Context, envs []*Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	startTime := time.Now()
	var totalBytes int64

	messages := make([]*sarama.ProducerMessage, 0, len(envs))
	for _, env := range envs {
		msg, size, err := k.buildMessage(env)
		if err != nil {
			k.recordFailure(1, err)
			continue
		}
		messages = append(messages, msg)
		totalBytes += int64(size)
	}

	var failedCount int64
	if err := k.producer.SendMessages(messages); err != nil {
		var perr sarama.ProducerErrors
		if errors.As(err, &perr) {
			failedCount = int64(len(perr))
		} else {
			failedCount = int64(len(messages))
		}
		k.recordFailure(failedCount, err)
	}

	latency := time.Since(startTime)
	successCount := int64(len(messages)) - failedCount

	k.mu.Lock()
	k.metrics.EventsSent += successCount
	k.metrics.BytesSent += totalBytes
	k.metrics.BatchesSent++
	k.metrics.LastSendTime = time.Now()
	k.metrics.AvgBatchSize = float64(k.metrics.EventsSent) / float64(k.metrics.BatchesSent)
	k.metrics.AvgLatency = (k.metrics.AvgLatency + latency) / 2
	k.mu.Unlock()

	if failedCount > 0 {
		return fmt.Errorf("%d out of %d envelopes failed to send", failedCount, len(envs))
	}

	return nil
}

// buildMessage creates a Kafka producer message from an envelope
func (k *KafkaOutput) buildMessage(env *Envelope) (*sarama.ProducerMessage, int, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.config.Topic,
		Key:   sarama.StringEncoder(env.Key()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(env.Type)},
		},
	}
	if !env.Timestamp.IsZero() {
		msg.Timestamp = env.Timestamp
	}

	return msg, len(value), nil
}

func (k *KafkaOutput) recordFailure(n int64, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.metrics.EventsFailed += n
	k.metrics.LastError = err.Error()
	k.metrics.LastErrorTime = time.Now()
}

// Close closes the Kafka output
func (k *KafkaOutput) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	// Stop batcher first
	if k.batcher != nil {
		if err := k.batcher.Stop(); err != nil {
			return err
		}
	}

	if k.producer != nil {
		return k.producer.Close()
	}

	return nil
}

// Name returns the output name
func (k *KafkaOutput) Name() string {
	if k.config.Name != "" {
		return k.config.Name
	}
	return "kafka"
}

// Metrics returns the current metrics
func (k *KafkaOutput) Metrics() *OutputMetrics {
	k.mu.RLock()
	defer k.mu.RUnlock()

	// Return a copy
	metricsCopy := *k.metrics
	return &metricsCopy
}
