package output

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/goccy/go-json"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	BaseConfig

	// Addresses is the list of Elasticsearch node URLs
	Addresses []string

	// Index is the index name or pattern (supports time-based patterns)
	Index string

	// IndexRotation specifies how often to rotate indices (daily, weekly, monthly, yearly, none)
	IndexRotation string

	// Username for authentication
	Username string

	// Password for authentication
	Password string

	// CloudID for Elastic Cloud
	CloudID string

	// APIKey for authentication
	APIKey string
}

// DefaultElasticsearchConfig returns default Elasticsearch configuration
func DefaultElasticsearchConfig() ElasticsearchConfig {
	return ElasticsearchConfig{
		BaseConfig:    DefaultBaseConfig(),
		Addresses:     []string{"http://localhost:9200"},
		Index:         "intel",
		IndexRotation: "daily",
	}
}

// ElasticsearchOutput indexes envelopes into Elasticsearch. The envelope ID
// is the document ID so retried publishes overwrite instead of duplicating.
type ElasticsearchOutput struct {
	config  ElasticsearchConfig
	client  *elasticsearch.Client
	batcher *Batcher
	metrics *OutputMetrics
	mu      sync.RWMutex
	closed  atomic.Bool
}

// NewElasticsearchOutput creates a new Elasticsearch output
func NewElasticsearchOutput(config ElasticsearchConfig) (*ElasticsearchOutput, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}

	if config.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		CloudID:   config.CloudID,
		Username:  config.Username,
		Password:  config.Password,
		APIKey:    config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	// Test connection
	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	output := &ElasticsearchOutput{
		config:  config,
		client:  client,
		metrics: &OutputMetrics{},
	}

	if config.BatchSize > 1 {
		output.batcher = NewBatcher(BatcherConfig{
			MaxBatchSize:  config.BatchSize,
			MaxBatchBytes: 10 * 1024 * 1024, // 10MB default bulk size
			FlushInterval: config.FlushInterval,
		}, output.sendBatchInternal)
	}

	return output, nil
}

// Publish indexes a single envelope, or queues it for the next bulk request
func (e *ElasticsearchOutput) Publish(ctx context.Context, env *Envelope) error {
	if e.closed.Load() {
		return fmt.Errorf("elasticsearch output is closed")
	}

	doc, err := json.Marshal(env)
	if err != nil {
		e.recordFailure(1, err.Error())
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if e.batcher != nil {
		return e.batcher.Add(ctx, env, len(doc))
	}

	return e.sendSingle(ctx, env, doc)
}

// sendSingle indexes a single document without batching
func (e *ElasticsearchOutput) sendSingle(ctx context.Context, env *Envelope, doc []byte) error {
	startTime := time.Now()

	req := esapi.IndexRequest{
		Index:      e.getIndexName(env),
		DocumentID: env.ID,
		Body:       bytes.NewReader(doc),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		e.recordFailure(1, err.Error())
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	latency := time.Since(startTime)

	if res.IsError() {
		e.recordFailure(1, res.Status())
		return fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	e.mu.Lock()
	e.metrics.EventsSent++
	e.metrics.BytesSent += int64(len(doc))
	e.metrics.LastSendTime = time.Now()
	e.metrics.AvgLatency = (e.metrics.AvgLatency + latency) / 2
	e.mu.Unlock()

	return nil
}

type bulkMeta struct {
	Index bulkIndex `json:"index"`
}

type bulkIndex struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

// sendBatchInternal sends a batch of envelopes using the Bulk API
func (e *ElasticsearchOutput) sendBatchInternal(ctx context.Context, envs []*Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	startTime := time.Now()

	var buf bytes.Buffer
	var totalBytes int64
	var sent int

	for _, env := range envs {
		metaJSON, err := json.Marshal(bulkMeta{Index: bulkIndex{Index: e.getIndexName(env), ID: env.ID}})
		if err != nil {
			e.recordFailure(1, err.Error())
			continue
		}

		docJSON, err := json.Marshal(env)
		if err != nil {
			e.recordFailure(1, err.Error())
			continue
		}

		buf.Write(metaJSON)
		buf.WriteByte('\n')
		buf.Write(docJSON)
		buf.WriteByte('\n')

		totalBytes += int64(len(docJSON))
		sent++
	}

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		e.recordFailure(int64(sent), err.Error())
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	latency := time.Since(startTime)

	if res.IsError() {
		e.recordFailure(int64(sent), res.Status())
		return fmt.Errorf("bulk request returned error: %s", res.Status())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}

	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		e.recordFailure(int64(sent), err.Error())
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}

	var failedCount int64
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, doc := range item {
				if doc.Status >= 400 {
					failedCount++
					e.recordFailure(1, string(doc.Error))
				}
			}
		}
	}

	successCount := int64(sent) - failedCount

	e.mu.Lock()
	e.metrics.EventsSent += successCount
	e.metrics.BytesSent += totalBytes
	e.metrics.BatchesSent++
	e.metrics.LastSendTime = time.Now()
	e.metrics.AvgBatchSize = float64(e.metrics.EventsSent) / float64(e.metrics.BatchesSent)
	e.metrics.AvgLatency = (e.metrics.AvgLatency + latency) / 2
	e.mu.Unlock()

	if failedCount > 0 {
		return fmt.Errorf("%d out of %d envelopes failed to index", failedCount, len(envs))
	}

	return nil
}

// getIndexName returns the index name for an envelope, with optional time-based rotation
func (e *ElasticsearchOutput) getIndexName(env *Envelope) string {
	index := e.config.Index

	if e.config.IndexRotation == "none" || e.config.IndexRotation == "" {
		return index
	}

	timestamp := env.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	timestamp = timestamp.UTC()

	// Check if index already has a suffix pattern
	if strings.Contains(index, "%{") {
		index = strings.ReplaceAll(index, "%{+YYYY.MM.dd}", timestamp.Format("2006.01.02"))
		index = strings.ReplaceAll(index, "%{+YYYY.MM}", timestamp.Format("2006.01"))
		index = strings.ReplaceAll(index, "%{+YYYY}", timestamp.Format("2006"))
		return index
	}

	var suffix string
	switch e.config.IndexRotation {
	case "weekly":
		year, week := timestamp.ISOWeek()
		suffix = fmt.Sprintf("%d.%02d", year, week)
	case "monthly":
		suffix = timestamp.Format("2006.01")
	case "yearly":
		suffix = timestamp.Format("2006")
	default:
		suffix = timestamp.Format("2006.01.02")
	}

	return fmt.Sprintf("%s-%s", index, suffix)
}

func (e *ElasticsearchOutput) recordFailure(n int64, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.EventsFailed += n
	e.metrics.LastError = msg
	e.metrics.LastErrorTime = time.Now()
}

// Close flushes pending documents and closes the output
func (e *ElasticsearchOutput) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	if e.batcher != nil {
		if err := e.batcher.Stop(); err != nil {
			return err
		}
	}

	return nil
}

// Name returns the output name
func (e *ElasticsearchOutput) Name() string {
	if e.config.Name != "" {
		return e.config.Name
	}
	return "elasticsearch"
}

// Metrics returns the current metrics
func (e *ElasticsearchOutput) Metrics() *OutputMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// Return a copy
	metricsCopy := *e.metrics
	return &metricsCopy
}
