package output

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Broadcaster delivers an encoded frame to every connected stream client
type Broadcaster interface {
	Broadcast(payload []byte)
}

// WebsocketOutput publishes envelopes to live stream clients
type WebsocketOutput struct {
	config  BaseConfig
	hub     Broadcaster
	mu      sync.Mutex
	metrics *OutputMetrics
	closed  atomic.Bool
}

// NewWebsocketOutput creates an output broadcasting through hub
func NewWebsocketOutput(config BaseConfig, hub Broadcaster) (*WebsocketOutput, error) {
	if hub == nil {
		return nil, fmt.Errorf("no stream hub configured")
	}
	return &WebsocketOutput{
		config:  config,
		hub:     hub,
		metrics: &OutputMetrics{},
	}, nil
}

// Publish encodes the envelope and hands it to the hub
func (w *WebsocketOutput) Publish(ctx context.Context, env *Envelope) error {
	if w.closed.Load() {
		return fmt.Errorf("websocket output is closed")
	}

	payload, err := json.Marshal(env)
	if err != nil {
		w.mu.Lock()
		w.metrics.EventsFailed++
		w.metrics.LastError = err.Error()
		w.metrics.LastErrorTime = time.Now()
		w.mu.Unlock()
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	w.hub.Broadcast(payload)

	w.mu.Lock()
	w.metrics.EventsSent++
	w.metrics.BytesSent += int64(len(payload))
	w.metrics.LastSendTime = time.Now()
	w.mu.Unlock()
	return nil
}

// Close stops publishing; the hub is owned by the API server
func (w *WebsocketOutput) Close() error {
	w.closed.Store(true)
	return nil
}

// Name returns the output name
func (w *WebsocketOutput) Name() string {
	if w.config.Name != "" {
		return w.config.Name
	}
	return "websocket"
}

// Metrics returns the current metrics
func (w *WebsocketOutput) Metrics() *OutputMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	metricsCopy := *w.metrics
	return &metricsCopy
}
