package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// StdoutOutput writes envelopes as JSON lines
type StdoutOutput struct {
	config  BaseConfig
	w       io.Writer
	mu      sync.Mutex
	metrics *OutputMetrics
	closed  atomic.Bool
}

// NewStdoutOutput creates an output writing to w, or os.Stdout when w is nil
func NewStdoutOutput(config BaseConfig, w io.Writer) *StdoutOutput {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutOutput{
		config:  config,
		w:       w,
		metrics: &OutputMetrics{},
	}
}

// Publish writes one JSON line
func (s *StdoutOutput) Publish(ctx context.Context, env *Envelope) error {
	if s.closed.Load() {
		return fmt.Errorf("stdout output is closed")
	}

	line, err := json.Marshal(env)
	if err != nil {
		s.recordError(err)
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(line); err != nil {
		s.metrics.EventsFailed++
		s.metrics.LastError = err.Error()
		s.metrics.LastErrorTime = time.Now()
		return fmt.Errorf("failed to write envelope: %w", err)
	}

	s.metrics.EventsSent++
	s.metrics.BytesSent += int64(len(line))
	s.metrics.LastSendTime = time.Now()
	return nil
}

func (s *StdoutOutput) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.EventsFailed++
	s.metrics.LastError = err.Error()
	s.metrics.LastErrorTime = time.Now()
}

// Close closes the output
func (s *StdoutOutput) Close() error {
	s.closed.Store(true)
	return nil
}

// Name returns the output name
func (s *StdoutOutput) Name() string {
	if s.config.Name != "" {
		return s.config.Name
	}
	return "stdout"
}

// Metrics returns the current metrics
func (s *StdoutOutput) Metrics() *OutputMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	metricsCopy := *s.metrics
	return &metricsCopy
}
