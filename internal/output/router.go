package output

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/tracing"
)

// ErrRouterClosed is returned when publishing after Close
var ErrRouterClosed = errors.New("router is closed")

// RouterConfig contains configuration for the multi-output router
type RouterConfig struct {
	// FailureStrategy defines how to handle output failures (continue, stop)
	FailureStrategy string

	// Parallel enables parallel sending to all outputs
	Parallel bool

	// Retry wraps every publish; nil sends once
	Retry *reliability.RetryConfig

	// DeadLetter receives envelopes an output failed to deliver. It is
	// closed with the router.
	DeadLetter DeadLetter
}

// DeadLetter parks undeliverable envelopes
type DeadLetter interface {
	Enqueue(output, typ, id string, payload []byte, cause error) error
	Size() int
	Close() error
}

// DefaultRouterConfig returns default router configuration
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		FailureStrategy: "continue", // continue on failure
		Parallel:        true,
	}
}

type route struct {
	output Output
	events BaseConfig
}

// Router fans envelopes out to multiple outputs
type Router struct {
	config  RouterConfig
	routes  []route
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	mu      sync.RWMutex
	closed  atomic.Bool

	published atomic.Int64
	failed    atomic.Int64
}

// NewRouter creates a new multi-output router
func NewRouter(config RouterConfig, logger *logging.Logger, m *metrics.Collector) *Router {
	if config.FailureStrategy == "" {
		config.FailureStrategy = "continue"
	}
	return &Router{
		config:  config,
		logger:  logger.WithComponent("output"),
		metrics: m,
		tracer:  otel.Tracer("intelwatch/output"),
	}
}

// SetTracer sets the tracer used for publish spans
func (r *Router) SetTracer(tracer trace.Tracer) {
	r.tracer = tracer
}

// AddOutput adds an output to the router. With no event types the output
// receives every envelope.
func (r *Router) AddOutput(output Output, events ...EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes = append(r.routes, route{output: output, events: BaseConfig{Events: events}})
}

// Publish sends an envelope to every output that accepts its type
func (r *Router) Publish(ctx context.Context, env *Envelope) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}

	r.mu.RLock()
	routes := make([]Output, 0, len(r.routes))
	for _, rt := range r.routes {
		if rt.events.Accepts(env.Type) {
			routes = append(routes, rt.output)
		}
	}
	r.mu.RUnlock()

	if len(routes) == 0 {
		return nil
	}

	if r.config.Parallel {
		return r.publishParallel(ctx, routes, env)
	}

	return r.publishSequential(ctx, routes, env)
}

// publishParallel sends an envelope to all outputs in parallel
func (r *Router) publishParallel(ctx context.Context, outputs []Output, env *Envelope) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(outputs))

	for _, output := range outputs {
		wg.Add(1)
		go func(out Output) {
			defer wg.Done()
			if err := r.publishOne(ctx, out, env); err != nil {
				errs <- fmt.Errorf("%s: %w", out.Name(), err)
			}
		}(output)
	}

	wg.Wait()
	close(errs)

	var collected []error
	for err := range errs {
		collected = append(collected, err)
	}

	if len(collected) > 0 && r.config.FailureStrategy == "stop" {
		return fmt.Errorf("failed to publish to %d outputs: %w", len(collected), errors.Join(collected...))
	}

	return nil
}

// publishSequential sends an envelope to all outputs in order
func (r *Router) publishSequential(ctx context.Context, outputs []Output, env *Envelope) error {
	for _, output := range outputs {
		if err := r.publishOne(ctx, output, env); err != nil {
			if r.config.FailureStrategy == "stop" {
				return fmt.Errorf("failed to publish to output %s: %w", output.Name(), err)
			}
		}
	}

	return nil
}

func (r *Router) publishOne(ctx context.Context, out Output, env *Envelope) error {
	ctx, span := tracing.TraceOutput(ctx, r.tracer, out.Name(), string(env.Type))
	defer span.End()

	send := func(ctx context.Context) error {
		return out.Publish(ctx, env)
	}

	var err error
	if r.config.Retry != nil {
		err = reliability.Retry(ctx, *r.config.Retry, send)
	} else {
		err = send(ctx)
	}

	result := "success"
	if err != nil {
		result = "error"
		r.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn().
			Err(err).
			Str("output", out.Name()).
			Str("type", string(env.Type)).
			Str("id", env.ID).
			Msg("Failed to publish envelope")
		r.deadLetter(out.Name(), env, err)
	} else {
		r.published.Add(1)
	}
	if r.metrics != nil {
		r.metrics.OutputEvents.WithLabelValues(out.Name(), result).Inc()
	}
	return err
}

// Close closes all outputs
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	r.mu.RLock()
	routes := r.routes
	r.mu.RUnlock()

	var errs []error
	for _, rt := range routes {
		if err := rt.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt.output.Name(), err))
		}
	}

	if r.config.DeadLetter != nil {
		if err := r.config.DeadLetter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead letter: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to close %d outputs: %w", len(errs), errors.Join(errs...))
	}

	return nil
}

// deadLetter parks env for output. Position frames are superseded by the
// next frame and are never parked.
func (r *Router) deadLetter(output string, env *Envelope, cause error) {
	if r.config.DeadLetter == nil || env.Type == EventPosition {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Error().Err(err).Str("id", env.ID).Msg("Failed to encode envelope for dead letter")
		return
	}
	if err := r.config.DeadLetter.Enqueue(output, string(env.Type), env.ID, payload, cause); err != nil {
		r.logger.Error().Err(err).Str("output", output).Str("id", env.ID).Msg("Failed to park envelope")
		return
	}
	if r.metrics != nil {
		r.metrics.DeadLettered.WithLabelValues(output).Inc()
		r.metrics.DeadLetterSize.Set(float64(r.config.DeadLetter.Size()))
	}
}

// Metrics returns the aggregate metrics
func (r *Router) Metrics() *OutputMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Aggregate metrics from all outputs
	var totalBytes, totalBatches, totalRetries int64
	var totalLatency time.Duration
	var lastSendTime, lastErrorTime time.Time
	var lastError string

	for _, rt := range r.routes {
		m := rt.output.Metrics()
		totalBytes += m.BytesSent
		totalBatches += m.BatchesSent
		totalRetries += m.RetryCount
		totalLatency += m.AvgLatency

		if m.LastSendTime.After(lastSendTime) {
			lastSendTime = m.LastSendTime
		}
		if m.LastErrorTime.After(lastErrorTime) {
			lastErrorTime = m.LastErrorTime
			lastError = m.LastError
		}
	}

	avgLatency := time.Duration(0)
	if len(r.routes) > 0 {
		avgLatency = totalLatency / time.Duration(len(r.routes))
	}

	return &OutputMetrics{
		EventsSent:    r.published.Load(),
		EventsFailed:  r.failed.Load(),
		BytesSent:     totalBytes,
		BatchesSent:   totalBatches,
		RetryCount:    totalRetries,
		LastSendTime:  lastSendTime,
		LastError:     lastError,
		LastErrorTime: lastErrorTime,
		AvgLatency:    avgLatency,
	}
}

// DeadLetterSize returns the number of parked envelopes and whether a dead
// letter queue is configured
func (r *Router) DeadLetterSize() (int, bool) {
	if r.config.DeadLetter == nil {
		return 0, false
	}
	return r.config.DeadLetter.Size(), true
}

// GetOutputs returns all configured outputs
func (r *Router) GetOutputs() []Output {
	r.mu.RLock()
	defer r.mu.RUnlock()

	outputs := make([]Output, len(r.routes))
	for i, rt := range r.routes {
		outputs[i] = rt.output
	}
	return outputs
}
