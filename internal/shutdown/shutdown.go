package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
)

// Manager runs cleanup steps when the process is asked to stop. Steps run
// one at a time in reverse registration order, so a component registered
// after its dependencies is stopped before them.
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	steps        []step
	mu           sync.Mutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
	err          error
}

type step struct {
	name string
	fn   ShutdownFunc
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
	}
}

// RegisterFunc registers a named shutdown step
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("step", name).Msg("Registered shutdown step")
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Component represents a component that can be gracefully shut down
type Component interface {
	Stop(context.Context) error
	Name() string
}

// RegisterComponent registers a component for graceful shutdown
func (m *Manager) RegisterComponent(component Component) {
	m.RegisterFunc(component.Name(), component.Stop)
}

// WaitForSignal blocks until a shutdown signal arrives, ctx is done or
// Shutdown is called elsewhere, and then shuts down
func (m *Manager) WaitForSignal(ctx context.Context, signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
		m.Shutdown()
	case <-ctx.Done():
		m.Shutdown()
	case <-m.shutdownCh:
	}
}

// Shutdown runs every step once
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.performShutdown()
	})
}

func (m *Manager) performShutdown() {
	m.mu.Lock()
	steps := make([]step, len(m.steps))
	copy(steps, m.steps)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("steps", len(steps)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if ctx.Err() != nil {
			m.logger.Warn().Str("step", s.name).Msg("Shutdown deadline passed, skipping step")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := m.runStep(ctx, s); err != nil {
			m.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		m.logger.Debug().Str("step", s.name).Dur("took", time.Since(start)).Msg("Shutdown step completed")
	}

	m.err = errors.Join(errs...)
	if m.err != nil {
		m.logger.Warn().Int("errors", len(errs)).Msg("Graceful shutdown completed with errors")
	} else {
		m.logger.Info().Msg("Graceful shutdown completed successfully")
	}
	close(m.gracefulDone)
}

// runStep returns when the step finishes or ctx expires, whichever is first
func (m *Manager) runStep(ctx context.Context, s step) error {
	done := make(chan error, 1)
	go func() {
		done <- s.fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.gracefulDone
}

// ShutdownChannel returns a channel that is closed when shutdown is initiated
func (m *Manager) ShutdownChannel() <-chan struct{} {
	return m.shutdownCh
}

// Err returns the joined step errors once shutdown is complete
func (m *Manager) Err() error {
	select {
	case <-m.gracefulDone:
		return m.err
	default:
		return nil
	}
}

// HandlePanic recovers from panics and initiates shutdown
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().
			Interface("panic", r).
			Msg("Panic recovered, initiating shutdown")
		m.Shutdown()
		// Re-panic to maintain normal panic behavior
		panic(r)
	}
}

// WaitWithTimeout waits for shutdown to complete with a timeout
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}
