package profiling

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
)

// Config holds profiling configuration
type Config struct {
	Enabled            bool
	CPUProfilePath     string // written from Start until Stop
	MemProfilePath     string // written on Stop
	BlockProfile       bool
	MutexProfile       bool
	GoroutineThreshold int // warn when exceeded
	CheckInterval      time.Duration
}

// Profiler exposes pprof endpoints and watches the goroutine count, which
// grows when resolver flights or stream clients leak
type Profiler struct {
	config Config
	logger *logging.Logger

	cpuFile *os.File

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Stats is the runtime summary served at /debug/stats
type Stats struct {
	Goroutines   int       `json:"goroutines"`
	CPUs         int       `json:"cpus"`
	GOMAXPROCS   int       `json:"gomaxprocs"`
	AllocBytes   uint64    `json:"alloc_bytes"`
	SysBytes     uint64    `json:"sys_bytes"`
	HeapObjects  uint64    `json:"heap_objects"`
	NumGC        uint32    `json:"num_gc"`
	PauseTotalNs uint64    `json:"pause_total_ns"`
	LastGC       time.Time `json:"last_gc,omitempty"`
}

// New creates a profiler
func New(config Config, logger *logging.Logger) *Profiler {
	if logger == nil {
		logger = logging.Global()
	}
	if config.GoroutineThreshold == 0 {
		config.GoroutineThreshold = 10000
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 30 * time.Second
	}

	return &Profiler{
		config: config,
		logger: logger.WithComponent("profiling"),
	}
}

// Start enables the configured runtime profiles and the goroutine monitor
func (p *Profiler) Start() error {
	if !p.config.Enabled {
		p.logger.Info().Msg("Profiling disabled")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
		p.logger.Info().Msg("Block profiling enabled")
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
		p.logger.Info().Msg("Mutex profiling enabled")
	}

	if p.config.CPUProfilePath != "" {
		if err := p.startCPUProfile(); err != nil {
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.monitorGoroutines(ctx)

	p.started = true
	p.logger.Info().Msg("Profiling started")
	return nil
}

// Stop writes pending profiles and stops the monitor
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}
	p.started = false

	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.cpuFile != nil {
		runtimepprof.StopCPUProfile()
		p.cpuFile.Close()
		p.cpuFile = nil
		p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profile saved")
	}

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(0)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(0)
	}

	if p.config.MemProfilePath != "" {
		if err := p.writeMemProfile(); err != nil {
			return fmt.Errorf("failed to write memory profile: %w", err)
		}
	}

	p.logger.Info().Msg("Profiling stopped")
	return nil
}

// Name returns the component name
func (p *Profiler) Name() string {
	return "profiling"
}

// Handler serves pprof under /debug/pprof/ plus /debug/stats and /debug/gc
func (p *Profiler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", p.statsHandler)
	mux.HandleFunc("/debug/gc", p.gcHandler)
	return mux
}

func (p *Profiler) startCPUProfile() error {
	f, err := os.Create(p.config.CPUProfilePath)
	if err != nil {
		return err
	}
	if err := runtimepprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	p.cpuFile = f
	p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profiling started")
	return nil
}

func (p *Profiler) writeMemProfile() error {
	f, err := os.Create(p.config.MemProfilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	runtime.GC()
	if err := runtimepprof.WriteHeapProfile(f); err != nil {
		return err
	}
	p.logger.Info().Str("path", p.config.MemProfilePath).Msg("Memory profile saved")
	return nil
}

func (p *Profiler) monitorGoroutines(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkGoroutines(runtime.NumGoroutine())
		}
	}
}

// checkGoroutines reports whether count is above the threshold
func (p *Profiler) checkGoroutines(count int) bool {
	if count > p.config.GoroutineThreshold {
		p.logger.Warn().
			Int("goroutines", count).
			Int("threshold", p.config.GoroutineThreshold).
			Msg("High goroutine count detected")
		return true
	}
	p.logger.Debug().Int("goroutines", count).Msg("Goroutine count")
	return false
}

// CurrentStats reads the runtime statistics
func CurrentStats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := Stats{
		Goroutines:   runtime.NumGoroutine(),
		CPUs:         runtime.NumCPU(),
		GOMAXPROCS:   runtime.GOMAXPROCS(0),
		AllocBytes:   m.Alloc,
		SysBytes:     m.Sys,
		HeapObjects:  m.HeapObjects,
		NumGC:        m.NumGC,
		PauseTotalNs: m.PauseTotalNs,
	}
	if m.NumGC > 0 {
		s.LastGC = time.Unix(0, int64(m.LastGC)).UTC()
	}
	return s
}

func (p *Profiler) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(CurrentStats()); err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode stats")
	}
}

func (p *Profiler) gcHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	before := CurrentStats().AllocBytes
	runtime.GC()
	after := CurrentStats().AllocBytes

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]uint64{
		"before_bytes": before,
		"after_bytes":  after,
	})
}
