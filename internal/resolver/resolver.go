package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/pilot"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/reputation"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/intelwatch/pkg/types"
)

const (
	ServiceKOS    = "kos"
	ServiceRBL    = "rbl"
	ServiceESS    = "ess"
	ServiceAvatar = "avatar"
)

// ErrClosed is returned for work refused after Close
var ErrClosed = errors.New("resolver closed")

// Checker answers one standing question about a pilot
type Checker interface {
	Service() string
	Check(ctx context.Context, name string) (types.KosEntry, error)
}

// AvatarFetcher fetches a pilot portrait
type AvatarFetcher interface {
	Fetch(ctx context.Context, name string) (reputation.Avatar, error)
}

// GenerationSource exposes the current parse generation
type GenerationSource interface {
	Current() uint64
}

// Config holds resolver configuration. A nil checker leaves its status
// unknown.
type Config struct {
	KOS      Checker
	RBL      Checker
	ESS      Checker
	Avatars  AvatarFetcher
	Timeout  time.Duration
	CacheTTL time.Duration
	// QueueSize is the buffer of the completion channel
	QueueSize int
}

// Completion reports a finished resolution whose generation was still
// current when it finished
type Completion struct {
	Name       string
	Generation uint64
	Entry      pilot.Entry
	Errors     map[string]error
	Cached     bool
}

// flight is one in-progress resolution shared by every caller that asked
// for the same name while it ran
type flight struct {
	key    string
	name   string
	cached bool

	// generation is guarded by Resolver.mu
	generation uint64

	errMu  sync.Mutex
	errors map[string]error
	// held are replies that arrived while the flight was stale
	held []func(*pilot.Entry)

	done atomic.Bool
}

func (f *flight) fail(service string, err error) {
	f.errMu.Lock()
	f.errors[service] = err
	f.errMu.Unlock()
}

func (f *flight) hold(fn func(*pilot.Entry)) {
	f.errMu.Lock()
	f.held = append(f.held, fn)
	f.errMu.Unlock()
}

// Resolver determines pilot standing through asynchronous queries and
// writes results into the pilot cache
type Resolver struct {
	cfg     Config
	cache   *pilot.Cache
	gen     GenerationSource
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	flights  map[string]*flight
	inFlight int
	closed   bool

	completions chan Completion
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a resolver
func New(cfg Config, cache *pilot.Cache, gen GenerationSource, logger *logging.Logger, m *metrics.Collector) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		cfg:         cfg,
		cache:       cache,
		gen:         gen,
		logger:      logger.WithComponent("resolver"),
		metrics:     m,
		tracer:      otel.Tracer("intelwatch/resolver"),
		now:         time.Now,
		flights:     make(map[string]*flight),
		completions: make(chan Completion, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetTracer sets the tracer used for query spans
func (r *Resolver) SetTracer(tracer trace.Tracer) {
	r.tracer = tracer
}

// Completions delivers finished resolutions. It is closed by Close.
func (r *Resolver) Completions() <-chan Completion {
	return r.completions
}

// InFlight returns the number of pilots currently being checked
func (r *Resolver) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Resolve starts a resolution of name unless one is already running, and
// never blocks on the network. It reports whether a new flight started.
// A call coalesced into a running flight with a newer generation moves the
// flight to that generation.
func (r *Resolver) Resolve(name string, generation uint64) bool {
	key := pilot.Normalize(name)
	if key == "" {
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if f, ok := r.flights[key]; ok {
		if generation > f.generation {
			f.generation = generation
		}
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.ResolverCoalesced.Inc()
		}
		return false
	}

	f := &flight{
		key:        key,
		name:       name,
		generation: generation,
		errors:     make(map[string]error),
		cached:     r.fresh(name),
	}
	r.flights[key] = f
	r.inFlight++
	inFlight := r.inFlight
	r.wg.Add(1)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ResolverInFlight.Set(float64(inFlight))
		if f.cached {
			r.metrics.ResolverCacheHits.Inc()
		}
	}

	go r.run(f)
	return true
}

// fresh reports whether the cached entry can be served without queries
func (r *Resolver) fresh(name string) bool {
	if r.cfg.CacheTTL <= 0 {
		return false
	}
	entry, ok := r.cache.Get(name)
	if !ok || !r.resolved(entry) || entry.LastChecked.IsZero() {
		return false
	}
	if r.cfg.Avatars != nil && entry.CharacterID == 0 {
		return false
	}
	return r.now().Sub(entry.LastChecked) < r.cfg.CacheTTL
}

// resolved reports whether every configured service has answered for e
func (r *Resolver) resolved(e pilot.Entry) bool {
	if r.cfg.KOS != nil && e.KOS == types.StatusUnknown {
		return false
	}
	if r.cfg.RBL != nil && e.RBL == types.StatusUnknown {
		return false
	}
	if r.cfg.ESS != nil && e.ESS == types.StatusUnknown {
		return false
	}
	return true
}

func (r *Resolver) generationOf(f *flight) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f.generation
}

func (r *Resolver) run(f *flight) {
	defer r.wg.Done()

	if f.cached {
		r.finish(f)
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()
	ctx, span := tracing.TraceResolve(ctx, r.tracer, f.name, r.generationOf(f))
	defer span.End()

	var wg sync.WaitGroup
	for _, q := range []struct {
		checker Checker
		apply   func(*pilot.Entry, types.KosEntry)
	}{
		{r.cfg.KOS, applyKOS},
		{r.cfg.RBL, applyRBL},
		{r.cfg.ESS, applyESS},
	} {
		if q.checker == nil {
			continue
		}
		wg.Add(1)
		go func(checker Checker, apply func(*pilot.Entry, types.KosEntry)) {
			defer wg.Done()
			r.check(ctx, f, checker, apply)
		}(q.checker, q.apply)
	}

	if r.cfg.Avatars != nil {
		if entry, ok := r.cache.Get(f.name); !ok || entry.Avatar == nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.fetchAvatar(ctx, f)
			}()
		}
	}

	wg.Wait()
	r.finish(f)
}

func (r *Resolver) check(ctx context.Context, f *flight, checker Checker, apply func(*pilot.Entry, types.KosEntry)) {
	service := checker.Service()
	qctx, span := tracing.TraceQuery(ctx, r.tracer, service, f.name)
	defer span.End()

	start := time.Now()
	result, err := checker.Check(qctx, f.name)
	r.observe(service, start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.fail(service, err)
		r.logger.Debug().Err(err).Str("pilot", f.name).Str("service", service).Msg("Reputation query failed")
		return
	}

	r.apply(f, func(e *pilot.Entry) {
		apply(e, result)
	})
}

func (r *Resolver) fetchAvatar(ctx context.Context, f *flight) {
	qctx, span := tracing.TraceQuery(ctx, r.tracer, ServiceAvatar, f.name)
	defer span.End()

	start := time.Now()
	avatar, err := r.cfg.Avatars.Fetch(qctx, f.name)
	r.observe(ServiceAvatar, start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.fail(ServiceAvatar, err)
	}
	if avatar.CharacterID == 0 {
		return
	}
	r.apply(f, func(e *pilot.Entry) {
		e.CharacterID = avatar.CharacterID
		if avatar.Image != nil {
			e.Avatar = avatar.Image
		}
	})
}

// apply writes into the cache only while the flight's generation is
// current. Other replies are held until finish, since a coalesced Resolve
// may still raise the flight to the current generation.
func (r *Resolver) apply(f *flight, fn func(*pilot.Entry)) bool {
	if r.generationOf(f) != r.gen.Current() {
		f.hold(fn)
		return false
	}
	r.write(f.name, fn)
	return true
}

func (r *Resolver) write(name string, fn func(*pilot.Entry)) {
	now := r.now()
	r.cache.Upsert(name, func(e *pilot.Entry) {
		fn(e)
		e.LastChecked = now
	})
}

func (r *Resolver) observe(service string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = reputation.KindOf(err).String()
	}
	r.metrics.ResolverQueries.WithLabelValues(service, result).Inc()
	r.metrics.ResolverQueryDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
}

// finish retires the flight, decrements the in-flight counter once and
// delivers the completion when the flight's generation is still current
func (r *Resolver) finish(f *flight) {
	if !f.done.CompareAndSwap(false, true) {
		panic("resolver: flight finished twice")
	}

	r.mu.Lock()
	delete(r.flights, f.key)
	r.inFlight--
	if r.inFlight < 0 {
		r.mu.Unlock()
		panic("resolver: in-flight counter underflow")
	}
	generation := f.generation
	inFlight := r.inFlight
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ResolverInFlight.Set(float64(inFlight))
		r.metrics.PilotsCached.Set(float64(r.cache.Len()))
	}

	if generation != r.gen.Current() {
		r.logger.Debug().Str("pilot", f.name).Uint64("generation", generation).Msg("Dropping stale resolution")
		if r.metrics != nil {
			r.metrics.ResolverStale.Inc()
		}
		return
	}

	f.errMu.Lock()
	errs := f.errors
	held := f.held
	f.held = nil
	f.errMu.Unlock()

	for _, fn := range held {
		r.write(f.name, fn)
	}

	entry, ok := r.cache.Get(f.name)
	if !ok {
		entry = pilot.Entry{Name: f.name}
	}

	c := Completion{
		Name:       f.name,
		Generation: generation,
		Entry:      entry,
		Errors:     errs,
		Cached:     f.cached,
	}
	select {
	case r.completions <- c:
	case <-r.ctx.Done():
	}
}

// Close stops delivering completions, abandons running queries and waits
// for every flight to retire
func (r *Resolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	close(r.completions)
	return nil
}

func applyKOS(e *pilot.Entry, k types.KosEntry) {
	e.KOS = types.StatusFromBool(k.Hostile)
	mergeCorp(e, k)
}

func applyRBL(e *pilot.Entry, k types.KosEntry) {
	e.RBL = types.StatusFromBool(k.Hostile)
	mergeCorp(e, k)
}

func applyESS(e *pilot.Entry, k types.KosEntry) {
	e.ESS = types.StatusFromBool(k.Hostile)
	mergeCorp(e, k)
}

func mergeCorp(e *pilot.Entry, k types.KosEntry) {
	if k.CorpID != 0 {
		e.CorpID = k.CorpID
	}
	if k.CorpName != "" {
		e.CorpName = k.CorpName
	}
	if k.EveID != 0 && e.CharacterID == 0 {
		e.CharacterID = k.EveID
	}
}
