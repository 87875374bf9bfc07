package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/deeplinks/internal/matching"
)

const (
	DefaultTopN          = 5
	DefaultMaxWorkers    = 4
	DefaultQueueSize     = 256
	DefaultFoundTTL      = 14 * 24 * time.Hour
	DefaultNotFoundTTL   = 24 * time.Hour
	DefaultLockTTL       = 60 * time.Second
	DefaultWorkerTimeout = 25 * time.Second
	DefaultStoreTimeout  = 2 * time.Second
	DefaultPatchChannel  = "enrichment"
)

type Options struct {
	Cache      CacheStore
	Locks      LockService
	Search     SearchAdapter
	Publisher  Publisher
	Strategies matching.Table

	// EnabledProviders lists the providers Enrich acts on. Nil enables every
	// provider with a strategy.
	EnabledProviders []ProviderID

	TopN           int
	MaxWorkers     int
	QueueSize      int
	CandidateLimit int

	FoundTTL      time.Duration
	NotFoundTTL   time.Duration
	LockTTL       time.Duration
	WorkerTimeout time.Duration
	StoreTimeout  time.Duration

	PatchChannel string
	Logger       *zerolog.Logger
	Now          func() time.Time
}

type stats struct {
	calls            atomic.Uint64
	cacheHits        atomic.Uint64
	cacheMisses      atomic.Uint64
	lockContended    atomic.Uint64
	lockErrors       atomic.Uint64
	dispatched       atomic.Uint64
	dispatchRejected atomic.Uint64
	found            atomic.Uint64
	notFound         atomic.Uint64
	workerFailures   atomic.Uint64
	publishFailures  atomic.Uint64
	superseded       atomic.Uint64
	skipped          atomic.Uint64
}

type Stats struct {
	Calls            uint64 `json:"calls"`
	CacheHits        uint64 `json:"cacheHits"`
	CacheMisses      uint64 `json:"cacheMisses"`
	LockContended    uint64 `json:"lockContended"`
	LockErrors       uint64 `json:"lockErrors"`
	Dispatched       uint64 `json:"dispatched"`
	DispatchRejected uint64 `json:"dispatchRejected"`
	Found            uint64 `json:"found"`
	NotFound         uint64 `json:"notFound"`
	WorkerFailures   uint64 `json:"workerFailures"`
	PublishFailures  uint64 `json:"publishFailures"`
	Superseded       uint64 `json:"superseded"`
	Skipped          uint64 `json:"skipped"`
	WorkersRunning   int64  `json:"workersRunning"`
	WorkersMax       int    `json:"workersMax"`
	Completed        uint64 `json:"completed"`
	Queued           int    `json:"queued"`
	QueueCapacity    int    `json:"queueCapacity"`
}

// Engine is the enrichment coordinator. Enrich is safe for concurrent use.
type Engine struct {
	opts       Options
	enabled    map[ProviderID]bool
	cache      cacheClient
	locks      lockClient
	search     SearchAdapter
	publisher  Publisher
	strategies matching.Table
	dispatcher *dispatcher
	logger     zerolog.Logger
	stats      stats
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Cache == nil || opts.Locks == nil || opts.Search == nil || opts.Publisher == nil {
		return nil, fmt.Errorf("%w: cache, locks, search and publisher are required", ErrInvalidInput)
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = matching.DefaultCandidateLimit
	}
	opts.FoundTTL = durationOrDefault(opts.FoundTTL, DefaultFoundTTL)
	opts.NotFoundTTL = durationOrDefault(opts.NotFoundTTL, DefaultNotFoundTTL)
	opts.LockTTL = durationOrDefault(opts.LockTTL, DefaultLockTTL)
	opts.WorkerTimeout = durationOrDefault(opts.WorkerTimeout, DefaultWorkerTimeout)
	opts.StoreTimeout = durationOrDefault(opts.StoreTimeout, DefaultStoreTimeout)
	if err := ValidateLockTTL(opts.LockTTL, opts.WorkerTimeout, opts.StoreTimeout); err != nil {
		return nil, err
	}
	opts.PatchChannel = strings.TrimSpace(opts.PatchChannel)
	if opts.PatchChannel == "" {
		opts.PatchChannel = DefaultPatchChannel
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Strategies == nil {
		opts.Strategies = matching.NewTable(matching.NewCityIndex(), opts.CandidateLimit)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	enabled := map[ProviderID]bool{}
	if opts.EnabledProviders == nil {
		for id := range opts.Strategies {
			enabled[id] = true
		}
	} else {
		for _, id := range opts.EnabledProviders {
			if _, err := opts.Strategies.Lookup(id); err != nil {
				return nil, err
			}
			enabled[id] = true
		}
	}

	e := &Engine{
		opts:       opts,
		enabled:    enabled,
		cache:      cacheClient{store: opts.Cache, timeout: opts.StoreTimeout, logger: logger},
		locks:      lockClient{locks: opts.Locks, timeout: opts.StoreTimeout, logger: logger},
		search:     opts.Search,
		publisher:  opts.Publisher,
		strategies: opts.Strategies,
		logger:     logger,
	}
	e.dispatcher = newDispatcher(opts.MaxWorkers, opts.QueueSize, e.runJob)
	return e, nil
}

// ValidateLockTTL rejects a lock TTL that a running job can outlive: the
// lookup plus the three finalizing store calls must fit inside it.
func ValidateLockTTL(lockTTL, workerTimeout, storeTimeout time.Duration) error {
	if lockTTL <= workerTimeout+3*storeTimeout {
		return fmt.Errorf("%w: lock ttl %s must exceed worker timeout %s plus 3x store timeout %s",
			ErrInvalidInput, lockTTL, workerTimeout, storeTimeout)
	}
	return nil
}

func (e *Engine) now() time.Time {
	return e.opts.Now()
}

func (e *Engine) PatchChannel() string {
	return e.opts.PatchChannel
}

// ProviderEnabled reports whether Enrich acts on provider.
func (e *Engine) ProviderEnabled(provider ProviderID) bool {
	return e.enabled[provider]
}

// EnabledProviders returns the enabled providers in their canonical order.
func (e *Engine) EnabledProviders() []ProviderID {
	out := make([]ProviderID, 0, len(e.enabled))
	for _, id := range matching.KnownProviders() {
		if e.enabled[id] {
			out = append(out, id)
		}
	}
	return out
}

// Enrich attaches provider state to the first TopN results and dispatches a
// background lookup for every cold key whose lock it wins. It mutates and
// returns results and never fails the caller.
func (e *Engine) Enrich(ctx context.Context, provider ProviderID, results []Restaurant, requestID, cityHint string) (out []Restaurant) {
	out = results
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("provider", string(provider)).
				Str("request_id", requestID).
				Interface("panic", r).
				Msg("enrichment aborted")
		}
	}()
	e.stats.calls.Add(1)

	if !e.enabled[provider] {
		e.stats.skipped.Add(1)
		e.logger.Debug().Str("provider", string(provider)).Msg("provider disabled, skipping enrichment")
		return results
	}
	if len(results) == 0 {
		return results
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "enrich.coordinator", trace.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("request.id", requestID),
		attribute.Int("results", len(results)),
	))
	defer span.End()

	if err := e.cache.ping(ctx); err != nil {
		e.stats.skipped.Add(1)
		e.logger.Warn().Err(err).Str("provider", string(provider)).Msg("cache unreachable, skipping enrichment")
		return results
	}

	limit := len(results)
	if limit > e.opts.TopN {
		limit = e.opts.TopN
	}
	for i := 0; i < limit; i++ {
		e.enrichOne(ctx, provider, &results[i], requestID, cityHint)
	}
	return results
}

// EnrichAll runs Enrich for every enabled provider.
func (e *Engine) EnrichAll(ctx context.Context, results []Restaurant, requestID, cityHint string) []Restaurant {
	return e.EnrichProviders(ctx, e.EnabledProviders(), results, requestID, cityHint)
}

// EnrichProviders runs Enrich for each listed provider in order.
func (e *Engine) EnrichProviders(ctx context.Context, providers []ProviderID, results []Restaurant, requestID, cityHint string) []Restaurant {
	for _, provider := range providers {
		results = e.Enrich(ctx, provider, results, requestID, cityHint)
	}
	return results
}

func (e *Engine) enrichOne(ctx context.Context, provider ProviderID, r *Restaurant, requestID, cityHint string) {
	placeID := strings.TrimSpace(r.PlaceID)
	if placeID == "" {
		return
	}
	if entry, ok := e.cache.get(ctx, CacheKey(provider, placeID)); ok {
		e.stats.cacheHits.Add(1)
		r.MergeProvider(provider, entry.State())
		return
	}
	e.stats.cacheMisses.Add(1)
	r.MergeProvider(provider, ProviderState{Status: StatusPending})

	lockKey := LockKey(provider, placeID)
	token, outcome := e.locks.tryAcquire(ctx, lockKey, e.opts.LockTTL)
	switch outcome {
	case lockHeld:
		e.stats.lockContended.Add(1)
		return
	case lockFailed:
		e.stats.lockErrors.Add(1)
		return
	}

	err := e.dispatcher.submit(job{
		provider:   provider,
		placeID:    placeID,
		name:       r.Name,
		address:    r.Address,
		cityHint:   cityHint,
		requestID:  requestID,
		channel:    e.opts.PatchChannel,
		lockToken:  token,
		enqueuedAt: e.now(),
	})
	if err != nil {
		e.stats.dispatchRejected.Add(1)
		e.logger.Warn().Err(err).
			Str("provider", string(provider)).
			Str("place_id", placeID).
			Msg("enrichment dispatch rejected")
		e.locks.release(context.WithoutCancel(ctx), lockKey, token)
		return
	}
	e.stats.dispatched.Add(1)
}

func (e *Engine) Stats() Stats {
	return Stats{
		Calls:            e.stats.calls.Load(),
		CacheHits:        e.stats.cacheHits.Load(),
		CacheMisses:      e.stats.cacheMisses.Load(),
		LockContended:    e.stats.lockContended.Load(),
		LockErrors:       e.stats.lockErrors.Load(),
		Dispatched:       e.stats.dispatched.Load(),
		DispatchRejected: e.stats.dispatchRejected.Load(),
		Found:            e.stats.found.Load(),
		NotFound:         e.stats.notFound.Load(),
		WorkerFailures:   e.stats.workerFailures.Load(),
		PublishFailures:  e.stats.publishFailures.Load(),
		Superseded:       e.stats.superseded.Load(),
		Skipped:          e.stats.skipped.Load(),
		WorkersRunning:   e.dispatcher.running.Load(),
		WorkersMax:       e.opts.MaxWorkers,
		Completed:        e.dispatcher.completed.Load(),
		Queued:           e.dispatcher.queued(),
		QueueCapacity:    e.dispatcher.capacity(),
	}
}

// Close stops accepting jobs and waits for queued and running jobs to
// finish, or for ctx.
func (e *Engine) Close(ctx context.Context) error {
	return e.dispatcher.close(ctx)
}
