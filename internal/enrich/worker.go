package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/deeplinks/internal/matching"
)

const tracerName = "github.com/agentworkforce/deeplinks/internal/enrich"

type lookupResult struct {
	url string
	err error
}

// runJob ends with one terminal cache write, one patch publish and a lock
// release, whatever happened during the lookup. A job whose lock changed
// hands while it sat in the queue is dropped before the lookup.
func (e *Engine) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.workerFailures.Add(1)
			logger := e.jobLogger(j)
			logger.Error().Interface("panic", r).Msg("enrichment job aborted")
		}
	}()
	started := e.now()
	lockKey := LockKey(j.provider, j.placeID)
	if !e.claim(j, lockKey) {
		return
	}

	url, settled, err := e.lookup(j)
	defer e.awaitLookup(j, settled)

	entry := CacheEntry{Status: StatusNotFound}
	ttl := e.opts.NotFoundTTL
	switch {
	case err != nil:
		e.stats.workerFailures.Add(1)
		logger := e.jobLogger(j)
		logger.Warn().Err(err).Msg("enrichment lookup failed, recording not found")
	case url != "":
		entry = CacheEntry{Status: StatusFound, URL: stringPtr(url)}
		ttl = e.opts.FoundTTL
	}
	entry.UpdatedAt = e.now().UTC()
	if entry.Status == StatusFound {
		e.stats.found.Add(1)
	} else {
		e.stats.notFound.Add(1)
	}

	// The lookup context may already be expired; persisting the outcome gets
	// a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StoreTimeout*3)
	defer cancel()

	e.guard(j, "cache write", func() {
		e.cache.set(ctx, CacheKey(j.provider, j.placeID), entry, ttl)
	})
	e.guard(j, "patch publish", func() {
		e.publish(ctx, j, entry.State())
	})
	e.guard(j, "lock release", func() {
		e.locks.release(ctx, lockKey, j.lockToken)
	})

	logger := e.jobLogger(j)
	logger.Debug().
		Str("status", string(entry.Status)).
		Dur("queued", started.Sub(j.enqueuedAt)).
		Dur("took", e.now().Sub(started)).
		Msg("enrichment job finished")
}

// claim renews the job's lock for a full TTL before the lookup. When another
// job holds the key the lookup is left to it, and this request only gets a
// patch if a terminal entry is already cached.
func (e *Engine) claim(j job, lockKey string) bool {
	owned := false
	e.guard(j, "lock renew", func() {
		owned = e.locks.renew(context.Background(), lockKey, j.lockToken, e.opts.LockTTL)
	})
	if owned {
		return true
	}
	e.stats.superseded.Add(1)
	logger := e.jobLogger(j)
	logger.Warn().Dur("queued", e.now().Sub(j.enqueuedAt)).Msg("lock lost while queued, dropping job")

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StoreTimeout*2)
	defer cancel()
	e.guard(j, "cached patch publish", func() {
		if entry, ok := e.cache.get(ctx, CacheKey(j.provider, j.placeID)); ok {
			e.publish(ctx, j, entry.State())
		}
	})
	return false
}

func (e *Engine) publish(ctx context.Context, j job, state ProviderState) {
	event := PatchEvent{
		RequestID: j.requestID,
		PlaceID:   j.placeID,
		Patch:     map[ProviderID]ProviderState{j.provider: state},
	}
	if err := e.publisher.Publish(ctx, j.channel, j.requestID, event); err != nil {
		e.stats.publishFailures.Add(1)
		logger := e.jobLogger(j)
		logger.Warn().Err(err).Msg("patch publish failed")
	}
}

// guard runs one finalizing step so a panicking store or publisher cannot
// skip the steps after it.
func (e *Engine) guard(j job, step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.workerFailures.Add(1)
			logger := e.jobLogger(j)
			logger.Error().Str("step", step).Interface("panic", r).Msg("enrichment step panicked")
		}
	}()
	fn()
}

func (e *Engine) jobLogger(j job) zerolog.Logger {
	return e.logger.With().
		Str("provider", string(j.provider)).
		Str("place_id", j.placeID).
		Str("request_id", j.requestID).
		Logger()
}

// lookup runs the search and the strategy under the worker timeout. The
// timeout holds even if the adapter ignores its context; settled closes once
// the adapter has actually returned.
func (e *Engine) lookup(j job) (string, <-chan struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.WorkerTimeout)
	defer cancel()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "enrich.worker", trace.WithAttributes(
		attribute.String("provider", string(j.provider)),
		attribute.String("place.id", j.placeID),
		attribute.String("request.id", j.requestID),
	))
	defer span.End()

	done := make(chan lookupResult, 1)
	settled := make(chan struct{})
	go func() {
		defer close(settled)
		defer func() {
			if r := recover(); r != nil {
				done <- lookupResult{err: fmt.Errorf("%w: %v", ErrWorkerPanic, r)}
			}
		}()
		url, err := e.match(ctx, j)
		done <- lookupResult{url: url, err: err}
	}()

	var res lookupResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = lookupResult{err: fmt.Errorf("%w: %v", ErrWorkerTimeout, ctx.Err())}
	}
	if res.err == nil && ctx.Err() != nil {
		res = lookupResult{err: fmt.Errorf("%w: %v", ErrWorkerTimeout, ctx.Err())}
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "lookup failed")
		return "", settled, res.err
	}
	span.SetAttributes(attribute.Bool("match.found", res.url != ""))
	span.SetStatus(codes.Ok, "")
	return res.url, settled, nil
}

// awaitLookup keeps the worker slot until a search that outlived its timeout
// returns, so concurrent searches never exceed MaxWorkers.
func (e *Engine) awaitLookup(j job, settled <-chan struct{}) {
	select {
	case <-settled:
		return
	default:
	}
	logger := e.jobLogger(j)
	logger.Warn().Msg("search still running past worker timeout, holding worker slot")
	<-settled
}

func (e *Engine) match(ctx context.Context, j job) (string, error) {
	strategy, err := e.strategies.Lookup(j.provider)
	if err != nil {
		return "", err
	}
	req := matching.Request{Name: j.name, Address: j.address, CityHint: j.cityHint}
	candidates, err := e.search.Search(ctx, strategy.SearchQuery(req), e.opts.CandidateLimit)
	if err != nil {
		return "", fmt.Errorf("search %s: %w", j.provider, err)
	}
	if len(candidates) == 0 {
		return "", nil
	}
	url, ok := strategy.Select(candidates, req)
	if !ok {
		return "", nil
	}
	return url, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
