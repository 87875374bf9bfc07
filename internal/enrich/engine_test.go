package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/deeplinks/internal/matching"
)

type fakeSearch struct {
	calls atomic.Int32
	fn    func(ctx context.Context, query string, limit int) ([]matching.Candidate, error)
}

func (s *fakeSearch) Search(ctx context.Context, query string, limit int) ([]matching.Candidate, error) {
	s.calls.Add(1)
	if s.fn == nil {
		return nil, nil
	}
	return s.fn(ctx, query, limit)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []PatchEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, channel, requestID string, event PatchEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) snapshot() []PatchEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PatchEvent(nil), p.events...)
}

func (p *recordingPublisher) waitFor(t *testing.T, n int) []PatchEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := p.snapshot(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d published patches, got %d", n, len(p.snapshot()))
	return nil
}

type countingLocks struct {
	inner    LockService
	acquires atomic.Int32
	renews   atomic.Int32
	releases atomic.Int32
	err      error
}

func (l *countingLocks) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.acquires.Add(1)
	if l.err != nil {
		return "", false, l.err
	}
	return l.inner.TryAcquire(ctx, key, ttl)
}

func (l *countingLocks) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.renews.Add(1)
	return l.inner.Renew(ctx, key, token, ttl)
}

func (l *countingLocks) Release(ctx context.Context, key, token string) error {
	l.releases.Add(1)
	return l.inner.Release(ctx, key, token)
}

type ttlRecordingStore struct {
	*MemoryBackend
	mu   sync.Mutex
	ttls map[string]time.Duration
}

func (s *ttlRecordingStore) Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error {
	s.mu.Lock()
	s.ttls[key] = ttl
	s.mu.Unlock()
	return s.MemoryBackend.Set(ctx, key, entry, ttl)
}

type unreachableStore struct{}

func (unreachableStore) Get(context.Context, string) (CacheEntry, bool, error) {
	return CacheEntry{}, false, errors.New("connection refused")
}

func (unreachableStore) Set(context.Context, string, CacheEntry, time.Duration) error {
	return errors.New("connection refused")
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

type panickingStore struct {
	*MemoryBackend
}

func (panickingStore) Get(context.Context, string) (CacheEntry, bool, error) {
	panic("corrupt client")
}

type panickingPublisher struct {
	calls atomic.Int32
}

func (p *panickingPublisher) Publish(context.Context, string, string, PatchEvent) error {
	p.calls.Add(1)
	panic("broker client bug")
}

type panickingWriteStore struct {
	*MemoryBackend
}

func (panickingWriteStore) Set(context.Context, string, CacheEntry, time.Duration) error {
	panic("driver bug")
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %s", what)
}

// blockingSearch parks searches for "Blocker Grill" until release is closed
// and finds pizza house for everything else.
type blockingSearch struct {
	release   chan struct{}
	blocked   atomic.Int32
	pizzaHits atomic.Int32
}

func (s *blockingSearch) Search(_ context.Context, query string, _ int) ([]matching.Candidate, error) {
	if strings.Contains(query, "Blocker Grill") {
		s.blocked.Add(1)
		<-s.release
		return nil, nil
	}
	s.pizzaHits.Add(1)
	return []matching.Candidate{{URL: pizzaHouseTelAviv}}, nil
}

func blocker() []Restaurant {
	return []Restaurant{{PlaceID: "place_blocker", Name: "Blocker Grill"}}
}

const pizzaHouseTelAviv = "https://wolt.com/en/isr/tel-aviv/restaurant/pizza-house"

func pizzaHouseSearch() *fakeSearch {
	return &fakeSearch{fn: func(context.Context, string, int) ([]matching.Candidate, error) {
		return []matching.Candidate{
			{URL: "https://wolt.com/en/bgr/sofia/restaurant/pizza-house"},
			{URL: pizzaHouseTelAviv},
		}, nil
	}}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	backend := NewMemoryBackend()
	if opts.Cache == nil {
		opts.Cache = backend
	}
	if opts.Locks == nil {
		opts.Locks = backend
	}
	if opts.Search == nil {
		opts.Search = pizzaHouseSearch()
	}
	if opts.Publisher == nil {
		opts.Publisher = &recordingPublisher{}
	}
	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return engine
}

func pizzaHouse() []Restaurant {
	return []Restaurant{{PlaceID: "place_1", Name: "Pizza House", Address: "Dizengoff 10, Tel Aviv"}}
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	_, err := NewEngine(Options{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	backend := NewMemoryBackend()
	_, err = NewEngine(Options{
		Cache:            backend,
		Locks:            backend,
		Search:           &fakeSearch{},
		Publisher:        &recordingPublisher{},
		EnabledProviders: []ProviderID{"ubereats"},
	})
	if !errors.Is(err, matching.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestEnrichDispatchesAndPublishesFound(t *testing.T) {
	backend := NewMemoryBackend()
	publisher := &recordingPublisher{}
	engine := newTestEngine(t, Options{Cache: backend, Locks: backend, Publisher: publisher})

	results := engine.Enrich(context.Background(), matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
	state := results[0].Providers[matching.ProviderWolt]
	if state.Status != StatusPending || state.URL != nil {
		t.Fatalf("expected pending placeholder, got %+v", state)
	}

	events := publisher.waitFor(t, 1)
	patch := events[0].Patch[matching.ProviderWolt]
	if events[0].RequestID != "req_1" || events[0].PlaceID != "place_1" {
		t.Fatalf("unexpected patch routing: %+v", events[0])
	}
	if patch.Status != StatusFound || patch.URL == nil || *patch.URL != pizzaHouseTelAviv {
		t.Fatalf("expected found patch for tel aviv url, got %+v", patch)
	}

	if !results[0].ApplyPatch(events[0]) {
		t.Fatalf("expected patch to change the pending result")
	}
	if got := results[0].Providers[matching.ProviderWolt]; got.Status != StatusFound {
		t.Fatalf("expected merged found state, got %+v", got)
	}

	entry, ok, err := backend.Get(context.Background(), CacheKey(matching.ProviderWolt, "place_1"))
	if err != nil || !ok {
		t.Fatalf("expected cache entry, ok=%v err=%v", ok, err)
	}
	if entry.Status != StatusFound || *entry.URL != pizzaHouseTelAviv {
		t.Fatalf("unexpected cache entry: %+v", entry)
	}
}

func TestEnrichSingleFlightAcrossConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	search := &fakeSearch{fn: func(ctx context.Context, _ string, _ int) ([]matching.Candidate, error) {
		<-release
		return nil, nil
	}}
	publisher := &recordingPublisher{}
	engine := newTestEngine(t, Options{Search: search, Publisher: publisher})

	const callers = 32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results := engine.Enrich(context.Background(), matching.ProviderWolt, pizzaHouse(), "req_concurrent", "Tel Aviv")
			if got := results[0].Providers[matching.ProviderWolt].Status; got != StatusPending {
				t.Errorf("expected pending for cold key, got %s", got)
			}
		}()
	}
	wg.Wait()

	stats := engine.Stats()
	if stats.Dispatched != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", stats.Dispatched)
	}
	if stats.LockContended != callers-1 {
		t.Fatalf("expected %d contended calls, got %d", callers-1, stats.LockContended)
	}
	close(release)

	publisher.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	if got := len(publisher.snapshot()); got != 1 {
		t.Fatalf("expected one patch, got %d", got)
	}
	if got := search.calls.Load(); got != 1 {
		t.Fatalf("expected one search call, got %d", got)
	}
}

func TestEnrichCacheShortCircuitsAfterTerminalWrite(t *testing.T) {
	search := pizzaHouseSearch()
	publisher := &recordingPublisher{}
	engine := newTestEngine(t, Options{Search: search, Publisher: publisher})

	engine.Enrich(context.Background(), matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
	publisher.waitFor(t, 1)

	for i := 0; i < 5; i++ {
		results := engine.Enrich(context.Background(), matching.ProviderWolt, pizzaHouse(), fmt.Sprintf("req_%d", i+2), "Tel Aviv")
		state := results[0].Providers[matching.ProviderWolt]
		if state.Status != StatusFound || state.URL == nil || *state.URL != pizzaHouseTelAviv {
			t.Fatalf("expected cached found state, got %+v", state)
		}
	}
	if got := engine.Stats().Dispatched; got != 1 {
		t.Fatalf("expected no extra dispatches after cache fill, got %d", got)
	}
	if got := search.calls.Load(); got != 1 {
		t.Fatalf("expected one search call, got %d", got)
	}
}

func TestEnrichCacheHitTakesNoLock(t *testing.T) {
	backend := NewMemoryBackend()
	err := backend.Set(context.Background(), CacheKey(matching.ProviderTenBis, "place_1"), CacheEntry{
		Status:    StatusNotFound,
		UpdatedAt: time.Now().Add(-time.Hour),
	}, time.Hour*24)
	if err != nil {
		t.Fatalf("seed cache failed: %v", err)
	}
	locks := &countingLocks{inner: backend}
	search := &fakeSearch{}
	engine := newTestEngine(t, Options{Cache: backend, Locks: locks, Search: search})

	results := engine.Enrich(context.Background(), matching.ProviderTenBis, pizzaHouse(), "req_1", "")
	state := results[0].Providers[matching.ProviderTenBis]
	if state.Status != StatusNotFound || state.URL != nil {
		t.Fatalf("expected cached not found, got %+v", state)
	}
	if got := locks.acquires.Load(); got != 0 {
		t.Fatalf("expected zero lock attempts, got %d", got)
	}
	if got := engine.Stats().Dispatched; got != 0 {
		t.Fatalf("expected zero dispatches, got %d", got)
	}
	if got := search.calls.Load(); got != 0 {
		t.Fatalf("expected zero search calls, got %d", got)
	}
}

func TestWorkerAlwaysWritesTerminalState(t *testing.T) {
	cases := []struct {
		name       string
		search     func(ctx context.Context, query string, limit int) ([]matching.Candidate, error)
		wantStatus Status
	}{
		{
			name: "match",
			search: func(context.Context, string, int) ([]matching.Candidate, error) {
				return []matching.Candidate{{URL: pizzaHouseTelAviv}}, nil
			},
			wantStatus: StatusFound,
		},
		{
			name: "no candidates",
			search: func(context.Context, string, int) ([]matching.Candidate, error) {
				return nil, nil
			},
			wantStatus: StatusNotFound,
		},
		{
			name: "malformed candidates",
			search: func(context.Context, string, int) ([]matching.Candidate, error) {
				return []matching.Candidate{{URL: "::not a url"}, {URL: "https://wolt.com/en/isr/tel-aviv/venue/pizza-house"}}, nil
			},
			wantStatus: StatusNotFound,
		},
		{
			name: "search error",
			search: func(context.Context, string, int) ([]matching.Candidate, error) {
				return nil, errors.New("upstream 503")
			},
			wantStatus: StatusNotFound,
		},
		{
			name: "timeout ignoring context",
			search: func(context.Context, string, int) ([]matching.Candidate, error) {
				time.Sleep(200 * time.Millisecond)
				return []matching.Candidate{{URL: pizzaHouseTelAviv}}, nil
			},
			wantStatus: StatusNotFound,
		},
		{
			name: "panic",
			search: func(context.Context, string, int) ([]matching.Candidate, error) {
				panic("adapter bug")
			},
			wantStatus: StatusNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := NewMemoryBackend()
			publisher := &recordingPublisher{}
			engine := newTestEngine(t, Options{
				Cache:         backend,
				Locks:         backend,
				Search:        &fakeSearch{fn: tc.search},
				Publisher:     publisher,
				WorkerTimeout: 50 * time.Millisecond,
			})

			engine.Enrich(context.Background(), matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
			events := publisher.waitFor(t, 1)
			if got := events[0].Patch[matching.ProviderWolt].Status; got != tc.wantStatus {
				t.Fatalf("expected patch status %s, got %s", tc.wantStatus, got)
			}

			entry, ok, err := backend.Get(context.Background(), CacheKey(matching.ProviderWolt, "place_1"))
			if err != nil || !ok {
				t.Fatalf("expected terminal cache entry, ok=%v err=%v", ok, err)
			}
			if entry.Status != tc.wantStatus {
				t.Fatalf("expected cached status %s, got %s", tc.wantStatus, entry.Status)
			}

			_, acquired, err := backend.TryAcquire(context.Background(), LockKey(matching.ProviderWolt, "place_1"), time.Second)
			if err != nil || !acquired {
				t.Fatalf("expected lock released after job, acquired=%v err=%v", acquired, err)
			}

			time.Sleep(20 * time.Millisecond)
			if got := len(publisher.snapshot()); got != 1 {
				t.Fatalf("expected exactly one patch, got %d", got)
			}
		})
	}
}

func TestWorkerUsesStatusDependentTTL(t *testing.T) {
	store := &ttlRecordingStore{MemoryBackend: NewMemoryBackend(), ttls: map[string]time.Duration{}}
	publisher := &recordingPublisher{}
	search := &fakeSearch{fn: func(_ context.Context, query string, _ int) ([]matching.Candidate, error) {
		return []matching.Candidate{{URL: pizzaHouseTelAviv}}, nil
	}}
	engine := newTestEngine(t, Options{
		Cache:       store,
		Locks:       store,
		Search:      search,
		Publisher:   publisher,
		FoundTTL:    2 * time.Hour,
		NotFoundTTL: 10 * time.Minute,
	})

	results := []Restaurant{
		{PlaceID: "place_found", Name: "Pizza House"},
		{PlaceID: "place_missing", Name: "Sushi Bar"},
	}
	engine.Enrich(context.Background(), matching.ProviderWolt, results, "req_1", "Tel Aviv")
	publisher.waitFor(t, 2)

	store.mu.Lock()
	foundTTL := store.ttls[CacheKey(matching.ProviderWolt, "place_found")]
	missingTTL := store.ttls[CacheKey(matching.ProviderWolt, "place_missing")]
	store.mu.Unlock()
	if foundTTL != 2*time.Hour {
		t.Fatalf("expected found ttl 2h, got %s", foundTTL)
	}
	if missingTTL != 10*time.Minute {
		t.Fatalf("expected not found ttl 10m, got %s", missingTTL)
	}

	foundAt, ok := store.ExpiresAt(CacheKey(matching.ProviderWolt, "place_found"))
	if !ok {
		t.Fatalf("expected found entry expiry")
	}
	missingAt, ok := store.ExpiresAt(CacheKey(matching.ProviderWolt, "place_missing"))
	if !ok {
		t.Fatalf("expected not found entry expiry")
	}
	if gap := foundAt.Sub(missingAt); gap < time.Hour+40*time.Minute || gap > time.Hour+55*time.Minute {
		t.Fatalf("expected expiries about 1h50m apart, got %s", gap)
	}
}

func TestEnrichLockErrorSkipsDispatch(t *testing.T) {
	backend := NewMemoryBackend()
	locks := &countingLocks{inner: backend, err: errors.New("redis: connection reset")}
	search := &fakeSearch{}
	engine := newTestEngine(t, Options{Cache: backend, Locks: locks, Search: search})

	results := engine.Enrich(context.Background(), matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
	if got := results[0].Providers[matching.ProviderWolt].Status; got != StatusPending {
		t.Fatalf("expected pending placeholder, got %s", got)
	}
	stats := engine.Stats()
	if stats.LockErrors != 1 || stats.Dispatched != 0 {
		t.Fatalf("expected one lock error and no dispatch, got %+v", stats)
	}
	if got := search.calls.Load(); got != 0 {
		t.Fatalf("expected no search call, got %d", got)
	}
}

func TestEnrichReleasesLockWhenDispatchRejected(t *testing.T) {
	backend := NewMemoryBackend()
	locks := &countingLocks{inner: backend}
	engine := newTestEngine(t, Options{Cache: backend, Locks: locks})
	if err := engine.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	results := engine.Enrich(context.Background(), matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
	if got := results[0].Providers[matching.ProviderWolt].Status; got != StatusPending {
		t.Fatalf("expected pending placeholder, got %s", got)
	}
	if got := engine.Stats().DispatchRejected; got != 1 {
		t.Fatalf("expected one rejected dispatch, got %d", got)
	}
	if got := locks.releases.Load(); got != 1 {
		t.Fatalf("expected lock release after rejection, got %d", got)
	}
	_, acquired, _ := backend.TryAcquire(context.Background(), LockKey(matching.ProviderWolt, "place_1"), time.Second)
	if !acquired {
		t.Fatalf("expected lock to be free for the next request")
	}
}

func TestEnrichSkipsDisabledProvider(t *testing.T) {
	search := &fakeSearch{}
	engine := newTestEngine(t, Options{Search: search, EnabledProviders: []ProviderID{matching.ProviderWolt}})

	results := engine.Enrich(context.Background(), matching.ProviderMishloha, pizzaHouse(), "req_1", "")
	if results[0].Providers != nil {
		t.Fatalf("expected untouched result, got %+v", results[0].Providers)
	}
	if engine.ProviderEnabled(matching.ProviderMishloha) {
		t.Fatalf("expected mishloha disabled")
	}
	if got := engine.EnabledProviders(); len(got) != 1 || got[0] != matching.ProviderWolt {
		t.Fatalf("expected only wolt enabled, got %v", got)
	}
}

func TestEnrichSkipsWhenCacheUnreachable(t *testing.T) {
	backend := NewMemoryBackend()
	locks := &countingLocks{inner: backend}
	engine := newTestEngine(t, Options{Cache: unreachableStore{}, Locks: locks})

	results := engine.Enrich(context.Background(), matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
	if results[0].Providers != nil {
		t.Fatalf("expected untouched result, got %+v", results[0].Providers)
	}
	if got := locks.acquires.Load(); got != 0 {
		t.Fatalf("expected no lock attempts, got %d", got)
	}
}

func TestEnrichRecoversFromPanicAndReturnsInput(t *testing.T) {
	backend := NewMemoryBackend()
	engine := newTestEngine(t, Options{Cache: panickingStore{backend}, Locks: backend})

	input := pizzaHouse()
	results := engine.Enrich(context.Background(), matching.ProviderWolt, input, "req_1", "Tel Aviv")
	if len(results) != 1 || results[0].PlaceID != "place_1" {
		t.Fatalf("expected input returned after panic, got %+v", results)
	}
}

func TestEnrichOnlyTopN(t *testing.T) {
	engine := newTestEngine(t, Options{TopN: 2, Search: &fakeSearch{}})
	results := []Restaurant{
		{PlaceID: "a", Name: "Alpha"},
		{PlaceID: "b", Name: "Bravo"},
		{PlaceID: "c", Name: "Charlie"},
	}
	results = engine.Enrich(context.Background(), matching.ProviderWolt, results, "req_1", "")
	if results[0].Providers == nil || results[1].Providers == nil {
		t.Fatalf("expected first two results enriched")
	}
	if results[2].Providers != nil {
		t.Fatalf("expected third result untouched, got %+v", results[2].Providers)
	}
}

func TestEnrichAllKeepsEveryProviderState(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	url := "https://www.10bis.co.il/next/restaurants/menu/delivery/123/pizza-house"
	_ = backend.Set(ctx, CacheKey(matching.ProviderTenBis, "place_1"), CacheEntry{Status: StatusFound, URL: &url}, time.Hour)
	_ = backend.Set(ctx, CacheKey(matching.ProviderMishloha, "place_1"), CacheEntry{Status: StatusNotFound}, time.Hour)
	_ = backend.Set(ctx, CacheKey(matching.ProviderWolt, "place_1"), CacheEntry{Status: StatusNotFound}, time.Hour)
	engine := newTestEngine(t, Options{Cache: backend, Locks: backend})

	results := engine.EnrichAll(ctx, pizzaHouse(), "req_1", "Tel Aviv")
	providers := results[0].Providers
	if len(providers) != 3 {
		t.Fatalf("expected three provider states, got %+v", providers)
	}
	if providers[matching.ProviderTenBis].Status != StatusFound || *providers[matching.ProviderTenBis].URL != url {
		t.Fatalf("unexpected tenbis state: %+v", providers[matching.ProviderTenBis])
	}
	if providers[matching.ProviderMishloha].Status != StatusNotFound {
		t.Fatalf("unexpected mishloha state: %+v", providers[matching.ProviderMishloha])
	}
}

func TestMergeProviderNeverDowngradesTerminalState(t *testing.T) {
	url := "https://wolt.com/en/isr/tel-aviv/restaurant/pizza-house"
	r := Restaurant{PlaceID: "place_1"}
	r.MergeProvider(matching.ProviderTenBis, ProviderState{Status: StatusNotFound})
	if !r.MergeProvider(matching.ProviderWolt, ProviderState{Status: StatusFound, URL: &url}) {
		t.Fatalf("expected first merge to change state")
	}
	if r.MergeProvider(matching.ProviderWolt, ProviderState{Status: StatusPending}) {
		t.Fatalf("expected pending not to replace found")
	}
	if r.MergeProvider(matching.ProviderWolt, ProviderState{Status: StatusFound, URL: &url}) {
		t.Fatalf("expected identical merge to be a no-op")
	}
	if len(r.Providers) != 2 || r.Providers[matching.ProviderTenBis].Status != StatusNotFound {
		t.Fatalf("expected other provider untouched, got %+v", r.Providers)
	}

	other := PatchEvent{PlaceID: "place_2", Patch: map[ProviderID]ProviderState{matching.ProviderTenBis: {Status: StatusFound}}}
	if r.ApplyPatch(other) {
		t.Fatalf("expected patch for another place to be ignored")
	}
}

func TestCacheClientRefusesPendingWrites(t *testing.T) {
	backend := NewMemoryBackend()
	client := cacheClient{store: backend, timeout: time.Second}
	if client.set(context.Background(), "k", CacheEntry{Status: StatusPending}, time.Minute) {
		t.Fatalf("expected pending write refused")
	}
	if _, ok, _ := backend.Get(context.Background(), "k"); ok {
		t.Fatalf("expected no entry stored")
	}
	_ = backend.Set(context.Background(), "k", CacheEntry{Status: StatusPending}, time.Minute)
	if _, ok := client.get(context.Background(), "k"); ok {
		t.Fatalf("expected pending entry read as miss")
	}
}

func TestDispatcherRejectsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	d := newDispatcher(1, 1, func(job) { <-release })

	if err := d.submit(job{placeID: "a"}); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && d.running.Load() != 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if d.running.Load() != 1 {
		t.Fatalf("expected one running job")
	}
	if err := d.submit(job{placeID: "b"}); err != nil {
		t.Fatalf("second submit should queue, got %v", err)
	}
	if err := d.submit(job{placeID: "c"}); !errors.Is(err, ErrDispatchUnavailable) {
		t.Fatalf("expected ErrDispatchUnavailable, got %v", err)
	}
	close(release)
	if err := d.close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := d.completed.Load(); got != 2 {
		t.Fatalf("expected two completed jobs, got %d", got)
	}
}

func TestNewEngineRejectsLockTTLShorterThanJob(t *testing.T) {
	backend := NewMemoryBackend()
	_, err := NewEngine(Options{
		Cache:         backend,
		Locks:         backend,
		Search:        &fakeSearch{},
		Publisher:     &recordingPublisher{},
		LockTTL:       10 * time.Second,
		WorkerTimeout: 8 * time.Second,
		StoreTimeout:  time.Second,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := ValidateLockTTL(12*time.Second, 8*time.Second, time.Second); err != nil {
		t.Fatalf("expected 12s lock ttl accepted, got %v", err)
	}
}

func TestQueuedJobDroppedWhenLockChangesHands(t *testing.T) {
	backend := NewMemoryBackend()
	search := &blockingSearch{release: make(chan struct{})}
	publisher := &recordingPublisher{}
	engine := newTestEngine(t, Options{Cache: backend, Locks: backend, Search: search, Publisher: publisher, MaxWorkers: 1})
	ctx := context.Background()

	engine.Enrich(ctx, matching.ProviderWolt, blocker(), "req_0", "Tel Aviv")
	waitUntil(t, "the only worker to be busy", func() bool { return search.blocked.Load() == 1 })

	engine.Enrich(ctx, matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
	// The queued job's lock expires and a later request takes the key.
	backend.locks.Delete(LockKey(matching.ProviderWolt, "place_1"))
	engine.Enrich(ctx, matching.ProviderWolt, pizzaHouse(), "req_2", "Tel Aviv")
	if got := engine.Stats().Dispatched; got != 3 {
		t.Fatalf("expected three dispatches, got %d", got)
	}

	close(search.release)
	waitUntil(t, "all jobs to finish", func() bool { return engine.Stats().Completed == 3 })

	if got := search.pizzaHits.Load(); got != 1 {
		t.Fatalf("expected one search for place_1, got %d", got)
	}
	if got := engine.Stats().Superseded; got != 1 {
		t.Fatalf("expected one superseded job, got %d", got)
	}
	var place1 []PatchEvent
	for _, event := range publisher.snapshot() {
		if event.PlaceID == "place_1" {
			place1 = append(place1, event)
		}
	}
	if len(place1) != 1 || place1[0].RequestID != "req_2" {
		t.Fatalf("expected a single place_1 patch for req_2, got %+v", place1)
	}
	if _, ok, _ := backend.TryAcquire(ctx, LockKey(matching.ProviderWolt, "place_1"), time.Second); !ok {
		t.Fatalf("expected lock free after the owning job")
	}
}

func TestQueuedJobRetakesExpiredLock(t *testing.T) {
	backend := NewMemoryBackend()
	locks := &countingLocks{inner: backend}
	search := &blockingSearch{release: make(chan struct{})}
	publisher := &recordingPublisher{}
	engine := newTestEngine(t, Options{Cache: backend, Locks: locks, Search: search, Publisher: publisher, MaxWorkers: 1})
	ctx := context.Background()

	engine.Enrich(ctx, matching.ProviderWolt, blocker(), "req_0", "Tel Aviv")
	waitUntil(t, "the only worker to be busy", func() bool { return search.blocked.Load() == 1 })
	engine.Enrich(ctx, matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
	backend.locks.Delete(LockKey(matching.ProviderWolt, "place_1"))

	close(search.release)
	waitUntil(t, "both jobs to finish", func() bool { return engine.Stats().Completed == 2 })

	if got := engine.Stats().Superseded; got != 0 {
		t.Fatalf("expected no superseded jobs, got %d", got)
	}
	if got := locks.renews.Load(); got != 2 {
		t.Fatalf("expected a renew per job, got %d", got)
	}
	entry, ok, _ := backend.Get(ctx, CacheKey(matching.ProviderWolt, "place_1"))
	if !ok || entry.Status != StatusFound {
		t.Fatalf("expected found entry for place_1, got %+v ok=%v", entry, ok)
	}
	if _, ok, _ := backend.TryAcquire(ctx, LockKey(matching.ProviderWolt, "place_1"), time.Second); !ok {
		t.Fatalf("expected re-taken lock released after the job")
	}
}

func TestWorkerHoldsSlotUntilSearchReturns(t *testing.T) {
	search := &blockingSearch{release: make(chan struct{})}
	publisher := &recordingPublisher{}
	engine := newTestEngine(t, Options{Search: search, Publisher: publisher, MaxWorkers: 1, WorkerTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	engine.Enrich(ctx, matching.ProviderWolt, blocker(), "req_0", "Tel Aviv")
	events := publisher.waitFor(t, 1)
	if got := events[0].Patch[matching.ProviderWolt].Status; got != StatusNotFound {
		t.Fatalf("expected timed out lookup recorded as not found, got %s", got)
	}
	if got := engine.Stats().WorkersRunning; got != 1 {
		t.Fatalf("expected the worker slot held by the running search, got %d", got)
	}

	engine.Enrich(ctx, matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
	time.Sleep(60 * time.Millisecond)
	if got := search.pizzaHits.Load(); got != 0 {
		t.Fatalf("expected no second search while the first is running, got %d", got)
	}

	close(search.release)
	events = publisher.waitFor(t, 2)
	if got := events[1].Patch[matching.ProviderWolt].Status; got != StatusFound {
		t.Fatalf("expected found patch once the slot freed, got %s", got)
	}
	if got := search.pizzaHits.Load(); got != 1 {
		t.Fatalf("expected one pizza search, got %d", got)
	}
}

func TestWorkerFinalizesDespitePanickingCollaborators(t *testing.T) {
	t.Run("cache write", func(t *testing.T) {
		backend := NewMemoryBackend()
		locks := &countingLocks{inner: backend}
		publisher := &recordingPublisher{}
		engine := newTestEngine(t, Options{Cache: panickingWriteStore{backend}, Locks: locks, Publisher: publisher})

		engine.Enrich(context.Background(), matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
		events := publisher.waitFor(t, 1)
		if got := events[0].Patch[matching.ProviderWolt].Status; got != StatusFound {
			t.Fatalf("expected found patch after panicking write, got %s", got)
		}
		waitUntil(t, "lock release", func() bool { return locks.releases.Load() == 1 })
	})

	t.Run("publish", func(t *testing.T) {
		backend := NewMemoryBackend()
		locks := &countingLocks{inner: backend}
		publisher := &panickingPublisher{}
		engine := newTestEngine(t, Options{Cache: backend, Locks: locks, Publisher: publisher, MaxWorkers: 1})
		ctx := context.Background()

		engine.Enrich(ctx, matching.ProviderWolt, pizzaHouse(), "req_1", "Tel Aviv")
		waitUntil(t, "lock release", func() bool { return locks.releases.Load() == 1 })
		if _, ok, _ := backend.Get(ctx, CacheKey(matching.ProviderWolt, "place_1")); !ok {
			t.Fatalf("expected terminal entry written before the panicking publish")
		}

		engine.Enrich(ctx, matching.ProviderWolt, []Restaurant{{PlaceID: "place_2", Name: "Pizza House"}}, "req_2", "Tel Aviv")
		waitUntil(t, "the worker to keep running jobs", func() bool { return publisher.calls.Load() == 2 })
		if got := engine.Stats().WorkerFailures; got < 2 {
			t.Fatalf("expected panics counted as worker failures, got %d", got)
		}
	})
}
