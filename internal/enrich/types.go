package enrich

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/deeplinks/internal/matching"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrDispatchUnavailable = errors.New("dispatch unavailable")
	ErrWorkerTimeout       = errors.New("worker timeout")
	ErrWorkerPanic         = errors.New("worker panic")
)

type ProviderID = matching.ProviderID

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusFound    Status = "FOUND"
	StatusNotFound Status = "NOT_FOUND"
)

// Terminal reports whether s may be persisted.
func (s Status) Terminal() bool {
	return s == StatusFound || s == StatusNotFound
}

type CacheEntry struct {
	URL       *string   `json:"url"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (e CacheEntry) State() ProviderState {
	return ProviderState{Status: e.Status, URL: copyURL(e.URL)}
}

type ProviderState struct {
	Status Status  `json:"status"`
	URL    *string `json:"url"`
}

type Restaurant struct {
	PlaceID   string                       `json:"placeId"`
	Name      string                       `json:"name"`
	Address   string                       `json:"address,omitempty"`
	Providers map[ProviderID]ProviderState `json:"providers,omitempty"`
}

// MergeProvider attaches state for one provider without touching the others.
// A terminal state is never replaced by PENDING. It reports whether the
// stored state changed.
func (r *Restaurant) MergeProvider(provider ProviderID, state ProviderState) bool {
	if r == nil || provider == "" {
		return false
	}
	if r.Providers == nil {
		r.Providers = map[ProviderID]ProviderState{}
	}
	current, exists := r.Providers[provider]
	if exists && current.Status.Terminal() && !state.Status.Terminal() {
		return false
	}
	if exists && current.Status == state.Status && sameURL(current.URL, state.URL) {
		return false
	}
	r.Providers[provider] = ProviderState{Status: state.Status, URL: copyURL(state.URL)}
	return true
}

// ApplyPatch merges every provider state carried by event. Re-applying the
// same or an older patch is harmless.
func (r *Restaurant) ApplyPatch(event PatchEvent) bool {
	if r == nil || event.PlaceID != r.PlaceID {
		return false
	}
	changed := false
	for provider, state := range event.Patch {
		if r.MergeProvider(provider, state) {
			changed = true
		}
	}
	return changed
}

type PatchEvent struct {
	RequestID string                       `json:"requestId"`
	PlaceID   string                       `json:"placeId"`
	Patch     map[ProviderID]ProviderState `json:"patch"`
}

// Publisher delivers patch events to whoever subscribed to
// (channel, requestID).
type Publisher interface {
	Publish(ctx context.Context, channel, requestID string, event PatchEvent) error
}

// SearchAdapter runs one web search. Implementations must return once ctx is
// done; a worker keeps its slot until Search returns.
type SearchAdapter interface {
	Search(ctx context.Context, query string, limit int) ([]matching.Candidate, error)
}

const keyPrefix = "deeplinks:v1:"

func CacheKey(provider ProviderID, placeID string) string {
	return keyPrefix + string(provider) + ":" + strings.TrimSpace(placeID)
}

func LockKey(provider ProviderID, placeID string) string {
	return keyPrefix + "lock:" + string(provider) + ":" + strings.TrimSpace(placeID)
}

func stringPtr(s string) *string {
	return &s
}

func copyURL(u *string) *string {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

func sameURL(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
