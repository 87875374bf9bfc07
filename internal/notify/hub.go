package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/deeplinks/internal/enrich"
)

var ErrInvalidSubscription = errors.New("channel and request id are required")

const (
	DefaultBacklogTTL       = 60 * time.Second
	DefaultBacklogMax       = 64
	DefaultSubscriberBuffer = 16
)

type HubOptions struct {
	BacklogTTL       time.Duration
	BacklogMax       int
	SubscriberBuffer int
	Logger           *zerolog.Logger
	Now              func() time.Time
}

type backlogEntry struct {
	items     []enrich.PatchEvent
	expiresAt time.Time
}

// Hub routes patch events to subscribers of (channel, requestID). Events for
// a key nobody is subscribed to wait in a backlog until the first subscriber
// arrives or the backlog expires.
type Hub struct {
	backlogTTL time.Duration
	backlogMax int
	buffer     int
	logger     zerolog.Logger
	now        func() time.Time

	mu          sync.Mutex
	subscribers map[string]map[*Subscription]struct{}
	backlog     map[string]*backlogEntry

	published  atomic.Uint64
	delivered  atomic.Uint64
	backlogged atomic.Uint64
	replayed   atomic.Uint64
	dropped    atomic.Uint64
	expired    atomic.Uint64
}

type HubStats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Backlogged  uint64 `json:"backlogged"`
	Replayed    uint64 `json:"replayed"`
	Dropped     uint64 `json:"dropped"`
	Expired     uint64 `json:"expired"`
	Subscribers int    `json:"subscribers"`
	BacklogKeys int    `json:"backlogKeys"`
}

func NewHub(opts HubOptions) *Hub {
	backlogTTL := opts.BacklogTTL
	if backlogTTL <= 0 {
		backlogTTL = DefaultBacklogTTL
	}
	backlogMax := opts.BacklogMax
	if backlogMax <= 0 {
		backlogMax = DefaultBacklogMax
	}
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Hub{
		backlogTTL:  backlogTTL,
		backlogMax:  backlogMax,
		buffer:      buffer,
		logger:      logger,
		now:         now,
		subscribers: map[string]map[*Subscription]struct{}{},
		backlog:     map[string]*backlogEntry{},
	}
}

func subscriptionKey(channel, requestID string) string {
	return strings.TrimSpace(channel) + "\x00" + strings.TrimSpace(requestID)
}

// Publish delivers event to every live subscriber of (channel, requestID) or,
// with none attached, appends it to the key's backlog. Each append pushes the
// backlog expiry out by the backlog TTL.
func (h *Hub) Publish(_ context.Context, channel, requestID string, event enrich.PatchEvent) error {
	if strings.TrimSpace(channel) == "" || strings.TrimSpace(requestID) == "" {
		return ErrInvalidSubscription
	}
	key := subscriptionKey(channel, requestID)
	now := h.now()
	h.published.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()

	if subs := h.subscribers[key]; len(subs) > 0 {
		for sub := range subs {
			select {
			case sub.events <- event:
				h.delivered.Add(1)
			default:
				h.dropped.Add(1)
				h.logger.Warn().
					Str("channel", channel).
					Str("request_id", requestID).
					Str("place_id", event.PlaceID).
					Msg("subscriber buffer full, dropping patch")
			}
		}
		return nil
	}

	entry := h.backlog[key]
	if entry == nil || !now.Before(entry.expiresAt) {
		entry = &backlogEntry{}
		h.backlog[key] = entry
	}
	entry.items = append(entry.items, event)
	if overflow := len(entry.items) - h.backlogMax; overflow > 0 {
		entry.items = append([]enrich.PatchEvent(nil), entry.items[overflow:]...)
		h.dropped.Add(uint64(overflow))
	}
	entry.expiresAt = now.Add(h.backlogTTL)
	h.backlogged.Add(1)
	return nil
}

// Subscribe attaches a subscriber to (channel, requestID). A backlog that has
// not expired is replayed into the subscription first and then discarded.
func (h *Hub) Subscribe(channel, requestID string) (*Subscription, error) {
	if strings.TrimSpace(channel) == "" || strings.TrimSpace(requestID) == "" {
		return nil, ErrInvalidSubscription
	}
	key := subscriptionKey(channel, requestID)
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	var pending []enrich.PatchEvent
	if entry, ok := h.backlog[key]; ok {
		delete(h.backlog, key)
		if now.Before(entry.expiresAt) {
			pending = entry.items
		} else {
			h.expired.Add(uint64(len(entry.items)))
		}
	}
	size := h.buffer
	if len(pending) > size {
		size = len(pending)
	}
	sub := &Subscription{
		hub:       h,
		key:       key,
		Channel:   strings.TrimSpace(channel),
		RequestID: strings.TrimSpace(requestID),
		events:    make(chan enrich.PatchEvent, size),
	}
	for _, event := range pending {
		sub.events <- event
	}
	h.replayed.Add(uint64(len(pending)))

	subs := h.subscribers[key]
	if subs == nil {
		subs = map[*Subscription]struct{}{}
		h.subscribers[key] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[sub.key]; ok {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			close(sub.events)
		}
		if len(subs) == 0 {
			delete(h.subscribers, sub.key)
		}
	}
}

// PurgeExpired drops expired backlogs and returns how many events they held.
func (h *Hub) PurgeExpired() int {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for key, entry := range h.backlog {
		if !now.Before(entry.expiresAt) {
			removed += len(entry.items)
			delete(h.backlog, key)
		}
	}
	h.expired.Add(uint64(removed))
	return removed
}

// Run purges expired backlogs every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = h.backlogTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := h.PurgeExpired(); removed > 0 {
				h.logger.Debug().Int("events", removed).Msg("expired patch backlog purged")
			}
		}
	}
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	subscribers := 0
	for _, subs := range h.subscribers {
		subscribers += len(subs)
	}
	backlogKeys := len(h.backlog)
	h.mu.Unlock()
	return HubStats{
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Backlogged:  h.backlogged.Load(),
		Replayed:    h.replayed.Load(),
		Dropped:     h.dropped.Load(),
		Expired:     h.expired.Load(),
		Subscribers: subscribers,
		BacklogKeys: backlogKeys,
	}
}

type Subscription struct {
	Channel   string
	RequestID string

	hub       *Hub
	key       string
	events    chan enrich.PatchEvent
	closeOnce sync.Once
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan enrich.PatchEvent {
	return s.events
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.unsubscribe(s)
	})
}
