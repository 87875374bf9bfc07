package matching

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrUnknownProvider = errors.New("unknown provider")

type ProviderID string

const (
	ProviderWolt     ProviderID = "wolt"
	ProviderTenBis   ProviderID = "tenbis"
	ProviderMishloha ProviderID = "mishloha"
)

const DefaultCandidateLimit = 5

// KnownProviders lists every provider that has a strategy, in a stable order.
func KnownProviders() []ProviderID {
	return []ProviderID{ProviderWolt, ProviderTenBis, ProviderMishloha}
}

func ParseProviderID(raw string) (ProviderID, error) {
	id := ProviderID(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range KnownProviders() {
		if id == known {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
}

type Candidate struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Request describes the restaurant a strategy is looking for.
type Request struct {
	Name     string
	Address  string
	CityHint string
}

type Strategy interface {
	Provider() ProviderID
	// Validate reports whether rawURL is a restaurant page on the provider.
	Validate(rawURL string) bool
	// SearchQuery builds the web search query used to find candidates.
	SearchQuery(req Request) string
	// Select picks the candidate naming the requested restaurant, if any.
	Select(candidates []Candidate, req Request) (string, bool)
}

type Table map[ProviderID]Strategy

// NewTable wires one strategy per known provider. limit caps how many
// validated candidates each strategy looks at.
func NewTable(cities *CityIndex, limit int) Table {
	if cities == nil {
		cities = NewCityIndex()
	}
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	return Table{
		ProviderWolt:     newWoltStrategy(cities, limit),
		ProviderTenBis:   newTenBisStrategy(limit),
		ProviderMishloha: newMishlohaStrategy(limit),
	}
}

func (t Table) Lookup(id ProviderID) (Strategy, error) {
	strategy, ok := t[id]
	if !ok || strategy == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return strategy, nil
}

// hostAllowed matches host against exact names and "*.domain" patterns.
// A wildcard also admits the bare domain.
func hostAllowed(host string, patterns []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, pattern := range patterns {
		if domain, ok := strings.CutPrefix(pattern, "*."); ok {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// parseCandidateURL parses an absolute http(s) URL on an allowed host and
// returns its non-empty, lowercased path segments.
func parseCandidateURL(rawURL string, hosts []string) ([]string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, false
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, false
	}
	if !hostAllowed(parsed.Hostname(), hosts) {
		return nil, false
	}
	var segments []string
	for _, segment := range strings.Split(parsed.Path, "/") {
		segment = strings.ToLower(strings.TrimSpace(segment))
		if segment == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(segment); err == nil {
			segment = unescaped
		}
		segments = append(segments, segment)
	}
	return segments, true
}

// topValid keeps the first limit candidates that pass validate, skipping
// duplicates.
func topValid(candidates []Candidate, validate func(string) bool, limit int) []Candidate {
	out := make([]Candidate, 0, limit)
	seen := map[string]struct{}{}
	for _, candidate := range candidates {
		if len(out) >= limit {
			break
		}
		key := strings.TrimSpace(candidate.URL)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if !validate(key) {
			continue
		}
		seen[key] = struct{}{}
		candidate.URL = key
		out = append(out, candidate)
	}
	return out
}

func searchQuery(req Request, host string) string {
	parts := make([]string, 0, 3)
	if name := strings.TrimSpace(req.Name); name != "" {
		parts = append(parts, name)
	}
	if city := strings.TrimSpace(req.CityHint); city != "" {
		parts = append(parts, city)
	}
	parts = append(parts, "site:"+host)
	return strings.Join(parts, " ")
}
