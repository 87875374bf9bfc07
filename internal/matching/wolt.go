package matching

import (
	"strings"
)

var woltHosts = []string{"wolt.com", "*.wolt.com"}

const woltVenueType = "restaurant"

const (
	woltNamePoints = 3
	woltCityPoints = 1
)

// woltStrategy handles URLs shaped /<lang>/<country>/<city>/<venue-type>/<slug>.
// The same chain often has venues in several cities, so a known city must
// match the URL's city segment.
type woltStrategy struct {
	cities *CityIndex
	limit  int
}

func newWoltStrategy(cities *CityIndex, limit int) *woltStrategy {
	return &woltStrategy{cities: cities, limit: limit}
}

func (*woltStrategy) Provider() ProviderID {
	return ProviderWolt
}

func (s *woltStrategy) Validate(rawURL string) bool {
	_, ok := woltPath(rawURL)
	return ok
}

func (*woltStrategy) SearchQuery(req Request) string {
	return searchQuery(req, "wolt.com")
}

type woltPage struct {
	location string
	slug     string
}

func woltPath(rawURL string) (woltPage, bool) {
	segments, ok := parseCandidateURL(rawURL, woltHosts)
	if !ok || len(segments) < 5 {
		return woltPage{}, false
	}
	if segments[3] != woltVenueType {
		return woltPage{}, false
	}
	return woltPage{location: segments[2], slug: segments[4]}, true
}

func (s *woltStrategy) Select(candidates []Candidate, req Request) (string, bool) {
	wanted := NameTokens(req.Name)
	if len(wanted) == 0 {
		return "", false
	}
	valid := topValid(candidates, s.Validate, s.limit)
	if len(valid) == 0 {
		return "", false
	}

	allowed := s.cities.Slugs(req.CityHint)
	if len(allowed) > 0 {
		for _, candidate := range valid {
			page, _ := woltPath(candidate.URL)
			if !containsString(allowed, page.location) {
				continue
			}
			if TokensOverlap(wanted, candidateTokens(candidate, page.slug)) {
				return candidate.URL, true
			}
		}
		return "", false
	}

	addressTokens := NameTokens(req.Address)
	bestURL := ""
	bestScore := 0
	for _, candidate := range valid {
		page, _ := woltPath(candidate.URL)
		if !TokensOverlap(wanted, candidateTokens(candidate, page.slug)) {
			continue
		}
		score := woltNamePoints
		if locationMatches(addressTokens, page.location) {
			score += woltCityPoints
		}
		if score > bestScore {
			bestScore = score
			bestURL = candidate.URL
		}
	}
	return bestURL, bestScore > 0
}

func locationMatches(addressTokens []string, location string) bool {
	if len(addressTokens) == 0 || location == "" {
		return false
	}
	slug := Slugify(location)
	for _, token := range addressTokens {
		if token == slug || containsString(strings.Split(slug, "-"), token) {
			return true
		}
	}
	return false
}

func candidateTokens(candidate Candidate, slug string) []string {
	tokens := NameTokens(strings.ReplaceAll(slug, "-", " "))
	return append(tokens, NameTokens(candidate.Title)...)
}

func containsString(values []string, needle string) bool {
	for _, value := range values {
		if value == needle {
			return true
		}
	}
	return false
}
