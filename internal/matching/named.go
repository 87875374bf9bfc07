package matching

// namedStrategy accepts any validated candidate whose title or slug shares a
// significant token with the requested name. It has no location constraint.
type namedStrategy struct {
	id         ProviderID
	hosts      []string
	searchHost string
	// every marker in requireAll must appear as a path segment
	requireAll []string
	// at least one marker in requireAny must appear, when set
	requireAny []string
	limit      int
}

func newTenBisStrategy(limit int) *namedStrategy {
	return &namedStrategy{
		id:         ProviderTenBis,
		hosts:      []string{"10bis.co.il", "*.10bis.co.il"},
		searchHost: "10bis.co.il",
		requireAll: []string{"restaurants", "menu"},
		limit:      limit,
	}
}

func newMishlohaStrategy(limit int) *namedStrategy {
	return &namedStrategy{
		id:         ProviderMishloha,
		hosts:      []string{"mishloha.co.il", "*.mishloha.co.il"},
		searchHost: "mishloha.co.il",
		requireAny: []string{"r", "restaurant"},
		limit:      limit,
	}
}

func (s *namedStrategy) Provider() ProviderID {
	return s.id
}

func (s *namedStrategy) Validate(rawURL string) bool {
	_, ok := s.slug(rawURL)
	return ok
}

func (s *namedStrategy) SearchQuery(req Request) string {
	return searchQuery(req, s.searchHost)
}

// slug returns the last path segment of a valid page URL.
func (s *namedStrategy) slug(rawURL string) (string, bool) {
	segments, ok := parseCandidateURL(rawURL, s.hosts)
	if !ok || len(segments) == 0 {
		return "", false
	}
	for _, marker := range s.requireAll {
		if !containsString(segments, marker) {
			return "", false
		}
	}
	if len(s.requireAny) > 0 {
		found := false
		for _, marker := range s.requireAny {
			if containsString(segments, marker) {
				found = true
				break
			}
		}
		if !found {
			return "", false
		}
	}
	last := segments[len(segments)-1]
	if containsString(s.requireAll, last) || containsString(s.requireAny, last) {
		return "", false
	}
	return last, true
}

func (s *namedStrategy) Select(candidates []Candidate, req Request) (string, bool) {
	wanted := NameTokens(req.Name)
	if len(wanted) == 0 {
		return "", false
	}
	for _, candidate := range topValid(candidates, s.Validate, s.limit) {
		slug, _ := s.slug(candidate.URL)
		if TokensOverlap(wanted, candidateTokens(candidate, slug)) {
			return candidate.URL, true
		}
	}
	return "", false
}
