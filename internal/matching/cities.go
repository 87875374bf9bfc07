package matching

import (
	"sort"
	"sync"
)

// Location segments a provider may use for a city, keyed by cityKey.
var defaultCitySlugs = map[string][]string{
	"tel aviv":       {"tel-aviv", "tel-aviv-yafo"},
	"tel aviv yafo":  {"tel-aviv", "tel-aviv-yafo"},
	"tel aviv jaffa": {"tel-aviv", "tel-aviv-yafo"},
	"jaffa":          {"tel-aviv", "tel-aviv-yafo", "jaffa"},
	"yafo":           {"tel-aviv", "tel-aviv-yafo", "jaffa"},
	"jerusalem":      {"jerusalem"},
	"haifa":          {"haifa"},
	"herzliya":       {"herzliya", "herzliya-pituah"},
	"ramat gan":      {"ramat-gan"},
	"givatayim":      {"givatayim"},
	"bnei brak":      {"bnei-brak"},
	"holon":          {"holon"},
	"bat yam":        {"bat-yam"},
	"petah tikva":    {"petah-tikva", "petach-tikva"},
	"petach tikva":   {"petah-tikva", "petach-tikva"},
	"rishon lezion":  {"rishon-lezion", "rishon-letsiyon"},
	"netanya":        {"netanya"},
	"raanana":        {"raanana"},
	"kfar saba":      {"kfar-saba"},
	"hod hasharon":   {"hod-hasharon"},
	"modiin":         {"modiin"},
	"rehovot":        {"rehovot"},
	"ashdod":         {"ashdod"},
	"beer sheva":     {"beer-sheva", "beersheba"},
	"eilat":          {"eilat"},
	"תל אביב":        {"tel-aviv", "tel-aviv-yafo"},
	"תל אביב יפו":    {"tel-aviv", "tel-aviv-yafo"},
	"ירושלים":        {"jerusalem"},
	"חיפה":           {"haifa"},
	"הרצליה":         {"herzliya", "herzliya-pituah"},
	"רמת גן":         {"ramat-gan"},
	"באר שבע":        {"beer-sheva", "beersheba"},
	"sofia":          {"sofia"},
	"athens":         {"athens"},
	"berlin":         {"berlin"},
	"prague":         {"prague", "praha"},
	"warsaw":         {"warsaw", "warszawa"},
	"budapest":       {"budapest"},
	"nicosia":        {"nicosia"},
	"limassol":       {"limassol"},
}

// CityIndex maps a free-form city name to the location slugs a provider URL
// may carry for it. Safe for concurrent use; overrides can be swapped in at
// runtime.
type CityIndex struct {
	mu    sync.RWMutex
	slugs map[string][]string
}

func NewCityIndex() *CityIndex {
	idx := &CityIndex{}
	idx.Replace(nil)
	return idx
}

// Replace resets the index to the built-in table plus overrides. Override
// keys are normalized the same way lookups are.
func (c *CityIndex) Replace(overrides map[string][]string) {
	next := make(map[string][]string, len(defaultCitySlugs)+len(overrides))
	for city, slugs := range defaultCitySlugs {
		next[city] = append([]string(nil), slugs...)
	}
	for city, slugs := range overrides {
		key := cityKey(city)
		if key == "" {
			continue
		}
		normalized := make([]string, 0, len(slugs))
		for _, slug := range slugs {
			if s := Slugify(slug); s != "" {
				normalized = append(normalized, s)
			}
		}
		if len(normalized) == 0 {
			continue
		}
		next[key] = normalized
	}
	c.mu.Lock()
	c.slugs = next
	c.mu.Unlock()
}

// Slugs returns the allowed location slugs for city. Unknown cities fall
// back to their slugified form; an empty city yields nil.
func (c *CityIndex) Slugs(city string) []string {
	key := cityKey(city)
	if key == "" {
		return nil
	}
	c.mu.RLock()
	slugs, ok := c.slugs[key]
	c.mu.RUnlock()
	if ok {
		return append([]string(nil), slugs...)
	}
	return []string{Slugify(city)}
}

func (c *CityIndex) Cities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.slugs))
	for city := range c.slugs {
		out = append(out, city)
	}
	sort.Strings(out)
	return out
}
