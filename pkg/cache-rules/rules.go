// Package cacherules selects per-path cache settings for the cached render
// records.
package cacherules

import (
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

type Rule struct {
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Query  map[string]string `yaml:"query"`
	// CacheTime overrides the configured freshness window of matching pages.
	CacheTime time.Duration `yaml:"cacheTime"`
	// Disable turns off the cache html flow for matching pages; they are
	// passed through to the origin untouched.
	Disable bool `yaml:"disable"`
}

// CacheTimeFor returns the freshness window for u: that of the first
// matching rule with a cache time, or def.
func (r Rules) CacheTimeFor(u *url.URL, def time.Duration) time.Duration {
	if rule := r.find(u); rule != nil && rule.CacheTime > 0 {
		return rule.CacheTime
	}
	return def
}

// Disabled reports whether the first matching rule disables the flow for u.
func (r Rules) Disabled(u *url.URL) bool {
	rule := r.find(u)
	return rule != nil && rule.Disable
}

func (r Rules) find(u *url.URL) *Rule {
	log.Trace().Msgf("Finding rule for %s", u.Path)
rulesLoop:
	for _, rule := range r {
		if rule.Path != "" && rule.Path != u.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(u.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := u.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
