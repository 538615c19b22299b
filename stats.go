package cachehtml

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Stats holds the counters of the cache html flow.
type Stats struct {
	hits                 metric.Int64Counter
	misses               metric.Int64Counter
	matches              metric.Int64Counter
	mismatches           metric.Int64Counter
	mismatchCacheDeletes metric.Int64Counter
	smartDiffMatches     metric.Int64Counter
	smartDiffMismatches  metric.Int64Counter
}

// NewStats creates the counters on meter.
func NewStats(meter metric.Meter) (*Stats, error) {
	var s Stats
	counters := []struct {
		counter     *metric.Int64Counter
		name        string
		description string
	}{
		{&s.hits, "num_cache_html_hits", "Requests served from a cached render"},
		{&s.misses, "num_cache_html_misses", "Requests passed through for lack of a cached render"},
		{&s.matches, "num_cache_html_matches", "Background fetches whose content hash matched the cached render"},
		{&s.mismatches, "num_cache_html_mismatches", "Background fetches whose content hash differed from the cached render"},
		{&s.mismatchCacheDeletes, "num_cache_html_mismatch_cache_deletes", "Cached renders deleted after a mismatch"},
		{&s.smartDiffMatches, "num_cache_html_smart_diff_matches", "Background fetches whose smart diff hash matched the cached render"},
		{&s.smartDiffMismatches, "num_cache_html_smart_diff_mismatches", "Background fetches whose smart diff hash differed from the cached render"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, err
		}
		*c.counter = counter
	}
	return &s, nil
}

func (s *Stats) inc(ctx context.Context, counter metric.Int64Counter) {
	counter.Add(ctx, 1)
}
