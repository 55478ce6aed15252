package news

import (
	"log/slog"
	"time"

	"github.com/deusflow/harvester/internal/metrics"
)

// Stats are the filter's final counters. They are for observability only.
type Stats struct {
	Accepted         int
	SkippedWindow    int
	SkippedDuplicate int
	SkippedUndated   int
}

type titleKey struct {
	title  string
	source string
}

// Filter accepts feed entries in first-seen order, rejecting entries outside
// the time window and duplicates by link or by normalized title and source.
// A Filter is not safe for concurrent use.
type Filter struct {
	from, to time.Time
	max      int

	seenLinks  map[string]struct{}
	seenTitles map[titleKey]struct{}
	records    []*ArticleRecord
	stats      Stats
}

// NewFilter builds a filter keeping entries published within
// [now-(days+1)d, now+1d] and stopping after max accepted records.
func NewFilter(days, max int, now time.Time) *Filter {
	const day = 24 * time.Hour
	return &Filter{
		from:       now.Add(-time.Duration(days+1) * day),
		to:         now.Add(day),
		max:        max,
		seenLinks:  make(map[string]struct{}),
		seenTitles: make(map[titleKey]struct{}),
	}
}

// Full reports whether the configured maximum has been reached.
func (f *Filter) Full() bool {
	return f.max > 0 && len(f.records) >= f.max
}

// Add offers one entry to the filter and reports whether it was accepted.
func (f *Filter) Add(e FeedEntry) bool {
	if f.Full() {
		return false
	}

	published, ok := e.PublishedTime()
	if !ok {
		f.stats.SkippedUndated++
		return false
	}
	if published.Before(f.from) || published.After(f.to) {
		f.stats.SkippedWindow++
		return false
	}

	tk := titleKey{title: NormalizeTitle(e.Title), source: e.SourceName}
	if _, dup := f.seenLinks[e.Link]; dup && e.Link != "" {
		f.stats.SkippedDuplicate++
		metrics.Global.IncrementDuplicatesFiltered()
		return false
	}
	if _, dup := f.seenTitles[tk]; dup && tk.title != "" {
		f.stats.SkippedDuplicate++
		metrics.Global.IncrementDuplicatesFiltered()
		return false
	}

	if e.Link != "" {
		f.seenLinks[e.Link] = struct{}{}
	}
	if tk.title != "" {
		f.seenTitles[tk] = struct{}{}
	}

	source := e.SourceName
	if source == "" {
		source = "Unknown"
	}
	f.records = append(f.records, &ArticleRecord{
		Title:       e.Title,
		Source:      source,
		Link:        e.Link,
		PublishedAt: published,
		Description: CleanDescription(e.SummaryHTML),
	})
	f.stats.Accepted++
	return true
}

// Records returns the accepted records in first-seen order.
func (f *Filter) Records() []*ArticleRecord {
	return f.records
}

// Stats returns the counters collected so far.
func (f *Filter) Stats() Stats {
	return f.stats
}

// FilterEntries runs a fresh Filter over entries and stops early once max
// records are accepted.
func FilterEntries(entries []FeedEntry, days, max int, now time.Time) ([]*ArticleRecord, Stats) {
	f := NewFilter(days, max, now)
	for _, e := range entries {
		if f.Full() {
			break
		}
		f.Add(e)
	}
	st := f.Stats()
	slog.Info("filter finished",
		"accepted", st.Accepted,
		"skipped_window", st.SkippedWindow,
		"skipped_duplicate", st.SkippedDuplicate,
		"skipped_undated", st.SkippedUndated,
	)
	return f.Records(), st
}
