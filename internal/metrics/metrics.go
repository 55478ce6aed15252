package metrics

import (
	"sync"
	"time"
)

type Metrics struct {
	mu sync.RWMutex

	// Discovery
	SearchTasksCompleted int64
	SearchTasksFailed    int64
	FeedEntriesFetched   int64
	RetriesScheduled     int64
	RateLimitedResponses int64

	// Anonymity
	IdentityRotations int64
	RotationFailures  int64
	RotationsSkipped  int64

	// Filter
	ArticlesAccepted   int64
	DuplicatesFiltered int64
	OutOfWindow        int64

	// Retrieval
	LinksResolved      int64
	LinkResolveErrors  int64
	ArticlesExtracted  int64
	ExtractionFailures int64
	PaywallsDetected   int64
	HeaderFallbacks    int64

	// Timings
	LastProcessingTime    time.Duration
	AverageProcessingTime time.Duration
	TotalProcessingTime   time.Duration
	ProcessingCount       int64

	// Status
	LastRunTime   time.Time
	LastErrorTime time.Time
	LastError     string
	IsHealthy     bool
}

var Global = &Metrics{IsHealthy: true}

func (m *Metrics) add(field *int64, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field += n
}

func (m *Metrics) IncrementSearchCompleted() { m.add(&m.SearchTasksCompleted, 1) }
func (m *Metrics) IncrementSearchFailed() { m.add(&m.SearchTasksFailed, 1) }
func (m *Metrics) AddFeedEntries(n int) { m.add(&m.FeedEntriesFetched, int64(n)) }
func (m *Metrics) IncrementRetries() { m.add(&m.RetriesScheduled, 1) }
func (m *Metrics) IncrementRateLimited() { m.add(&m.RateLimitedResponses, 1) }
func (m *Metrics) IncrementRotations() { m.add(&m.IdentityRotations, 1) }
func (m *Metrics) IncrementRotationFailures() { m.add(&m.RotationFailures, 1) }
func (m *Metrics) IncrementRotationsSkipped() { m.add(&m.RotationsSkipped, 1) }
func (m *Metrics) AddArticlesAccepted(n int) { m.add(&m.ArticlesAccepted, int64(n)) }
func (m *Metrics) IncrementDuplicatesFiltered() { m.add(&m.DuplicatesFiltered, 1) }
func (m *Metrics) AddOutOfWindow(n int) { m.add(&m.OutOfWindow, int64(n)) }
func (m *Metrics) IncrementLinksResolved() { m.add(&m.LinksResolved, 1) }
func (m *Metrics) IncrementLinkResolveErrors() { m.add(&m.LinkResolveErrors, 1) }
func (m *Metrics) IncrementArticlesExtracted() { m.add(&m.ArticlesExtracted, 1) }
func (m *Metrics) IncrementExtractionFailures() { m.add(&m.ExtractionFailures, 1) }
func (m *Metrics) IncrementPaywallsDetected() { m.add(&m.PaywallsDetected, 1) }
func (m *Metrics) IncrementHeaderFallbacks() { m.add(&m.HeaderFallbacks, 1) }

func (m *Metrics) RecordProcessingTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LastProcessingTime = duration
	m.TotalProcessingTime += duration
	m.ProcessingCount++

	if m.ProcessingCount > 0 {
		m.AverageProcessingTime = m.TotalProcessingTime / time.Duration(m.ProcessingCount)
	}
}

func (m *Metrics) SetLastRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastRunTime = time.Now()
	m.IsHealthy = true
}

func (m *Metrics) SetError(err string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastError = err
	m.LastErrorTime = time.Now()
	m.IsHealthy = false
}

func (m *Metrics) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.IsHealthy
}

func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"search_tasks_completed":     m.SearchTasksCompleted,
		"search_tasks_failed":        m.SearchTasksFailed,
		"feed_entries_fetched":       m.FeedEntriesFetched,
		"retries_scheduled":          m.RetriesScheduled,
		"rate_limited_responses":     m.RateLimitedResponses,
		"identity_rotations":         m.IdentityRotations,
		"rotation_failures":          m.RotationFailures,
		"rotations_skipped":          m.RotationsSkipped,
		"articles_accepted":          m.ArticlesAccepted,
		"duplicates_filtered":        m.DuplicatesFiltered,
		"out_of_window":              m.OutOfWindow,
		"links_resolved":             m.LinksResolved,
		"link_resolve_errors":        m.LinkResolveErrors,
		"articles_extracted":         m.ArticlesExtracted,
		"extraction_failures":        m.ExtractionFailures,
		"paywalls_detected":          m.PaywallsDetected,
		"header_fallbacks":           m.HeaderFallbacks,
		"last_processing_time_ms":    m.LastProcessingTime.Milliseconds(),
		"average_processing_time_ms": m.AverageProcessingTime.Milliseconds(),
		"last_run_time":              m.LastRunTime.Format(time.RFC3339),
		"last_error_time":            m.LastErrorTime.Format(time.RFC3339),
		"last_error":                 m.LastError,
		"is_healthy":                 m.IsHealthy,
	}
}
