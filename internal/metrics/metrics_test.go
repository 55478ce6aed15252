package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestCountersAreConcurrencySafe(t *testing.T) {
	m := &Metrics{IsHealthy: true}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementSearchCompleted()
			m.AddFeedEntries(2)
			m.IncrementPaywallsDetected()
		}()
	}
	wg.Wait()

	stats := m.GetStats()
	if stats["search_tasks_completed"] != int64(50) {
		t.Errorf("search_tasks_completed = %v", stats["search_tasks_completed"])
	}
	if stats["feed_entries_fetched"] != int64(100) {
		t.Errorf("feed_entries_fetched = %v", stats["feed_entries_fetched"])
	}
	if stats["paywalls_detected"] != int64(50) {
		t.Errorf("paywalls_detected = %v", stats["paywalls_detected"])
	}
}

func TestProcessingTimeAverage(t *testing.T) {
	m := &Metrics{}
	m.RecordProcessingTime(2 * time.Second)
	m.RecordProcessingTime(4 * time.Second)

	if m.AverageProcessingTime != 3*time.Second {
		t.Errorf("average = %v, want 3s", m.AverageProcessingTime)
	}
	if m.LastProcessingTime != 4*time.Second {
		t.Errorf("last = %v, want 4s", m.LastProcessingTime)
	}
}

func TestHealthFollowsErrorsAndRuns(t *testing.T) {
	m := &Metrics{IsHealthy: true}

	m.SetError("discovery could not start")
	if m.Healthy() {
		t.Error("healthy after an error")
	}
	if m.GetStats()["last_error"] != "discovery could not start" {
		t.Error("last error not reported")
	}

	m.SetLastRun()
	if !m.Healthy() {
		t.Error("a completed run should restore health")
	}
}
