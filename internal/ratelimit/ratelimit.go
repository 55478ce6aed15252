package ratelimit

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// AIRateLimiter caps how many classification calls go to each AI provider
type AIRateLimiter struct {
	mu          sync.Mutex
	geminiCount int
	openaiCount int
	totalCount  int
	maxGemini   int
	maxOpenAI   int
	maxTotal    int
	window      time.Duration
	resetTime   time.Time
	cacheHits   int
	cacheMisses int
	now         func() time.Time
}

// NewAIRateLimiter creates a limiter. A zero limit means unlimited.
func NewAIRateLimiter(maxGemini, maxOpenAI, maxTotal int) *AIRateLimiter {
	rl := &AIRateLimiter{
		maxGemini: maxGemini,
		maxOpenAI: maxOpenAI,
		maxTotal:  maxTotal,
		window:    24 * time.Hour,
		now:       time.Now,
	}
	rl.resetTime = rl.now().Add(rl.window) // Reset daily
	return rl
}

// CanUseGemini checks if we can make a Gemini request
func (rl *AIRateLimiter) CanUseGemini() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.checkReset()
	return rl.allowed("Gemini", rl.geminiCount, rl.maxGemini)
}

// CanUseOpenAI checks if we can make an OpenAI request
func (rl *AIRateLimiter) CanUseOpenAI() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.checkReset()
	return rl.allowed("OpenAI", rl.openaiCount, rl.maxOpenAI)
}

// UseGemini increments the Gemini counter
func (rl *AIRateLimiter) UseGemini() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.checkReset()
	if err := rl.reserve("gemini", rl.geminiCount, rl.maxGemini); err != nil {
		return err
	}
	rl.geminiCount++

	log.Printf("📊 AI Usage: Gemini=%d/%d, Total=%d/%d", rl.geminiCount, rl.maxGemini, rl.totalCount, rl.maxTotal)
	return nil
}

// UseOpenAI increments the OpenAI counter
func (rl *AIRateLimiter) UseOpenAI() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.checkReset()
	if err := rl.reserve("openai", rl.openaiCount, rl.maxOpenAI); err != nil {
		return err
	}
	rl.openaiCount++

	log.Printf("📊 AI Usage: OpenAI=%d/%d, Total=%d/%d", rl.openaiCount, rl.maxOpenAI, rl.totalCount, rl.maxTotal)
	return nil
}

// RecordCacheHit records a classification answered from memory
func (rl *AIRateLimiter) RecordCacheHit() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cacheHits++
}

// GetCacheHitRate returns cache hit rate percentage
func (rl *AIRateLimiter) GetCacheHitRate() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.hitRate()
}

// GetStats returns current rate limiter statistics
func (rl *AIRateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"gemini_used":    rl.geminiCount,
		"gemini_limit":   rl.maxGemini,
		"openai_used":    rl.openaiCount,
		"openai_limit":   rl.maxOpenAI,
		"total_used":     rl.totalCount,
		"total_limit":    rl.maxTotal,
		"cache_hits":     rl.cacheHits,
		"cache_misses":   rl.cacheMisses,
		"cache_hit_rate": rl.hitRate(),
		"reset_time":     rl.resetTime,
	}
}

// PrintStats logs current statistics
func (rl *AIRateLimiter) PrintStats() {
	stats := rl.GetStats()
	log.Printf("📊 === AI Rate Limiter Statistics ===")
	log.Printf("  Gemini:  %d/%d", stats["gemini_used"], stats["gemini_limit"])
	log.Printf("  OpenAI:  %d/%d", stats["openai_used"], stats["openai_limit"])
	log.Printf("  Total:   %d/%d", stats["total_used"], stats["total_limit"])
	log.Printf("  Cache:   %d hits, %d misses (%.1f%% hit rate)",
		stats["cache_hits"], stats["cache_misses"], stats["cache_hit_rate"])
	log.Printf("=====================================")
}

func (rl *AIRateLimiter) allowed(name string, used, limit int) bool {
	if limit > 0 && used >= limit {
		log.Printf("⚠️ %s rate limit reached (%d/%d)", name, used, limit)
		return false
	}
	if rl.maxTotal > 0 && rl.totalCount >= rl.maxTotal {
		log.Printf("⚠️ Total AI rate limit reached (%d/%d)", rl.totalCount, rl.maxTotal)
		return false
	}
	return true
}

// reserve counts one call against the total budget. The caller bumps its
// provider counter on success.
func (rl *AIRateLimiter) reserve(name string, used, limit int) error {
	if limit > 0 && used >= limit {
		return fmt.Errorf("%s rate limit exceeded", name)
	}
	if rl.maxTotal > 0 && rl.totalCount >= rl.maxTotal {
		return fmt.Errorf("total AI rate limit exceeded")
	}
	rl.totalCount++
	rl.cacheMisses++
	return nil
}

func (rl *AIRateLimiter) hitRate() float64 {
	total := rl.cacheHits + rl.cacheMisses
	if total == 0 {
		return 0
	}
	return float64(rl.cacheHits) / float64(total) * 100
}

// checkReset resets counters if reset time has passed
func (rl *AIRateLimiter) checkReset() {
	if rl.now().After(rl.resetTime) {
		log.Printf("🔄 Resetting AI rate limiter counters")

		rl.geminiCount = 0
		rl.openaiCount = 0
		rl.totalCount = 0
		rl.cacheHits = 0
		rl.cacheMisses = 0
		rl.resetTime = rl.now().Add(rl.window)
	}
}
