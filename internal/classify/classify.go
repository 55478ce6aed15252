// Package classify maps a free-form keyword onto one of the known sectors so
// that custom searches still get sector-specific query variants.
package classify

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/deusflow/harvester/internal/logger"
	"github.com/deusflow/harvester/internal/query"
	"github.com/deusflow/harvester/internal/ratelimit"
)

// Custom is the sector label that asks for classification.
const Custom = "CUSTOM"

// Provider answers a classification prompt with one of sectors.
type Provider interface {
	ClassifySector(ctx context.Context, keyword string, sectors []string) (string, error)
}

// Classifier tries Gemini, then OpenAI, then a vocabulary overlap score.
// Answers are memoised per keyword for the life of the process.
type Classifier struct {
	sectors map[string][]string
	names   []string
	gemini  Provider
	openai  Provider
	limiter *ratelimit.AIRateLimiter
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

type Option func(*Classifier)

func WithGemini(p Provider) Option { return func(c *Classifier) { c.gemini = p } }

func WithOpenAI(p Provider) Option { return func(c *Classifier) { c.openai = p } }

// WithLimiter caps the number of AI calls. Without one, calls are unlimited.
func WithLimiter(l *ratelimit.AIRateLimiter) Option { return func(c *Classifier) { c.limiter = l } }

func WithLogger(l *slog.Logger) Option { return func(c *Classifier) { c.logger = l } }

// New builds a classifier over sectors. nil means query.DefaultSectors.
func New(sectors map[string][]string, opts ...Option) *Classifier {
	if sectors == nil {
		sectors = query.DefaultSectors
	}
	c := &Classifier{
		sectors: sectors,
		cache:   make(map[string]string),
	}
	for name := range sectors {
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.Or(c.logger)
	return c
}

// NeedsClassification reports whether sector asks for a classified one.
func NeedsClassification(sector string) bool {
	s := strings.TrimSpace(sector)
	return s == "" || strings.EqualFold(s, Custom)
}

// Classify returns the sector for keyword, or "" when none fits.
func (c *Classifier) Classify(ctx context.Context, keyword string) string {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return ""
	}
	if name, ok := query.KnownSector(c.sectors, keyword); ok {
		return name
	}

	key := strings.ToLower(keyword)
	c.mu.Lock()
	cached, hit := c.cache[key]
	c.mu.Unlock()
	if hit {
		if c.limiter != nil {
			c.limiter.RecordCacheHit()
		}
		return cached
	}

	sector := c.classify(ctx, keyword)
	c.mu.Lock()
	c.cache[key] = sector
	c.mu.Unlock()
	return sector
}

func (c *Classifier) classify(ctx context.Context, keyword string) string {
	if c.gemini != nil && c.canUse(c.limiterGemini) {
		s, err := c.gemini.ClassifySector(ctx, keyword, c.names)
		if err == nil {
			c.logger.Info("keyword classified", "keyword", keyword, "sector", s, "provider", "gemini")
			return s
		}
		c.logger.Warn("gemini classification failed", "keyword", keyword, "error", err)
	}

	if c.openai != nil && c.canUse(c.limiterOpenAI) {
		s, err := c.openai.ClassifySector(ctx, keyword, c.names)
		if err == nil {
			c.logger.Info("keyword classified", "keyword", keyword, "sector", s, "provider", "openai")
			return s
		}
		c.logger.Warn("openai classification failed", "keyword", keyword, "error", err)
	}

	s := ByVocabulary(c.sectors, keyword)
	c.logger.Info("keyword classified", "keyword", keyword, "sector", s, "provider", "vocabulary")
	return s
}

func (c *Classifier) canUse(reserve func() bool) bool {
	if c.limiter == nil {
		return true
	}
	return reserve()
}

func (c *Classifier) limiterGemini() bool {
	if !c.limiter.CanUseGemini() {
		return false
	}
	return c.limiter.UseGemini() == nil
}

func (c *Classifier) limiterOpenAI() bool {
	if !c.limiter.CanUseOpenAI() {
		return false
	}
	return c.limiter.UseOpenAI() == nil
}

// ByVocabulary scores every sector by how much of its vocabulary the keyword
// shares. A whole term found in the keyword counts double a single shared
// word. Ties go to the alphabetically first sector; no overlap yields "".
// nil sectors means query.DefaultSectors.
func ByVocabulary(sectors map[string][]string, keyword string) string {
	if sectors == nil {
		sectors = query.DefaultSectors
	}
	text := " " + strings.Join(words(keyword), " ") + " "
	tokens := make(map[string]bool)
	for _, w := range words(keyword) {
		if len([]rune(w)) >= 3 {
			tokens[w] = true
		}
	}

	names := make([]string, 0, len(sectors))
	for name := range sectors {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestScore := "", 0
	for _, name := range names {
		score := 0
		for _, term := range append([]string{name}, sectors[name]...) {
			tw := words(term)
			if len(tw) == 0 {
				continue
			}
			if strings.Contains(text, " "+strings.Join(tw, " ")+" ") {
				score += 2
				continue
			}
			for _, w := range tw {
				if tokens[w] {
					score++
					break
				}
			}
		}
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	return best
}

// words lowercases s and splits it on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
