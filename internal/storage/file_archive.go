package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deusflow/harvester/internal/news"
)

// ArchivedArticle is an accepted record plus the search it came from
type ArchivedArticle struct {
	news.ArticleRecord
	Keyword    string    `json:"keyword"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Extraction is a cached content extraction result for one URL
type Extraction struct {
	URL         string    `json:"url"`
	FullText    string    `json:"full_text"`
	Summary     string    `json:"summary"`
	IsPaywalled bool      `json:"is_paywall"`
	ExtractedAt time.Time `json:"extracted_at"`
}

type fileDocument struct {
	Articles    []ArchivedArticle `json:"articles"`
	Extractions []Extraction      `json:"extractions"`
}

// FileArchive keeps archived articles and extractions in a JSON file
type FileArchive struct {
	filePath    string
	ttlHours    int
	articles    map[string]ArchivedArticle
	extractions map[string]Extraction
	mu          sync.RWMutex
}

// NewFileArchive creates a new file archive instance
func NewFileArchive(filePath string, ttlHours int) *FileArchive {
	return &FileArchive{
		filePath:    filePath,
		ttlHours:    ttlHours,
		articles:    make(map[string]ArchivedArticle),
		extractions: make(map[string]Extraction),
	}
}

// Load loads an existing archive from file
func (fa *FileArchive) Load() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	// Check if file exists
	if _, err := os.Stat(fa.filePath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(fa.filePath)
	if err != nil {
		return fmt.Errorf("failed to read archive file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal archive: %w", err)
	}

	for _, a := range doc.Articles {
		fa.articles[a.Link] = a
	}

	// Drop expired extractions on load
	cutoffTime := fa.cutoff()
	for _, e := range doc.Extractions {
		if e.ExtractedAt.After(cutoffTime) {
			fa.extractions[e.URL] = e
		}
	}

	return nil
}

// Save writes the archive to file, newest articles first
func (fa *FileArchive) Save() error {
	fa.mu.RLock()
	doc := fileDocument{
		Articles:    make([]ArchivedArticle, 0, len(fa.articles)),
		Extractions: make([]Extraction, 0, len(fa.extractions)),
	}
	for _, a := range fa.articles {
		doc.Articles = append(doc.Articles, a)
	}
	for _, e := range fa.extractions {
		doc.Extractions = append(doc.Extractions, e)
	}
	fa.mu.RUnlock()

	sortNewestFirst(doc.Articles)
	sort.Slice(doc.Extractions, func(i, j int) bool { return doc.Extractions[i].URL < doc.Extractions[j].URL })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}

	if err := os.WriteFile(fa.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}

	return nil
}

// SaveArticles upserts records by link
func (fa *FileArchive) SaveArticles(keyword string, records []*news.ArticleRecord) int {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	now := time.Now()
	for _, r := range records {
		if r == nil || r.Link == "" {
			continue
		}
		fa.articles[r.Link] = ArchivedArticle{ArticleRecord: *r, Keyword: keyword, ArchivedAt: now}
	}
	return len(fa.articles)
}

// Article returns the archived article for link
func (fa *FileArchive) Article(link string) (ArchivedArticle, bool) {
	fa.mu.RLock()
	defer fa.mu.RUnlock()
	a, ok := fa.articles[link]
	return a, ok
}

// GetRecentArticles returns up to limit archived articles, newest first
func (fa *FileArchive) GetRecentArticles(limit int) []ArchivedArticle {
	if limit <= 0 {
		limit = 10
	}

	fa.mu.RLock()
	items := make([]ArchivedArticle, 0, len(fa.articles))
	for _, a := range fa.articles {
		items = append(items, a)
	}
	fa.mu.RUnlock()

	sortNewestFirst(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// GetExtraction returns a cached extraction that is still within TTL
func (fa *FileArchive) GetExtraction(url string) (Extraction, bool) {
	fa.mu.RLock()
	defer fa.mu.RUnlock()

	e, ok := fa.extractions[url]
	if !ok || !e.ExtractedAt.After(fa.cutoff()) {
		return Extraction{}, false
	}
	return e, true
}

// SetExtraction caches an extraction result
func (fa *FileArchive) SetExtraction(e Extraction) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if e.ExtractedAt.IsZero() {
		e.ExtractedAt = time.Now()
	}
	fa.extractions[e.URL] = e
}

// Cleanup removes expired extractions from memory
func (fa *FileArchive) Cleanup() {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	cutoffTime := fa.cutoff()
	for url, e := range fa.extractions {
		if e.ExtractedAt.Before(cutoffTime) {
			delete(fa.extractions, url)
		}
	}
}

// GetStats returns archive statistics
func (fa *FileArchive) GetStats() map[string]int {
	fa.mu.RLock()
	defer fa.mu.RUnlock()

	return map[string]int{
		"total_articles":    len(fa.articles),
		"total_extractions": len(fa.extractions),
	}
}

func (fa *FileArchive) cutoff() time.Time {
	return time.Now().Add(-time.Duration(fa.ttlHours) * time.Hour)
}

func sortNewestFirst(items []ArchivedArticle) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].PublishedAt.Equal(items[j].PublishedAt) {
			return items[i].Link < items[j].Link
		}
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
}
