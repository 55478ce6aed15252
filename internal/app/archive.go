package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/deusflow/harvester/internal/config"
	"github.com/deusflow/harvester/internal/news"
	"github.com/deusflow/harvester/internal/retry"
	"github.com/deusflow/harvester/internal/storage"
)

// Archive provides a unified interface for the archive implementations.
// Reads never fail the run: a lookup error is reported as a miss.
type Archive interface {
	GetExtraction(ctx context.Context, url string) (storage.Extraction, bool)
	SetExtraction(ctx context.Context, e storage.Extraction) error
	SaveArticles(ctx context.Context, keyword string, records []*news.ArticleRecord) error
	GetRecentArticles(ctx context.Context, limit int) ([]storage.ArchivedArticle, error)
	Close() error
}

var writeRetry = retry.RetryConfig{MaxAttempts: 3, Delay: time.Second, Backoff: true}

// OpenArchive picks Postgres when a database URL is configured, else the JSON
// file archive when a path is set. It returns nil, nil when neither is.
func OpenArchive(cfg *config.Config) (Archive, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := storage.NewPostgresArchive(cfg.DatabaseURL, cfg.CacheTTLHours)
		if err != nil {
			return nil, err
		}
		if err := pg.Cleanup(); err != nil {
			log.Printf("⚠️ Archive cleanup failed: %v", err)
		}
		return &PostgresArchiveAdapter{archive: pg}, nil
	case cfg.ArchiveFilePath != "":
		fa, err := NewFileArchiveAdapter(cfg.ArchiveFilePath, cfg.CacheTTLHours)
		if err != nil {
			return nil, err
		}
		return fa, nil
	}
	return nil, nil
}

// FileArchiveAdapter wraps FileArchive to implement Archive
type FileArchiveAdapter struct {
	archive *storage.FileArchive
}

// NewFileArchiveAdapter loads the archive at path and drops expired
// extractions.
func NewFileArchiveAdapter(path string, ttlHours int) (*FileArchiveAdapter, error) {
	fa := storage.NewFileArchive(path, ttlHours)
	if err := fa.Load(); err != nil {
		return nil, fmt.Errorf("load archive %s: %w", path, err)
	}
	fa.Cleanup()
	return &FileArchiveAdapter{archive: fa}, nil
}

func (f *FileArchiveAdapter) GetExtraction(_ context.Context, url string) (storage.Extraction, bool) {
	return f.archive.GetExtraction(url)
}

func (f *FileArchiveAdapter) SetExtraction(_ context.Context, e storage.Extraction) error {
	f.archive.SetExtraction(e)
	return nil
}

func (f *FileArchiveAdapter) SaveArticles(ctx context.Context, keyword string, records []*news.ArticleRecord) error {
	n := f.archive.SaveArticles(keyword, records)
	log.Printf("🗄️ Archive holds %d articles", n)
	return retry.WithRetry(ctx, writeRetry, f.archive.Save)
}

func (f *FileArchiveAdapter) GetRecentArticles(_ context.Context, limit int) ([]storage.ArchivedArticle, error) {
	return f.archive.GetRecentArticles(limit), nil
}

func (f *FileArchiveAdapter) Close() error {
	return f.archive.Save()
}

// PostgresArchiveAdapter wraps PostgresArchive to implement Archive
type PostgresArchiveAdapter struct {
	archive *storage.PostgresArchive
}

func (p *PostgresArchiveAdapter) GetExtraction(ctx context.Context, url string) (storage.Extraction, bool) {
	e, ok, err := p.archive.GetExtraction(ctx, url)
	if err != nil {
		log.Printf("⚠️ Extraction cache lookup failed for %s: %v", url, err)
		return storage.Extraction{}, false
	}
	return e, ok
}

func (p *PostgresArchiveAdapter) SetExtraction(ctx context.Context, e storage.Extraction) error {
	return p.archive.SetExtraction(ctx, e)
}

func (p *PostgresArchiveAdapter) SaveArticles(ctx context.Context, keyword string, records []*news.ArticleRecord) error {
	return retry.WithRetry(ctx, writeRetry, func() error {
		return p.archive.SaveArticles(ctx, keyword, records)
	})
}

func (p *PostgresArchiveAdapter) GetRecentArticles(ctx context.Context, limit int) ([]storage.ArchivedArticle, error) {
	return p.archive.GetRecentArticles(ctx, limit)
}

func (p *PostgresArchiveAdapter) Close() error {
	if stats, err := p.archive.GetStats(); err == nil {
		log.Printf("🗄️ Archive: %d articles (%d paywalled), %d cached extractions",
			stats["total_articles"], stats["paywalled_articles"], stats["total_extractions"])
	}
	return p.archive.Close()
}
