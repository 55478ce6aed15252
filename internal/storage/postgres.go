package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/deusflow/harvester/internal/news"
)

// PostgresArchive stores accepted articles and extraction results in PostgreSQL
type PostgresArchive struct {
	db       *sql.DB
	ttlHours int
}

// NewPostgresArchive connects and makes sure the schema exists
func NewPostgresArchive(connectionString string, ttlHours int) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	archive := &PostgresArchive{
		db:       db,
		ttlHours: ttlHours,
	}

	if err := archive.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Println("✅ PostgreSQL archive connected successfully")
	return archive, nil
}

// initSchema creates the necessary tables if they don't exist
func (pa *PostgresArchive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS articles (
		id SERIAL PRIMARY KEY,
		link TEXT UNIQUE NOT NULL,
		title TEXT NOT NULL,
		source VARCHAR(200),
		published_at TIMESTAMPTZ,
		description TEXT,
		full_text TEXT,
		summary TEXT,
		is_paywall BOOLEAN NOT NULL DEFAULT FALSE,
		keyword VARCHAR(200),
		archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at);
	CREATE INDEX IF NOT EXISTS idx_articles_keyword ON articles(keyword);

	-- Extraction results, so repeated runs skip pages already downloaded
	CREATE TABLE IF NOT EXISTS extraction_cache (
		id SERIAL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		full_text TEXT,
		summary TEXT,
		is_paywall BOOLEAN NOT NULL DEFAULT FALSE,
		extracted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		use_count INTEGER DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_extraction_cache_extracted_at ON extraction_cache(extracted_at);
	`

	if _, err := pa.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Println("✅ Database schema initialized")
	return nil
}

// SaveArticles upserts records by link inside one transaction
func (pa *PostgresArchive) SaveArticles(ctx context.Context, keyword string, records []*news.ArticleRecord) error {
	tx, err := pa.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO articles (link, title, source, published_at, description, full_text, summary, is_paywall, keyword, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (link) DO UPDATE SET
			title = EXCLUDED.title,
			source = EXCLUDED.source,
			published_at = EXCLUDED.published_at,
			description = EXCLUDED.description,
			full_text = EXCLUDED.full_text,
			summary = EXCLUDED.summary,
			is_paywall = EXCLUDED.is_paywall,
			keyword = EXCLUDED.keyword,
			archived_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r == nil || r.Link == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.Link, r.Title, r.Source, r.PublishedAt, r.Description,
			r.FullText, r.Summary, r.IsPaywalled, keyword); err != nil {
			return fmt.Errorf("failed to archive %s: %w", r.Link, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

// GetExtraction returns a cached extraction within TTL. A miss is not an error.
func (pa *PostgresArchive) GetExtraction(ctx context.Context, url string) (Extraction, bool, error) {
	cutoffTime := time.Now().Add(-time.Duration(pa.ttlHours) * time.Hour)

	e := Extraction{URL: url}
	var fullText, summary sql.NullString
	err := pa.db.QueryRowContext(ctx, `
		SELECT full_text, summary, is_paywall, extracted_at
		FROM extraction_cache
		WHERE url = $1 AND extracted_at > $2
	`, url, cutoffTime).Scan(&fullText, &summary, &e.IsPaywalled, &e.ExtractedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Extraction{}, false, nil
		}
		return Extraction{}, false, fmt.Errorf("failed to get extraction from cache: %w", err)
	}

	e.FullText = fullText.String
	e.Summary = summary.String

	if _, err := pa.db.ExecContext(ctx, `UPDATE extraction_cache SET use_count = use_count + 1 WHERE url = $1`, url); err != nil {
		log.Printf("⚠️ Error updating extraction use count: %v", err)
	}
	return e, true, nil
}

// SetExtraction stores an extraction result
func (pa *PostgresArchive) SetExtraction(ctx context.Context, e Extraction) error {
	query := `
		INSERT INTO extraction_cache (url, full_text, summary, is_paywall, extracted_at, use_count)
		VALUES ($1, $2, $3, $4, NOW(), 1)
		ON CONFLICT (url) DO UPDATE SET
			full_text = EXCLUDED.full_text,
			summary = EXCLUDED.summary,
			is_paywall = EXCLUDED.is_paywall,
			extracted_at = NOW()
	`

	if _, err := pa.db.ExecContext(ctx, query, e.URL, e.FullText, e.Summary, e.IsPaywalled); err != nil {
		return fmt.Errorf("failed to set extraction cache: %w", err)
	}
	return nil
}

// Cleanup removes expired extraction results
func (pa *PostgresArchive) Cleanup() error {
	cutoffTime := time.Now().Add(-time.Duration(pa.ttlHours) * time.Hour)

	result, err := pa.db.Exec(`DELETE FROM extraction_cache WHERE extracted_at < $1`, cutoffTime)
	if err != nil {
		return fmt.Errorf("failed to cleanup: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		log.Printf("🗑️ Cleaned up %d old extraction results from database", rows)
	}

	return nil
}

// GetStats returns archive statistics
func (pa *PostgresArchive) GetStats() (map[string]int, error) {
	stats := make(map[string]int)

	var total int
	if err := pa.db.QueryRow(`SELECT COUNT(*) FROM articles`).Scan(&total); err != nil {
		return nil, err
	}
	stats["total_articles"] = total

	var paywalled int
	if err := pa.db.QueryRow(`SELECT COUNT(*) FROM articles WHERE is_paywall`).Scan(&paywalled); err != nil {
		return nil, err
	}
	stats["paywalled_articles"] = paywalled

	var extractions int
	if err := pa.db.QueryRow(`SELECT COUNT(*) FROM extraction_cache`).Scan(&extractions); err != nil {
		return nil, err
	}
	stats["total_extractions"] = extractions

	return stats, nil
}

// GetRecentArticles returns the most recently published archived articles
func (pa *PostgresArchive) GetRecentArticles(ctx context.Context, limit int) ([]ArchivedArticle, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := pa.db.QueryContext(ctx, `
		SELECT link, title, source, published_at, description, full_text, summary, is_paywall, keyword, archived_at
		FROM articles
		ORDER BY published_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ArchivedArticle
	for rows.Next() {
		var a ArchivedArticle
		var source, description, fullText, summary, keyword sql.NullString
		var published sql.NullTime
		err := rows.Scan(&a.Link, &a.Title, &source, &published, &description, &fullText, &summary,
			&a.IsPaywalled, &keyword, &a.ArchivedAt)
		if err != nil {
			log.Printf("⚠️ Error scanning row: %v", err)
			continue
		}
		a.Source = source.String
		a.PublishedAt = published.Time
		a.Description = description.String
		a.FullText = fullText.String
		a.Summary = summary.String
		a.Keyword = keyword.String
		items = append(items, a)
	}

	return items, rows.Err()
}

// Close closes the database connection
func (pa *PostgresArchive) Close() error {
	if pa.db != nil {
		return pa.db.Close()
	}
	return nil
}
