// Package rss runs the discovery phase: it fetches every search task's
// feed through a bounded worker pool with retries and identity rotation.
package rss

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"
	gorss "github.com/mmcdole/gofeed/rss"
	"golang.org/x/sync/errgroup"

	"github.com/deusflow/harvester/internal/browser"
	"github.com/deusflow/harvester/internal/logger"
	"github.com/deusflow/harvester/internal/metrics"
	"github.com/deusflow/harvester/internal/news"
	"github.com/deusflow/harvester/internal/query"
	"github.com/deusflow/harvester/internal/retry"
)

const maxFeedBytes = 10 << 20

// Coordinator is the part of the anonymity coordinator the executor uses.
type Coordinator interface {
	RequestRotation(ctx context.Context) bool
	WaitForCooldown(ctx context.Context) error
}

// Config controls how discovery requests are dispatched.
type Config struct {
	SearchURL   string
	Concurrency int
	UseTor      bool

	// Random pause before each task is dispatched.
	DispatchJitter retry.Jitter

	Policy retry.Policy
}

// DefaultConfig returns the discovery settings for the given mode. Anonymity
// mode uses a smaller pool and longer dispatch pauses.
func DefaultConfig(searchURL string, useTor bool) Config {
	cfg := Config{
		SearchURL:      searchURL,
		Concurrency:    10,
		UseTor:         useTor,
		DispatchJitter: retry.Jitter{Min: 500 * time.Millisecond, Max: 2 * time.Second},
		Policy:         retry.Default(),
	}
	if useTor {
		cfg.Concurrency = 3
		cfg.DispatchJitter = retry.Jitter{Min: 2 * time.Second, Max: 5 * time.Second}
	}
	return cfg
}

// Progress is published after every task resolves, whatever its outcome.
type Progress struct {
	Completed int
	Total     int
}

// Executor runs search tasks on a bounded pool and collects their feed
// entries.
type Executor struct {
	cfg    Config
	client *http.Client
	coord  Coordinator
	logger *slog.Logger

	// NewToken makes the per-call cache-busting value.
	NewToken func() string
}

// NewExecutor builds an executor. coord may be nil outside anonymity mode.
func NewExecutor(cfg Config, client *http.Client, coord Coordinator, l *slog.Logger) *Executor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{
		cfg:      cfg,
		client:   client,
		coord:    coord,
		logger:   logger.Or(l),
		NewToken: uuid.NewString,
	}
}

// Run fetches every task and returns the concatenated entries. A failed task
// contributes nothing; it never aborts the batch. progress may be nil.
func (e *Executor) Run(ctx context.Context, tasks []query.SearchTask, progress chan<- Progress) []news.FeedEntry {
	var (
		mu        sync.Mutex
		entries   []news.FeedEntry
		completed int
		failed    int
	)

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)

	for _, task := range tasks {
		g.Go(func() error {
			got, err := e.runTask(ctx, task)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				metrics.Global.IncrementSearchFailed()
				e.logger.Warn("search task failed",
					"query", task.Query, "region", task.Region, "reason", news.Reason(err), "error", err)
			} else {
				metrics.Global.IncrementSearchCompleted()
				metrics.Global.AddFeedEntries(len(got))
			}
			entries = append(entries, got...)
			completed++
			if progress != nil {
				select {
				case progress <- Progress{Completed: completed, Total: len(tasks)}:
				case <-ctx.Done():
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("discovery finished", "tasks", len(tasks), "failed", failed, "entries", len(entries))
	return entries
}

func (e *Executor) runTask(ctx context.Context, task query.SearchTask) ([]news.FeedEntry, error) {
	if err := e.pause(ctx); err != nil {
		return nil, err
	}

	policy := e.cfg.Policy
	policy.BeforeBackoff = func(ctx context.Context, attempt int) {
		metrics.Global.IncrementRateLimited()
		if e.cfg.UseTor && e.coord != nil {
			e.coord.RequestRotation(ctx)
		}
	}

	var entries []news.FeedEntry
	err := policy.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			metrics.Global.IncrementRetries()
			e.logger.Debug("retrying search task", "query", task.Query, "region", task.Region, "attempt", attempt)
		}
		if e.cfg.UseTor && e.coord != nil {
			if err := e.coord.WaitForCooldown(ctx); err != nil {
				return err
			}
		}
		got, err := e.fetch(ctx, task)
		if err != nil {
			return err
		}
		entries = got
		return nil
	})
	return entries, err
}

func (e *Executor) pause(ctx context.Context) error {
	j := e.cfg.DispatchJitter
	d := j.Min
	if j.Max > j.Min {
		d += time.Duration(rand.Int63n(int64(j.Max - j.Min)))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) fetch(ctx context.Context, task query.SearchTask) ([]news.FeedEntry, error) {
	url := task.URL(e.cfg.SearchURL, e.NewToken())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	browser.Apply(req, e.cfg.UseTor)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, news.TransportFailure(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, news.StatusFailure(url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, news.TransportFailure(url, err)
	}

	entries, err := ParseFeed(body)
	if err != nil {
		e.logger.Debug("feed body did not parse, treating as empty", "url", url, "error", err)
		return nil, nil
	}
	return entries, nil
}

// ParseFeed turns a syndication document into feed entries. RSS bodies are
// read with the RSS parser so the per-item source name survives; other
// formats go through the universal parser.
func ParseFeed(body []byte) ([]news.FeedEntry, error) {
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS:
		feed, err := (&gorss.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, &news.Failure{Reason: news.ErrParse, Err: err}
		}
		entries := make([]news.FeedEntry, 0, len(feed.Items))
		for _, it := range feed.Items {
			e := news.FeedEntry{
				Title:        it.Title,
				Link:         it.Link,
				PublishedRaw: it.PubDate,
				Published:    it.PubDateParsed,
				SummaryHTML:  it.Description,
			}
			if it.Source != nil {
				e.SourceName = it.Source.Title
			}
			entries = append(entries, e)
		}
		return entries, nil

	case gofeed.FeedTypeAtom, gofeed.FeedTypeJSON:
		feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
		if err != nil {
			return nil, &news.Failure{Reason: news.ErrParse, Err: err}
		}
		entries := make([]news.FeedEntry, 0, len(feed.Items))
		for _, it := range feed.Items {
			e := news.FeedEntry{
				Title:        it.Title,
				Link:         it.Link,
				PublishedRaw: it.Published,
				Published:    it.PublishedParsed,
				SummaryHTML:  it.Description,
			}
			if it.Author != nil {
				e.SourceName = it.Author.Name
			}
			entries = append(entries, e)
		}
		return entries, nil

	default:
		return nil, &news.Failure{Reason: news.ErrParse, Err: fmt.Errorf("unrecognised feed document")}
	}
}
