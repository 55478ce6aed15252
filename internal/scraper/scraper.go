// Package scraper downloads article pages and extracts their text, with
// paywall detection and a fallback client for hosts that send oversized
// response headers.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"github.com/deusflow/harvester/internal/browser"
	"github.com/deusflow/harvester/internal/logger"
	"github.com/deusflow/harvester/internal/metrics"
	"github.com/deusflow/harvester/internal/news"
)

const maxPageBytes = 10 << 20

// Resolver maps an obfuscated redirect link to its destination. It returns
// the input unchanged when it cannot.
type Resolver interface {
	Resolve(ctx context.Context, link string) string
}

// Coordinator is the part of the anonymity coordinator the extractor uses.
type Coordinator interface {
	RequestRotation(ctx context.Context) bool
	WaitForCooldown(ctx context.Context) error
}

// Config controls article downloads.
type Config struct {
	UseTor  bool
	Timeout time.Duration
	Referer string

	// FallbackTransport carries the oversized-header retry. nil means the
	// default transport.
	FallbackTransport http.RoundTripper
}

// DefaultConfig uses a 30s timeout and the search surface as Referer.
func DefaultConfig(useTor bool) Config {
	return Config{
		UseTor:  useTor,
		Timeout: 30 * time.Second,
		Referer: "https://news.google.com/",
	}
}

// Extractor downloads article pages and pulls their text out.
type Extractor struct {
	cfg      Config
	client   *http.Client
	fallback *resty.Client
	resolver Resolver
	coord    Coordinator
	logger   *slog.Logger
}

// NewExtractor builds an extractor. resolver and coord may be nil; a nil
// client gets one with the configured timeout.
func NewExtractor(cfg Config, client *http.Client, resolver Resolver, coord Coordinator, l *slog.Logger) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	fallback := resty.New().
		SetTimeout(cfg.Timeout).
		SetCookieJar(nil).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if cfg.FallbackTransport != nil {
		fallback.SetTransport(cfg.FallbackTransport)
	}

	return &Extractor{
		cfg:      cfg,
		client:   client,
		fallback: fallback,
		resolver: resolver,
		coord:    coord,
		logger:   logger.Or(l),
	}
}

// Extract downloads url and returns its content. A 401 or 403 is a paywall
// and yields empty text with IsPaywalled set. Every other failure returns a
// tagged *news.Failure and the caller falls back to the feed description.
func (e *Extractor) Extract(ctx context.Context, url string) (*Content, error) {
	if e.resolver != nil {
		url = e.resolver.Resolve(ctx, url)
	}
	if e.cfg.UseTor && e.coord != nil {
		if err := e.coord.WaitForCooldown(ctx); err != nil {
			return nil, err
		}
	}

	body, status, err := e.download(ctx, url)
	if err != nil {
		metrics.Global.IncrementExtractionFailures()
		return nil, err
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		metrics.Global.IncrementPaywallsDetected()
		return &Content{IsPaywalled: true}, nil
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		if e.cfg.UseTor && e.coord != nil {
			e.logger.Warn("rate limited while extracting, requesting rotation", "url", url, "status", status)
			e.coord.RequestRotation(ctx)
		}
		metrics.Global.IncrementExtractionFailures()
		return nil, news.StatusFailure(url, status)
	case status != http.StatusOK:
		metrics.Global.IncrementExtractionFailures()
		return nil, news.StatusFailure(url, status)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		metrics.Global.IncrementExtractionFailures()
		return nil, &news.Failure{Reason: news.ErrParse, URL: url, Err: err}
	}
	content := ExtractHTML(doc)

	metrics.Global.IncrementArticlesExtracted()
	if content.IsPaywalled {
		metrics.Global.IncrementPaywallsDetected()
	}
	e.logger.Debug("extracted article", "url", url, "chars", len(content.FullText), "paywall", content.IsPaywalled)
	return content, nil
}

// download fetches url with the primary client, retrying once through the
// fallback client when the response headers were too large.
func (e *Extractor) download(ctx context.Context, url string) ([]byte, int, error) {
	headers := browser.Headers()
	if e.cfg.Referer != "" {
		headers["Referer"] = e.cfg.Referer
	}
	if e.cfg.UseTor {
		headers["Connection"] = "close"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &news.Failure{Reason: news.ErrParse, URL: url, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Close = e.cfg.UseTor

	resp, err := e.client.Do(req)
	if err != nil {
		if news.IsHeaderTooLarge(err) {
			metrics.Global.IncrementHeaderFallbacks()
			e.logger.Info("response headers too large, retrying with fallback client", "url", url)
			return e.downloadFallback(ctx, url, headers)
		}
		return nil, 0, news.TransportFailure(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.StatusCode, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, 0, news.TransportFailure(url, err)
	}
	return body, resp.StatusCode, nil
}

func (e *Extractor) downloadFallback(ctx context.Context, url string, headers map[string]string) ([]byte, int, error) {
	resp, err := e.fallback.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		return nil, 0, news.TransportFailure(url, fmt.Errorf("fallback client: %w", err))
	}
	return resp.Body(), resp.StatusCode(), nil
}
