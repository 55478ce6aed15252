// Package resolve recovers the real destination behind obfuscated news
// redirect links.
//
// The redirect page embeds an opaque token in a c-wiz data-p attribute. The
// token is rewritten into a batch-execute request envelope and posted to the
// backend, which answers with the destination URL nested inside a guarded
// JSON document.
package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/deusflow/harvester/internal/browser"
	"github.com/deusflow/harvester/internal/cache"
	"github.com/deusflow/harvester/internal/logger"
	"github.com/deusflow/harvester/internal/metrics"
	"github.com/deusflow/harvester/internal/news"
)

const (
	DefaultDomain   = "news.google.com"
	DefaultBatchURL = "https://news.google.com/_/DotsSplashUi/data/batchexecute"

	tokenPrefix   = "%.@."
	requestPrefix = `["garturlreq",`
	responseGuard = ")]}'"
	rpcID         = "Fbv4je"

	maxPageBytes = 5 << 20
)

// Resolver turns redirect links under Domain into their destinations.
type Resolver struct {
	client *http.Client
	logger *slog.Logger
	cache  *cache.Cache

	Domain   string
	BatchURL string
	UseTor   bool
}

// NewResolver returns a resolver for the default redirect domain. A nil client
// means http.DefaultClient.
func NewResolver(client *http.Client, l *slog.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		client:   client,
		logger:   logger.Or(l),
		Domain:   DefaultDomain,
		BatchURL: DefaultBatchURL,
	}
}

// WithCache memoises successful resolutions in c.
func (r *Resolver) WithCache(c *cache.Cache) *Resolver {
	r.cache = c
	return r
}

// IsObfuscated reports whether link points into the redirect domain.
func (r *Resolver) IsObfuscated(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return r.inDomain(u)
}

func (r *Resolver) inDomain(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return host == r.Domain || strings.HasSuffix(host, "."+r.Domain)
}

// Resolve returns the real destination of link, or link itself when it is
// not obfuscated or anything goes wrong.
func (r *Resolver) Resolve(ctx context.Context, link string) string {
	if !r.IsObfuscated(link) {
		return link
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(link); ok {
			return v
		}
	}

	dest, err := r.resolve(ctx, link)
	if err != nil {
		metrics.Global.IncrementLinkResolveErrors()
		r.logger.Warn("could not resolve link, keeping original", "url", link, "reason", news.Reason(err), "error", err)
		return link
	}

	metrics.Global.IncrementLinksResolved()
	if r.cache != nil && dest != link {
		r.cache.Set(link, dest)
	}
	return dest
}

func (r *Resolver) resolve(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", &news.Failure{Reason: news.ErrParse, URL: link, Err: err}
	}
	browser.Apply(req, r.UseTor)
	userAgent := req.Header.Get("User-Agent")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", news.TransportFailure(link, err)
	}
	defer resp.Body.Close()

	if final := resp.Request.URL; !r.inDomain(final) {
		return final.String(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", news.StatusFailure(link, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", &news.Failure{Reason: news.ErrParse, URL: link, Err: err}
	}
	token, ok := doc.Find("c-wiz[data-p]").First().Attr("data-p")
	if !ok {
		return "", &news.Failure{Reason: news.ErrParse, URL: link, Err: errors.New("redirect page has no token")}
	}

	body, err := BuildRequest(token)
	if err != nil {
		return "", &news.Failure{Reason: news.ErrParse, URL: link, Err: err}
	}

	post, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BatchURL, strings.NewReader(body))
	if err != nil {
		return "", &news.Failure{Reason: news.ErrParse, URL: r.BatchURL, Err: err}
	}
	post.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	post.Header.Set("User-Agent", userAgent)
	if r.UseTor {
		post.Close = true
	}

	apiResp, err := r.client.Do(post)
	if err != nil {
		return "", news.TransportFailure(r.BatchURL, err)
	}
	defer apiResp.Body.Close()

	if apiResp.StatusCode != http.StatusOK {
		return "", news.StatusFailure(r.BatchURL, apiResp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(apiResp.Body, maxPageBytes))
	if err != nil {
		return "", news.TransportFailure(r.BatchURL, err)
	}

	dest, err := ParseResponse(raw)
	if err != nil {
		return "", &news.Failure{Reason: news.ErrParse, URL: r.BatchURL, Err: err}
	}
	return dest, nil
}

// BuildRequest turns a data-p token into the form-encoded batch-execute body.
// The token becomes a garturlreq array whose sixth- to third-from-last
// elements are dropped.
func BuildRequest(token string) (string, error) {
	var obj []json.RawMessage
	if err := json.Unmarshal([]byte(strings.Replace(token, tokenPrefix, requestPrefix, 1)), &obj); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}

	head := obj[:max(0, len(obj)-6)]
	tail := obj[max(0, len(obj)-2):]
	trimmed := make([]json.RawMessage, 0, len(head)+len(tail))
	trimmed = append(trimmed, head...)
	trimmed = append(trimmed, tail...)

	inner, err := json.Marshal(trimmed)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	envelope, err := json.Marshal([][][]string{{{rpcID, string(inner), "null", "generic"}}})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return url.Values{"f.req": {string(envelope)}}.Encode(), nil
}

// ParseResponse strips the guard prefix and returns the URL held at
// [0][2] -> [1].
func ParseResponse(raw []byte) (string, error) {
	raw = bytes.TrimSpace(bytes.Replace(raw, []byte(responseGuard), nil, 1))

	var outer [][]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&outer); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(outer) == 0 || len(outer[0]) < 3 {
		return "", errors.New("response array too short")
	}

	var payload string
	if err := json.Unmarshal(outer[0][2], &payload); err != nil {
		return "", fmt.Errorf("decode payload string: %w", err)
	}
	var inner []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &inner); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if len(inner) < 2 {
		return "", errors.New("payload array too short")
	}

	var dest string
	if err := json.Unmarshal(inner[1], &dest); err != nil {
		return "", fmt.Errorf("decode url: %w", err)
	}
	if dest == "" {
		return "", errors.New("empty url in response")
	}
	return dest, nil
}
