package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deusflow/harvester/internal/config"
	"github.com/deusflow/harvester/internal/news"
	"github.com/deusflow/harvester/internal/retry"
	"github.com/deusflow/harvester/internal/rss"
	"github.com/deusflow/harvester/internal/scraper"
)

const articleBody = "The company reported record quarterly revenue on Tuesday, beating analyst expectations by a wide margin."

type site struct {
	srv        *httptest.Server
	empty      bool
	redirect   bool
	articleHit atomic.Int32
	batchHit   atomic.Int32
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	mux.HandleFunc("/rss/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("nc") == "" {
			t.Error("search request without cache-busting token")
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, s.feed())
	})
	mux.HandleFunc("/article/ok", func(w http.ResponseWriter, r *http.Request) {
		s.articleHit.Add(1)
		fmt.Fprintf(w, "<html><body><article><p>%s</p><p>%s</p><p>%s</p></article></body></html>", articleBody, articleBody, articleBody)
	})
	mux.HandleFunc("/article/paywall", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/article/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/rss/articles/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/rss/articles/"))
		fmt.Fprintf(w, `<html><body><c-wiz data-p='%%.@.["en-US","US"],"CBMi%s",1,2,3,4,5,6,"sig","ts"]'></c-wiz></body></html>`, id)
	})
	mux.HandleFunc("/batch", func(w http.ResponseWriter, r *http.Request) {
		s.batchHit.Add(1)
		dest := s.srv.URL + "/article/ok"
		if err := r.ParseForm(); err == nil && strings.Contains(r.PostForm.Get("f.req"), "CBMiBROKEN") {
			dest = s.srv.URL + "/article/broken"
		}
		payload, _ := json.Marshal([]any{"garturlres", dest, 1})
		reply, _ := json.Marshal([][]any{{"wrb.fr", "Fbv4je", string(payload), nil, nil, nil, "generic"}})
		fmt.Fprintf(w, ")]}'\n\n%s", reply)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *site) feed() string {
	if s.empty {
		return `<?xml version="1.0"?><rss version="2.0"><channel><title>empty</title></channel></rss>`
	}
	pub := time.Now().Add(-2 * time.Hour).Format(time.RFC1123Z)
	old := time.Now().Add(-30 * 24 * time.Hour).Format(time.RFC1123Z)
	item := func(title, link, date string) string {
		return fmt.Sprintf(`<item><title>%s</title><link>%s</link><pubDate>%s</pubDate>`+
			`<description>%s summary</description><source url="https://wire.example">Wire</source></item>`,
			title, link, date, title)
	}
	okLink, brokenLink := s.srv.URL+"/article/ok", s.srv.URL+"/article/broken"
	if s.redirect {
		okLink, brokenLink = s.redirectURL()+"/rss/articles/ok", s.redirectURL()+"/rss/articles/broken"
	}
	return `<?xml version="1.0"?><rss version="2.0"><channel><title>search</title>` +
		item("Acme beats forecasts", okLink, pub) +
		item("Acme results locked", s.srv.URL+"/article/paywall", pub) +
		item("Acme outage", brokenLink, pub) +
		item("Acme history", s.srv.URL+"/article/old", old) +
		`</channel></rss>`
}

// redirectURL addresses the site by a host name the resolver treats as the
// redirect domain.
func (s *site) redirectURL() string {
	return strings.Replace(s.srv.URL, "127.0.0.1", "localhost", 1)
}

func testPipeline(s *site, deps Deps) *Pipeline {
	cfg := config.Default()
	cfg.RedirectDomain = "localhost"
	cfg.BatchURL = s.srv.URL + "/batch"
	cfg.RequestTimeout = 5 * time.Second
	cfg.RetrieveConcurrency = 2
	deps.Discovery = &rss.Config{
		SearchURL:   s.srv.URL + "/rss/search",
		Concurrency: 2,
		Policy:      retry.Policy{MaxRetries: 0},
	}
	return NewPipeline(cfg, deps)
}

// collect drains ch in the background. The returned func blocks until ch is
// closed.
func collect(ch <-chan Progress) func() []Progress {
	var got []Progress
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			got = append(got, p)
		}
	}()
	return func() []Progress {
		<-done
		return got
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	s := newSite(t)
	p := testPipeline(s, Deps{})
	defer p.Close()

	progress := make(chan Progress)
	events := collect(progress)

	res := p.Run(context.Background(), Params{Keyword: "acme", Regions: []string{"US:en"}, Days: 2, MaxArticles: 50}, progress)
	close(progress)

	if len(res.Records) != 3 {
		t.Fatalf("got %d records, want 3: %s", len(res.Records), res.Status)
	}
	if res.Stats.SkippedWindow == 0 {
		t.Error("the month-old entry was not rejected")
	}
	if res.Extracted != 1 || res.Fallbacks != 2 {
		t.Errorf("extracted=%d fallbacks=%d, want 1 and 2", res.Extracted, res.Fallbacks)
	}

	byTitle := map[string]*news.ArticleRecord{}
	for _, r := range res.Records {
		byTitle[r.Title] = r
	}

	ok := byTitle["Acme beats forecasts"]
	if !strings.Contains(ok.FullText, articleBody) || ok.IsPaywalled {
		t.Errorf("extracted record = %+v", ok)
	}
	if ok.Source != "Wire" || ok.Description != "Acme beats forecasts summary" {
		t.Errorf("feed fields = %q / %q", ok.Source, ok.Description)
	}

	locked := byTitle["Acme results locked"]
	if !locked.IsPaywalled || !strings.HasPrefix(locked.FullText, fallbackNotice) {
		t.Errorf("paywalled record = %+v", locked)
	}

	broken := byTitle["Acme outage"]
	if broken.FullText != fallbackNotice+broken.Description || broken.Summary != broken.Description || broken.IsPaywalled {
		t.Errorf("fallback record = %+v", broken)
	}

	var discovery, retrieval int
	for _, e := range events() {
		switch e.Phase {
		case PhaseDiscovery:
			discovery++
			if e.Total != res.Searches {
				t.Errorf("discovery total = %d, want %d", e.Total, res.Searches)
			}
		case PhaseRetrieval:
			retrieval++
			if e.Total != 3 {
				t.Errorf("retrieval total = %d, want 3", e.Total)
			}
		}
	}
	if discovery != res.Searches || retrieval != 3 {
		t.Errorf("progress events discovery=%d retrieval=%d", discovery, retrieval)
	}
}

func TestPipelineResolvesRedirectLinks(t *testing.T) {
	s := newSite(t)
	s.redirect = true
	p := testPipeline(s, Deps{})
	defer p.Close()

	res := p.Run(context.Background(), Params{Keyword: "acme", Regions: []string{"US:en"}, Days: 2}, nil)
	byTitle := map[string]*news.ArticleRecord{}
	for _, r := range res.Records {
		byTitle[r.Title] = r
	}

	ok := byTitle["Acme beats forecasts"]
	if ok == nil || ok.Link != s.srv.URL+"/article/ok" {
		t.Fatalf("resolved record = %+v", ok)
	}
	if !strings.Contains(ok.FullText, articleBody) {
		t.Errorf("full text = %q", ok.FullText)
	}

	// resolution succeeded even though extraction did not
	broken := byTitle["Acme outage"]
	if broken == nil || broken.Link != s.srv.URL+"/article/broken" {
		t.Fatalf("fallback record = %+v", broken)
	}
	if !strings.HasPrefix(broken.FullText, fallbackNotice) {
		t.Errorf("full text = %q", broken.FullText)
	}

	if s.batchHit.Load() != 2 {
		t.Errorf("batch endpoint saw %d requests, want 2", s.batchHit.Load())
	}
}

func TestPipelineNoArticles(t *testing.T) {
	s := newSite(t)
	s.empty = true

	var sent []string
	p := testPipeline(s, Deps{Notifier: notifierFunc(func(_ context.Context, text string) error {
		sent = append(sent, text)
		return nil
	})})
	defer p.Close()

	res := p.Run(context.Background(), Params{Keyword: "acme", Regions: []string{"US:en"}, Days: 1}, nil)
	if len(res.Records) != 0 {
		t.Fatalf("got %d records from an empty feed", len(res.Records))
	}
	if !strings.Contains(res.Status, "No articles found") {
		t.Errorf("status = %q", res.Status)
	}
	if len(sent) != 1 || !strings.Contains(sent[0], "No articles found") {
		t.Errorf("digest = %q", sent)
	}
}

func TestPipelineUsesExtractionCache(t *testing.T) {
	s := newSite(t)
	archive, err := NewFileArchiveAdapter(filepath.Join(t.TempDir(), "archive.json"), 24)
	if err != nil {
		t.Fatal(err)
	}
	p := testPipeline(s, Deps{Archive: archive})
	defer p.Close()

	params := Params{Keyword: "acme", Regions: []string{"US:en"}, Days: 1}
	p.Run(context.Background(), params, nil)
	if s.articleHit.Load() != 1 {
		t.Fatalf("article fetched %d times on the first run", s.articleHit.Load())
	}

	res := p.Run(context.Background(), params, nil)
	if s.articleHit.Load() != 1 {
		t.Errorf("article fetched again although its extraction was cached")
	}
	if res.Extracted != 1 {
		t.Errorf("extracted = %d on the cached run", res.Extracted)
	}

	recent, err := archive.GetRecentArticles(context.Background(), 10)
	if err != nil || len(recent) != 3 {
		t.Errorf("archive holds %d articles (%v), want 3", len(recent), err)
	}
}

func TestPipelineRequiresKeyword(t *testing.T) {
	s := newSite(t)
	p := testPipeline(s, Deps{})
	defer p.Close()

	res := p.Run(context.Background(), Params{Keyword: "  "}, nil)
	if res.Status == "" || res.Searches != 0 {
		t.Errorf("result = %+v", res)
	}
}

type notifierFunc func(ctx context.Context, text string) error

func (f notifierFunc) SendMessage(ctx context.Context, text string) error { return f(ctx, text) }

func TestSortByPublished(t *testing.T) {
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	res := Result{Records: []*news.ArticleRecord{
		{Title: "a", PublishedAt: base},
		{Title: "b", PublishedAt: base.Add(time.Hour)},
		{Title: "c", PublishedAt: base},
	}}
	res.SortByPublished()

	var got []string
	for _, r := range res.Records {
		got = append(got, r.Title)
	}
	if strings.Join(got, "") != "bac" {
		t.Errorf("order = %v, want [b a c]", got)
	}
}

func TestApplyContentShortText(t *testing.T) {
	r := &news.ArticleRecord{Description: "desc"}
	applyContent(r, &scraper.Content{FullText: "short", Summary: "short"}, false)
	if r.FullText != fallbackNotice+"desc" || r.Summary != "desc" || r.IsPaywalled {
		t.Errorf("record = %+v", r)
	}
}
