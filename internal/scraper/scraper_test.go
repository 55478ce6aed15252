package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/deusflow/harvester/internal/news"
	"github.com/deusflow/harvester/internal/tor"
)

func para(n int) string {
	return fmt.Sprintf("Paragraph %d explains the quarterly results of the company in some detail for readers.", n)
}

func parse(t *testing.T, page string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestLocateBodyPicksDensestAncestor(t *testing.T) {
	page := `<html><body>
<div class="wrapper"><p>Short teaser line.</p></div>
<section id="x"><p>` + para(1) + `</p><p>` + para(2) + `</p><p>` + para(3) + `</p></section>
<div class="aside-note"><p>` + para(4) + `</p></div>
</body></html>`

	doc := parse(t, page)
	clean(doc)
	got := locateBody(doc)
	if goquery.NodeName(got) != "section" {
		t.Fatalf("picked <%s>, want <section>", goquery.NodeName(got))
	}

	c := ExtractHTML(parse(t, page))
	for i := 1; i <= 3; i++ {
		if !strings.Contains(c.FullText, para(i)) {
			t.Errorf("full text is missing paragraph %d", i)
		}
	}
	if strings.Contains(c.FullText, para(4)) {
		t.Error("full text includes a paragraph outside the chosen container")
	}
	if c.IsPaywalled {
		t.Error("plain article flagged as paywalled")
	}
}

func TestLocateBodyPrefersArticle(t *testing.T) {
	page := `<html><body><div class="main-content"><p>` + para(1) + `</p></div>
<article><p>` + para(2) + `</p></article></body></html>`

	doc := parse(t, page)
	if got := locateBody(doc); goquery.NodeName(got) != "article" {
		t.Errorf("picked <%s>, want <article>", goquery.NodeName(got))
	}
}

func TestLocateBodyLargestContentDiv(t *testing.T) {
	page := `<html><body>
<div class="story-small"><p>` + para(1) + `</p></div>
<div id="main-body"><p>` + para(2) + `</p><p>` + para(3) + `</p></div>
</body></html>`

	doc := parse(t, page)
	got := locateBody(doc)
	if id, _ := got.Attr("id"); id != "main-body" {
		t.Errorf("picked id %q, want main-body", id)
	}
}

func TestExtractHTMLFiltersBoilerplate(t *testing.T) {
	page := `<html><body><article>
<h2>` + para(0) + `</h2>
<p>` + para(1) + `</p>
<p>tiny</p>
<p>Copyright 2026 Example Media Group, used with permission.</p>
<div class="share-bar"><p>` + para(9) + `</p></div>
<p>` + para(2) + `</p><p>` + para(3) + `</p>
</article></body></html>`

	c := ExtractHTML(parse(t, page))
	if strings.Contains(c.FullText, "tiny") || strings.Contains(c.FullText, "Copyright") {
		t.Errorf("boilerplate kept: %q", c.FullText)
	}
	if strings.Contains(c.FullText, para(9)) {
		t.Error("noise container was not removed")
	}
	want := strings.Join([]string{para(0), para(1), para(2)}, " ")
	if c.Summary != want {
		t.Errorf("summary = %q, want the first three chunks", c.Summary)
	}
	if strings.Contains(c.FullText, "\n\n\n") {
		t.Error("full text has more than one blank line in a row")
	}
}

func TestExtractHTMLPaywallPhrase(t *testing.T) {
	page := `<html><body><article><p>Subscription required. Already a subscriber? Sign in below to keep reading.</p>` +
		strings.Repeat("<p>"+para(1)+"</p>", 10) + `</article></body></html>`

	c := ExtractHTML(parse(t, page))
	if !c.IsPaywalled {
		t.Error("paywall phrase not detected")
	}
	if c.FullText == "" {
		t.Error("text should still be extracted from a paywalled page")
	}
}

func TestExtractHTMLTeaserPaywall(t *testing.T) {
	page := `<html><body><nav><a href="/login">Login</a></nav>
<article><p>` + para(1) + `</p></article></body></html>`

	c := ExtractHTML(parse(t, page))
	if !c.IsPaywalled {
		t.Error("short teaser with a login prompt should be flagged")
	}
}

func TestExtractHTMLFallsBackToAllText(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body><div>")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "<span>Line %d of a div soup layout without paragraphs.</span>", i)
	}
	b.WriteString("</div></body></html>")

	c := ExtractHTML(parse(t, b.String()))
	if !strings.Contains(c.FullText, "Line 0") || !strings.Contains(c.FullText, "Line 9") {
		t.Errorf("fallback text missing: %q", c.FullText)
	}
	if !strings.HasSuffix(c.Summary, "...") || len([]rune(c.Summary)) != summaryFallbackLen+3 {
		t.Errorf("summary = %q, want a 400 character prefix with ellipsis", c.Summary)
	}
}

type stubResolver map[string]string

func (s stubResolver) Resolve(_ context.Context, link string) string {
	if v, ok := s[link]; ok {
		return v
	}
	return link
}

type stubCoordinator struct {
	rotations atomic.Int32
}

func (s *stubCoordinator) RequestRotation(context.Context) bool {
	s.rotations.Add(1)
	return true
}

func (s *stubCoordinator) WaitForCooldown(context.Context) error { return nil }

func TestExtractForbiddenIsPaywall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "<article><p>"+para(1)+"</p></article>")
	}))
	defer srv.Close()

	e := NewExtractor(DefaultConfig(false), srv.Client(), nil, nil, nil)
	c, err := e.Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if *c != (Content{IsPaywalled: true}) {
		t.Errorf("got %+v, want an empty paywalled result", *c)
	}
}

func TestExtractResolvesAndSetsReferer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/real" {
			t.Errorf("fetched %s, want the resolved path", r.URL.Path)
		}
		if r.Header.Get("Referer") != "https://news.google.com/" {
			t.Errorf("Referer = %q", r.Header.Get("Referer"))
		}
		fmt.Fprint(w, "<article><p>"+para(1)+"</p><p>"+para(2)+"</p><p>"+para(3)+"</p></article>")
	}))
	defer srv.Close()

	res := stubResolver{"https://news.google.com/rss/articles/x": srv.URL + "/real"}
	e := NewExtractor(DefaultConfig(false), srv.Client(), res, nil, nil)
	c, err := e.Extract(context.Background(), "https://news.google.com/rss/articles/x")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(c.FullText, para(2)) {
		t.Errorf("full text = %q", c.FullText)
	}
}

func TestExtractStatusFailures(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	coord := &stubCoordinator{}
	cfg := DefaultConfig(true)
	e := NewExtractor(cfg, srv.Client(), nil, coord, nil)

	if _, err := e.Extract(context.Background(), srv.URL); !errors.Is(err, news.ErrStatus) {
		t.Errorf("500: err = %v, want status failure", err)
	}

	status = http.StatusTooManyRequests
	if _, err := e.Extract(context.Background(), srv.URL); !errors.Is(err, news.ErrRateLimited) {
		t.Errorf("429: err = %v, want rate limited", err)
	}
	if coord.rotations.Load() != 1 {
		t.Errorf("requested %d rotations, want 1", coord.rotations.Load())
	}
}

func TestExtractOversizedHeadersUseFallback(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-Tracking", strings.Repeat("a", 16<<10))
		fmt.Fprint(w, "<article><p>"+para(1)+"</p><p>"+para(2)+"</p><p>"+para(3)+"</p></article>")
	}))
	defer srv.Close()

	strict := &http.Client{Transport: &http.Transport{MaxResponseHeaderBytes: 4 << 10}}
	e := NewExtractor(DefaultConfig(false), strict, nil, nil, nil)

	c, err := e.Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(c.FullText, para(1)) {
		t.Errorf("full text = %q", c.FullText)
	}
	if hits.Load() != 2 {
		t.Errorf("server saw %d requests, want 2", hits.Load())
	}
}

func TestExtractOversizedHeadersOverHTTP2Site(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-Tracking", strings.Repeat("a", 100<<10))
		fmt.Fprint(w, "<article><p>"+para(1)+"</p><p>"+para(2)+"</p><p>"+para(3)+"</p></article>")
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	trusted := srv.Client().Transport.(*http.Transport)

	strict, err := tor.Transport("", 10*time.Second, 64<<10)
	if err != nil {
		t.Fatal(err)
	}
	strict.TLSClientConfig = trusted.TLSClientConfig.Clone()
	defer strict.CloseIdleConnections()

	cfg := DefaultConfig(false)
	cfg.FallbackTransport = trusted
	e := NewExtractor(cfg, &http.Client{Transport: strict}, nil, nil, nil)

	c, err := e.Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(c.FullText, para(3)) {
		t.Errorf("full text = %q", c.FullText)
	}
	if hits.Load() != 2 {
		t.Errorf("server saw %d requests, want 2", hits.Load())
	}
}
