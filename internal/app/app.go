// Package app wires the acquisition pipeline together: query expansion,
// discovery, filtering and article retrieval.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/deusflow/harvester/internal/cache"
	"github.com/deusflow/harvester/internal/classify"
	"github.com/deusflow/harvester/internal/config"
	"github.com/deusflow/harvester/internal/logger"
	"github.com/deusflow/harvester/internal/metrics"
	"github.com/deusflow/harvester/internal/news"
	"github.com/deusflow/harvester/internal/query"
	"github.com/deusflow/harvester/internal/resolve"
	"github.com/deusflow/harvester/internal/rss"
	"github.com/deusflow/harvester/internal/scraper"
	"github.com/deusflow/harvester/internal/storage"
	"github.com/deusflow/harvester/internal/telegram"
	"github.com/deusflow/harvester/internal/tor"
)

const (
	// Extraction shorter than this is replaced by the feed description.
	minUsableText = 100

	// Strict header limit for article fetches; larger responses go through
	// the fallback client.
	retrievalHeaderLimit = 64 << 10

	fallbackNotice = "Full article text could not be retrieved automatically.\n\nSummary from source:\n"
)

type Phase int

const (
	PhaseDiscovery Phase = iota
	PhaseRetrieval
)

func (p Phase) String() string {
	if p == PhaseRetrieval {
		return "retrieval"
	}
	return "discovery"
}

// Progress is published after every search task and every article fetch.
type Progress struct {
	Phase     Phase
	Completed int
	Total     int
}

// Coordinator is the anonymity coordinator as seen by the workers.
type Coordinator interface {
	RequestRotation(ctx context.Context) bool
	WaitForCooldown(ctx context.Context) error
}

// Notifier receives the run digest.
type Notifier interface {
	SendMessage(ctx context.Context, text string) error
}

// Deps are the collaborators of a Pipeline. Every field is optional.
type Deps struct {
	Coordinator Coordinator // built from the config on first anonymous run when nil
	Classifier  *classify.Classifier
	Archive     Archive
	Notifier    Notifier
	Logger      *slog.Logger
	Now         func() time.Time

	// Discovery replaces the discovery settings derived from the config.
	Discovery *rss.Config
}

// Params describe one run. Zero values fall back to the config.
type Params struct {
	Keyword     string
	Sector      string
	Regions     []string
	Days        int
	MaxArticles int
	UseTor      bool
	Saturation  bool
}

// Result is the outcome of a run. Status explains an empty result.
type Result struct {
	Keyword   string
	Sector    string
	Records   []*news.ArticleRecord
	Stats     news.Stats
	Searches  int
	Entries   int
	Extracted int
	Fallbacks int
	Status    string
	Duration  time.Duration
}

// SortByPublished orders records newest first. Equal timestamps keep their
// first-seen order.
func (r *Result) SortByPublished() {
	sort.SliceStable(r.Records, func(i, j int) bool {
		return r.Records[i].PublishedAt.After(r.Records[j].PublishedAt)
	})
}

// Digest summarises the run for a chat notification.
func (r *Result) Digest() telegram.Digest {
	return telegram.Digest{
		Keyword:  r.Keyword,
		Sector:   r.Sector,
		Status:   r.Status,
		Searches: r.Searches,
		Entries:  r.Entries,
		Stats:    r.Stats,
		Records:  r.Records,
		Duration: r.Duration,
	}
}

type Pipeline struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	coordOnce sync.Once
	coord     Coordinator

	// Resolved links survive across runs of the same process.
	links *cache.Cache
}

func NewPipeline(cfg *config.Config, deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ttl := time.Duration(cfg.CacheTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Pipeline{
		cfg:   cfg,
		deps:  deps,
		log:   logger.Or(deps.Logger),
		coord: deps.Coordinator,
		links: cache.New(ttl),
	}
}

// Close releases the link memo. Archive and notifier belong to the caller.
func (p *Pipeline) Close() {
	p.links.Close()
}

// Run executes discovery, filtering and retrieval for params. It reports
// failure through Result.Status rather than an error; progress may be nil.
func (p *Pipeline) Run(ctx context.Context, params Params, progress chan<- Progress) (res Result) {
	start := time.Now()
	params = p.withDefaults(params)
	res.Keyword = params.Keyword

	defer func() {
		res.Duration = time.Since(start)
		metrics.Global.RecordProcessingTime(res.Duration)
		metrics.Global.SetLastRun()
		p.notify(ctx, &res)
	}()

	if strings.TrimSpace(params.Keyword) == "" {
		res.Status = "No keyword given."
		return res
	}

	res.Sector = p.sector(ctx, params)
	now := p.deps.Now()
	tasks := query.Expand(query.Request{
		Keyword:    params.Keyword,
		Sector:     res.Sector,
		Regions:    params.Regions,
		Days:       params.Days,
		Saturation: params.Saturation,
		Sectors:    p.cfg.Sectors,
	}, now)
	res.Searches = len(tasks)
	p.log.Info("search expanded", "keyword", params.Keyword, "sector", res.Sector, "tasks", len(tasks),
		"regions", len(params.Regions), "days", params.Days, "saturation", params.Saturation, "tor", params.UseTor)

	var coord Coordinator
	if params.UseTor {
		coord = p.coordinator()
	}

	entries, err := p.discover(ctx, params, tasks, coord, progress)
	if err != nil {
		metrics.Global.SetError(err.Error())
		res.Status = fmt.Sprintf("Discovery could not start: %v", err)
		return res
	}
	res.Entries = len(entries)

	records, stats := news.FilterEntries(entries, params.Days, params.MaxArticles, now)
	metrics.Global.AddArticlesAccepted(stats.Accepted)
	metrics.Global.AddOutOfWindow(stats.SkippedWindow)
	res.Records, res.Stats = records, stats

	if len(records) == 0 {
		res.Status = fmt.Sprintf("No articles found for %q in the last %d days. Try a broader keyword, more regions or a longer window.",
			params.Keyword, params.Days)
		return res
	}

	extracted, fallbacks, err := p.retrieve(ctx, params, records, coord, progress)
	if err != nil {
		metrics.Global.SetError(err.Error())
		res.Status = fmt.Sprintf("Retrieval could not start: %v", err)
		return res
	}
	res.Extracted, res.Fallbacks = extracted, fallbacks
	res.Status = fmt.Sprintf("Collected %d articles (%d with full text, %d from feed summaries).",
		len(records), extracted, fallbacks)

	if p.deps.Archive != nil {
		if err := p.deps.Archive.SaveArticles(ctx, params.Keyword, records); err != nil {
			p.log.Warn("archiving failed", "error", err)
		}
	}
	return res
}

func (p *Pipeline) withDefaults(params Params) Params {
	params.Keyword = strings.TrimSpace(params.Keyword)
	if len(params.Regions) == 0 {
		params.Regions = p.cfg.Regions
	}
	if len(params.Regions) == 0 {
		params.Regions = query.DefaultRegions
	}
	if params.Days < 1 {
		params.Days = p.cfg.Days
	}
	if params.MaxArticles < 1 {
		params.MaxArticles = p.cfg.MaxArticles
	}
	return params
}

// sector returns the sector used for query expansion. A missing or custom
// sector is classified; without a classifier it stays empty.
func (p *Pipeline) sector(ctx context.Context, params Params) string {
	if !classify.NeedsClassification(params.Sector) {
		sectors := p.cfg.Sectors
		if sectors == nil {
			sectors = query.DefaultSectors
		}
		if name, ok := query.KnownSector(sectors, params.Sector); ok {
			return name
		}
		return strings.TrimSpace(params.Sector)
	}
	if p.deps.Classifier == nil {
		return ""
	}
	return p.deps.Classifier.Classify(ctx, params.Keyword)
}

func (p *Pipeline) coordinator() Coordinator {
	p.coordOnce.Do(func() {
		if p.coord != nil {
			return
		}
		p.coord = tor.NewCoordinator(
			tor.NewControlPort(p.cfg.TorControlAddr, p.cfg.TorControlPassword),
			tor.WithMinInterval(p.cfg.RotationInterval),
			tor.WithStabilizeDelay(p.cfg.StabilizeDelay),
			tor.WithLogger(p.log),
		)
	})
	return p.coord
}

// newClient builds a phase-scoped client. The caller closes idle
// connections on the returned transport when the phase ends.
func (p *Pipeline) newClient(useTor bool, maxHeaderBytes int64) (*http.Client, *http.Transport, error) {
	socks := ""
	if useTor {
		socks = p.cfg.TorSocksAddr
	}
	t, err := tor.Transport(socks, p.cfg.RequestTimeout, maxHeaderBytes)
	if err != nil {
		return nil, nil, err
	}
	return &http.Client{Transport: t, Timeout: p.cfg.RequestTimeout}, t, nil
}

func (p *Pipeline) discover(ctx context.Context, params Params, tasks []query.SearchTask, coord Coordinator, progress chan<- Progress) ([]news.FeedEntry, error) {
	client, transport, err := p.newClient(params.UseTor, 0)
	if err != nil {
		return nil, err
	}
	defer transport.CloseIdleConnections()

	var cfg rss.Config
	if p.deps.Discovery != nil {
		cfg = *p.deps.Discovery
		cfg.UseTor = params.UseTor
	} else {
		cfg = rss.DefaultConfig(p.cfg.SearchURL, params.UseTor)
		cfg.Concurrency = p.cfg.SearchWorkers(params.UseTor)
	}

	exec := rss.NewExecutor(cfg, client, coord, p.log)

	inner, done := forward(ctx, PhaseDiscovery, progress)
	entries := exec.Run(ctx, tasks, inner)
	close(inner)
	<-done
	return entries, nil
}

// forward relays executor progress onto out, tagged with phase.
func forward(ctx context.Context, phase Phase, out chan<- Progress) (chan rss.Progress, <-chan struct{}) {
	in := make(chan rss.Progress)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for pr := range in {
			if out == nil {
				continue
			}
			select {
			case out <- Progress{Phase: phase, Completed: pr.Completed, Total: pr.Total}:
			case <-ctx.Done():
			}
		}
	}()
	return in, done
}

// retrieve resolves and extracts every distinct link once, then applies the
// destination and the outcome to all records sharing it.
func (p *Pipeline) retrieve(ctx context.Context, params Params, records []*news.ArticleRecord, coord Coordinator, progress chan<- Progress) (extracted, fallbacks int, err error) {
	client, transport, err := p.newClient(params.UseTor, retrievalHeaderLimit)
	if err != nil {
		return 0, 0, err
	}
	defer transport.CloseIdleConnections()

	scfg := scraper.DefaultConfig(params.UseTor)
	scfg.Timeout = p.cfg.RequestTimeout
	if params.UseTor {
		// The fallback keeps routing through the proxy but drops the
		// strict header limit.
		fb, err := tor.Transport(p.cfg.TorSocksAddr, p.cfg.RequestTimeout, 0)
		if err != nil {
			return 0, 0, err
		}
		defer fb.CloseIdleConnections()
		scfg.FallbackTransport = fb
	}

	resolver := resolve.NewResolver(client, p.log).WithCache(p.links)
	resolver.UseTor = params.UseTor
	if p.cfg.RedirectDomain != "" {
		resolver.Domain = p.cfg.RedirectDomain
	}
	if p.cfg.BatchURL != "" {
		resolver.BatchURL = p.cfg.BatchURL
	}

	// Links are resolved here so the destination reaches the record even
	// when extraction fails.
	extractor := scraper.NewExtractor(scfg, client, nil, coord, p.log)

	byLink := make(map[string][]*news.ArticleRecord)
	var links []string
	for _, r := range records {
		if _, seen := byLink[r.Link]; !seen {
			links = append(links, r.Link)
		}
		byLink[r.Link] = append(byLink[r.Link], r)
	}

	var (
		mu        sync.Mutex
		completed int
	)
	var g errgroup.Group
	g.SetLimit(p.cfg.RetrieveWorkers(params.UseTor))

	for _, link := range links {
		g.Go(func() error {
			dest := resolver.Resolve(ctx, link)
			content := p.fetchContent(ctx, extractor, dest)

			mu.Lock()
			defer mu.Unlock()
			usable := content != nil && utf8.RuneCountInString(content.FullText) > minUsableText
			for _, r := range byLink[link] {
				r.Link = dest
				applyContent(r, content, usable)
			}
			if usable {
				extracted++
			} else {
				fallbacks++
			}
			completed++
			if progress != nil {
				select {
				case progress <- Progress{Phase: PhaseRetrieval, Completed: completed, Total: len(links)}:
				case <-ctx.Done():
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	p.log.Info("retrieval finished", "links", len(links), "extracted", extracted, "fallbacks", fallbacks)
	return extracted, fallbacks, nil
}

// fetchContent serves link from the extraction cache when possible. A nil
// result means extraction failed.
func (p *Pipeline) fetchContent(ctx context.Context, extractor *scraper.Extractor, link string) *scraper.Content {
	if link == "" {
		return nil
	}
	if p.deps.Archive != nil {
		if e, ok := p.deps.Archive.GetExtraction(ctx, link); ok {
			p.log.Debug("extraction cache hit", "url", link)
			return &scraper.Content{FullText: e.FullText, Summary: e.Summary, IsPaywalled: e.IsPaywalled}
		}
	}

	content, err := extractor.Extract(ctx, link)
	if err != nil {
		p.log.Warn("extraction failed, using feed description", "url", link, "reason", news.Reason(err), "error", err)
		return nil
	}

	if p.deps.Archive != nil && content.FullText != "" {
		e := storage.Extraction{URL: link, FullText: content.FullText, Summary: content.Summary, IsPaywalled: content.IsPaywalled}
		if err := p.deps.Archive.SetExtraction(ctx, e); err != nil {
			p.log.Warn("could not cache extraction", "url", link, "error", err)
		}
	}
	return content
}

// applyContent writes the extraction onto r, or the feed description when
// the extraction is missing or too short. A paywall verdict from the
// extractor is kept either way.
func applyContent(r *news.ArticleRecord, c *scraper.Content, usable bool) {
	if usable {
		r.FullText = c.FullText
		r.Summary = c.Summary
		r.IsPaywalled = c.IsPaywalled
		return
	}
	r.FullText = fallbackNotice + r.Description
	r.Summary = r.Description
	r.IsPaywalled = c != nil && c.IsPaywalled
}

func (p *Pipeline) notify(ctx context.Context, res *Result) {
	if p.deps.Notifier == nil {
		return
	}
	if err := p.deps.Notifier.SendMessage(ctx, telegram.FormatDigest(res.Digest())); err != nil {
		p.log.Warn("digest not sent", "error", err)
	}
}
