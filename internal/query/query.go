// Package query expands one topic keyword into the full set of search
// requests issued during discovery.
package query

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultRegions is used when the caller selects no region.
var DefaultRegions = []string{"IN:en", "US:en", "GB:en", "AU:en", "CA:en", "SG:en"}

// DefaultSectors maps a sector label to related search terms.
var DefaultSectors = map[string][]string{
	"Finance":        {"stocks", "banking", "economy", "investment", "fintech", "market", "trading", "crypto", "dividend", "revenue", "fiscal", "quarterly", "merger", "acquisition"},
	"Tech & AI":      {"artificial intelligence", "startup", "cybersecurity", "software", "innovation", "gadgets", "cloud computing", "machine learning", "robotics", "semiconductor", "big data", "saas", "hardware"},
	"Health":         {"medicine", "healthcare", "pharma", "wellness", "medical", "biotech", "hospital", "clinical trial", "vaccine", "genomic", "telemedicine", "digital health"},
	"Sustainability": {"climate change", "green energy", "renewable", "carbon", "environment", "esg", "solar", "wind", "electric vehicle", "circular economy", "biodiversity", "net zero"},
	"Education":      {"schools", "universities", "edtech", "learning", "students", "campus", "curriculum", "literacy", "higher education", "vocational", "scholarship"},
	"Sports":         {"cricket", "football", "olympics", "tournament", "championship", "league", "athlete", "sponsorship", "world cup", "transfer", "record"},
	"Startups":       {"funding", "unicorn", "venture capital", "entrepreneur", "ipo", "acquisition", "seed round", "series a", "accelerator", "incubator", "scalability"},
	"Lifestyle":      {"fashion", "travel", "food", "luxury", "trends", "culture", "design", "wellness", "real estate", "architecture", "gastronomy", "influencer"},
}

var (
	standardModifiers   = []string{"news", "report"}
	saturationModifiers = []string{"news", "report", "breaking", "update", "latest", "analysis", "forecast", "trends", "market", "sector", "industry"}
)

const (
	standardSlicesPerDay   = 1
	saturationSlicesPerDay = 4
)

// Request is everything the expander needs to know about one search.
type Request struct {
	Keyword    string
	Sector     string
	Regions    []string
	Days       int
	Saturation bool

	// Sectors overrides DefaultSectors when non-nil.
	Sectors map[string][]string
}

// SearchTask is one fully parameterised discovery request.
type SearchTask struct {
	Query       string
	Region      string
	WindowStart time.Time
	WindowEnd   time.Time
}

// Key identifies the request as it goes on the wire, minus the cache-busting
// token. Sub-day slices that widen to the same dates share a key.
func (t SearchTask) Key() string {
	return t.URL("", "")
}

// URL renders the task against the search endpoint at base. token is the
// per-call value that keeps otherwise identical URLs from hitting a cache.
//
// The search surface only understands whole days, so a sub-day window is
// widened to the calendar day it starts in.
func (t SearchTask) URL(base, token string) string {
	country, lang := SplitRegion(t.Region)

	after := t.WindowStart.UTC().Format("2006-01-02")
	before := t.WindowEnd.UTC().Format("2006-01-02")
	if before <= after {
		before = t.WindowStart.UTC().AddDate(0, 0, 1).Format("2006-01-02")
	}

	v := url.Values{}
	v.Set("q", fmt.Sprintf("%s after:%s before:%s", t.Query, after, before))
	v.Set("hl", lang+"-"+country)
	v.Set("gl", country)
	v.Set("ceid", country+":"+lang)
	if token != "" {
		v.Set("nc", token)
	}
	return base + "?" + v.Encode()
}

// SplitRegion splits a "CC:lang" region code. A code without a language
// defaults to English.
func SplitRegion(region string) (country, lang string) {
	country, lang, ok := strings.Cut(region, ":")
	if !ok || lang == "" {
		lang = "en"
	}
	return strings.ToUpper(country), lang
}

// Variants returns the ordered, de-duplicated query strings for req.
func Variants(req Request) []string {
	kw := strings.TrimSpace(req.Keyword)
	quoted := `"` + kw + `"`

	var queries []string
	if req.Saturation {
		queries = append(queries, kw, quoted)
		for _, m := range saturationModifiers {
			queries = append(queries, kw+" "+m, quoted+" "+m)
		}
	} else {
		queries = append(queries, kw, quoted)
		for _, m := range standardModifiers {
			queries = append(queries, kw+" "+m)
		}
	}

	if label, terms, ok := lookupSector(req.sectors(), req.Sector); ok {
		selfReferential := strings.EqualFold(kw, label)
		for _, term := range terms {
			if selfReferential {
				queries = append(queries, term)
			} else {
				queries = append(queries, kw+" "+term)
			}
		}
	}

	return dedupe(queries)
}

// Windows partitions the last days days before now into slices. Saturation
// mode cuts every day into more slices than standard mode.
func Windows(days int, saturation bool, now time.Time) [][2]time.Time {
	if days < 1 {
		days = 1
	}
	perDay := standardSlicesPerDay
	if saturation {
		perDay = saturationSlicesPerDay
	}
	step := 24 * time.Hour / time.Duration(perDay)

	windows := make([][2]time.Time, 0, days*perDay)
	for d := 0; d < days; d++ {
		dayEnd := now.Add(-time.Duration(d) * 24 * time.Hour)
		for s := 0; s < perDay; s++ {
			end := dayEnd.Add(-time.Duration(s) * step)
			windows = append(windows, [2]time.Time{end.Add(-step), end})
		}
	}
	return windows
}

// Expand builds every (window × query × region) SearchTask, dropping
// duplicates while keeping first-seen order.
func Expand(req Request, now time.Time) []SearchTask {
	regions := req.Regions
	if len(regions) == 0 {
		regions = DefaultRegions
	}

	variants := Variants(req)
	windows := Windows(req.Days, req.Saturation, now)

	seen := make(map[string]struct{}, len(variants)*len(windows)*len(regions))
	tasks := make([]SearchTask, 0, len(variants)*len(windows)*len(regions))
	for _, w := range windows {
		for _, q := range variants {
			for _, r := range regions {
				t := SearchTask{Query: q, Region: r, WindowStart: w[0], WindowEnd: w[1]}
				key := t.Key()
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				tasks = append(tasks, t)
			}
		}
	}
	return tasks
}

// KnownSector reports whether label names a sector in sectors (case
// insensitive) and returns its canonical spelling.
func KnownSector(sectors map[string][]string, label string) (string, bool) {
	canonical, _, ok := lookupSector(sectors, label)
	return canonical, ok
}

func (r Request) sectors() map[string][]string {
	if r.Sectors != nil {
		return r.Sectors
	}
	return DefaultSectors
}

func lookupSector(sectors map[string][]string, label string) (string, []string, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", nil, false
	}
	if terms, ok := sectors[label]; ok {
		return label, terms, true
	}
	for name, terms := range sectors {
		if strings.EqualFold(name, label) {
			return name, terms, true
		}
	}
	return "", nil, false
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
