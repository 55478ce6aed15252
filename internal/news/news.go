// Package news holds the article data model and the deduplication and
// time-window filter that turns raw feed entries into article records.
package news

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// FeedEntry is one raw result item from a search feed.
type FeedEntry struct {
	Title        string
	SourceName   string
	Link         string
	PublishedRaw string
	Published    *time.Time // set when the feed parser already parsed the date
	SummaryHTML  string
}

// ArticleRecord is the durable unit of output. The JSON names are the
// contract consumed by presentation and entity ranking.
type ArticleRecord struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published"`
	Description string    `json:"description"`
	FullText    string    `json:"full_text"`
	Summary     string    `json:"summary"`
	IsPaywalled bool      `json:"is_paywall"`
}

const noDescription = "No description"

var (
	andMoreRe = regexp.MustCompile(`\s*and more\s*»`)

	dateLayouts = []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		time.RFC3339,
		"Mon, 2 Jan 2006 15:04:05 MST",
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2006-01-02 15:04:05",
	}
)

// PublishedTime returns the entry's publish timestamp, parsing the raw
// string when the feed parser did not.
func (e FeedEntry) PublishedTime() (time.Time, bool) {
	if e.Published != nil && !e.Published.IsZero() {
		return *e.Published, true
	}
	raw := strings.TrimSpace(e.PublishedRaw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeTitle lowercases a title and collapses every run of
// non-alphanumeric characters into one space.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	gap := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			if gap && b.Len() > 0 {
				b.WriteByte(' ')
			}
			gap = false
			b.WriteRune(r)
			continue
		}
		gap = true
	}
	return b.String()
}

// CleanDescription turns the HTML summary of a feed entry into plain text and
// drops the "and more »" marker search feeds append.
func CleanDescription(summaryHTML string) string {
	if strings.TrimSpace(summaryHTML) == "" {
		return noDescription
	}
	text := summaryHTML
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(summaryHTML)); err == nil {
		var parts []string
		doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
			if t := strings.TrimSpace(s.Text()); t != "" {
				parts = append(parts, t)
			}
		})
		text = strings.Join(parts, " ")
	}
	text = strings.Join(strings.Fields(text), " ")
	text = andMoreRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return noDescription
	}
	return text
}
