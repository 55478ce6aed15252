package scraper

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	minChunkLen        = 30
	minParagraphLen    = 50
	minHeuristicLen    = 200
	maxFallbackLen     = 50000
	paywallScanLen     = 1000
	teaserLen          = 500
	summaryChunks      = 3
	summaryFallbackLen = 400
)

var (
	noiseTags = "script, style, nav, header, footer, aside, form, iframe, button, input, textarea, select, option, ads, noscript, svg, figure, figcaption"

	noiseRe     = regexp.MustCompile(`(?i)ad-|ads|promo|subscribe|popup|cookie|menu|sidebar|social|share|comment|newsletter|related`)
	contentRe   = regexp.MustCompile(`(?i)content|body|article|story|main`)
	blankRunsRe = regexp.MustCompile(`\n{3,}`)

	paywallPhrases = []string{
		"subscription required",
		"subscribe now",
		"already a subscriber",
		"log in to continue",
		"read the full article",
		"premium content",
		"register to continue",
		"you have reached your limit",
	}
	teaserMarkers = []string{"subscribe", "login", "register"}
)

// Content is what the extractor recovers from one article page.
type Content struct {
	FullText    string `json:"full_text"`
	Summary     string `json:"summary"`
	IsPaywalled bool   `json:"is_paywall"`
}

// ExtractHTML cleans a parsed page and pulls the article text out of it. The
// document is modified in place.
func ExtractHTML(doc *goquery.Document) *Content {
	// Page text as a reader would see it, before noise removal.
	doc.Find("script, style, noscript").Remove()
	pageText := strings.ToLower(joinText(doc.Selection, " "))

	clean(doc)
	cleanedText := strings.ToLower(collapseSpace(joinText(doc.Selection, " ")))

	paywalled := hasPaywallPhrase(prefix(cleanedText, paywallScanLen))

	target := locateBody(doc)

	var chunks []string
	target.Find("p, h2, h3, li").Each(func(_ int, s *goquery.Selection) {
		text := joinText(s, " ")
		if utf8.RuneCountInString(text) <= minChunkLen {
			return
		}
		lower := strings.ToLower(text)
		if strings.Contains(lower, "copyright") || strings.Contains(lower, "all rights reserved") {
			return
		}
		chunks = append(chunks, text)
	})

	fullText := strings.Join(chunks, "\n\n")
	if utf8.RuneCountInString(fullText) < minHeuristicLen {
		all := joinText(doc.Selection, "\n\n")
		if n := utf8.RuneCountInString(all); n > minHeuristicLen && n < maxFallbackLen {
			fullText = all
		}
	}
	fullText = blankRunsRe.ReplaceAllString(fullText, "\n\n")

	var summary string
	if len(chunks) > 0 {
		summary = strings.Join(chunks[:min(summaryChunks, len(chunks))], " ")
	} else if utf8.RuneCountInString(fullText) > summaryFallbackLen {
		summary = prefix(fullText, summaryFallbackLen) + "..."
	} else {
		summary = fullText
	}

	if utf8.RuneCountInString(fullText) < teaserLen && containsAny(pageText, teaserMarkers) {
		paywalled = true
	}

	return &Content{FullText: fullText, Summary: summary, IsPaywalled: paywalled}
}

// clean drops non-content elements and anything whose class or id looks
// like page furniture.
func clean(doc *goquery.Document) {
	doc.Find(noiseTags).Remove()
	doc.Find("body [class], body [id]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		if noiseRe.MatchString(class) || noiseRe.MatchString(id) {
			s.Remove()
		}
	})
}

// locateBody picks the element holding the article: a semantic article
// element, else the largest content-named div, else the parent aggregating
// the most substantial paragraph text, else body.
func locateBody(doc *goquery.Document) *goquery.Selection {
	if a := doc.Find("article").First(); a.Length() > 0 {
		return a
	}
	if best := largestContentDiv(doc); best != nil {
		return best
	}
	if best := densestParent(doc); best != nil {
		return best
	}
	if body := doc.Find("body"); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

func largestContentDiv(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestLen := 0
	doc.Find("div").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		if !contentRe.MatchString(class) && !contentRe.MatchString(id) {
			return
		}
		if n := utf8.RuneCountInString(joinText(s, " ")); best == nil || n > bestLen {
			best, bestLen = s, n
		}
	})
	return best
}

// densestParent groups paragraphs longer than 50 characters by their parent
// element and returns the parent with the largest total.
func densestParent(doc *goquery.Document) *goquery.Selection {
	totals := make(map[*html.Node]int)
	var order []*html.Node
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		n := utf8.RuneCountInString(joinText(p, ""))
		if n <= minParagraphLen {
			return
		}
		parent := p.Get(0).Parent
		if parent == nil {
			return
		}
		if _, seen := totals[parent]; !seen {
			order = append(order, parent)
		}
		totals[parent] += n
	})

	var best *html.Node
	for _, n := range order {
		if best == nil || totals[n] > totals[best] {
			best = n
		}
	}
	if best == nil {
		return nil
	}
	return doc.FindNodes(best)
}

// joinText returns the trimmed text nodes under s joined by sep.
func joinText(s *goquery.Selection, sep string) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return strings.Join(parts, sep)
}

func hasPaywallPhrase(text string) bool {
	return containsAny(text, paywallPhrases)
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// prefix returns the first n runes of s.
func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
