package news

import (
	"fmt"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func entryAt(title, source, link string, published time.Time) FeedEntry {
	return FeedEntry{
		Title:        title,
		SourceName:   source,
		Link:         link,
		PublishedRaw: published.Format(time.RFC1123Z),
		SummaryHTML:  "<a href=\"" + link + "\">" + title + "</a>&nbsp;<font>" + source + "</font>",
	}
}

func TestFilterSameLinkTwice(t *testing.T) {
	e := entryAt("Acme ships rockets", "Wire", "https://example.com/a", testNow.Add(-time.Hour))

	records, st := FilterEntries([]FeedEntry{e, e}, 7, 100, testNow)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if st.SkippedDuplicate != 1 {
		t.Errorf("SkippedDuplicate = %d, want 1", st.SkippedDuplicate)
	}
}

func TestFilterNormalizedTitleDuplicate(t *testing.T) {
	a := entryAt("Acme Corp!", "Wire", "https://example.com/a", testNow.Add(-time.Hour))
	b := entryAt("acme corp", "Wire", "https://example.com/b", testNow.Add(-2*time.Hour))

	records, _ := FilterEntries([]FeedEntry{a, b}, 7, 100, testNow)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Link != "https://example.com/a" {
		t.Errorf("kept %q, want the first-seen entry", records[0].Link)
	}
}

func TestFilterSameTitleDifferentSourceKept(t *testing.T) {
	a := entryAt("Acme Corp!", "Wire", "https://example.com/a", testNow.Add(-time.Hour))
	b := entryAt("Acme Corp!", "Gazette", "https://example.com/b", testNow.Add(-time.Hour))

	records, _ := FilterEntries([]FeedEntry{a, b}, 7, 100, testNow)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}

func TestFilterTimeWindowBoundary(t *testing.T) {
	tooOld := entryAt("Old story", "Wire", "https://example.com/old", testNow.Add(-8*24*time.Hour-time.Second))
	inside := entryAt("Fresh story", "Wire", "https://example.com/new", testNow.Add(-7*24*time.Hour+time.Second))
	future := entryAt("Future story", "Wire", "https://example.com/future", testNow.Add(24*time.Hour+time.Second))

	records, st := FilterEntries([]FeedEntry{tooOld, inside, future}, 7, 100, testNow)
	if len(records) != 1 || records[0].Title != "Fresh story" {
		t.Fatalf("got %+v, want only the fresh story", records)
	}
	if st.SkippedWindow != 2 {
		t.Errorf("SkippedWindow = %d, want 2", st.SkippedWindow)
	}
}

func TestFilterRejectsUndated(t *testing.T) {
	e := FeedEntry{Title: "No date", SourceName: "Wire", Link: "https://example.com/x", PublishedRaw: "yesterday-ish"}

	records, st := FilterEntries([]FeedEntry{e}, 7, 100, testNow)
	if len(records) != 0 {
		t.Fatalf("got %d records, want 0", len(records))
	}
	if st.SkippedUndated != 1 {
		t.Errorf("SkippedUndated = %d, want 1", st.SkippedUndated)
	}
}

func TestFilterStopsAtMax(t *testing.T) {
	var entries []FeedEntry
	for i := 0; i < 10; i++ {
		entries = append(entries, entryAt(fmt.Sprintf("Story number %d", i), "Wire",
			fmt.Sprintf("https://example.com/%d", i), testNow.Add(-time.Hour)))
	}

	f := NewFilter(7, 3, testNow)
	for _, e := range entries {
		f.Add(e)
	}
	if got := len(f.Records()); got != 3 {
		t.Fatalf("got %d records, want 3", got)
	}
	if !f.Full() {
		t.Error("filter should report full")
	}
	if f.Add(entryAt("Another", "Wire", "https://example.com/late", testNow)) {
		t.Error("full filter accepted a record")
	}
}

// Three search tasks return 5, 3 and 5 entries. Four of them repeat a link
// already seen and one is outside the window, leaving eight records.
func TestFilterEndToEndBatch(t *testing.T) {
	at := testNow.Add(-6 * time.Hour)
	mk := func(i int) FeedEntry {
		return entryAt(fmt.Sprintf("Headline %d", i), "Wire", fmt.Sprintf("https://example.com/%d", i), at)
	}

	task1 := []FeedEntry{mk(1), mk(2), mk(3), mk(4), mk(5)}
	task2 := []FeedEntry{mk(1), mk(2), mk(6)}
	task3 := []FeedEntry{mk(3), mk(4), mk(7), mk(8),
		entryAt("Ancient", "Wire", "https://example.com/ancient", testNow.Add(-30*24*time.Hour))}

	var all []FeedEntry
	all = append(all, task1...)
	all = append(all, task2...)
	all = append(all, task3...)

	records, st := FilterEntries(all, 7, 1000, testNow)
	if len(records) != 8 {
		t.Fatalf("got %d records, want 8", len(records))
	}
	if st.SkippedDuplicate != 4 || st.SkippedWindow != 1 {
		t.Errorf("stats = %+v, want 4 duplicates and 1 out of window", st)
	}
	for i, r := range records {
		if r.Description == "" {
			t.Errorf("record %d has empty description", i)
		}
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Acme Corp!", "acme corp"},
		{"acme corp", "acme corp"},
		{"  Acme -- Corp...  ", "acme corp"},
		{"Q3: revenue up 10%", "q3 revenue up 10"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := NormalizeTitle(tt.in); got != tt.want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanDescription(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "No description"},
		{`<a href="https://x">Acme ships</a>&nbsp;&nbsp;<font color="#6f6f6f">Wire</font>`, "Acme ships Wire"},
		{"<p>Big news and more »</p>", "Big news"},
		{"plain   text", "plain text"},
	}
	for _, tt := range tests {
		if got := CleanDescription(tt.in); got != tt.want {
			t.Errorf("CleanDescription(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
