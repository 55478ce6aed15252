package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deusflow/harvester/internal/news"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestSendMessageRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		if payload["chat_id"] != "42" || payload["parse_mode"] != "HTML" {
			t.Errorf("payload = %v", payload)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient("TOKEN", "42")
	c.APIBase = srv.URL
	c.sleep = noSleep

	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server saw %d calls, want 2", calls.Load())
	}
}

func TestSendMessageGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("bad", "42")
	c.APIBase = srv.URL
	c.sleep = noSleep

	if err := c.SendMessage(context.Background(), "hello"); err == nil {
		t.Error("expected an error after every attempt failed")
	}
}

func TestFormatDigest(t *testing.T) {
	var records []*news.ArticleRecord
	for i := 0; i < 12; i++ {
		records = append(records, &news.ArticleRecord{Title: "A & B", Source: "Wire", Link: "https://example.com/?a=1&b=2"})
	}
	records[0].IsPaywalled = true

	msg := FormatDigest(Digest{
		Keyword: "<acme>",
		Sector:  "Finance",
		Stats:   news.Stats{Accepted: 12, SkippedDuplicate: 3},
		Records: records,
	})

	for _, want := range []string{"&lt;acme&gt;", "(Finance)", "Accepted: 12, duplicates: 3", "Paywalled: 1", "A &amp; B", "a=1&amp;b=2", "and 2 more"} {
		if !strings.Contains(msg, want) {
			t.Errorf("digest is missing %q:\n%s", want, msg)
		}
	}
	if n := strings.Count(msg, "• "); n != maxHeadlines {
		t.Errorf("listed %d headlines, want %d", n, maxHeadlines)
	}
}
