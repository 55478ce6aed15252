package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deusflow/harvester/internal/news"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	maxMessageLen  = 4000
	maxHeadlines   = 10
)

// Client posts run digests to one Telegram chat or channel.
type Client struct {
	Token      string
	ChatID     string
	APIBase    string
	MaxRetries int
	HTTP       *http.Client

	sleep func(context.Context, time.Duration) error
}

func NewClient(token, chatID string) *Client {
	return &Client{
		Token:      token,
		ChatID:     chatID,
		APIBase:    defaultAPIBase,
		MaxRetries: 3,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		sleep:      sleepCtx,
	}
}

// SendMessage sends text message to Telegram chat/channel with retry logic
func (c *Client) SendMessage(ctx context.Context, text string) error {
	maxRetries := c.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := c.sendMessageOnce(ctx, text)
		if err == nil {
			log.Printf("Message sent to Telegram (try %d)", attempt)
			return nil
		}

		log.Printf("Error send to Telegram (try %d/%d): %v", attempt, maxRetries, err)

		if attempt < maxRetries {
			// Exponential backoff: 2^attempt seconds
			waitTime := time.Duration(1<<attempt) * time.Second
			log.Printf("Wait %v before next try...", waitTime)
			if err := c.sleep(ctx, waitTime); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("can't send message after %d tries", maxRetries)
}

// sendMessageOnce does one try to send message
func (c *Client) sendMessageOnce(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(c.APIBase, "/"), c.Token)

	payload := map[string]interface{}{
		"chat_id":                  c.ChatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true, // No link preview for clean
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error make JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("error HTTP request: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			log.Printf("Warning: failed to close response body: %v", err)
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API error: status %d", resp.StatusCode)
	}

	return nil
}

// Digest is what a run reports to the chat.
type Digest struct {
	Keyword  string
	Sector   string
	Status   string
	Searches int
	Entries  int
	Stats    news.Stats
	Records  []*news.ArticleRecord
	Duration time.Duration
}

// FormatDigest renders d as Telegram HTML, listing up to ten headlines.
func FormatDigest(d Digest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "📰 <b>%s</b>", html.EscapeString(d.Keyword))
	if d.Sector != "" {
		fmt.Fprintf(&b, " <i>(%s)</i>", html.EscapeString(d.Sector))
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "🔎 Searches: %d, feed entries: %d\n", d.Searches, d.Entries)
	fmt.Fprintf(&b, "✅ Accepted: %d, duplicates: %d, out of window: %d\n",
		d.Stats.Accepted, d.Stats.SkippedDuplicate, d.Stats.SkippedWindow)
	paywalled := 0
	for _, r := range d.Records {
		if r.IsPaywalled {
			paywalled++
		}
	}
	fmt.Fprintf(&b, "🔒 Paywalled: %d\n", paywalled)
	if d.Duration > 0 {
		fmt.Fprintf(&b, "⏱ Took %s\n", d.Duration.Round(time.Second))
	}
	if d.Status != "" {
		fmt.Fprintf(&b, "\n%s\n", html.EscapeString(d.Status))
	}

	if len(d.Records) > 0 {
		b.WriteString("\n")
	}
	for i, r := range d.Records {
		if i == maxHeadlines {
			fmt.Fprintf(&b, "… and %d more\n", len(d.Records)-maxHeadlines)
			break
		}
		line := fmt.Sprintf("• <a href=\"%s\">%s</a> (%s)\n",
			html.EscapeString(r.Link), html.EscapeString(r.Title), html.EscapeString(r.Source))
		if b.Len()+len(line) > maxMessageLen {
			break
		}
		b.WriteString(line)
	}

	return b.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
