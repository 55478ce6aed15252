package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-1.5-flash"

type Client struct {
	client *genai.Client
	model  string
}

func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{client: client, model: defaultModel}, nil
}

func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// ClassifySector asks the model which of sectors best fits keyword. It
// returns an error when the answer names none of them.
func (c *Client) ClassifySector(ctx context.Context, keyword string, sectors []string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0)

	resp, err := model.GenerateContent(ctx, genai.Text(Prompt(keyword, sectors)))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from Gemini")
	}

	response := fmt.Sprintf("%v", resp.Candidates[0].Content.Parts[0])
	return ParseSector(response, sectors)
}

// Prompt builds the classification instruction shared by every provider.
func Prompt(keyword string, sectors []string) string {
	return fmt.Sprintf(`Classify the news search keyword below into exactly one sector.

KEYWORD: %s

SECTORS:
- %s

Reply in exactly this format and nothing else:

SECTOR: <one sector name copied from the list>

Example:

SECTOR: %s
`, strings.TrimSpace(keyword), strings.Join(sectors, "\n- "), exampleSector(sectors))
}

func exampleSector(sectors []string) string {
	if len(sectors) == 0 {
		return "Finance"
	}
	return sectors[0]
}

// ParseSector pulls the sector name out of a model reply. A labelled line
// wins; otherwise the first listed sector mentioned anywhere is taken.
// Matching ignores case and surrounding punctuation.
func ParseSector(response string, sectors []string) (string, error) {
	for _, raw := range strings.Split(response, "\n") {
		line := strings.TrimSpace(raw)
		label, rest, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.Trim(label, "*# "), "sector") {
			continue
		}
		if s, ok := match(rest, sectors); ok {
			return s, nil
		}
	}

	lower := strings.ToLower(response)
	for _, s := range sectors {
		if strings.Contains(lower, strings.ToLower(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("could not parse sector from response: %q", strings.TrimSpace(response))
}

func match(answer string, sectors []string) (string, bool) {
	answer = strings.Trim(answer, `*"'. `)
	for _, s := range sectors {
		if strings.EqualFold(answer, s) {
			return s, true
		}
	}
	return "", false
}
