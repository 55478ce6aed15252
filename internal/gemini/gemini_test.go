package gemini

import (
	"strings"
	"testing"
)

var sectors = []string{"Finance", "Tech & AI", "Health"}

func TestParseSector(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     string
	}{
		{"labelled", "SECTOR: Health", "Health"},
		{"lower case label", "sector: tech & ai\n", "Tech & AI"},
		{"markdown", "**Sector:** \"Finance\".", "Finance"},
		{"preamble", "Sure!\n\nSECTOR: Tech & AI", "Tech & AI"},
		{"unlabelled mention", "I would say this is Finance news.", "Finance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSector(tc.response, sectors)
			if err != nil {
				t.Fatalf("ParseSector: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseSectorUnknown(t *testing.T) {
	if _, err := ParseSector("SECTOR: Gardening", sectors); err == nil {
		t.Error("expected an error for a sector outside the list")
	}
}

func TestPromptListsSectors(t *testing.T) {
	p := Prompt("  solar panels ", sectors)
	if !strings.Contains(p, "KEYWORD: solar panels\n") {
		t.Errorf("keyword not trimmed into prompt:\n%s", p)
	}
	for _, s := range sectors {
		if !strings.Contains(p, "- "+s) {
			t.Errorf("prompt is missing sector %q", s)
		}
	}
}
