package browser

import (
	"net/http"
	"testing"
)

func TestApplyAnonymous(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	Apply(req, true)

	if req.Header.Get("User-Agent") == "" || req.Header.Get("Accept-Language") == "" {
		t.Errorf("browser identity missing: %v", req.Header)
	}
	if req.Header.Get("Connection") != "close" || !req.Close {
		t.Error("anonymous request should close its connection")
	}
}

func TestApplyKeepsConnection(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	Apply(req, false)

	if req.Close || req.Header.Get("Connection") != "" {
		t.Error("plain request should keep its connection")
	}
}

func TestUserAgentFromPool(t *testing.T) {
	known := make(map[string]bool, len(userAgents))
	for _, ua := range userAgents {
		known[ua] = true
	}
	for i := 0; i < 20; i++ {
		if ua := UserAgent(); !known[ua] {
			t.Fatalf("unexpected user agent %q", ua)
		}
	}
}
