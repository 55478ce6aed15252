// Package browser supplies randomized, realistic browser request headers.
package browser

import (
	"math/rand"
	"net/http"
)

const accept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.2; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 10; K) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Mobile Safari/537.36",
}

var acceptLanguages = []string{"en-US,en;q=0.9", "en-GB,en;q=0.8", "en-IN,en;q=0.9"}

func UserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}

// Headers returns a fresh header set for a top-level navigation.
func Headers() map[string]string {
	return map[string]string{
		"User-Agent":                UserAgent(),
		"Accept":                    accept,
		"Accept-Language":           acceptLanguages[rand.Intn(len(acceptLanguages))],
		"DNT":                       "1",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
	}
}

// Apply sets Headers on req. With anonymous set the connection is closed
// after the response so the next request can pick up a new circuit.
func Apply(req *http.Request, anonymous bool) {
	for k, v := range Headers() {
		req.Header.Set(k, v)
	}
	if anonymous {
		req.Header.Set("Connection", "close")
		req.Close = true
	}
}
