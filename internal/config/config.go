// Package config loads harvester settings from defaults, an optional .env
// file, an optional YAML file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/deusflow/harvester/internal/query"
	"github.com/deusflow/harvester/internal/resolve"
)

const (
	DefaultSearchURL = "https://news.google.com/rss/search"

	// Worker caps applied when traffic goes through the anonymity network.
	TorSearchConcurrency   = 3
	TorRetrieveConcurrency = 5
)

type Config struct {
	// Search settings
	Days        int
	MaxArticles int
	Saturation  bool
	Regions     []string
	Sectors     map[string][]string
	SearchURL   string

	// Redirect links under RedirectDomain are resolved through BatchURL.
	RedirectDomain string
	BatchURL       string

	// Worker pools
	SearchConcurrency   int
	RetrieveConcurrency int

	// Anonymity settings
	UseTor             bool
	TorSocksAddr       string
	TorControlAddr     string
	TorControlPassword string
	RotationInterval   time.Duration // minimum gap between two identity rotations
	StabilizeDelay     time.Duration // wait after a rotation before traffic resumes

	// HTTP settings
	RequestTimeout time.Duration

	// Classification settings
	GeminiAPIKey  string
	OpenAIAPIKey  string
	MaxAIRequests int // 0 = unlimited

	// Archive settings
	DatabaseURL     string
	ArchiveFilePath string
	CacheTTLHours   int

	// Telegram settings
	TelegramToken  string
	TelegramChatID string

	// App settings
	Debug                bool
	EnableHTTPMonitoring bool
	MonitoringPort       string
	ConfigPath           string
}

// FileConfig is the YAML layout:
//
//	regions: ["IN:en", "US:en"]
//	sectors:
//	  Finance: ["stocks", "banking"]
type FileConfig struct {
	Regions        []string            `yaml:"regions"`
	Sectors        map[string][]string `yaml:"sectors"`
	SearchURL      string              `yaml:"search_url"`
	RedirectDomain string              `yaml:"redirect_domain"`
	BatchURL       string              `yaml:"batch_url"`
	Days           int                 `yaml:"days"`
	MaxArticles    int                 `yaml:"max_articles"`
}

var regionRe = regexp.MustCompile(`^[A-Za-z]{2}:[A-Za-z]{2,3}$`)

func Default() *Config {
	return &Config{
		Days:                7,
		MaxArticles:         100,
		Regions:             append([]string(nil), query.DefaultRegions...),
		Sectors:             query.DefaultSectors,
		SearchURL:           DefaultSearchURL,
		RedirectDomain:      resolve.DefaultDomain,
		BatchURL:            resolve.DefaultBatchURL,
		SearchConcurrency:   10,
		RetrieveConcurrency: 20,
		TorSocksAddr:        "127.0.0.1:9150",
		TorControlAddr:      "127.0.0.1:9151",
		RotationInterval:    30 * time.Second,
		StabilizeDelay:      20 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxAIRequests:       3,
		ArchiveFilePath:     "articles.json",
		CacheTTLHours:       24,
		MonitoringPort:      "8080",
		ConfigPath:          "configs/harvester.yaml",
	}
}

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	cfg.ConfigPath = getEnvOrDefault("HARVESTER_CONFIG", cfg.ConfigPath)

	if err := cfg.loadFile(cfg.ConfigPath); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// loadFile merges the YAML file at path into c. A missing file is not an
// error.
func (c *Config) loadFile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	var fc FileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	if len(fc.Regions) > 0 {
		c.Regions = fc.Regions
	}
	if len(fc.Sectors) > 0 {
		c.Sectors = fc.Sectors
	}
	if fc.SearchURL != "" {
		c.SearchURL = fc.SearchURL
	}
	if fc.RedirectDomain != "" {
		c.RedirectDomain = fc.RedirectDomain
	}
	if fc.BatchURL != "" {
		c.BatchURL = fc.BatchURL
	}
	if fc.Days > 0 {
		c.Days = fc.Days
	}
	if fc.MaxArticles > 0 {
		c.MaxArticles = fc.MaxArticles
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Days = getEnvIntOrDefault("DAYS", c.Days)
	c.MaxArticles = getEnvIntOrDefault("MAX_ARTICLES", c.MaxArticles)
	c.UseTor = getEnvBoolOrDefault("USE_TOR", c.UseTor)
	c.Saturation = getEnvBoolOrDefault("SATURATION", c.Saturation)
	c.SearchConcurrency = getEnvIntOrDefault("SEARCH_CONCURRENCY", c.SearchConcurrency)
	c.RetrieveConcurrency = getEnvIntOrDefault("RETRIEVE_CONCURRENCY", c.RetrieveConcurrency)

	c.TorSocksAddr = getEnvOrDefault("TOR_SOCKS_ADDR", c.TorSocksAddr)
	c.TorControlAddr = getEnvOrDefault("TOR_CONTROL_ADDR", c.TorControlAddr)
	c.TorControlPassword = os.Getenv("TOR_CONTROL_PASSWORD")

	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.RequestTimeout = d
		} else if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.RequestTimeout = time.Duration(secs) * time.Second
		}
	}

	c.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv("MAX_AI_REQUESTS"); v != "" {
		if val, err := strconv.Atoi(v); err == nil && val >= 0 {
			c.MaxAIRequests = val
		}
	}

	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.ArchiveFilePath = getEnvOrDefault("ARCHIVE_FILE_PATH", c.ArchiveFilePath)
	c.CacheTTLHours = getEnvIntOrDefault("CACHE_TTL_HOURS", c.CacheTTLHours)

	c.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	c.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")

	c.Debug = getEnvBoolOrDefault("DEBUG", c.Debug)
	c.EnableHTTPMonitoring = getEnvBoolOrDefault("ENABLE_HTTP_MONITORING", c.EnableHTTPMonitoring)
	c.MonitoringPort = getEnvOrDefault("MONITORING_PORT", c.MonitoringPort)
}

// SearchWorkers is the discovery pool size, reduced under anonymity mode.
func (c *Config) SearchWorkers(useTor bool) int {
	return capWorkers(c.SearchConcurrency, useTor, TorSearchConcurrency)
}

// RetrieveWorkers is the retrieval pool size, reduced under anonymity mode.
func (c *Config) RetrieveWorkers(useTor bool) int {
	return capWorkers(c.RetrieveConcurrency, useTor, TorRetrieveConcurrency)
}

func capWorkers(n int, useTor bool, torCap int) int {
	if n < 1 {
		n = 1
	}
	if useTor && n > torCap {
		return torCap
	}
	return n
}

// TelegramEnabled reports whether a run digest can be sent.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != ""
}

func (c *Config) Validate() error {
	if c.Days < 1 {
		return fmt.Errorf("DAYS must be at least 1, got %d", c.Days)
	}
	if c.MaxArticles < 1 {
		return fmt.Errorf("MAX_ARTICLES must be at least 1, got %d", c.MaxArticles)
	}
	if c.SearchConcurrency < 1 || c.RetrieveConcurrency < 1 {
		return fmt.Errorf("concurrency must be positive (search=%d, retrieve=%d)", c.SearchConcurrency, c.RetrieveConcurrency)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	for _, r := range c.Regions {
		if !regionRe.MatchString(strings.TrimSpace(r)) {
			return fmt.Errorf("invalid region %q, want CC:lang", r)
		}
	}
	if c.UseTor && c.TorSocksAddr == "" {
		return fmt.Errorf("TOR_SOCKS_ADDR is required when USE_TOR is set")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
