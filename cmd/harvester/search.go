package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deusflow/harvester/internal/app"
	"github.com/deusflow/harvester/internal/classify"
	"github.com/deusflow/harvester/internal/config"
	"github.com/deusflow/harvester/internal/gemini"
	"github.com/deusflow/harvester/internal/logger"
	"github.com/deusflow/harvester/internal/news"
	"github.com/deusflow/harvester/internal/ratelimit"
	"github.com/deusflow/harvester/internal/telegram"
)

var (
	flagSector     string
	flagRegions    []string
	flagDays       int
	flagMax        int
	flagTor        bool
	flagSaturation bool
	flagSort       bool
	flagArchive    bool
	flagNotify     bool
	flagFormat     string
	flagQuiet      bool
)

var searchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "Discover articles for a keyword and retrieve their full text",
	Long: `Search every configured region for the keyword, keep articles published in
the requested window and download their text. Records are written to stdout
as JSON (title, source, link, published, description, full_text, summary,
is_paywall).

Pass --sector CUSTOM or leave it empty to let the keyword be classified into
one of the known sectors.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	f := searchCmd.Flags()
	f.StringVar(&flagSector, "sector", "", "sector context (Finance, Tech & AI, Health, ... or CUSTOM)")
	f.StringSliceVar(&flagRegions, "regions", nil, "region codes as CC:lang (default from config)")
	f.IntVar(&flagDays, "days", 0, "number of days back to search (default from config)")
	f.IntVar(&flagMax, "max", 0, "maximum number of articles (default from config)")
	f.BoolVar(&flagTor, "tor", false, "route traffic through the local Tor SOCKS proxy")
	f.BoolVar(&flagSaturation, "saturation", false, "maximise query and time-slice fan-out")
	f.BoolVar(&flagSort, "sort", true, "sort articles newest first")
	f.BoolVar(&flagArchive, "archive", true, "store articles in the configured archive")
	f.BoolVar(&flagNotify, "notify", false, "send a Telegram digest when configured")
	f.StringVar(&flagFormat, "format", "json", "output format: json or text")
	f.BoolVarP(&flagQuiet, "quiet", "q", false, "do not print progress")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("tor") {
		cfg.UseTor = flagTor
	}
	if cmd.Flags().Changed("saturation") {
		cfg.Saturation = flagSaturation
	}
	if flagFormat != "json" && flagFormat != "text" {
		return fmt.Errorf("unknown --format %q", flagFormat)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if cfg.EnableHTTPMonitoring {
		go startMonitoringServer(cfg.MonitoringPort)
	}

	deps := app.Deps{Logger: logger.Logger}

	if flagArchive {
		archive, err := app.OpenArchive(cfg)
		if err != nil {
			log.Printf("⚠️ Archive unavailable, continuing without it: %v", err)
		} else if archive != nil {
			defer archive.Close()
			deps.Archive = archive
		}
	}

	classifier, limiter, closeAI := buildClassifier(ctx, cfg)
	defer closeAI()
	deps.Classifier = classifier

	if flagNotify && cfg.TelegramEnabled() {
		deps.Notifier = telegram.NewClient(cfg.TelegramToken, cfg.TelegramChatID)
	}

	pipeline := app.NewPipeline(cfg, deps)
	defer pipeline.Close()

	params := app.Params{
		Keyword:     strings.Join(args, " "),
		Sector:      flagSector,
		Regions:     flagRegions,
		Days:        flagDays,
		MaxArticles: flagMax,
		UseTor:      cfg.UseTor,
		Saturation:  cfg.Saturation,
	}

	log.Printf("🚀 Searching for %q (tor=%t, saturation=%t)", params.Keyword, params.UseTor, params.Saturation)

	progress := make(chan app.Progress)
	printed := printProgress(progress, os.Stderr, flagQuiet)

	res := pipeline.Run(ctx, params, progress)
	close(progress)
	<-printed

	if limiter != nil {
		limiter.PrintStats()
	}
	if flagSort {
		res.SortByPublished()
	}

	if res.Sector != "" {
		log.Printf("🧠 Sector context: %s", res.Sector)
	}
	log.Printf("✅ %s (took %s)", res.Status, res.Duration.Round(time.Second))

	if flagFormat == "text" {
		return writeText(os.Stdout, res.Records)
	}
	return writeJSON(os.Stdout, res.Records)
}

// buildClassifier wires the AI providers that have keys. The returned func
// releases them.
func buildClassifier(ctx context.Context, cfg *config.Config) (*classify.Classifier, *ratelimit.AIRateLimiter, func()) {
	closeAI := func() {}
	if cfg.GeminiAPIKey == "" && cfg.OpenAIAPIKey == "" {
		return classify.New(cfg.Sectors, classify.WithLogger(logger.Logger)), nil, closeAI
	}

	limiter := ratelimit.NewAIRateLimiter(0, 0, cfg.MaxAIRequests)
	opts := []classify.Option{classify.WithLimiter(limiter), classify.WithLogger(logger.Logger)}

	if cfg.GeminiAPIKey != "" {
		gc, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			log.Printf("⚠️ Gemini unavailable: %v", err)
		} else {
			opts = append(opts, classify.WithGemini(gc))
			closeAI = gc.Close
		}
	}
	if cfg.OpenAIAPIKey != "" {
		opts = append(opts, classify.WithOpenAI(classify.NewOpenAI(cfg.OpenAIAPIKey, "")))
	}

	return classify.New(cfg.Sectors, opts...), limiter, closeAI
}

// printProgress renders progress events on w until ch closes.
func printProgress(ch <-chan app.Progress, w io.Writer, quiet bool) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := app.Phase(-1)
		for p := range ch {
			if quiet {
				continue
			}
			if p.Phase != last && last >= 0 {
				fmt.Fprintln(w)
			}
			last = p.Phase
			icon := "🔎"
			if p.Phase == app.PhaseRetrieval {
				icon = "📖"
			}
			fmt.Fprintf(w, "\r%s %s %d/%d", icon, p.Phase, p.Completed, p.Total)
		}
		if !quiet && last >= 0 {
			fmt.Fprintln(w)
		}
	}()
	return done
}

func writeJSON(w io.Writer, records []*news.ArticleRecord) error {
	if records == nil {
		records = []*news.ArticleRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(records)
}

func writeText(w io.Writer, records []*news.ArticleRecord) error {
	for i, r := range records {
		lock := ""
		if r.IsPaywalled {
			lock = " 🔒"
		}
		if _, err := fmt.Fprintf(w, "%d. %s%s\n   %s | %s\n   %s\n\n",
			i+1, r.Title, lock, r.Source, r.PublishedAt.Format("2006-01-02 15:04"), r.Link); err != nil {
			return err
		}
	}
	return nil
}
