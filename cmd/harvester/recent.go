package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deusflow/harvester/internal/app"
	"github.com/deusflow/harvester/internal/news"
)

var flagRecentLimit int

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recently published archived articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		archive, err := app.OpenArchive(cfg)
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		if archive == nil {
			return fmt.Errorf("no archive configured (set DATABASE_URL or ARCHIVE_FILE_PATH)")
		}
		defer archive.Close()

		items, err := archive.GetRecentArticles(cmd.Context(), flagRecentLimit)
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		records := make([]*news.ArticleRecord, 0, len(items))
		for i := range items {
			records = append(records, &items[i].ArticleRecord)
		}
		if flagFormat == "text" {
			return writeText(os.Stdout, records)
		}
		return writeJSON(os.Stdout, records)
	},
}

func init() {
	recentCmd.Flags().IntVarP(&flagRecentLimit, "limit", "n", 10, "number of articles to show")
	recentCmd.Flags().StringVar(&flagFormat, "format", "json", "output format: json or text")
}
