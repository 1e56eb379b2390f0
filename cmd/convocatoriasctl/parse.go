package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"convocatorias/internal/convocatoria"
	"convocatorias/internal/feeds"
	"convocatorias/internal/parser"
	"convocatorias/internal/validator"
)

var (
	parseSource string
	feedsLimit  int
)

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Run the parsing pipeline on a local file",
	Long: `Reads a text file, sends it through the configured LLM gateway and prints
the parse outcome as JSON, followed by the local validation of each candidate.`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

var importFeedsCmd = &cobra.Command{
	Use:   "import-feeds",
	Short: "Poll the configured feeds and parse matching items",
	Args:  cobra.NoArgs,
	RunE:  runImportFeeds,
}

func init() {
	parseCmd.Flags().StringVar(&parseSource, "source", "file", "source kind: file, clipboard or url")
	importFeedsCmd.Flags().IntVarP(&feedsLimit, "limit", "n", 20, "maximum number of feed items to parse")
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(importFeedsCmd)
}

type parseReport struct {
	parser.Outcome
	Validation []validator.Outcome `json:"validation"`
}

func runParse(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	source, ok := convocatoria.ParseSourceKind(parseSource)
	if !ok {
		return fmt.Errorf("unknown source %q", parseSource)
	}
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}

	pipeline := parser.NewPipeline(gw, cfg.LLM.MaxContentChars)
	raw := convocatoria.RawInput{Content: string(data), SourceKind: source, MimeHint: mimeFromExt(args[0])}
	outcome, parseErr := pipeline.Parse(context.Background(), raw)

	report := parseReport{Outcome: outcome, Validation: []validator.Outcome{}}
	checker := validator.NewService(gw)
	for _, c := range outcome.Candidates {
		report.Validation = append(report.Validation, checker.Validate(context.Background(), c, false))
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return parseErr
}

func runImportFeeds(cmd *cobra.Command, _ []string) error {
	if len(cfg.Feeds.URLs) == 0 {
		return fmt.Errorf("no feeds configured (feeds.urls or CP_FEED_URLS)")
	}
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	poller := feeds.NewPoller(cfg.Feeds.URLs, cfg.Feeds.Keywords, cfg.Feeds.LookbackDays, cfg.Feeds.Timeout)
	items, err := poller.Poll(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		cmd.Println("No matching feed items.")
		return nil
	}
	if feedsLimit > 0 && len(items) > feedsLimit {
		items = items[:feedsLimit]
	}

	pipeline := parser.NewPipeline(gw, cfg.LLM.MaxContentChars)
	for i, item := range items {
		outcome, err := pipeline.Parse(ctx, item.RawInput())
		if err != nil {
			cmd.Printf("  [%d] %s: FAIL (%v)\n", i+1, item.Title, err)
			continue
		}
		cmd.Printf("  [%d] %s: %d candidate(s), confidence %d\n", i+1, item.Title, len(outcome.Candidates), outcome.Confidence)
		for _, c := range outcome.Candidates {
			v := validator.Validate(c, poller.Now())
			cmd.Printf("      - %s | %s | cierre %s | score %d\n", c.Name, c.Organization, c.ClosingDate, v.Score)
		}
	}
	return nil
}

func mimeFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return "text/html"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	default:
		return "text/plain"
	}
}
