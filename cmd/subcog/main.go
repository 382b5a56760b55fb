package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/subcog-dev/subcog/pkg/capture"
	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/recall"
	"github.com/subcog-dev/subcog/pkg/subcog"
)

var (
	configPath string
	dataDir    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "subcog",
	Short: "Persistent memory engine for AI coding assistants",
	Long:  `Captures decisions, learnings and blockers from coding sessions and recalls them through hybrid lexical + semantic search.`,
}

// openEngine builds the engine from the config file (or defaults) and a
// zap logger when -v is set.
func openEngine(ctx context.Context) (*subcog.Engine, error) {
	var cfg subcog.Config
	var err error

	if configPath != "" {
		cfg, err = subcog.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		dir := dataDir
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			dir = home + "/.subcog"
		}
		cfg = subcog.DefaultConfig(dir).ApplyEnv()
	}

	logger := logging.Nop()
	if verbose {
		logger, err = subcogZapLogger()
		if err != nil {
			return nil, err
		}
	}

	return subcog.Open(ctx, cfg, subcog.WithLogger(logger))
}

func subcogZapLogger() (logging.Logger, error) {
	return logging.NewZapDevelopment()
}

var captureCmd = &cobra.Command{
	Use:   "capture <namespace>",
	Short: "Capture a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, _ := cmd.Flags().GetString("summary")
		content, _ := cmd.Flags().GetString("content")
		source, _ := cmd.Flags().GetString("source")
		tagsStr, _ := cmd.Flags().GetString("tags")

		if content == "" {
			return fmt.Errorf("content is required")
		}

		var tags []string
		if tagsStr != "" {
			for _, t := range strings.Split(tagsStr, ",") {
				tags = append(tags, strings.TrimSpace(t))
			}
		}

		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.Capture(ctx, capture.Request{
			Namespace: args[0],
			Summary:   summary,
			Content:   content,
			Source:    source,
			Tags:      tags,
		})
		if err != nil {
			return err
		}

		if res.Skipped {
			fmt.Printf("Skipped: duplicate of %s (%s)\n", res.MatchedURN, res.Reason)
			return nil
		}
		fmt.Printf("Captured %s\n", res.URN)
		if res.Warning != "" {
			fmt.Printf("Warning: %s\n", res.Warning)
		}
		return nil
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search memories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		modeStr, _ := cmd.Flags().GetString("mode")
		nsStr, _ := cmd.Flags().GetString("namespace")
		asJSON, _ := cmd.Flags().GetBool("json")

		mode, err := memory.ParseSearchMode(modeStr)
		if err != nil {
			return err
		}

		filter := memory.SearchFilter{}
		if nsStr != "" {
			ns, err := memory.ParseNamespace(nsStr)
			if err != nil {
				return err
			}
			filter.Namespace = &ns
		}

		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		resp, err := eng.Recall(ctx, recall.Request{
			Query:  strings.Join(args, " "),
			Mode:   mode,
			Filter: filter,
			Limit:  limit,
		})
		if err != nil {
			return err
		}

		if asJSON {
			out := make([]map[string]any, 0, len(resp.Hits))
			for _, h := range resp.Hits {
				out = append(out, map[string]any{
					"urn":     memory.BuildURN(h.Memory),
					"score":   h.Score,
					"summary": h.Memory.Summary,
					"sources": h.RankSources,
				})
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if resp.Warning != "" {
			fmt.Printf("Warning: %s\n", resp.Warning)
		}
		if len(resp.Hits) == 0 {
			fmt.Println("No results")
			return nil
		}
		for i, h := range resp.Hits {
			fmt.Printf("%2d. [%.3f] %s\n    %s\n", i+1, h.Score, memory.BuildURN(h.Memory), h.Memory.Summary)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storage statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		status, err := eng.Status(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Memories:       %d (%d bytes)\n", status.Persistence.Total, status.Persistence.Bytes)
		fmt.Printf("Indexed:        %d\n", status.Index.TotalIndexed)
		fmt.Printf("Vectors:        %d (dim %d)\n", status.Vector.Count, status.Vector.Dimensions)
		fmt.Printf("Events dropped: %d\n", status.EventsDropped)
		if len(status.Persistence.ByNamespace) > 0 {
			fmt.Println("By namespace:")
			for ns, n := range status.Persistence.ByNamespace {
				fmt.Printf("  %-12s %d\n", ns, n)
			}
		}
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the index and vector layers from persistence",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		start := time.Now()
		report, err := eng.Reindex(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Reindexed %d memories (%d indexed, %d vectorized, %d failed) in %v\n",
			report.Total, report.Indexed, report.Vectorized, report.Failed, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (default ~/.subcog)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	captureCmd.Flags().StringP("summary", "s", "", "One-line summary (max 100 chars)")
	captureCmd.Flags().String("content", "", "Memory content (required)")
	captureCmd.Flags().String("source", "", "Source reference (file path, URL)")
	captureCmd.Flags().String("tags", "", "Comma-separated tags")

	recallCmd.Flags().IntP("limit", "n", 0, "Max results (default from config)")
	recallCmd.Flags().StringP("mode", "m", "hybrid", "Search mode: hybrid, vector, lexical")
	recallCmd.Flags().String("namespace", "", "Restrict to one namespace")
	recallCmd.Flags().Bool("json", false, "JSON output")

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reindexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
