package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/mcp"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/retrieval"
	"github.com/CanopyHQ/xylem/internal/synthesis"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memory",
	Long: `Search thoughts and the knowledge graph by semantic similarity.

Results from both collections are merged, deduplicated, and ranked. The
similarity floor adapts downward when too few results clear it.

Examples:
  xylem search "sqlite locking"
  xylem search "deployment checklist" --top-k 5 --tags "ops"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := searchOptions(cmd)
		if err != nil {
			return err
		}
		return runSearch(args[0], opts)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question against memory",
	Long: `Retrieve relevant memory and synthesize an answer with the first
available language-model provider (local CLIs first, HTTP fallback).

Examples:
  xylem ask "what did I decide about the cache eviction policy?"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := searchOptions(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return runAsk(args[0], opts, timeout)
	},
}

func init() {
	for _, c := range []*cobra.Command{searchCmd, askCmd} {
		c.Flags().Int("top-k", 0, "Number of results (0 = default)")
		c.Flags().Float64("floor", 0, "Minimum similarity score (0 = default)")
		c.Flags().Float64("mix", -1, "Fraction of slots for knowledge-graph results, 0..1")
		c.Flags().String("tags", "", "Comma-separated tags to require")
		c.Flags().String("exclude-tags", "", "Comma-separated tags to exclude")
		c.Flags().Bool("private", false, "Include private thoughts")
	}
	askCmd.Flags().Duration("timeout", 2*time.Minute, "Overall synthesis deadline")
}

func searchOptions(cmd *cobra.Command) (retrieval.Options, error) {
	topK, _ := cmd.Flags().GetInt("top-k")
	floor, _ := cmd.Flags().GetFloat64("floor")
	mix, _ := cmd.Flags().GetFloat64("mix")
	tagsStr, _ := cmd.Flags().GetString("tags")
	excludeStr, _ := cmd.Flags().GetString("exclude-tags")
	private, _ := cmd.Flags().GetBool("private")

	opts := retrieval.Options{
		TopK:           topK,
		Floor:          floor,
		IncludeTags:    splitTags(tagsStr),
		ExcludeTags:    splitTags(excludeStr),
		IncludePrivate: private,
	}
	if mix >= 0 {
		if mix > 1 {
			return opts, fmt.Errorf("mix must be in 0..1, got %g", mix)
		}
		opts.Mix = mix
		opts.MixSet = true
	}
	return opts, nil
}

func newFuser(store *memory.Store) *retrieval.Fuser {
	sources := []retrieval.Source{store.ThoughtSource(), store.GraphSource()}
	return retrieval.NewFuser(store.Embedder(), sources, retrieval.DefaultConfig(), zap.NewNop())
}

func runSearch(query string, opts retrieval.Options) error {
	store, err := memory.NewStore()
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer store.Close()

	result, err := newFuser(store).Retrieve(context.Background(), query, opts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if len(result.Candidates) == 0 {
		fmt.Println("No results.")
		return nil
	}

	fmt.Printf("Found %d result(s) (floor %.2f):\n\n", len(result.Candidates), result.FloorUsed)
	for i, c := range result.Candidates {
		fmt.Printf("%d. [%.2f] [%s] %s/%s\n", i+1, c.Score, c.Tier, c.Table, c.ID)
		if len(c.Tags) > 0 {
			fmt.Printf("   tags: %s\n", strings.Join(c.Tags, ", "))
		}
		fmt.Printf("   %s\n\n", strings.ReplaceAll(c.Text, "\n", "\n   "))
	}
	return nil
}

func runAsk(question string, opts retrieval.Options, timeout time.Duration) error {
	store, err := memory.NewStore()
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := newFuser(store).Retrieve(ctx, question, opts)
	if err != nil {
		return fmt.Errorf("retrieval failed: %w", err)
	}

	prompt := synthesis.BuildPrompt(question, result.Candidates)
	chain := mcp.DefaultChain(zap.NewNop())
	attempt, err := chain.Synthesize(ctx, prompt, nil, synthesis.SourceIDs(result.Candidates))
	if err != nil {
		if attempt != nil {
			for _, e := range attempt.Errors {
				fmt.Fprintf(os.Stderr, "  provider: %s\n", e)
			}
		}
		return fmt.Errorf("synthesis failed: %w", err)
	}

	fmt.Println(attempt.Answer)
	fmt.Println()
	if attempt.FallbackUsed {
		fmt.Printf("(answered by fallback provider %s)\n", attempt.Provider)
	} else {
		fmt.Printf("(answered by %s)\n", attempt.Provider)
	}
	if len(attempt.Sources) > 0 {
		fmt.Printf("sources: %s\n", strings.Join(attempt.Sources, ", "))
	}
	return nil
}
