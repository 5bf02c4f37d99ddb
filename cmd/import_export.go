package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/importer"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <source> <path>",
	Short: "Import AI history (chatgpt or claude)",
	Long: `Import AI conversation history from ChatGPT or Claude exports.

Supported sources:
  chatgpt  - Import from ChatGPT JSON export
  claude   - Import from Claude JSON or JSONL export

The path can be a single export file or a directory containing exports.
Each substantive question/answer pair becomes one thought; pairs within a
conversation are chained through continuity links.

Examples:
  xylem import chatgpt ~/Downloads/conversations.json
  xylem import claude ~/Downloads/claude-export/`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error { return runImport(args[0], args[1]) },
}

var exportCmd = &cobra.Command{
	Use:   "export [format] [output]",
	Short: "Export all thoughts",
	Long: `Export all thoughts to a file.

Supported formats:
  jsonl     - JSON lines, one thought per line (default)
  markdown  - Markdown format

If no output path is given, a default filename is generated.

Examples:
  xylem export
  xylem export jsonl thoughts.jsonl
  xylem export markdown thoughts.md`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, output := "jsonl", ""
		if len(args) >= 1 {
			format = args[0]
		}
		if len(args) >= 2 {
			output = args[1]
		}
		return runExport(format, output)
	},
}

func runImport(source, path string) error {
	store, err := memory.NewStore()
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access path: %w", err)
	}

	var result *importer.Result

	switch source {
	case "chatgpt":
		imp := importer.NewChatGPTImporter(store)
		if info.IsDir() {
			fmt.Printf("Importing ChatGPT conversations from directory: %s\n", path)
			result, err = imp.ImportFromDirectory(ctx, path)
		} else {
			fmt.Printf("Importing ChatGPT conversations from file: %s\n", path)
			result, err = imp.ImportFromFile(ctx, path)
		}

	case "claude":
		imp := importer.NewClaudeImporter(store)
		if info.IsDir() {
			fmt.Printf("Importing Claude conversations from directory: %s\n", path)
			result, err = imp.ImportFromDirectory(ctx, path)
		} else {
			fmt.Printf("Importing Claude conversations from file: %s\n", path)
			result, err = imp.ImportFromFile(ctx, path)
		}

	default:
		return fmt.Errorf("unknown source: %s (supported: chatgpt, claude)", source)
	}

	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Printf("\n✅ Import Complete!\n")
	fmt.Printf("   Conversations processed: %d\n", result.ConversationsProcessed)
	fmt.Printf("   Thoughts created: %d\n", result.ThoughtsCreated)
	fmt.Printf("   Duration: %s\n", result.Duration.Round(time.Millisecond))

	if len(result.Errors) > 0 {
		fmt.Printf("\n⚠️  Errors (%d):\n", len(result.Errors))
		for i, e := range result.Errors {
			if i >= 5 {
				fmt.Printf("   ... and %d more\n", len(result.Errors)-5)
				break
			}
			fmt.Printf("   - %s\n", e)
		}
	}

	return nil
}

func runExport(format, output string) error {
	store, err := memory.NewStore()
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer store.Close()

	thoughts, err := store.ListThoughts(context.Background(), 100000, nil)
	if err != nil {
		return fmt.Errorf("failed to list thoughts: %w", err)
	}

	if len(thoughts) == 0 {
		fmt.Println("No thoughts to export.")
		return nil
	}

	ext := "jsonl"
	var render func(f *os.File) error

	switch format {
	case "jsonl", "json":
		render = func(f *os.File) error {
			w := bufio.NewWriter(f)
			enc := json.NewEncoder(w)
			for _, t := range thoughts {
				t.Embedding = nil
				if err := enc.Encode(t); err != nil {
					return err
				}
			}
			return w.Flush()
		}

	case "markdown", "md":
		ext = "md"
		render = func(f *os.File) error {
			var sb strings.Builder
			sb.WriteString("# Xylem Memory Export\n\n")
			sb.WriteString(fmt.Sprintf("Exported: %s\n\n", time.Now().Format("2006-01-02 15:04:05")))
			sb.WriteString(fmt.Sprintf("Total thoughts: %d\n\n", len(thoughts)))
			sb.WriteString("---\n\n")

			for _, t := range thoughts {
				title := t.Text
				if idx := strings.Index(title, "\n"); idx > 0 {
					title = title[:idx]
				}
				if len(title) > 80 {
					title = title[:80] + "..."
				}

				sb.WriteString(fmt.Sprintf("## %s\n\n", title))
				sb.WriteString(fmt.Sprintf("*%s | %s*", t.CreatedAt.Format("2006-01-02 15:04"), t.Origin))
				if len(t.Tags) > 0 {
					sb.WriteString(fmt.Sprintf(" | Tags: %s", strings.Join(t.Tags, ", ")))
				}
				sb.WriteString("\n\n")
				sb.WriteString(t.Text)
				sb.WriteString("\n\n---\n\n")
			}

			_, err := f.WriteString(sb.String())
			return err
		}

	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, markdown)", format)
	}

	if output == "" {
		output = fmt.Sprintf("xylem-export-%s.%s", time.Now().Format("2006-01-02"), ext)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if err := render(f); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}

	fmt.Printf("✅ Exported %d thoughts to %s\n", len(thoughts), output)
	return nil
}
