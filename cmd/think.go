package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/CanopyHQ/xylem/internal/continuity"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var thinkCmd = &cobra.Command{
	Use:   "think <text>",
	Short: "Record a thought",
	Long: `Record a thought in the memory stream with optional tags and
continuity links.

Link targets accept a bare id or the canonical table:id form; a target
that cannot be verified is kept verbatim rather than rejected.

Examples:
  xylem think "always use snake_case for Go test names"
  xylem think "prefer composition over inheritance" --tags "architecture,patterns"
  xylem think "actually, embedded structs are fine here" --revises a1b2c3d4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tagsStr, _ := cmd.Flags().GetString("tags")
		origin, _ := cmd.Flags().GetString("origin")
		private, _ := cmd.Flags().GetBool("private")
		previous, _ := cmd.Flags().GetString("previous")
		revises, _ := cmd.Flags().GetString("revises")
		branch, _ := cmd.Flags().GetString("branch-from")
		return runThink(args[0], tagsStr, origin, private, continuity.Links{
			Previous: previous,
			Revises:  revises,
			Branch:   branch,
		})
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <thought_id>",
	Short: "Delete a thought",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runForget(args[0]) },
}

func init() {
	thinkCmd.Flags().String("tags", "", "Comma-separated tags")
	thinkCmd.Flags().String("origin", "human", "Origin of the thought (human, tool, or model)")
	thinkCmd.Flags().Bool("private", false, "Exclude from retrieval by default")
	thinkCmd.Flags().String("previous", "", "Id of the preceding thought in this train")
	thinkCmd.Flags().String("revises", "", "Id of the thought this one revises")
	thinkCmd.Flags().String("branch-from", "", "Id of the thought this one branches from")
}

func splitTags(tagsStr string) []string {
	var tags []string
	for _, t := range strings.Split(tagsStr, ",") {
		if s := strings.TrimSpace(t); s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

func runThink(text, tagsStr, origin string, private bool, links continuity.Links) error {
	if strings.TrimSpace(text) == "" {
		fmt.Println("Usage: xylem think \"<text>\" [--tags \"tag1,tag2,...\"]")
		return nil
	}

	switch origin {
	case "human", "tool", "model":
	default:
		return fmt.Errorf("invalid origin %q (must be human, tool, or model)", origin)
	}

	store, err := memory.NewStore()
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	id := uuid.New().String()
	report := continuity.NewResolver(store, zap.NewNop()).Resolve(ctx, id, links)

	saved, err := store.SaveThought(ctx, memory.Thought{
		ID:                id,
		Text:              text,
		Origin:            origin,
		Tags:              splitTags(tagsStr),
		Private:           private,
		PreviousThoughtID: report.Accepted(continuity.LinkPrevious),
		RevisesThought:    report.Accepted(continuity.LinkRevises),
		BranchFrom:        report.Accepted(continuity.LinkBranch),
	})
	if err != nil {
		return fmt.Errorf("think failed: %w", err)
	}

	if saved.ID != id {
		fmt.Printf("✅ Already known (duplicate of %s).\n", saved.ID)
		return nil
	}
	fmt.Printf("✅ Recorded %s.\n", saved.ID)
	for _, l := range report.Links {
		if l.State == continuity.StateString {
			fmt.Printf("   note: %s target %q not found, kept as text\n", l.Kind, l.Target)
		}
	}
	return nil
}

func runForget(id string) error {
	store, err := memory.NewStore()
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer store.Close()

	if err := store.Forget(context.Background(), id); err != nil {
		return fmt.Errorf("forget failed: %w", err)
	}
	fmt.Printf("✅ Forgot %s.\n", id)
	return nil
}
