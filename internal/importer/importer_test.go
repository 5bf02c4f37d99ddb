package importer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CanopyHQ/xylem/internal/memory"
)

func setupTestStore(t *testing.T) *memory.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("XYLEM_DATA_DIR", dir)
	os.Setenv("XYLEM_EMBEDDER", "local")
	t.Cleanup(func() {
		os.Unsetenv("XYLEM_DATA_DIR")
		os.Unsetenv("XYLEM_EMBEDDER")
	})
	store, err := memory.NewStore()
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// longQ and longA clear the worth-keeping thresholds.
var (
	longQ = "How should I structure retries for the ingestion worker when the database is briefly unavailable?"
	longA = strings.Repeat("Use exponential backoff with jitter, cap the retry count, and surface a dead-letter path for poison messages. ", 3)
)

func TestClaudeImporter_ImportFromFile(t *testing.T) {
	store := setupTestStore(t)
	imp := NewClaudeImporter(store)

	conv := ClaudeConversation{
		UUID: "u1",
		Name: "retry design",
		ChatMessages: []ClaudeMessage{
			{Text: longQ, Sender: "human"},
			{Text: longA, Sender: "assistant"},
			{Text: "thanks", Sender: "human"},
			{Text: "you're welcome", Sender: "assistant"},
		},
	}
	data, _ := json.Marshal([]ClaudeConversation{conv})
	fpath := filepath.Join(t.TempDir(), "claude.json")
	os.WriteFile(fpath, data, 0644)

	result, err := imp.ImportFromFile(context.Background(), fpath)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if result.ConversationsProcessed != 1 {
		t.Errorf("expected 1 conversation, got %d", result.ConversationsProcessed)
	}
	// The thanks/you're-welcome pair should be filtered out
	if result.ThoughtsCreated != 1 {
		t.Errorf("expected 1 thought, got %d", result.ThoughtsCreated)
	}

	thoughts, err := store.ListThoughts(context.Background(), 0, []string{"claude"})
	if err != nil {
		t.Fatalf("ListThoughts: %v", err)
	}
	if len(thoughts) != 1 {
		t.Fatalf("expected 1 tagged thought, got %d", len(thoughts))
	}
	if thoughts[0].Origin != "tool" {
		t.Errorf("imported thoughts should have tool origin, got %q", thoughts[0].Origin)
	}
	if !strings.HasPrefix(thoughts[0].Text, "Q: ") {
		t.Errorf("expected Q&A formatting, got %q", thoughts[0].Text[:20])
	}
}

func TestClaudeImporter_JSONL(t *testing.T) {
	store := setupTestStore(t)
	imp := NewClaudeImporter(store)

	conv := ClaudeConversation{
		Name: "one",
		ChatMessages: []ClaudeMessage{
			{Text: longQ, Sender: "human"},
			{Text: longA, Sender: "assistant"},
		},
	}
	line, _ := json.Marshal(conv)
	fpath := filepath.Join(t.TempDir(), "claude.jsonl")
	os.WriteFile(fpath, append(append(line, '\n'), append([]byte(nil), line...)...), 0644)

	result, err := imp.ImportFromFile(context.Background(), fpath)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if result.ConversationsProcessed != 2 {
		t.Errorf("expected 2 conversations from JSONL, got %d", result.ConversationsProcessed)
	}
	// Identical pairs dedupe down to one stored thought
	thoughts, _ := store.ListThoughts(context.Background(), 0, nil)
	if len(thoughts) != 1 {
		t.Errorf("expected content-hash dedup across conversations, got %d thoughts", len(thoughts))
	}
}

func TestClaudeImporter_InvalidPath(t *testing.T) {
	store := setupTestStore(t)
	imp := NewClaudeImporter(store)
	if _, err := imp.ImportFromFile(context.Background(), "/nonexistent/path.json"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestChatGPTImporter_ImportFromFile(t *testing.T) {
	store := setupTestStore(t)
	imp := NewChatGPTImporter(store)

	root := "root"
	conv := ChatGPTConversation{
		Title: "queue design",
		Mapping: map[string]ChatGPTNode{
			"root": {ID: "root", Children: []string{"q"}},
			"q": {
				ID: "q", Parent: &root, Children: []string{"a"},
				Message: &ChatGPTMessage{
					Author:  ChatGPTAuthor{Role: "user"},
					Content: ChatGPTContent{ContentType: "text", Parts: []string{longQ}},
				},
			},
			"a": {
				ID: "a",
				Message: &ChatGPTMessage{
					Author:  ChatGPTAuthor{Role: "assistant"},
					Content: ChatGPTContent{ContentType: "text", Parts: []string{longA}},
				},
			},
		},
	}
	data, _ := json.Marshal([]ChatGPTConversation{conv})
	fpath := filepath.Join(t.TempDir(), "conversations.json")
	os.WriteFile(fpath, data, 0644)

	result, err := imp.ImportFromFile(context.Background(), fpath)
	if err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}
	if result.ThoughtsCreated != 1 {
		t.Errorf("expected 1 thought, got %d", result.ThoughtsCreated)
	}

	thoughts, _ := store.ListThoughts(context.Background(), 0, []string{"chatgpt"})
	if len(thoughts) != 1 {
		t.Errorf("expected chatgpt tag on imported thought, got %d matches", len(thoughts))
	}
}

func TestIsWorthKeeping(t *testing.T) {
	if isWorthKeeping("short", longA) {
		t.Error("short questions should be skipped")
	}
	if isWorthKeeping(longQ, "short answer") {
		t.Error("short answers should be skipped")
	}
	if isWorthKeeping("thanks for all the help today, really appreciate it", longA) {
		t.Error("greetings should be skipped")
	}
	if !isWorthKeeping(longQ, longA) {
		t.Error("substantive pairs should be kept")
	}
}

func TestInferTags(t *testing.T) {
	tags := inferTags("how do I index a postgres table", "use CREATE INDEX on the sql column")
	found := false
	for _, tag := range tags {
		if tag == "database" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected database tag, got %v", tags)
	}
}
