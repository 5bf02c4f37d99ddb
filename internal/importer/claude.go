package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/memory"
)

// ClaudeConversation represents a Claude export conversation.
type ClaudeConversation struct {
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ChatMessages []ClaudeMessage `json:"chat_messages"`
}

type ClaudeMessage struct {
	UUID      string    `json:"uuid"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"` // "human" or "assistant"
	CreatedAt time.Time `json:"created_at"`
}

// ClaudeImporter imports Claude conversation history into the thought stream.
type ClaudeImporter struct {
	store *memory.Store
}

func NewClaudeImporter(store *memory.Store) *ClaudeImporter {
	return &ClaudeImporter{store: store}
}

// ImportFromFile imports conversations from a Claude export file. Exports
// can be JSONL (one conversation per line) or a JSON array.
func (i *ClaudeImporter) ImportFromFile(ctx context.Context, filePath string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(filePath))

	var conversations []ClaudeConversation

	if ext == ".jsonl" {
		scanner := bufio.NewScanner(file)
		// Long conversations need a bigger line buffer
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 10*1024*1024)

		for scanner.Scan() {
			var conv ClaudeConversation
			if err := json.Unmarshal(scanner.Bytes(), &conv); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line parse error: %v", err))
				continue
			}
			conversations = append(conversations, conv)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scanner error: %w", err)
		}
	} else {
		decoder := json.NewDecoder(file)
		if err := decoder.Decode(&conversations); err != nil {
			// Try single conversation
			file.Seek(0, 0)
			var single ClaudeConversation
			if err := json.NewDecoder(file).Decode(&single); err != nil {
				return nil, fmt.Errorf("failed to parse JSON: %w", err)
			}
			conversations = []ClaudeConversation{single}
		}
	}

	for _, conv := range conversations {
		result.ConversationsProcessed++
		saveChain(ctx, i.store, i.extractThoughts(conv), "claude", conv.Name, result)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// extractThoughts pulls memorable Q&A pairs out of a Claude conversation.
func (i *ClaudeImporter) extractThoughts(conv ClaudeConversation) []thoughtCandidate {
	var thoughts []thoughtCandidate

	var userMessage string
	var currentTopic string

	for _, msg := range conv.ChatMessages {
		content := strings.TrimSpace(msg.Text)
		if content == "" {
			continue
		}

		if msg.Sender == "human" {
			userMessage = content
			currentTopic = extractTopic(content)
		} else if msg.Sender == "assistant" && userMessage != "" {
			if isWorthKeeping(userMessage, content) {
				c := thoughtCandidate{
					Text: fmt.Sprintf("Q: %s\n\nA: %s",
						truncate(userMessage, 500),
						truncate(content, 2000)),
					Tags: inferTags(userMessage, content),
				}
				if currentTopic != "" {
					c.Tags = append(c.Tags, currentTopic)
				}
				thoughts = append(thoughts, c)
			}
			userMessage = ""
		}
	}

	return thoughts
}

// ImportFromDirectory imports all JSON/JSONL files from a directory.
func (i *ClaudeImporter) ImportFromDirectory(ctx context.Context, dirPath string) (*Result, error) {
	combined := &Result{}
	start := time.Now()

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		lower := strings.ToLower(path)
		if !info.IsDir() && (strings.HasSuffix(lower, ".json") || strings.HasSuffix(lower, ".jsonl")) {
			result, err := i.ImportFromFile(ctx, path)
			if err != nil {
				combined.Errors = append(combined.Errors, fmt.Sprintf("%s: %v", path, err))
				return nil
			}

			combined.ConversationsProcessed += result.ConversationsProcessed
			combined.ThoughtsCreated += result.ThoughtsCreated
			combined.Errors = append(combined.Errors, result.Errors...)
		}

		return nil
	})

	combined.Duration = time.Since(start)
	return combined, err
}
