package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/memory"
)

// ChatGPTConversation represents a ChatGPT export conversation.
type ChatGPTConversation struct {
	Title       string                 `json:"title"`
	CreateTime  float64                `json:"create_time"`
	UpdateTime  float64                `json:"update_time"`
	Mapping     map[string]ChatGPTNode `json:"mapping"`
	CurrentNode string                 `json:"current_node,omitempty"`
}

// ChatGPTNode is a node in the conversation tree.
type ChatGPTNode struct {
	ID       string          `json:"id"`
	Message  *ChatGPTMessage `json:"message,omitempty"`
	Parent   *string         `json:"parent,omitempty"`
	Children []string        `json:"children,omitempty"`
}

type ChatGPTMessage struct {
	ID         string         `json:"id"`
	Author     ChatGPTAuthor  `json:"author"`
	CreateTime *float64       `json:"create_time,omitempty"`
	Content    ChatGPTContent `json:"content"`
	Status     string         `json:"status,omitempty"`
}

type ChatGPTAuthor struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

type ChatGPTContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts,omitempty"`
}

// ChatGPTImporter imports ChatGPT conversation history into the thought
// stream.
type ChatGPTImporter struct {
	store *memory.Store
}

func NewChatGPTImporter(store *memory.Store) *ChatGPTImporter {
	return &ChatGPTImporter{store: store}
}

// ImportFromFile imports conversations from a ChatGPT export file. Thoughts
// from the same conversation are chained through their previous link so the
// narrative keeps its order.
func (i *ChatGPTImporter) ImportFromFile(ctx context.Context, filePath string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var export []ChatGPTConversation
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	for _, conv := range export {
		result.ConversationsProcessed++
		saveChain(ctx, i.store, i.extractThoughts(conv), "chatgpt", conv.Title, result)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// saveChain stores extracted candidates, linking each one to the previous
// thought from the same conversation.
func saveChain(ctx context.Context, store *memory.Store, candidates []thoughtCandidate, source, title string, result *Result) {
	var prevID string
	for _, c := range candidates {
		tags := append(c.Tags, "imported", source)
		t := memory.Thought{
			Text:   c.Text,
			Origin: "tool",
			Tags:   tags,
		}
		if prevID != "" {
			t.PreviousThoughtID = "thoughts:" + prevID
		}

		saved, err := store.SaveThought(ctx, t)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("conversation %s: %v", title, err))
			continue
		}
		prevID = saved.ID
		result.ThoughtsCreated++
	}
}

// extractThoughts pulls memorable Q&A pairs out of a conversation.
func (i *ChatGPTImporter) extractThoughts(conv ChatGPTConversation) []thoughtCandidate {
	var thoughts []thoughtCandidate

	messages := i.flattenConversation(conv)

	var currentTopic string
	var userMessage string

	for _, msg := range messages {
		if msg.Message == nil || msg.Message.Content.ContentType != "text" {
			continue
		}

		content := strings.Join(msg.Message.Content.Parts, "\n")
		if content == "" {
			continue
		}

		role := msg.Message.Author.Role
		if role == "user" {
			userMessage = content
			currentTopic = extractTopic(content)
		} else if role == "assistant" && userMessage != "" {
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
			userMessage = "" // Reset for next pair
		}
	}

	return thoughts
}

// flattenConversation converts the export's tree structure to a linear list.
func (i *ChatGPTImporter) flattenConversation(conv ChatGPTConversation) []ChatGPTNode {
	var result []ChatGPTNode

	var roots []string
	for id, node := range conv.Mapping {
		if node.Parent == nil || *node.Parent == "" {
			roots = append(roots, id)
		}
	}

	var traverse func(id string)
	traverse = func(id string) {
		if node, ok := conv.Mapping[id]; ok {
			result = append(result, node)
			for _, childID := range node.Children {
				traverse(childID)
			}
		}
	}

	for _, root := range roots {
		traverse(root)
	}

	return result
}

// ImportFromDirectory imports all JSON files from a directory.
func (i *ChatGPTImporter) ImportFromDirectory(ctx context.Context, dirPath string) (*Result, error) {
	combined := &Result{}
	start := time.Now()

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && strings.HasSuffix(strings.ToLower(path), ".json") {
			result, err := i.ImportFromFile(ctx, path)
			if err != nil {
				combined.Errors = append(combined.Errors, fmt.Sprintf("%s: %v", path, err))
				return nil // Continue with other files
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
