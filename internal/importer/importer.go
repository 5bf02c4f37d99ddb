// Package importer ingests AI conversation exports into the thought stream.
package importer

import (
	"strings"
	"time"
)

// Result tracks import statistics.
type Result struct {
	ConversationsProcessed int
	ThoughtsCreated        int
	Errors                 []string
	Duration               time.Duration
}

// thoughtCandidate is one Q&A pair extracted from a conversation.
type thoughtCandidate struct {
	Text string
	Tags []string
}

// isWorthKeeping filters out exchanges too thin to be worth storing.
func isWorthKeeping(question, answer string) bool {
	if len(question) < 20 || len(answer) < 100 {
		return false
	}

	lowerQ := strings.ToLower(question)
	skipPhrases := []string{"hello", "hi there", "hey", "thanks", "thank you", "bye", "goodbye"}
	for _, phrase := range skipPhrases {
		if strings.HasPrefix(lowerQ, phrase) {
			return false
		}
	}

	// Very long answers are usually generated filler, not worth keeping
	if len(answer) > 10000 {
		return false
	}

	return true
}

// extractTopic tries to identify the main topic from a question.
func extractTopic(question string) string {
	lower := strings.ToLower(question)

	topics := map[string][]string{
		"code":     {"code", "function", "implement", "bug", "error", "programming"},
		"writing":  {"write", "essay", "article", "blog", "story"},
		"explain":  {"explain", "what is", "how does", "why"},
		"research": {"research", "study", "paper", "source"},
		"career":   {"job", "career", "interview", "resume"},
		"learning": {"learn", "study", "course", "tutorial"},
	}

	for topic, keywords := range topics {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return topic
			}
		}
	}

	return ""
}

// inferTags extracts relevant tags from content.
func inferTags(question, answer string) []string {
	var tags []string
	combined := strings.ToLower(question + " " + answer)

	languages := []string{"python", "javascript", "typescript", "go", "golang", "rust", "java", "ruby", "swift", "kotlin"}
	for _, lang := range languages {
		if strings.Contains(combined, lang) {
			tags = append(tags, lang)
		}
	}

	topicKeywords := map[string][]string{
		"api":      {"api", "rest", "graphql", "endpoint"},
		"database": {"database", "sql", "postgres", "sqlite", "mongodb"},
		"ai":       {"machine learning", "neural", "gpt", "llm", "embedding"},
		"devops":   {"docker", "kubernetes", "ci/cd", "deploy"},
		"security": {"security", "auth", "encryption", "jwt"},
	}

	for tag, keywords := range topicKeywords {
		for _, kw := range keywords {
			if strings.Contains(combined, kw) {
				tags = append(tags, tag)
				break
			}
		}
	}

	return tags
}

// truncate shortens a string to maxLen.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
