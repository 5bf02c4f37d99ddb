package synthesis

import (
	"fmt"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/retrieval"
)

// BuildPrompt assembles the grounded prompt for a question from the fused
// evidence set. With no evidence the prompt demands an explicitly hedged
// answer instead of fabricated grounding.
func BuildPrompt(question string, evidence []retrieval.Candidate) string {
	var b strings.Builder

	b.WriteString("You answer questions using only the evidence below.\n")
	b.WriteString("Respond with a JSON object: {\"answer\": \"...\"}.\n\n")

	if len(evidence) == 0 {
		b.WriteString("No evidence was found for this question. ")
		b.WriteString("Say clearly that there is insufficient stored evidence to answer; do not invent facts.\n\n")
	} else {
		b.WriteString("Evidence:\n")
		for i, c := range evidence {
			fmt.Fprintf(&b, "[%d] (%s, %s, trust=%s, %s) %s\n",
				i+1, c.Table, c.Origin, c.Tier,
				c.CreatedAt.Format(time.DateOnly), c.Text)
		}
		b.WriteString("\nCite evidence numbers inline where relevant. ")
		b.WriteString("If the evidence does not cover the question, say so rather than guessing.\n\n")
	}

	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n")
	return b.String()
}

// SourceIDs lists the candidate ids backing a prompt, for the Attempt report.
func SourceIDs(evidence []retrieval.Candidate) []string {
	ids := make([]string, 0, len(evidence))
	for _, c := range evidence {
		ids = append(ids, c.Table+":"+c.ID)
	}
	return ids
}
