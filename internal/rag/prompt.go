package rag

import (
	"fmt"
	"strings"

	"TrustMed/internal/backend"
	"TrustMed/internal/knowledge"
)

const systemPrompt = `You are TrustMed, a medical information assistant.
Use the provided context to answer medical questions accurately and safely.
Always cite your sources by their number and remind users to consult healthcare professionals.

Context:
%s

Guidelines:
- Provide evidence-based medical information
- Prefer journal and health site sources over community experiences, and label community experiences as such
- Always include disclaimers about consulting healthcare professionals
- Be clear about the limitations of AI medical advice`

const noContext = "No specific medical context available. Please provide general medical information."

// formatContext renders the numbered sources and the structured facts.
func formatContext(results []RetrievalResult, facts knowledge.Facts) string {
	if len(results) == 0 && facts.Count() == 0 {
		return noContext
	}

	var b strings.Builder
	for i, r := range results {
		label := "Evidence-based"
		if r.SourceType == knowledge.SourceCommunity {
			label = "Community insight"
		}
		fmt.Fprintf(&b, "Source %d (%s, %s): %s\n", i+1, label, r.Record.Source, r.full.Text())
		fmt.Fprintf(&b, "Citation: %s\n\n", r.Citation)
	}

	if facts.Count() > 0 {
		fmt.Fprintf(&b, "Known facts about %s:\n", facts.Condition)
		writeFacts(&b, "Symptoms", facts.Symptoms)
		writeFacts(&b, "Causes", facts.Causes)
		writeFacts(&b, "Treatments", facts.Treatments)
		writeFacts(&b, "Drugs", facts.Drugs)
		writeFacts(&b, "Side effects", facts.SideEffects)
	}
	return strings.TrimSpace(b.String())
}

func writeFacts(b *strings.Builder, label string, items []string) {
	if len(items) > 0 {
		fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(items, "; "))
	}
}

// buildMessages assembles the system prompt, prior turns and the question.
func buildMessages(contextText string, history []backend.Message, question string) []backend.Message {
	messages := make([]backend.Message, 0, len(history)+2)
	messages = append(messages, backend.Message{Role: backend.RoleSystem, Content: fmt.Sprintf(systemPrompt, contextText)})
	for _, h := range history {
		if h.Role == backend.RoleUser || h.Role == backend.RoleAssistant {
			messages = append(messages, h)
		}
	}
	return append(messages, backend.Message{Role: backend.RoleUser, Content: question})
}
