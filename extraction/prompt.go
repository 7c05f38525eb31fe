package extraction

import (
	"strings"

	"minutes-api/llm"
)

const (
	schemaName          = "meeting_analysis"
	workingGroupMissing = "not specified"
)

const systemInstruction = `You analyse corporate meeting minutes.

Identify precisely:

DECISIONS: definitive choices the group has made, formal approvals, adopted standards or protocols, institutional positions. They are stated in the past or present tense as something that WAS decided.

ACTION ITEMS: work to be carried out later, follow-ups, assigned responsibilities, commitments. They are things that STILL NEED to be done.

Rules:
- Extract only items explicitly present in the minutes. Do not infer or invent anything.
- Keep titles concise and objective (at most 100 characters).
- A decision's context must capture the rationale or impact mentioned in the minutes.
- Tags are relevant keywords such as technologies, areas or acronyms.
- If there are no clear decisions or action items, return empty arrays.`

func buildPrompt(req Request) string {
	group := strings.TrimSpace(req.WorkingGroup)
	if group == "" {
		group = workingGroupMissing
	}
	var b strings.Builder
	b.WriteString("Analyse the minutes below and extract the decisions and action items.\n\n")
	b.WriteString("Meeting title: ")
	b.WriteString(req.Title)
	b.WriteString("\nWorking group: ")
	b.WriteString(group)
	b.WriteString("\n\nMinutes:\n")
	b.WriteString(req.Summary)
	return b.String()
}

// analysisSchema is the output contract given to the provider. Every object
// is closed and every property is required.
func analysisSchema() *llm.Schema {
	str := func() *llm.Schema { return &llm.Schema{Type: "string"} }
	return &llm.Schema{
		Type: "object",
		Properties: map[string]*llm.Schema{
			"decisions": {
				Type: "array",
				Items: &llm.Schema{
					Type: "object",
					Properties: map[string]*llm.Schema{
						"title":   str(),
						"context": str(),
						"tags":    {Type: "array", Items: str()},
					},
					Required:             []string{"title", "context", "tags"},
					AdditionalProperties: llm.Closed(),
				},
			},
			"tasks": {
				Type: "array",
				Items: &llm.Schema{
					Type: "object",
					Properties: map[string]*llm.Schema{
						"title":       str(),
						"description": str(),
					},
					Required:             []string{"title", "description"},
					AdditionalProperties: llm.Closed(),
				},
			},
		},
		Required:             []string{"decisions", "tasks"},
		AdditionalProperties: llm.Closed(),
	}
}
