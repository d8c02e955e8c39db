package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/miguelosoWA/novabank-demo-sub001/internal/schema"
)

// buildSystemPrompt embeds the domain's collection goal, the already-known
// field values and the response contract into one system message. The model
// answers in the user's language; the structured shape is enforced separately
// by the response schema.
func buildSystemPrompt(domain *schema.Domain, known map[string]any) string {
	var b strings.Builder

	b.WriteString("You are the conversational assistant of a banking application.\n")
	b.WriteString("Goal: ")
	b.WriteString(domain.Goal)
	b.WriteString("\n\n")

	b.WriteString("Fields to collect:\n")
	for _, f := range domain.Fields {
		switch f.Type {
		case schema.FieldEnum:
			fmt.Fprintf(&b, "- %s: one of %s\n", f.Name, strings.Join(f.EnumValues, ", "))
		default:
			fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Type)
		}
	}

	knownJSON, _ := json.Marshal(known)
	fmt.Fprintf(&b, "\nAlready known values (do not ask for these again): %s\n", knownJSON)

	b.WriteString("\nRules:\n")
	b.WriteString("- Extract field values only from what the user actually said; never invent values.\n")
	b.WriteString("- Omit any field the user did not mention in this turn.\n")
	fmt.Fprintf(&b, "- While required fields are missing, set page to %q and ask for the next one.\n", domain.Pages.Incomplete)
	fmt.Fprintf(&b, "- When every field is known but the user has not confirmed yet, set page to %q and ask for confirmation.\n", domain.Pages.Complete)
	fmt.Fprintf(&b, "- When the user explicitly confirms, set page to %q.\n", domain.Pages.Confirmed)
	fmt.Fprintf(&b, "- When the user declines or abandons the flow, set page to %q.\n", domain.Pages.Confirmed)
	b.WriteString("- Always include a short response message for the user, in the user's language.\n")

	return b.String()
}

// buildResponseSchema derives the JSON schema the model output is constrained
// to: every domain field optional per turn, response and page mandatory.
func buildResponseSchema(domain *schema.Domain) (json.RawMessage, error) {
	properties := map[string]any{
		"response": map[string]any{
			"type":        "string",
			"description": "short human-readable assistant message",
		},
		"page": map[string]any{
			"type": "string",
			"enum": []string{
				domain.Pages.Incomplete,
				domain.Pages.Complete,
				domain.Pages.Confirmed,
			},
			"description": "navigation target for this turn",
		},
	}

	for _, f := range domain.Fields {
		switch f.Type {
		case schema.FieldNumber:
			properties[f.Name] = map[string]any{"type": "number"}
		case schema.FieldEnum:
			properties[f.Name] = map[string]any{"type": "string", "enum": f.EnumValues}
		default:
			properties[f.Name] = map[string]any{"type": "string"}
		}
	}

	raw, err := json.Marshal(map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             []string{"response", "page"},
		"additionalProperties": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build response schema for %s: %w", domain.ID, err)
	}
	return raw, nil
}
