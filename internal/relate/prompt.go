package relate

import (
	"fmt"
	"strings"

	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/provider"
)

const systemPrompt = `You are a knowledge-graph relationship analyst. Given two entities, decide whether a meaningful directed relationship exists from the first to the second. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Relationship types:
- "references": the first entity mentions or cites the second
- "part_of": the first entity is a component of the second
- "depends_on": the first entity requires the second
- "similar_to": the entities cover overlapping subject matter
- "related_to": a meaningful connection that fits no other type

Rules:
- Report has_relationship as false when the connection is incidental or trivial.
- Confidence is your certainty in [0,1] that the relationship holds.
- Evidence quotes the specific phrases that support the relationship.`

// describeNode renders the parts of a node the model needs to judge a pair.
func describeNode(heading string, n graph.Node) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]\nLabel: %s\n", heading, n.Label)
	if n.Summary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", n.Summary)
	}
	if n.Content != "" {
		fmt.Fprintf(&sb, "Content: %s\n", n.Content)
	}
	return sb.String()
}

// buildPrompt constructs the chat messages for one pair inference.
func buildPrompt(from, to graph.Node) []provider.Message {
	return []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: describeNode("First entity", from) + "\n" + describeNode("Second entity", to)},
	}
}

// inferenceSchema returns the JSON schema for structured inference output.
func inferenceSchema() *provider.Schema {
	return &provider.Schema{
		Type: "object",
		Properties: map[string]provider.SchemaProperty{
			"has_relationship":  {Type: "boolean", Description: "Whether a meaningful relationship exists"},
			"relationship_type": {Type: "string", Description: "One of: references, part_of, depends_on, similar_to, related_to"},
			"confidence":        {Type: "number", Description: "Certainty in [0,1]"},
			"reasoning":         {Type: "string", Description: "Short explanation of the judgment"},
			"evidence":          {Type: "array", Description: "Phrases supporting the relationship"},
		},
		Required: []string{"has_relationship", "relationship_type", "confidence", "reasoning", "evidence"},
	}
}
