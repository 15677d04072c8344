package mcp

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "memory_create",
			Description: "Store a new memory. Pass an embedding, or omit it to embed content with the configured provider.",
			InputSchema: jsonSchema(map[string]any{
				"content":           propString("Memory content."),
				"embedding":         propVector("Optional embedding; must match the store dimension."),
				"base_importance":   propNumber("Importance in [0, 1]."),
				"metadata":          propObject("Optional string key/value metadata."),
				"include_embedding": propBoolean("Echo the embedding in the result."),
			}, []string{"content", "base_importance"}),
		},
		{
			Name:        "memory_get",
			Description: "Fetch one memory by id, active or retired.",
			InputSchema: jsonSchema(map[string]any{
				"id":                propString("Memory id."),
				"include_embedding": propBoolean("Include the embedding in the result."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_recall",
			Description: "Recall the top-k active memories by similarity, decay, and importance. Recalled memories are reinforced.",
			InputSchema: jsonSchema(map[string]any{
				"embedding": propVector("Query embedding."),
				"query":     propString("Query text, embedded with the configured provider when no embedding is given."),
				"k":         propNumber("Maximum results."),
				"filters": jsonSchema(map[string]any{
					"min_importance": propNumber("Minimum base importance."),
					"metadata":       propObject("Metadata entries that must match exactly."),
					"created_after":  propString("RFC3339 lower bound on creation time."),
					"created_before": propString("RFC3339 upper bound on creation time."),
				}, nil),
				"include_embedding": propBoolean("Include embeddings in results."),
			}, nil),
		},
		{
			Name:        "memory_retire",
			Description: "Retire a memory. Retired memories are kept but never recalled.",
			InputSchema: jsonSchema(map[string]any{
				"id": propString("Memory id."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_revise",
			Description: "Replace a memory's content with a new version and retire the old one.",
			InputSchema: jsonSchema(map[string]any{
				"id":        propString("Memory id to revise."),
				"content":   propString("New content."),
				"embedding": propVector("Optional embedding for the new content."),
			}, []string{"id", "content"}),
		},
		{
			Name:        "memory_history",
			Description: "Return every version of a memory, oldest first.",
			InputSchema: jsonSchema(map[string]any{
				"id": propString("Any memory id in the chain."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_sweep",
			Description: "Run a retirement review pass and report flagged candidates.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "memory_candidates",
			Description: "List memories flagged for retirement review.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "memory_confirm_retirement",
			Description: "Retire a flagged candidate if it is still eligible.",
			InputSchema: jsonSchema(map[string]any{
				"id": propString("Candidate memory id."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_stats",
			Description: "Report active, retired, indexed, and candidate counts.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "memory_check",
			Description: "Compare the store with the vector index and rebuild the index on divergence.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
	}
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	out := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func propBoolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func propVector(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"items":       map[string]any{"type": "number"},
	}
}

func propObject(description string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"description":          description,
		"additionalProperties": map[string]any{"type": "string"},
	}
}
