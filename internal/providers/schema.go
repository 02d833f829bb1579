package providers

// CleanToolSchemas returns tool definitions with parameter schemas cleaned
// for the target provider.
func CleanToolSchemas(provider string, tools []ToolDefinition) []ToolDefinition {
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		t.Function.Parameters = CleanSchemaForProvider(provider, t.Function.Parameters)
		out[i] = t
	}
	return out
}

// CleanSchemaForProvider strips JSON-Schema keywords a provider rejects.
// Gemini's OpenAI compatibility layer refuses "$schema" and
// "additionalProperties"; everyone tolerates their absence, so they are
// always removed.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return cleanSchema(schema)
}

func cleanSchema(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "additionalProperties":
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cleanSchema(val)
		case []interface{}:
			cleaned := make([]interface{}, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					cleaned[i] = cleanSchema(m)
				} else {
					cleaned[i] = item
				}
			}
			out[k] = cleaned
		default:
			out[k] = v
		}
	}
	return out
}
