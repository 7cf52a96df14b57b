package providers

import "encoding/json"

// geminiSchemaKeys is the fixed whitelist of JSON-Schema keywords the
// Gemini function-declaration endpoint accepts. Everything else is dropped.
var geminiSchemaKeys = map[string]bool{
	"type":                 true,
	"properties":           true,
	"required":             true,
	"description":          true,
	"enum":                 true,
	"items":                true,
	"format":               true,
	"nullable":             true,
	"title":                true,
	"anyOf":                true,
	"$ref":                 true,
	"$defs":                true,
	"$id":                  true,
	"$anchor":              true,
	"minimum":              true,
	"maximum":              true,
	"minItems":             true,
	"maxItems":             true,
	"prefixItems":          true,
	"additionalProperties": true,
	"propertyOrdering":     true,
}

// SanitizeGeminiSchema strips unsupported keywords from a tool input
// schema. Keys directly under a properties map are user-defined property
// names and pass through unchecked; their values are sanitized recursively.
// $ref/$defs are treated structurally and never dereferenced.
func SanitizeGeminiSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return schema
	}

	var node any
	if err := json.Unmarshal(schema, &node); err != nil {
		return schema
	}

	sanitized := sanitizeSchemaNode(node, false)
	out, err := json.Marshal(sanitized)
	if err != nil {
		return schema
	}
	return out
}

func sanitizeSchemaNode(node any, insideProperties bool) any {
	switch v := node.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			if insideProperties {
				// Property names are user keys; their values are schemas.
				result[key] = sanitizeSchemaNode(value, false)
				continue
			}
			if !geminiSchemaKeys[key] {
				continue
			}
			result[key] = sanitizeSchemaNode(value, key == "properties" || key == "$defs")
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = sanitizeSchemaNode(item, false)
		}
		return result
	default:
		return v
	}
}
