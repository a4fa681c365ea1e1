package util

import (
	"encoding/json"
	"strings"
)

const redacted = "[REDACTED]"

// Key fragments that mark a JSON field as secret-bearing. Configure and
// channel payloads carry provider API keys, gateway tokens, and bot tokens.
var sensitiveKeyParts = []string{
	"api_key",
	"apikey",
	"token",
	"secret",
	"password",
	"authorization",
	"cookie",
}

// RedactSensitiveJSON replaces secret-bearing fields in a JSON payload with
// a placeholder before the payload is logged. Anything that does not parse
// as JSON passes through untouched.
func RedactSensitiveJSON(body []byte) []byte {
	trim := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trim, "{") && !strings.HasPrefix(trim, "[") {
		return body
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	out, err := json.Marshal(redactTree(doc))
	if err != nil {
		return body
	}
	return out
}

func redactTree(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for key, val := range node {
			if sensitiveKey(key) {
				node[key] = redacted
			} else {
				node[key] = redactTree(val)
			}
		}
		return node
	case []any:
		for i := range node {
			node[i] = redactTree(node[i])
		}
		return node
	default:
		return v
	}
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}
