package configure

import "strings"

// providerAliases maps marketing names onto the canonical provider id.
var providerAliases = map[string]string{
	"openai-codex": "openai",
	"kimi-code":    "kimi-coding",
	"google":       "gemini",
}

// providerEnvKeys is the explicit provider to credential variable table.
// Providers not listed here fall back to <PROVIDER>_API_KEY.
var providerEnvKeys = map[string]string{
	"openai":      "OPENAI_API_KEY",
	"gemini":      "GEMINI_API_KEY",
	"moonshot":    "MOONSHOT_API_KEY",
	"kimi":        "KIMI_API_KEY",
	"kimi-coding": "KIMI_API_KEY",
	"xai":         "XAI_API_KEY",
	"anthropic":   "ANTHROPIC_API_KEY",
	"openrouter":  "OPENROUTER_API_KEY",
	"azure":       "AZURE_OPENAI_API_KEY",
	"zai":         "ZAI_API_KEY",
	"xiaomi":      "XIAOMI_API_KEY",
	"minimax":     "MINIMAX_API_KEY",
}

// CanonicalProvider resolves aliases and normalizes case.
func CanonicalProvider(name string) string {
	p := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := providerAliases[p]; ok {
		return canonical
	}
	return p
}

// ProviderEnvKey returns the environment variable that carries the API
// key for the given provider.
func ProviderEnvKey(provider string) string {
	p := CanonicalProvider(provider)
	if key, ok := providerEnvKeys[p]; ok {
		return key
	}
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, p)
	return sanitized + "_API_KEY"
}
