package llm

import "strings"

// DetectProvider determines the provider from a model name by naming convention.
// Llama models map to "ollama" (local deployment convention).
func DetectProvider(model string) string {
	if model == "" {
		return "unknown"
	}
	ml := strings.ToLower(model)

	// Groq-hosted models are named explicitly and must win over the llama rule
	if strings.Contains(ml, "groq") {
		return "groq"
	}

	switch {
	case strings.Contains(ml, "gpt-") || strings.Contains(ml, "davinci") ||
		strings.Contains(ml, "turbo") || strings.Contains(ml, "text-") ||
		strings.HasPrefix(ml, "o1") || strings.HasPrefix(ml, "o3"):
		return "openai"
	case strings.Contains(ml, "claude") || strings.Contains(ml, "opus") ||
		strings.Contains(ml, "sonnet") || strings.Contains(ml, "haiku"):
		return "anthropic"
	case strings.Contains(ml, "gemini") || strings.Contains(ml, "palm"):
		return "google"
	case strings.Contains(ml, "deepseek"):
		return "deepseek"
	case strings.Contains(ml, "qwen"):
		return "qwen"
	case strings.Contains(ml, "grok"):
		return "xai"
	// Mistral before llama since some names overlap
	case strings.Contains(ml, "mistral") || strings.Contains(ml, "mixtral") ||
		strings.Contains(ml, "codestral"):
		return "mistral"
	case strings.Contains(ml, "llama"):
		return "ollama"
	case strings.Contains(ml, "command") || strings.Contains(ml, "cohere"):
		return "cohere"
	case strings.Contains(ml, "glm"):
		return "zai"
	}
	return "unknown"
}
