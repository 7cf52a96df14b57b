// Package router resolves the model string of an incoming request into a
// provider selection. Resolution is pure and deterministic: a reasoning
// suffix is stripped first, then aliases expand, then prefix and
// provider:model rules apply, and finally the default selection.
package router

import "strings"

// Provider tags.
const (
	ProviderAnthropic   = "passthrough-anthropic"
	ProviderGLM         = "passthrough-glm"
	ProviderOpenAIKey   = "openai-key"
	ProviderOpenRouter  = "openrouter"
	ProviderGeminiKey   = "gemini-key"
	ProviderGeminiOAuth = "gemini-oauth"
	ProviderCodexOAuth  = "codex-oauth"
)

// Reasoning levels accepted as an @suffix on the model string.
const (
	ReasoningLow    = "low"
	ReasoningMedium = "medium"
	ReasoningHigh   = "high"
	ReasoningXHigh  = "xhigh"
)

// Selection is the routing result for one request.
type Selection struct {
	Provider  string
	Model     string
	Reasoning string // empty when the request carried no level
}

// defaultAliases maps user-friendly shortcuts to provider:model targets.
// Lookup is case-insensitive.
var defaultAliases = map[string]string{
	"codex":     ProviderCodexOAuth + ":gpt-5.3-codex",
	"codex-max": ProviderCodexOAuth + ":gpt-5.1-codex-max",
	"gpt":       ProviderOpenAIKey + ":gpt-5.1",
	"gemini":    ProviderGeminiOAuth + ":gemini-3-pro-preview",
	"flash":     ProviderGeminiOAuth + ":gemini-flash-latest",
	"gemini-2.5": ProviderGeminiKey + ":gemini-2.5-pro",
	"or":         ProviderOpenRouter + ":openrouter/auto",
	"glm":       ProviderGLM + ":glm-4.6",
	"opus":      ProviderAnthropic + ":claude-opus-4-1",
	"sonnet":    ProviderAnthropic + ":claude-sonnet-4-5",
	"haiku":     ProviderAnthropic + ":claude-haiku-4-5",
}

var knownProviders = map[string]bool{
	ProviderAnthropic:   true,
	ProviderGLM:         true,
	ProviderOpenAIKey:   true,
	ProviderOpenRouter:  true,
	ProviderGeminiKey:   true,
	ProviderGeminiOAuth: true,
	ProviderCodexOAuth:  true,
}

var reasoningLevels = map[string]bool{
	ReasoningLow:    true,
	ReasoningMedium: true,
	ReasoningHigh:   true,
	ReasoningXHigh:  true,
}

// Router resolves model strings. Extra aliases from configuration overlay
// the built-in table.
type Router struct {
	aliases map[string]string
}

func New(extraAliases map[string]string) *Router {
	aliases := make(map[string]string, len(defaultAliases)+len(extraAliases))
	for k, v := range defaultAliases {
		aliases[strings.ToLower(k)] = v
	}
	for k, v := range extraAliases {
		aliases[strings.ToLower(k)] = v
	}
	return &Router{aliases: aliases}
}

// Resolve parses a model string into a Selection. A nil defaultSel falls
// back to the GLM passthrough with the raw string as the model.
func (r *Router) Resolve(model string, defaultSel *Selection) Selection {
	model = strings.TrimSpace(model)

	// 1. Strip a trailing @level for known levels only.
	reasoning := ""
	if at := strings.LastIndex(model, "@"); at >= 0 {
		if level := strings.ToLower(model[at+1:]); reasoningLevels[level] {
			reasoning = level
			model = model[:at]
		}
	}

	sel := r.resolveBase(model, defaultSel)

	// The suffix level wins over any default-carried level.
	if reasoning != "" {
		sel.Reasoning = reasoning
	}
	return sel
}

func (r *Router) resolveBase(model string, defaultSel *Selection) Selection {
	// 2. Alias expansion (single pass).
	if target, ok := r.aliases[strings.ToLower(model)]; ok {
		model = target
	}

	// 3-4. Prefix routing for Protocol-A upstreams.
	if strings.HasPrefix(model, "claude-") {
		return Selection{Provider: ProviderAnthropic, Model: model}
	}
	if strings.HasPrefix(model, "glm-") {
		return Selection{Provider: ProviderGLM, Model: model}
	}

	// 5. provider:model or provider/model split on the first separator.
	if idx := strings.IndexAny(model, ":/"); idx > 0 {
		if prefix := model[:idx]; knownProviders[prefix] {
			return Selection{Provider: prefix, Model: model[idx+1:]}
		}
	}

	// 6. Default fallback.
	if defaultSel != nil {
		return Selection{
			Provider:  defaultSel.Provider,
			Model:     defaultSel.Model,
			Reasoning: defaultSel.Reasoning,
		}
	}
	return Selection{Provider: ProviderGLM, Model: model}
}
