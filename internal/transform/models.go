package transform

import (
	"slices"
	"sort"
	"strings"

	"github.com/compresr/relay-gateway/internal/config"
)

// Backend model families, used to check that a signature is replayed to the
// family that issued it.
const (
	FamilyClaude = "claude"
	FamilyGemini = "gemini"
)

// defaultModelMapping maps client model names onto backend model ids.
// Keys ending in * match by prefix.
var defaultModelMapping = map[string]string{
	"claude-opus-4*":        "claude-opus-4-5-thinking",
	"claude-sonnet-4*":      "claude-sonnet-4-5",
	"claude-3-7-sonnet*":    "claude-sonnet-4-5",
	"claude-3-5-sonnet*":    "claude-sonnet-4-5",
	"claude-haiku*":         "gemini-2.5-flash",
	"claude-3-5-haiku*":     "gemini-2.5-flash",
	"claude-3-haiku*":       "gemini-2.5-flash",
	"gpt-4o-mini*":          "gemini-2.5-flash",
	"gpt-4o*":               "gemini-2.5-pro",
	"gpt-4*":                "gemini-2.5-pro",
	"gpt-3.5*":              "gemini-2.5-flash",
	"o1*":                   "gemini-3-pro-high",
	"o3*":                   "gemini-3-pro-high",
	"gemini-3-pro-preview*": "gemini-3-pro-high",
}

// BackendModels lists the model ids the backend serves.
var BackendModels = []string{
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking",
	"claude-opus-4-5-thinking",
	"gemini-3-pro-high",
	"gemini-3-pro-low",
	"gemini-3-flash",
	"gemini-3-pro-image",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.5-flash-thinking",
}

// ModelMapper resolves client model names. Config entries win over built-ins;
// exact keys win over wildcards; backend ids pass through before wildcards are
// tried; longer wildcard prefixes win over shorter ones.
type ModelMapper struct {
	exact    map[string]string
	prefixes []prefixRule
	limits   map[string]int
	fallback int
}

type prefixRule struct {
	prefix string
	target string
}

// NewModelMapper builds a mapper from the models config section.
func NewModelMapper(cfg config.ModelsConfig, defaultContextLimit int) *ModelMapper {
	m := &ModelMapper{
		exact:    make(map[string]string),
		limits:   cfg.ContextLimits,
		fallback: defaultContextLimit,
	}
	if m.fallback <= 0 {
		m.fallback = config.DefaultContextLimit
	}

	merged := make(map[string]string, len(defaultModelMapping)+len(cfg.Mapping))
	for k, v := range defaultModelMapping {
		merged[k] = v
	}
	for k, v := range cfg.Mapping {
		merged[k] = v
	}
	for k, v := range merged {
		if prefix, ok := strings.CutSuffix(k, "*"); ok {
			m.prefixes = append(m.prefixes, prefixRule{prefix: prefix, target: v})
			continue
		}
		m.exact[k] = v
	}
	sort.Slice(m.prefixes, func(i, j int) bool {
		if len(m.prefixes[i].prefix) != len(m.prefixes[j].prefix) {
			return len(m.prefixes[i].prefix) > len(m.prefixes[j].prefix)
		}
		return m.prefixes[i].prefix < m.prefixes[j].prefix
	})
	return m
}

// Resolve returns the backend model id for a client model name.
func (m *ModelMapper) Resolve(model string) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	if v, ok := m.exact[model]; ok {
		return v
	}
	if slices.Contains(BackendModels, model) {
		return model
	}
	for _, r := range m.prefixes {
		if strings.HasPrefix(model, r.prefix) {
			return r.target
		}
	}
	return model
}

// ResolveThinking is Resolve for a request that may ask for thinking. When it
// does and the resolved id cannot think, its "-thinking" backend variant is
// used instead if one exists.
func (m *ModelMapper) ResolveThinking(model string, thinking bool) string {
	resolved := m.Resolve(model)
	if !thinking || SupportsThinking(resolved) {
		return resolved
	}
	if variant := resolved + "-thinking"; slices.Contains(BackendModels, variant) {
		return variant
	}
	return resolved
}

// ContextLimit returns the context window used for compression decisions.
func (m *ModelMapper) ContextLimit(model string) int {
	if v, ok := m.limits[model]; ok && v > 0 {
		return v
	}
	for k, v := range m.limits {
		if prefix, ok := strings.CutSuffix(k, "*"); ok && strings.HasPrefix(model, prefix) && v > 0 {
			return v
		}
	}
	if strings.HasPrefix(model, "claude") {
		return 200_000
	}
	return m.fallback
}

// Family returns the backend family of a model id.
func Family(model string) string {
	if strings.Contains(strings.ToLower(model), "claude") {
		return FamilyClaude
	}
	return FamilyGemini
}

// SupportsThinking reports whether the backend accepts a thinking config for a model.
func SupportsThinking(model string) bool {
	m := strings.ToLower(model)
	if strings.Contains(m, "image") {
		return false
	}
	if strings.HasPrefix(m, "claude") {
		return strings.Contains(m, "thinking") || strings.Contains(m, "opus")
	}
	return strings.Contains(m, "gemini-2.5") || strings.Contains(m, "gemini-3")
}

// ImpliesThinking reports whether the model name itself asks for thinking.
func ImpliesThinking(model string) bool {
	return strings.HasSuffix(strings.ToLower(model), "-thinking")
}

// ConstrainedThinking reports whether a model caps its thinking budget.
func ConstrainedThinking(model string) bool {
	return strings.Contains(strings.ToLower(model), "flash")
}
