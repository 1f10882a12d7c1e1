package mappers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model alias resolution. Callers send canonical or friendly model ids; the
// upstream only understands its own short ids. Unknown models fall back to
// the default so a new client never hard-fails on a model string.

// DefaultModel is the upstream id used when nothing matches.
const DefaultModel = "claude-sonnet-4"

var validModels = map[string]bool{
	"claude-sonnet-4":   true,
	"claude-sonnet-4.5": true,
	"claude-haiku-4.5":  true,
	"claude-opus-4.5":   true,
}

var canonicalAliases = map[string]string{
	"claude-sonnet-4-20250514":   "claude-sonnet-4",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4",
	"claude-3-5-haiku-20241022":  "claude-haiku-4.5",
	"gpt-4o":                     "claude-sonnet-4",
	"gpt-4o-mini":                "claude-haiku-4.5",
}

// Resolver maps caller model ids to upstream ids, with optional overrides
// loaded from models.yaml.
type Resolver struct {
	defaultModel string
	aliases      map[string]string
}

type resolverFile struct {
	DefaultModel string            `yaml:"default_model"`
	Aliases      map[string]string `yaml:"aliases"`
}

// NewResolver builds a resolver with the built-in alias table.
func NewResolver(defaultModel string) *Resolver {
	if !validModels[defaultModel] {
		defaultModel = DefaultModel
	}
	aliases := make(map[string]string, len(canonicalAliases))
	for k, v := range canonicalAliases {
		aliases[k] = v
	}
	return &Resolver{defaultModel: defaultModel, aliases: aliases}
}

// LoadOverrides merges aliases from a YAML file:
//
//	default_model: claude-sonnet-4.5
//	aliases:
//	  my-favorite: claude-opus-4.5
func (r *Resolver) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file resolverFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if file.DefaultModel != "" && validModels[file.DefaultModel] {
		r.defaultModel = file.DefaultModel
	}
	for alias, target := range file.Aliases {
		if validModels[target] {
			r.aliases[normalizeModelID(alias)] = target
		}
	}
	return nil
}

// Resolve maps a caller-supplied model string to an upstream id.
func (r *Resolver) Resolve(model string) string {
	model = normalizeModelID(model)
	if model == "" {
		return r.defaultModel
	}
	if validModels[model] {
		return model
	}
	if target, ok := r.aliases[model]; ok {
		return target
	}

	// Heuristic substring mapping for versioned or friendly names.
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return "claude-opus-4.5"
	case strings.Contains(lower, "haiku"):
		return "claude-haiku-4.5"
	case strings.Contains(lower, "sonnet") && strings.Contains(lower, "4.5"),
		strings.Contains(lower, "sonnet") && strings.Contains(lower, "4-5"):
		return "claude-sonnet-4.5"
	case strings.Contains(lower, "sonnet"):
		return "claude-sonnet-4"
	}
	return r.defaultModel
}

// Models returns the upstream ids a caller may target, sorted.
func (r *Resolver) Models() []string {
	ids := make([]string, 0, len(validModels))
	for id := range validModels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// normalizeModelID strips friendly "Name (id)" wrappers and whitespace.
func normalizeModelID(model string) string {
	model = strings.TrimSpace(model)
	if open := strings.LastIndexByte(model, '('); open >= 0 && strings.HasSuffix(model, ")") {
		inner := strings.TrimSpace(model[open+1 : len(model)-1])
		if inner != "" {
			return inner
		}
	}
	return model
}
