package catalog

import (
	"strings"

	"github.com/smallbiznis/tollway/internal/provider/domain"
)

// Catalog answers model-identity and pricing lookups against one
// immutable Config snapshot. The Holder swaps snapshots on reload.
type Catalog struct {
	cfg Config
}

func New(cfg Config) *Catalog {
	if cfg.Providers == nil {
		cfg = DefaultConfig()
	}
	cfg.Heuristics = cfg.Heuristics.withDefaults()
	return &Catalog{cfg: cfg}
}

// Heuristics returns the character-to-token conversion parameters.
func (c *Catalog) Heuristics() TokenHeuristic {
	return c.cfg.Heuristics
}

// ResolveModel canonicalizes a raw model string. Lookup order: exact
// match, then substring match in either direction against known models,
// then the unknown/text fallback. An unrecognized model never fails the
// caller.
func (c *Catalog) ResolveModel(provider domain.Provider, rawModel string) ModelInfo {
	rawModel = strings.TrimSpace(rawModel)
	if entry, ok := c.lookup(provider, rawModel); ok {
		return ModelInfo{Name: rawModel, Family: entry.Family, Category: entry.Category, Version: entry.Version}
	}
	return ModelInfo{Name: rawModel, Family: "unknown", Category: CategoryText}
}

// Price returns the USD price per 1k input/output tokens for a model.
// ok is false when the catalog has no pricing for it; the caller decides
// the fallback (cost computation defaults to zero with a warning).
func (c *Catalog) Price(provider domain.Provider, rawModel string) (inPer1K, outPer1K float64, ok bool) {
	entry, found := c.lookup(provider, strings.TrimSpace(rawModel))
	if !found || (entry.InputPer1K == 0 && entry.OutputPer1K == 0) {
		return 0, 0, false
	}
	return entry.InputPer1K, entry.OutputPer1K, true
}

func (c *Catalog) lookup(provider domain.Provider, rawModel string) (Entry, bool) {
	entries, ok := c.cfg.Providers[string(provider)]
	if !ok || rawModel == "" {
		return Entry{}, false
	}

	for _, entry := range entries.Models {
		if entry.Model == rawModel {
			return entry, true
		}
	}

	// Substring fallback covers dated snapshots like gpt-4-0613 and
	// aliases shorter than the catalog key.
	for _, entry := range entries.Models {
		if strings.Contains(rawModel, entry.Model) || strings.Contains(entry.Model, rawModel) {
			return entry, true
		}
	}

	return Entry{}, false
}
