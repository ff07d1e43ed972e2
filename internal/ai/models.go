package ai

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"sync"
)

// ModelInfo is catalog metadata used for cost logging. Prices are illustrative
// and zero for local models.
type ModelInfo struct {
	Name          string  `json:"name"`
	ContextTokens int     `json:"context_tokens"`
	InputPerK     float64 `json:"input_per_1k"`  // USD per 1K input tokens
	OutputPerK    float64 `json:"output_per_1k"` // USD per 1K output tokens
}

var (
	catalogMu sync.RWMutex
	catalog   = map[string]ModelInfo{
		"gpt-4o-mini":               {Name: "gpt-4o-mini", ContextTokens: 128000, InputPerK: 0.00015, OutputPerK: 0.0006},
		"gpt-4o":                    {Name: "gpt-4o", ContextTokens: 128000, InputPerK: 0.0025, OutputPerK: 0.01},
		"gpt-4.1-mini":              {Name: "gpt-4.1-mini", ContextTokens: 1000000, InputPerK: 0.0004, OutputPerK: 0.0016},
		"openai/gpt-4o-mini":        {Name: "openai/gpt-4o-mini", ContextTokens: 128000, InputPerK: 0.00015, OutputPerK: 0.0006},
		"typhoon-v2-70b-instruct":   {Name: "typhoon-v2-70b-instruct", ContextTokens: 8192},
		"typhoon-v2.1-12b-instruct": {Name: "typhoon-v2.1-12b-instruct", ContextTokens: 56000},
		// local (Ollama) tags
		"llama3.1:8b-instruct": {Name: "llama3.1:8b-instruct", ContextTokens: 8192},
		"qwen2.5-coder:7b":     {Name: "qwen2.5-coder:7b", ContextTokens: 32768},
	}
)

// LookupModel returns the catalog entry for name.
func LookupModel(name string) (ModelInfo, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	mi, ok := catalog[name]
	return mi, ok
}

// EstimateCostUSD prices a call; ok is false for models missing from the catalog.
func EstimateCostUSD(model string, promptTokens, completionTokens int) (float64, bool) {
	mi, ok := LookupModel(model)
	if !ok {
		return 0, false
	}
	return float64(promptTokens)/1000*mi.InputPerK + float64(completionTokens)/1000*mi.OutputPerK, true
}

// LoadCatalogFromJSON reads a {"model": {"name", "context_tokens", "input_per_1k", "output_per_1k"}} file.
func LoadCatalogFromJSON(path string) (map[string]ModelInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var m map[string]ModelInfo
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	for k, v := range m {
		if v.Name == "" {
			v.Name = k
			m[k] = v
		}
	}
	return m, nil
}

// MergeCatalog adds or replaces entries.
func MergeCatalog(m map[string]ModelInfo) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	maps.Copy(catalog, m)
}

// Catalog returns a copy of the current catalog.
func Catalog() map[string]ModelInfo {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	return maps.Clone(catalog)
}
