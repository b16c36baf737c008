package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

// Config structure for the pricing section in config/models.yaml
type config struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]ModelPrice `yaml:"models"` // provider -> model -> price
	} `yaml:"pricing"`
}

// ModelPrice is the USD price per 1K tokens of one model.
type ModelPrice struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

// fallback when no default is configured: $0.002 per 1K tokens
const fallbackPerToken = 0.000002

// builtin prices used when no models.yaml is supplied
const builtinYAML = `
pricing:
  defaults:
    combined_per_1k: 0.002
  models:
    anthropic:
      claude-3-5-sonnet-20241022: {input_per_1k: 0.003, output_per_1k: 0.015}
      claude-3-5-haiku-20241022: {input_per_1k: 0.0008, output_per_1k: 0.004}
      claude-sonnet-4-20250514: {input_per_1k: 0.003, output_per_1k: 0.015}
    openai:
      gpt-4o: {input_per_1k: 0.0025, output_per_1k: 0.01}
      gpt-4o-mini: {input_per_1k: 0.00015, output_per_1k: 0.0006}
    deepseek:
      deepseek-chat: {combined_per_1k: 0.00021}
`

// Table resolves token costs. Read-only after construction.
type Table struct {
	cfg config
}

// Default returns the built-in price table.
func Default() *Table {
	t, err := Parse([]byte(builtinYAML))
	if err != nil {
		panic(fmt.Sprintf("builtin pricing: %v", err))
	}
	return t
}

// Load reads a models.yaml file. An empty path returns the built-in table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a pricing document.
func Parse(data []byte) (*Table, error) {
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pricing config: %w", err)
	}
	t := &Table{cfg: cfg}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) validate() error {
	if t.cfg.Pricing.Defaults.CombinedPer1K < 0 {
		return fmt.Errorf("pricing.defaults.combined_per_1k must be >= 0")
	}
	for prov, models := range t.cfg.Pricing.Models {
		for name, m := range models {
			if m.InputPer1K < 0 || m.OutputPer1K < 0 || m.CombinedPer1K < 0 {
				return fmt.Errorf("negative price for %s:%s", prov, name)
			}
		}
	}
	return nil
}

// DefaultPerToken returns the default combined price per token
func (t *Table) DefaultPerToken() float64 {
	if t.cfg.Pricing.Defaults.CombinedPer1K > 0 {
		return t.cfg.Pricing.Defaults.CombinedPer1K / 1000.0
	}
	return fallbackPerToken
}

func (t *Table) lookup(model string) (ModelPrice, bool) {
	if model == "" {
		return ModelPrice{}, false
	}
	for _, models := range t.cfg.Pricing.Models {
		if m, ok := models[model]; ok {
			return m, true
		}
	}
	return ModelPrice{}, false
}

// PricePerToken returns the combined price per token for a model if available
func (t *Table) PricePerToken(model string) (float64, bool) {
	m, ok := t.lookup(model)
	if !ok {
		return 0, false
	}
	if m.CombinedPer1K > 0 {
		return m.CombinedPer1K / 1000.0, true
	}
	// only input/output provided: approximate combined as average
	if m.InputPer1K > 0 && m.OutputPer1K > 0 {
		return ((m.InputPer1K + m.OutputPer1K) / 2.0) / 1000.0, true
	}
	return 0, false
}

// CostForSplit computes cost using the input/output token split when available.
// Falls back to combined pricing or the default if the model is unknown.
func (t *Table) CostForSplit(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	if m, ok := t.lookup(model); ok {
		if m.InputPer1K > 0 && m.OutputPer1K > 0 {
			return (float64(inputTokens)/1000.0)*m.InputPer1K + (float64(outputTokens)/1000.0)*m.OutputPer1K
		}
		if m.CombinedPer1K > 0 {
			return (float64(inputTokens+outputTokens) / 1000.0) * m.CombinedPer1K
		}
	}
	if model == "" {
		metrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
	} else {
		metrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
	return float64(inputTokens+outputTokens) * t.DefaultPerToken()
}
