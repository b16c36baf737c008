package tools

import (
	"net/http"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// BuiltinConfig selects and configures the built-in tools.
type BuiltinConfig struct {
	SearchProvider string // tavily, duckduckgo or none
	TavilyAPIKey   string
	TavilyDepth    string
	HTTPClient     *http.Client
	DisableCode    bool
	Code           CodeExecutorConfig
}

// RegisterBuiltins registers web_search, calculator, document_reader and code_executor.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	switch strings.ToLower(cfg.SearchProvider) {
	case "", "duckduckgo":
		if err := reg.Register(NewWebSearch(NewDuckDuckGo(cfg.HTTPClient))); err != nil {
			return err
		}
	case "tavily":
		if cfg.TavilyAPIKey == "" {
			return models.NewErrorf(models.KindConfiguration, "tools.builtins", "tavily search requires an API key")
		}
		if err := reg.Register(NewWebSearch(NewTavily(cfg.TavilyAPIKey, cfg.TavilyDepth, cfg.HTTPClient))); err != nil {
			return err
		}
	case "none":
	default:
		return models.NewErrorf(models.KindConfiguration, "tools.builtins", "unknown search provider %q", cfg.SearchProvider)
	}

	if err := reg.Register(NewCalculator()); err != nil {
		return err
	}
	if err := reg.Register(NewDocumentReader(cfg.HTTPClient)); err != nil {
		return err
	}
	if !cfg.DisableCode {
		if err := reg.Register(NewCodeExecutor(cfg.Code)); err != nil {
			return err
		}
	}
	return nil
}
