package agents

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Template names. Each is a file <name>.tmpl.
const (
	tmplPlanner           = "planner"
	tmplResearcherSelect  = "researcher_select"
	tmplResearcherExtract = "researcher_extract"
	tmplValidator         = "validator"
	tmplSynthesizer       = "synthesizer"
)

//go:embed prompts/*.tmpl
var embeddedPrompts embed.FS

var promptFuncs = template.FuncMap{
	"add":    func(a, b int) int { return a + b },
	"join":   strings.Join,
	"params": formatParams,
}

// Prompts renders role prompt templates. A file in dir with the same name overrides
// the built-in template; parsed templates are cached.
type Prompts struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewPrompts creates a renderer. dir may be empty to use only the built-in templates.
func NewPrompts(dir string, logger *zap.Logger) *Prompts {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prompts{dir: dir, logger: logger, cache: make(map[string]*template.Template)}
}

// Render executes the named template with data.
func (p *Prompts) Render(name string, data any) (string, error) {
	tmpl, err := p.load(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", models.NewErrorf(models.KindConfiguration, "prompts.render", "template %s: %v", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (p *Prompts) load(name string) (*template.Template, error) {
	p.mu.RLock()
	tmpl, ok := p.cache[name]
	p.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	src, origin, err := p.source(name)
	if err != nil {
		return nil, models.NewErrorf(models.KindConfiguration, "prompts.load", "template %s: %v", name, err)
	}
	tmpl, err = template.New(name).Funcs(promptFuncs).Option("missingkey=zero").Parse(string(src))
	if err != nil {
		return nil, models.NewErrorf(models.KindConfiguration, "prompts.load", "parse %s: %v", origin, err)
	}

	p.mu.Lock()
	p.cache[name] = tmpl
	p.mu.Unlock()
	p.logger.Debug("Loaded prompt template", zap.String("template", name), zap.String("origin", origin))
	return tmpl, nil
}

func (p *Prompts) source(name string) ([]byte, string, error) {
	file := name + ".tmpl"
	if p.dir != "" {
		path := filepath.Join(p.dir, file)
		b, err := os.ReadFile(path)
		if err == nil {
			return b, path, nil
		}
		if !os.IsNotExist(err) {
			return nil, path, err
		}
	}
	b, err := embeddedPrompts.ReadFile("prompts/" + file)
	return b, "builtin:" + file, err
}

func formatParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, params[k])
	}
	return strings.Join(parts, "; ")
}
