// Package agents implements the four research roles behind one model call path.
//
// Every role renders its own prompt template, asks for its own JSON output and
// goes through the same Invoker, so caching, rate limiting, retries and usage
// accounting are identical for all of them.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metadata"
)

// Role is one of the closed set of pipeline agents.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleResearcher  Role = "researcher"
	RoleValidator   Role = "validator"
	RoleSynthesizer Role = "synthesizer"
)

// Roles lists every role in pipeline order.
func Roles() []Role {
	return []Role{RolePlanner, RoleResearcher, RoleValidator, RoleSynthesizer}
}

// Spec configures the model call of one role.
type Spec struct {
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// DefaultSpecs returns the built-in model settings per role.
func DefaultSpecs() map[Role]Spec {
	return map[Role]Spec{
		RolePlanner:     {Model: "claude-sonnet-4-20250514", Temperature: 0.3, MaxTokens: 1000},
		RoleResearcher:  {Model: "claude-sonnet-4-20250514", Temperature: 0.3, MaxTokens: 2000},
		RoleValidator:   {Model: "claude-3-5-haiku-20241022", Temperature: 0.1, MaxTokens: 1500},
		RoleSynthesizer: {Model: "claude-sonnet-4-20250514", Temperature: 0.5, MaxTokens: 2500},
	}
}

var systemPrompts = map[Role]string{
	RolePlanner: `You are an expert research planner. You assess how complex a research query is,
break it into concrete subtasks, pick the tools each subtask needs and order them by dependency.`,
	RoleResearcher: `You are an expert research agent. You choose precise tool calls, extract the key
facts from their output and cite sources exactly. Prefer accuracy over speed and quality sources
(academic, official, reputable news) over commercial ones.`,
	RoleValidator: `You are an expert fact-checker. You score source credibility and content accuracy
objectively, and flag findings whose claims conflict. Be thorough but fair.`,
	RoleSynthesizer: `You are an expert research synthesizer. You combine findings into a coherent,
well-structured report, highlight agreements and disagreements between sources and write
clear professional prose.`,
}

// Output schemas sent with each request.
const (
	schemaPlan       = `{"type":"object","required":["complexity","subtasks"],"properties":{"complexity":{"enum":["simple","moderate","complex"]},"reasoning":{"type":"string"},"subtasks":{"type":"array","items":{"type":"object","required":["description"],"properties":{"id":{"type":"integer"},"description":{"type":"string"},"tools":{"type":"array","items":{"type":"string"}},"dependencies":{"type":"array","items":{"type":"integer"}},"priority":{"enum":["high","medium","low"]}}}}}}`
	schemaSelect     = `{"type":"object","required":["action"],"properties":{"action":{"enum":["tool","done","clarify"]},"tool":{"type":"string"},"args":{"type":"object"},"question":{"type":"string"},"reasoning":{"type":"string"}}}`
	schemaExtract    = `{"type":"object","required":["findings"],"properties":{"findings":{"type":"array","items":{"type":"object","required":["content"],"properties":{"title":{"type":"string"},"content":{"type":"string"},"source":{"type":"string"},"url":{"type":"string"},"relevance":{"enum":["High","Medium","Low"]},"key_points":{"type":"array","items":{"type":"string"}}}}}}}`
	schemaValidate   = `{"type":"object","required":["findings"],"properties":{"findings":{"type":"array","items":{"type":"object","required":["id"],"properties":{"id":{"type":"string"},"source_score":{"type":"number"},"content_score":{"type":"number"},"corroborated":{"type":"boolean"},"note":{"type":"string"}}}},"contradictions":{"type":"array","items":{"type":"object","required":["finding_ids"],"properties":{"finding_ids":{"type":"array","items":{"type":"string"}},"note":{"type":"string"},"resolved":{"type":"boolean"}}}}}}`
	schemaSynthesize = `{"type":"object","required":["summary"],"properties":{"title":{"type":"string"},"summary":{"type":"string"},"key_insights":{"type":"array","items":{"type":"string"}},"detailed_analysis":{"type":"string"}}}`
)

// errUnparsable marks a model answer without a decodable JSON object.
var errUnparsable = errors.New("model output is not valid JSON")

// Invoker is the model call path shared by every role, normally *llm.Client.
type Invoker interface {
	Invoke(ctx context.Context, agent string, req llm.Request) (llm.Result, error)
}

// Agents holds the role configuration and the shared call path.
type Agents struct {
	llm     Invoker
	specs   map[Role]Spec
	prompts *Prompts
	scorer  *metadata.Scorer
	logger  *zap.Logger
}

// Option customizes Agents.
type Option func(*Agents)

// WithSpecs overrides the model settings of the given roles.
func WithSpecs(specs map[Role]Spec) Option {
	return func(a *Agents) {
		for role, s := range specs {
			base := a.specs[role]
			if s.Model != "" {
				base.Model = s.Model
			}
			if s.Temperature > 0 {
				base.Temperature = s.Temperature
			}
			if s.MaxTokens > 0 {
				base.MaxTokens = s.MaxTokens
			}
			a.specs[role] = base
		}
	}
}

// WithPrompts replaces the prompt renderer.
func WithPrompts(p *Prompts) Option {
	return func(a *Agents) { a.prompts = p }
}

// WithScorer replaces the domain credibility heuristic.
func WithScorer(s *metadata.Scorer) Option {
	return func(a *Agents) { a.scorer = s }
}

// New builds the role set on top of inv.
func New(inv Invoker, logger *zap.Logger, opts ...Option) *Agents {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agents{
		llm:    inv,
		specs:  DefaultSpecs(),
		scorer: metadata.NewScorer(nil),
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.prompts == nil {
		a.prompts = NewPrompts("", logger)
	}
	return a
}

// Spec returns the effective settings of role.
func (a *Agents) Spec(role Role) Spec { return a.specs[role] }

// invoke renders tmpl, calls the model as role and decodes the JSON object of the answer
// into out. Provider and template errors are returned unchanged; an answer without a JSON
// object yields errUnparsable together with the raw text.
func (a *Agents) invoke(ctx context.Context, role Role, tmpl, schema string, data, out any) (string, error) {
	prompt, err := a.prompts.Render(tmpl, data)
	if err != nil {
		return "", err
	}
	spec := a.specs[role]
	res, err := a.llm.Invoke(ctx, string(role), llm.Request{
		Model:       spec.Model,
		System:      systemPrompts[role],
		Prompt:      prompt,
		Schema:      schema,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if err := decodeJSON(res.Text, out); err != nil {
		a.logger.Warn("Unparsable agent output",
			zap.String("agent", string(role)),
			zap.String("template", tmpl),
			zap.Error(err),
		)
		return res.Text, err
	}
	return res.Text, nil
}

// decodeJSON extracts the outermost JSON object from text, tolerating code fences and prose around it.
func decodeJSON(text string, out any) error {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return fmt.Errorf("%w: no JSON object found", errUnparsable)
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), out); err != nil {
		return fmt.Errorf("%w: %v", errUnparsable, err)
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
