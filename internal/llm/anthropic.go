package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

const (
	anthropicBaseURL      = "https://api.anthropic.com"
	anthropicVersion      = "2023-06-01"
	anthropicDefaultModel = "claude-3-5-sonnet-20241022"
)

// HTTPConfig configures an HTTP-backed provider.
type HTTPConfig struct {
	APIKey     string
	BaseURL    string
	Model      string // used when a request names no model
	HTTPClient *http.Client
}

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewAnthropic builds the provider. A missing key is a configuration error for the caller.
func NewAnthropic(cfg HTTPConfig) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: API key is missing")
	}
	p := &Anthropic{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  cfg.HTTPClient,
	}
	if p.baseURL == "" {
		p.baseURL = anthropicBaseURL
	}
	if p.model == "" {
		p.model = anthropicDefaultModel
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 120 * time.Second}
	}
	return p, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	payload, err := json.Marshal(map[string]any{
		"model":       model,
		"max_tokens":  maxTokens,
		"system":      req.System,
		"temperature": req.Temperature,
		"messages":    []map[string]string{{"role": "user", "content": req.Prompt}},
	})
	if err != nil {
		return Response{}, Permanent(a.Name(), err)
	}

	endpoint := a.baseURL + "/v1/messages"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, endpoint)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, Permanent(a.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, Transient(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Response{}, StatusError(a.Name(), resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, Transient(a.Name(), fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if decoded.Model == "" {
		decoded.Model = model
	}
	return Response{
		Text:         strings.TrimSpace(text.String()),
		Model:        decoded.Model,
		InputTokens:  decoded.Usage.InputTokens,
		OutputTokens: decoded.Usage.OutputTokens,
	}, nil
}
