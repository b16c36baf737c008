package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

const (
	openAIBaseURL      = "https://api.openai.com/v1/"
	openAIDefaultModel = "gpt-4o-mini"
)

// OpenAI calls any OpenAI-compatible Chat Completions endpoint through the official SDK.
type OpenAI struct {
	client  openai.Client
	baseURL string
	model   string
}

// NewOpenAI builds the provider. Retries stay with Client, so the SDK never retries.
func NewOpenAI(cfg HTTPConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: API key is missing")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openAIDefaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
		option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
			tracing.InjectTraceparent(req.Context(), req)
			return next(req)
		}),
	}
	return &OpenAI{client: openai.NewClient(opts...), baseURL: baseURL, model: model}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Schema != "" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, strings.TrimRight(o.baseURL, "/")+"/chat/completions")
	defer span.End()

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, o.classify(err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, Permanent(o.Name(), errors.New("response has no choices"))
	}
	if completion.Model != "" {
		model = completion.Model
	}
	return Response{
		Text:         strings.TrimSpace(completion.Choices[0].Message.Content),
		Model:        model,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

// classify maps SDK errors onto provider errors. Status errors follow StatusError;
// transport and decode failures are transient.
func (o *OpenAI) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return StatusError(o.Name(), apiErr.StatusCode, msg)
	}
	return Transient(o.Name(), err)
}
