package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "be terse", body["system"])
		assert.Equal(t, "claude-3-5-haiku-20241022", body["model"])
		_, _ = w.Write([]byte(`{"model":"claude-3-5-haiku-20241022","content":[{"type":"text","text":"{\"ok\":true}"}],"usage":{"input_tokens":12,"output_tokens":7}}`))
	}))
	defer srv.Close()

	p, err := NewAnthropic(HTTPConfig{APIKey: "key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	resp, err := p.Complete(context.Background(), Request{Model: "claude-3-5-haiku-20241022", System: "be terse", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 7, resp.OutputTokens)
}

func TestAnthropicStatusClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	p, err := NewAnthropic(HTTPConfig{APIKey: "key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), Request{Prompt: "hi"})
	assert.True(t, IsTransient(err))

	status = http.StatusBadRequest
	_, err = p.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "http 400")
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotNil(t, body["response_format"], "json mode when a schema is requested")
		msgs := body["messages"].([]any)
		assert.Len(t, msgs, 2)
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"message":{"content":" {\"a\":1} "}}],"usage":{"prompt_tokens":20,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAI(HTTPConfig{APIKey: "key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	resp, err := p.Complete(context.Background(), Request{System: "s", Prompt: "p", Schema: `{"type":"object"}`})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, resp.Text)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 20, resp.InputTokens)
}

func TestOpenAIEmptyChoicesIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()
	p, err := NewOpenAI(HTTPConfig{APIKey: "key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestOpenAIStatusClassification(t *testing.T) {
	for status, transient := range map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusServiceUnavailable:  true,
		http.StatusInternalServerError: true,
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
	} {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"quota or input problem","type":"invalid_request_error"}}`))
		}))

		p, err := NewOpenAI(HTTPConfig{APIKey: "key", BaseURL: srv.URL, HTTPClient: srv.Client()})
		require.NoError(t, err)
		_, err = p.Complete(context.Background(), Request{Prompt: "p"})
		srv.Close()

		require.Error(t, err, "status %d", status)
		assert.Equal(t, transient, IsTransient(err), "status %d", status)
		var pe *ProviderError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, status, pe.StatusCode)
		assert.Contains(t, err.Error(), "quota or input problem")
		assert.EqualValues(t, 1, hits.Load(), "the SDK must not retry on its own")
	}
}

func TestOpenAIUsesConfiguredModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "deepseek-chat", body["model"])
		assert.Nil(t, body["response_format"])
		assert.EqualValues(t, 300, body["max_tokens"])
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"plain"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAI(HTTPConfig{APIKey: "key", BaseURL: srv.URL, Model: "deepseek-chat", HTTPClient: srv.Client()})
	require.NoError(t, err)
	resp, err := p.Complete(context.Background(), Request{Prompt: "p", MaxTokens: 300})
	require.NoError(t, err)
	assert.Equal(t, "plain", resp.Text)
	assert.Equal(t, "deepseek-chat", resp.Model)
	assert.Equal(t, 1, resp.OutputTokens)
}

func TestProvidersRequireKeys(t *testing.T) {
	_, err := NewAnthropic(HTTPConfig{})
	assert.Error(t, err)
	_, err = NewOpenAI(HTTPConfig{})
	assert.Error(t, err)
}
