package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key namespaces
const (
	NamespaceTool = "tool"
	NamespaceLLM  = "llm"
)

// ToolFingerprint hashes a tool name and its argument mapping.
// encoding/json emits map keys in sorted order at every nesting level, so
// argument order never changes the key.
func ToolFingerprint(name string, args map[string]any) string {
	payload := struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}{Name: name, Args: args}
	if payload.Args == nil {
		payload.Args = map[string]any{}
	}
	return digest(NamespaceTool, payload)
}

// LLMRequest is the exact request identity used for LLM cache addressing.
type LLMRequest struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	Schema      string  `json:"schema"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// LLMFingerprint hashes an LLM request.
func LLMFingerprint(req LLMRequest) string {
	return digest(NamespaceLLM, req)
}

func digest(ns string, v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Unmarshalable args (channels, funcs) still get a stable, if coarse, identity.
		b = []byte(fmt.Sprintf("%#v", v))
	}
	h := sha256.Sum256(b)
	return ns + ":" + hex.EncodeToString(h[:])
}
