// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gemini is the direct Google Generative Language API transport.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"llmcouncil/llm"
	"llmcouncil/shared/logger"
)

const (
	// DefaultBaseURL is the Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultAPIVersion is the Gemini API version.
	DefaultAPIVersion = "v1beta"

	// DefaultMaxTokens caps output tokens per completion.
	DefaultMaxTokens = 8192
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the Gemini transport.
type Config struct {
	APIKey      string
	BaseURL     string
	APIVersion  string
	MaxTokens   int
	Temperature float64
}

// Transport implements llm.Transport against generateContent.
type Transport struct {
	apiKey      string
	baseURL     string
	apiVersion  string
	maxTokens   int
	temperature float64
	client      HTTPClient
	resolver    llm.AttachmentResolver
	log         *logger.Logger
}

// New creates a Gemini transport. Per-call deadlines come from the request
// context, so the HTTP client has no timeout of its own.
func New(cfg Config, resolver llm.AttachmentResolver, log *logger.Logger) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if log == nil {
		log = logger.New("gateway.gemini")
	}
	return &Transport{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion:  cfg.APIVersion,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      &http.Client{},
		resolver:    resolver,
		log:         log,
	}, nil
}

// SetHTTPClient replaces the HTTP client (for testing).
func (t *Transport) SetHTTPClient(client HTTPClient) {
	t.client = client
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "gemini"
}

// Complete sends the transcript to models/{model}:generateContent.
func (t *Transport) Complete(ctx context.Context, req llm.Request) (*llm.QueryResult, error) {
	body, err := json.Marshal(t.buildAPIRequest(ctx, req.Messages))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/models/%s:generateContent?key=%s",
		t.baseURL, t.apiVersion, strings.TrimPrefix(req.Model, "models/"), url.QueryEscape(t.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &llm.ProviderError{Provider: "gemini", Code: llm.ErrCodeUnavailable, Message: err.Error(), Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, parseAPIError(resp.StatusCode, raw)
	}

	var apiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError("gemini", llm.ErrCodeInvalidResponse, "failed to decode response: "+err.Error())
	}
	if len(apiResp.Candidates) == 0 {
		reason := "no candidates"
		if apiResp.PromptFeedback != nil && apiResp.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked: " + apiResp.PromptFeedback.BlockReason
		}
		return nil, llm.NewProviderError("gemini", llm.ErrCodeInvalidResponse, reason)
	}

	var content, thoughts strings.Builder
	for _, part := range apiResp.Candidates[0].Content.Parts {
		if part.Thought {
			thoughts.WriteString(part.Text)
			continue
		}
		content.WriteString(part.Text)
	}

	result := &llm.QueryResult{Content: content.String()}
	if thoughts.Len() > 0 {
		result.Reasoning, _ = json.Marshal(thoughts.String())
	}
	return result, nil
}

// buildAPIRequest maps the transcript onto Gemini contents. System turns
// become the systemInstruction; assistant turns use the "model" role.
func (t *Transport) buildAPIRequest(ctx context.Context, messages []llm.ChatMessage) geminiRequest {
	apiReq := geminiRequest{
		GenerationConfig: generationConfig{
			MaxOutputTokens: t.maxTokens,
			Temperature:     t.temperature,
		},
	}

	var system []geminiPart
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			system = append(system, geminiPart{Text: msg.Content})
			continue
		}
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}
		parts := []geminiPart{{Text: msg.Content}}
		parts = append(parts, t.inlineImages(ctx, msg.Attachments)...)
		apiReq.Contents = append(apiReq.Contents, geminiContent{Role: role, Parts: parts})
	}
	if len(system) > 0 {
		apiReq.SystemInstruction = &geminiContent{Parts: system}
	}
	return apiReq
}

func (t *Transport) inlineImages(ctx context.Context, refs []llm.AttachmentRef) []geminiPart {
	if t.resolver == nil {
		return nil
	}
	var parts []geminiPart
	for _, ref := range refs {
		if !ref.IsImage() {
			continue
		}
		data, err := t.resolver.Resolve(ctx, ref)
		if err != nil {
			t.log.Warn("", "", "skipping unresolvable attachment", map[string]interface{}{
				"path":  ref.Path,
				"error": err.Error(),
			})
			continue
		}
		parts = append(parts, geminiPart{InlineData: &inlineData{
			MimeType: ref.ContentType,
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}
	return parts
}

func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	message := string(body)
	status := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		status = errResp.Error.Status
	}

	code := llm.CodeForStatus(statusCode)
	if status == "RESOURCE_EXHAUSTED" {
		code = llm.ErrCodeQuota
	}
	pe := llm.NewProviderError("gemini", code, strings.TrimSpace(status+" "+message))
	pe.StatusCode = statusCode
	return pe
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}
