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

// Package openrouter is the generic OpenAI-compatible chat-completions
// transport used for every model without a direct route.
package openrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"llmcouncil/llm"
	"llmcouncil/shared/logger"
)

// DefaultURL is the OpenRouter chat completions endpoint.
const DefaultURL = "https://openrouter.ai/api/v1/chat/completions"

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the generic transport.
type Config struct {
	APIKey string
	URL    string
	// Referer and Title are sent as OpenRouter attribution headers.
	Referer string
	Title   string
}

// Transport implements llm.Transport for chat-completions endpoints.
type Transport struct {
	cfg      Config
	client   HTTPClient
	resolver llm.AttachmentResolver
	log      *logger.Logger
}

// New creates the transport. An empty API key is allowed so the gateway can
// still be constructed; calls then fail with an auth error.
func New(cfg Config, resolver llm.AttachmentResolver, log *logger.Logger) *Transport {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if log == nil {
		log = logger.New("gateway.openrouter")
	}
	return &Transport{cfg: cfg, client: &http.Client{}, resolver: resolver, log: log}
}

// SetHTTPClient replaces the HTTP client (for testing).
func (t *Transport) SetHTTPClient(client HTTPClient) {
	t.client = client
}

func (t *Transport) Name() string {
	return "openrouter"
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string          `json:"content"`
			ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string      `json:"message"`
		Code    interface{} `json:"code"`
	} `json:"error,omitempty"`
}

// Complete posts the transcript and returns choices[0].message.
func (t *Transport) Complete(ctx context.Context, req llm.Request) (*llm.QueryResult, error) {
	if t.cfg.APIKey == "" {
		return nil, llm.NewProviderError("openrouter", llm.ErrCodeAuth, "no API key configured")
	}

	payload := chatRequest{Model: req.Model}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, t.toChatMessage(ctx, msg))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	if t.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", t.cfg.Referer)
	}
	if t.cfg.Title != "" {
		httpReq.Header.Set("X-Title", t.cfg.Title)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &llm.ProviderError{Provider: "openrouter", Code: llm.ErrCodeUnavailable, Message: err.Error(), Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.ProviderError{Provider: "openrouter", Code: llm.ErrCodeUnavailable, Message: err.Error(), Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		pe := llm.NewProviderError("openrouter", llm.CodeForStatus(resp.StatusCode), string(raw))
		pe.StatusCode = resp.StatusCode
		return nil, pe
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, llm.NewProviderError("openrouter", llm.ErrCodeInvalidResponse, "failed to decode response: "+err.Error())
	}
	if out.Error != nil {
		return nil, llm.NewProviderError("openrouter", llm.ErrCodeInvalidResponse, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, llm.NewProviderError("openrouter", llm.ErrCodeInvalidResponse, "no choices in response")
	}

	msg := out.Choices[0].Message
	result := &llm.QueryResult{Content: msg.Content}
	if len(msg.ReasoningDetails) > 0 && string(msg.ReasoningDetails) != "null" {
		result.Reasoning = msg.ReasoningDetails
	}
	return result, nil
}

// toChatMessage uses the plain string form unless the turn carries images
// that can be resolved, in which case it switches to content parts.
func (t *Transport) toChatMessage(ctx context.Context, msg llm.ChatMessage) chatMessage {
	var images []contentPart
	if t.resolver != nil {
		for _, ref := range msg.Attachments {
			if !ref.IsImage() {
				continue
			}
			data, err := t.resolver.Resolve(ctx, ref)
			if err != nil {
				t.log.Warn("", "", "skipping unresolvable attachment", map[string]interface{}{"path": ref.Path, "error": err.Error()})
				continue
			}
			images = append(images, contentPart{Type: "image_url", ImageURL: &imageURL{
				URL: "data:" + ref.ContentType + ";base64," + base64.StdEncoding.EncodeToString(data),
			}})
		}
	}
	if len(images) == 0 {
		return chatMessage{Role: string(msg.Role), Content: msg.Content}
	}
	parts := append([]contentPart{{Type: "text", Text: msg.Content}}, images...)
	return chatMessage{Role: string(msg.Role), Content: parts}
}
