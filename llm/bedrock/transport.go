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

// Package bedrock is the direct AWS Bedrock transport. Models are addressed
// as "bedrock/<model-id>", e.g. "bedrock/anthropic.claude-3-5-sonnet-20240620-v1:0".
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"llmcouncil/llm"
	"llmcouncil/shared/logger"
)

const defaultMaxTokens = 4096

// Invoker is the subset of the bedrockruntime client the transport uses.
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Transport implements llm.Transport over InvokeModel.
type Transport struct {
	client    Invoker
	region    string
	maxTokens int
	resolver  llm.AttachmentResolver
	log       *logger.Logger
}

// New loads the default AWS credential chain for region.
func New(ctx context.Context, region string, resolver llm.AttachmentResolver, log *logger.Logger) (*Transport, error) {
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}
	return NewWithClient(bedrockruntime.NewFromConfig(awsCfg), region, resolver, log), nil
}

// NewWithClient wraps an existing client (used by tests).
func NewWithClient(client Invoker, region string, resolver llm.AttachmentResolver, log *logger.Logger) *Transport {
	if log == nil {
		log = logger.New("gateway.bedrock")
	}
	return &Transport{client: client, region: region, maxTokens: defaultMaxTokens, resolver: resolver, log: log}
}

func (t *Transport) Name() string {
	return "bedrock"
}

// Complete invokes the model with a family-specific body.
func (t *Transport) Complete(ctx context.Context, req llm.Request) (*llm.QueryResult, error) {
	body, err := t.buildRequestBody(ctx, req)
	if err != nil {
		return nil, llm.NewProviderError("bedrock", llm.ErrCodeInvalidRequest, err.Error())
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out, err := t.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, classify(err)
	}

	content, err := parseResponseBody(out.Body, req.Model)
	if err != nil {
		return nil, llm.NewProviderError("bedrock", llm.ErrCodeInvalidResponse, err.Error())
	}
	return &llm.QueryResult{Content: content}, nil
}

func modelFamily(model string) string {
	if i := strings.Index(model, "."); i > 0 {
		family := model[:i]
		// Cross-region inference profiles prefix the family with a geography.
		switch family {
		case "us", "eu", "apac":
			return modelFamily(model[i+1:])
		}
		return family
	}
	return model
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

func (t *Transport) buildRequestBody(ctx context.Context, req llm.Request) (map[string]interface{}, error) {
	switch modelFamily(req.Model) {
	case "anthropic":
		var system []string
		var messages []anthropicMessage
		for _, msg := range req.Messages {
			if msg.Role == llm.RoleSystem {
				system = append(system, msg.Content)
				continue
			}
			content := []anthropicContent{{Type: "text", Text: msg.Content}}
			content = append(content, t.images(ctx, msg.Attachments)...)
			messages = append(messages, anthropicMessage{Role: string(msg.Role), Content: content})
		}
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        t.maxTokens,
			"messages":          messages,
		}
		if len(system) > 0 {
			body["system"] = strings.Join(system, "\n\n")
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": flatten(req.Messages),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": t.maxTokens,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      flatten(req.Messages),
			"max_gen_len": t.maxTokens,
		}, nil
	case "mistral":
		return map[string]interface{}{
			"prompt":     "<s>[INST] " + flatten(req.Messages) + " [/INST]",
			"max_tokens": t.maxTokens,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %q", req.Model)
	}
}

func (t *Transport) images(ctx context.Context, refs []llm.AttachmentRef) []anthropicContent {
	if t.resolver == nil {
		return nil
	}
	var out []anthropicContent
	for _, ref := range refs {
		if !ref.IsImage() {
			continue
		}
		data, err := t.resolver.Resolve(ctx, ref)
		if err != nil {
			t.log.Warn("", "", "skipping unresolvable attachment", map[string]interface{}{"path": ref.Path, "error": err.Error()})
			continue
		}
		out = append(out, anthropicContent{Type: "image", Source: &anthropicSource{
			Type:      "base64",
			MediaType: ref.ContentType,
			Data:      base64.StdEncoding.EncodeToString(data),
		}})
	}
	return out
}

// flatten renders a transcript for single-prompt model families.
func flatten(messages []llm.ChatMessage) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if len(messages) > 1 {
			b.WriteString(string(msg.Role))
			b.WriteString(": ")
		}
		b.WriteString(msg.Content)
	}
	return b.String()
}

func parseResponseBody(body []byte, model string) (string, error) {
	switch modelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}
		var b strings.Builder
		for _, c := range resp.Content {
			if c.Type == "" || c.Type == "text" {
				b.WriteString(c.Text)
			}
		}
		return b.String(), nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if len(resp.Results) == 0 {
			return "", errors.New("no results in response")
		}
		return resp.Results[0].OutputText, nil
	case "meta":
		var resp struct {
			Generation string `json:"generation"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return resp.Generation, nil
	case "mistral":
		var resp struct {
			Outputs []struct {
				Text string `json:"text"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if len(resp.Outputs) == 0 {
			return "", errors.New("no outputs in response")
		}
		return resp.Outputs[0].Text, nil
	default:
		return "", fmt.Errorf("unsupported model family for %q", model)
	}
}

// apiError matches smithy's API error shape without importing it.
type apiError interface {
	ErrorCode() string
}

func classify(err error) error {
	code := llm.ErrCodeUnavailable
	var ae apiError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException", "TooManyRequestsException":
			code = llm.ErrCodeRateLimit
		case "AccessDeniedException", "UnrecognizedClientException":
			code = llm.ErrCodeAuth
		case "ValidationException", "ResourceNotFoundException":
			code = llm.ErrCodeInvalidRequest
		case "ModelTimeoutException":
			code = llm.ErrCodeTimeout
		case "InternalServerException", "ServiceUnavailableException", "ModelNotReadyException":
			code = llm.ErrCodeServerError
		}
	}
	pe := llm.NewProviderError("bedrock", code, err.Error())
	pe.Cause = err
	return pe
}
