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

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the speaker of a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AttachmentRef is an opaque reference to an uploaded file. Only transports
// that accept multimodal input resolve it to bytes.
type AttachmentRef struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
}

// IsImage reports whether the attachment can be sent as inline image data.
func (a AttachmentRef) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}

// ChatMessage is one turn of a transcript.
type ChatMessage struct {
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// UserMessage is shorthand for a single user turn.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// QueryResult is a successful model answer. A nil *QueryResult is the
// failure signal throughout this package.
type QueryResult struct {
	Content   string          `json:"content"`
	Reasoning json.RawMessage `json:"reasoning,omitempty"`
	Model     string          `json:"model,omitempty"`
	Latency   time.Duration   `json:"latency_ns,omitempty"`
}

// StageEntry pairs a queried model with its result; Result is nil when the
// model was queried but failed.
type StageEntry struct {
	Model  string       `json:"model"`
	Result *QueryResult `json:"response"`
}

// StageResult holds one entry per queried model, in dispatch order.
type StageResult []StageEntry

// Get returns the result for model and whether the model was queried at all.
func (s StageResult) Get(model string) (*QueryResult, bool) {
	for _, e := range s {
		if e.Model == model {
			return e.Result, true
		}
	}
	return nil, false
}

// Models returns the queried model ids in dispatch order.
func (s StageResult) Models() []string {
	out := make([]string, 0, len(s))
	for _, e := range s {
		out = append(out, e.Model)
	}
	return out
}

// Successful returns the entries that produced a result.
func (s StageResult) Successful() []StageEntry {
	out := make([]StageEntry, 0, len(s))
	for _, e := range s {
		if e.Result != nil {
			out = append(out, e)
		}
	}
	return out
}

// Request is what a Transport receives.
type Request struct {
	Model    string
	Messages []ChatMessage
}

// Transport performs one network call for one model. Implementations return
// a *ProviderError for classified failures.
type Transport interface {
	Name() string
	Complete(ctx context.Context, req Request) (*QueryResult, error)
}

// AttachmentResolver turns an AttachmentRef into raw bytes for multimodal
// requests.
type AttachmentResolver interface {
	Resolve(ctx context.Context, ref AttachmentRef) ([]byte, error)
}

// ProviderError carries a classified provider failure.
type ProviderError struct {
	Provider   string `json:"provider"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Cause      error  `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeRateLimit       = "rate_limit"
	ErrCodeQuota           = "quota_exceeded"
	ErrCodeAuth            = "authentication_error"
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeInvalidResponse = "invalid_response"
	ErrCodeServerError     = "server_error"
	ErrCodeTimeout         = "timeout"
	ErrCodeUnavailable     = "unavailable"
)

// NewProviderError builds a ProviderError; rate-limit and quota codes are
// marked retryable.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: code == ErrCodeRateLimit || code == ErrCodeQuota,
	}
}

// CodeForStatus maps an HTTP status to an error code.
func CodeForStatus(status int) string {
	switch {
	case status == 429:
		return ErrCodeRateLimit
	case status == 401 || status == 403:
		return ErrCodeAuth
	case status == 408 || status == 504:
		return ErrCodeTimeout
	case status >= 500:
		return ErrCodeServerError
	case status >= 400:
		return ErrCodeInvalidRequest
	default:
		return ErrCodeInvalidResponse
	}
}

var transientMarkers = []string{"429", "quota", "resource_exhausted", "throttl", "rate limit"}

// IsTransient reports whether err is a rate-limit or quota failure worth
// retrying. Classification prefers the typed error and falls back to
// substring heuristics on the message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Retryable || pe.StatusCode == 429 {
			return true
		}
		if pe.Code == ErrCodeInvalidResponse || pe.Code == ErrCodeTimeout {
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
