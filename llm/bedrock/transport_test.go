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

package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"llmcouncil/llm"
	"llmcouncil/shared/logger"
)

type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	args := m.Called(ctx, params)
	var out *bedrockruntime.InvokeModelOutput
	if o := args.Get(0); o != nil {
		out = o.(*bedrockruntime.InvokeModelOutput)
	}
	return out, args.Error(1)
}

type fakeAPIError struct{ code string }

func (e fakeAPIError) Error() string     { return e.code + ": request rejected" }
func (e fakeAPIError) ErrorCode() string { return e.code }

type bytesResolver []byte

func (b bytesResolver) Resolve(context.Context, llm.AttachmentRef) ([]byte, error) { return b, nil }

func quiet() *logger.Logger {
	l := logger.New("test")
	l.SetOutput(io.Discard)
	return l
}

const claude = "anthropic.claude-3-5-sonnet-20240620-v1:0"

func TestComplete_AnthropicBody(t *testing.T) {
	invoker := &MockInvoker{}
	invoker.On("InvokeModel", mock.Anything, mock.MatchedBy(func(in *bedrockruntime.InvokeModelInput) bool {
		var body map[string]interface{}
		if err := json.Unmarshal(in.Body, &body); err != nil {
			return false
		}
		msgs := body["messages"].([]interface{})
		first := msgs[0].(map[string]interface{})
		content := first["content"].([]interface{})
		return *in.ModelId == claude &&
			body["anthropic_version"] == "bedrock-2023-05-31" &&
			body["system"] == "be brief" &&
			len(msgs) == 1 &&
			len(content) == 2 &&
			content[1].(map[string]interface{})["type"] == "image"
	})).Return(&bedrockruntime.InvokeModelOutput{
		Body: []byte(`{"content":[{"type":"text","text":"Paris"}],"usage":{"input_tokens":5,"output_tokens":1}}`),
	}, nil)

	tr := NewWithClient(invoker, "us-east-1", bytesResolver("img"), quiet())
	res, err := tr.Complete(context.Background(), llm.Request{Model: claude, Messages: []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "capital of France?", Attachments: []llm.AttachmentRef{{Path: "s3://b/k.png", ContentType: "image/png"}}},
	}})

	require.NoError(t, err)
	assert.Equal(t, "Paris", res.Content)
	invoker.AssertExpectations(t)
}

func TestComplete_FamilyParsing(t *testing.T) {
	tests := []struct {
		model string
		body  string
		want  string
	}{
		{"amazon.titan-text-express-v1", `{"results":[{"outputText":"titan says hi"}]}`, "titan says hi"},
		{"meta.llama3-70b-instruct-v1:0", `{"generation":"llama says hi"}`, "llama says hi"},
		{"mistral.mistral-large-2402-v1:0", `{"outputs":[{"text":"mistral says hi"}]}`, "mistral says hi"},
		{"us.anthropic.claude-3-haiku-20240307-v1:0", `{"content":[{"type":"text","text":"profile"}]}`, "profile"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			invoker := &MockInvoker{}
			invoker.On("InvokeModel", mock.Anything, mock.Anything).
				Return(&bedrockruntime.InvokeModelOutput{Body: []byte(tt.body)}, nil)
			tr := NewWithClient(invoker, "us-east-1", nil, quiet())

			res, err := tr.Complete(context.Background(), llm.Request{Model: tt.model, Messages: []llm.ChatMessage{llm.UserMessage("hi")}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Content)
		})
	}
}

func TestComplete_UnsupportedFamily(t *testing.T) {
	tr := NewWithClient(&MockInvoker{}, "us-east-1", nil, quiet())
	_, err := tr.Complete(context.Background(), llm.Request{Model: "cohere.command-r"})
	require.Error(t, err)
	assert.False(t, llm.IsTransient(err))
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		code          string
		wantCode      string
		wantTransient bool
	}{
		{"ThrottlingException", llm.ErrCodeRateLimit, true},
		{"ServiceQuotaExceededException", llm.ErrCodeRateLimit, true},
		{"ValidationException", llm.ErrCodeInvalidRequest, false},
		{"AccessDeniedException", llm.ErrCodeAuth, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			invoker := &MockInvoker{}
			invoker.On("InvokeModel", mock.Anything, mock.Anything).Return(nil, fakeAPIError{code: tt.code})
			tr := NewWithClient(invoker, "us-east-1", nil, quiet())

			_, err := tr.Complete(context.Background(), llm.Request{Model: claude})
			var pe *llm.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantCode, pe.Code)
			assert.Equal(t, tt.wantTransient, llm.IsTransient(err))
		})
	}
}
