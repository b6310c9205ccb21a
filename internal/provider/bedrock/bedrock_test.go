package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/felipepmaragno/chat-relay/internal/domain"
)

type mockInvoker struct {
	InvokeModelFunc func(ctx context.Context, params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error)
}

func (m *mockInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	return m.InvokeModelFunc(ctx, params)
}

func TestProvider_ChatCompletion(t *testing.T) {
	var sent bedrockRequest
	var modelID string

	p := &Provider{client: &mockInvoker{
		InvokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			modelID = *params.ModelId
			json.Unmarshal(params.Body, &sent)
			return &bedrockruntime.InvokeModelOutput{
				Body: []byte(`{"id":"b1","content":[{"type":"text","text":"ok"}],"stop_reason":"max_tokens","usage":{"input_tokens":5,"output_tokens":9}}`),
			}, nil
		},
	}}

	resp, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model: "anthropic.claude-3-5-haiku-20241022-v1:0",
		Messages: []domain.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if modelID != "anthropic.claude-3-5-haiku-20241022-v1:0" {
		t.Errorf("model id = %q", modelID)
	}
	if sent.System != "sys" || len(sent.Messages) != 1 {
		t.Errorf("request = %+v", sent)
	}
	if sent.MaxTokens != defaultMaxTokens {
		t.Errorf("max tokens = %d, want default", sent.MaxTokens)
	}
	if resp.Text() != "ok" || resp.Choices[0].FinishReason != "length" {
		t.Errorf("response = %+v", resp.Choices[0])
	}
	if resp.Usage.TotalTokens != 14 {
		t.Errorf("total tokens = %d, want 14", resp.Usage.TotalTokens)
	}
}

func TestProvider_ChatCompletion_InvokeError(t *testing.T) {
	p := &Provider{client: &mockInvoker{
		InvokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
			return nil, errors.New("AccessDeniedException")
		},
	}}

	_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "AccessDeniedException") {
		t.Errorf("error = %v, want wrapped invoke error", err)
	}
}
