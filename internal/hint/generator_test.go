package hint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mission-council/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.MessageResponse)
	return resp, args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func TestGenerateHint(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.System == hintSystem &&
			len(req.Messages) == 1 &&
			assert.Contains(t, req.Messages[0].Content, "정답: 지혜의숲") &&
			assert.Contains(t, req.Messages[0].Content, "blip: 책장이 보이지 않음")
	})).Return(textResponse("  높은 책장이 늘어선 실내를 찾아보세요.  "), nil)

	g := New(client, Config{Model: "test-model"})
	got := g.GenerateHint(context.Background(), "지혜의숲", []string{"blip: 책장이 보이지 않음"})

	assert.Equal(t, "높은 책장이 늘어선 실내를 찾아보세요.", got)
	client.AssertExpectations(t)
}

func TestGenerateHint_NoEvidence(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return assert.Contains(t, req.Messages[0].Content, noEvidence)
	})).Return(textResponse("다른 각도에서 다시 찍어 보세요."), nil)

	g := New(client, Config{})
	assert.Equal(t, "다른 각도에서 다시 찍어 보세요.", g.GenerateHint(context.Background(), "x", nil))
}

func TestGenerateHint_NeverLeaksTarget(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("정답은 지혜의숲 입니다!"), nil)

	g := New(client, Config{})
	assert.Equal(t, FallbackHint, g.GenerateHint(context.Background(), "지혜의숲", nil))
}

func TestGenerateHint_ClientError(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	g := New(client, Config{})
	assert.Equal(t, FallbackHint, g.GenerateHint(context.Background(), "target", nil))
}

func TestGenerateHint_EmptyText(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("   "), nil)

	g := New(client, Config{})
	assert.Equal(t, FallbackHint, g.GenerateHint(context.Background(), "target", nil))
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Verdict
	}{
		{
			name: "plain json",
			text: `{"success": true, "reason": "부드러운 색감"}`,
			want: Verdict{Success: true, Reason: "부드러운 색감"},
		},
		{
			name: "fenced json",
			text: "```json\n{\"success\": false, \"reason\": \"너무 어두움\"}\n```",
			want: Verdict{Success: false, Reason: "너무 어두움"},
		},
		{
			name: "missing success fails closed",
			text: `{"reason": "모호함"}`,
			want: Verdict{Success: false, Reason: "모호함"},
		},
		{
			name: "missing reason",
			text: `{"success": true}`,
			want: Verdict{Success: true, Reason: missingReason},
		},
		{
			name: "prose around object",
			text: `판정 결과: {"success": true, "reason": "차분함"} 입니다`,
			want: Verdict{Success: true, Reason: "차분함"},
		},
		{
			name: "not json",
			text: "I cannot decide",
			want: Verdict{Success: false, Reason: FallbackVerdictReason},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(mockClient)
			client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(tt.text), nil)
			g := New(client, Config{})
			assert.Equal(t, tt.want, g.Verify(context.Background(), "차분한", "a quiet room"))
		})
	}
}

func TestVerify_UsesDefinition(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		require.Len(t, req.Messages, 1)
		return req.System == verifySystem &&
			assert.Contains(t, req.Messages[0].Content, "차분한: 부드러운 색감과 평온한 분위기") &&
			assert.Contains(t, req.Messages[0].Content, "a quiet reading room")
	})).Return(textResponse(`{"success": true, "reason": "ok"}`), nil)

	g := New(client, Config{Definitions: map[string]string{"차분한": "부드러운 색감과 평온한 분위기"}})
	v := g.Verify(context.Background(), "차분한", "a quiet reading room")
	assert.True(t, v.Success)
	client.AssertExpectations(t)
}

func TestVerify_ClientError(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

	g := New(client, Config{})
	v := g.Verify(context.Background(), "웅장한", "ctx")
	assert.False(t, v.Success)
	assert.Equal(t, FallbackVerdictReason, v.Reason)
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSON(`  {"a":1}  `))
}
