// Package hint produces player-facing clues after a failed submission and
// verifies mood missions against a textual description of the photo.
package hint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/mission-council/pkg/anthropic"
)

// Fallback texts returned when the model call or its output is unusable.
const (
	FallbackHint          = "핵심 특징을 더 또렷하게 담아 다시 촬영해 보세요."
	FallbackVerdictReason = "분위기 판정에 실패했습니다. 구도와 색감을 바꿔 다시 촬영해 주세요."
	missingReason         = "판정 근거를 생성하지 못했습니다."
	noEvidence            = "(실패 근거 없음)"
	noDefinition          = "정의 없음"
)

const (
	hintSystem = "당신은 장소 미션 힌트 생성기다. " +
		"정답을 직접 말하지 말고 실패 근거를 바탕으로 간접 힌트를 제공하라."
	verifySystem = "당신은 분위기 판정 에이전트다. " +
		"입력 컨텍스트와 목표 감성의 일치 여부를 판단하고 JSON으로만 답하라."
)

// Verdict is the outcome of a mood verification.
type Verdict struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// Config holds model settings for the generator.
type Config struct {
	Model     string
	MaxTokens int64
	// Definitions maps a mood keyword to a description of what it looks like.
	Definitions map[string]string
}

// Generator calls the Anthropic API for hints and mood verdicts. Neither
// method returns an error; failures degrade to fixed fallback texts.
type Generator struct {
	client anthropic.Client
	cfg    Config
}

// New creates a Generator.
func New(client anthropic.Client, cfg Config) *Generator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Generator{client: client, cfg: cfg}
}

// GenerateHint writes a one or two sentence clue towards target based on
// why the judges rejected the photo. The result never contains target.
func (g *Generator) GenerateHint(ctx context.Context, target string, evidence []string) string {
	failed := noEvidence
	if len(evidence) > 0 {
		failed = strings.Join(evidence, "\n")
	}

	text, err := g.complete(ctx, "hint", hintSystem, 0.7, fmt.Sprintf(
		"정답: %s\n실패 근거: %s\n위 정보를 기반으로 1~2문장 힌트를 작성하라.", target, failed))
	if err != nil {
		zap.L().Warn("hint: generate failed", zap.Error(err))
		return FallbackHint
	}

	text = strings.TrimSpace(text)
	if text == "" || leaksTarget(text, target) {
		return FallbackHint
	}
	return text
}

// Verify asks the model whether visualContext matches the target mood.
func (g *Generator) Verify(ctx context.Context, target, visualContext string) Verdict {
	def, ok := g.cfg.Definitions[target]
	if !ok {
		def = noDefinition
	}

	text, err := g.complete(ctx, "verify", verifySystem, 0, fmt.Sprintf(
		"목표 감성: %s\n감성 정의: %s: %s\n이미지 컨텍스트:\n%s\n\n"+
			`Return JSON: {"success": true/false, "reason": "..."}`,
		target, target, def, visualContext))
	if err != nil {
		zap.L().Warn("hint: verify failed", zap.String("target", target), zap.Error(err))
		return Verdict{Reason: FallbackVerdictReason}
	}
	return parseVerdict(text)
}

func (g *Generator) complete(ctx context.Context, purpose, system string, temperature float64, prompt string) (string, error) {
	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	resp.Usage.Log(g.cfg.Model, purpose)
	return resp.Text(), nil
}

// parseVerdict decodes the model's JSON answer. Missing fields fail closed.
func parseVerdict(text string) Verdict {
	var raw struct {
		Success *bool   `json:"success"`
		Reason  *string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		zap.L().Debug("hint: unparseable verdict", zap.String("text", text), zap.Error(err))
		return Verdict{Reason: FallbackVerdictReason}
	}

	v := Verdict{Reason: missingReason}
	if raw.Success != nil {
		v.Success = *raw.Success
	}
	if raw.Reason != nil && strings.TrimSpace(*raw.Reason) != "" {
		v.Reason = *raw.Reason
	}
	return v
}

// cleanJSON extracts a JSON object from text that may be wrapped in
// markdown code fences.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func leaksTarget(text, target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	return strings.Contains(
		strings.ToLower(norm.NFC.String(text)),
		strings.ToLower(norm.NFC.String(target)),
	)
}
