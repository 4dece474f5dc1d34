package judge

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mission-council/internal/hint"
	"github.com/sells-group/mission-council/internal/model"
)

// Scores a verdict maps onto.
const (
	verdictPassScore = 0.78
	verdictFailScore = 0.34
	contextExcerpt   = 320
)

// Captioner turns an image into a textual visual context.
type Captioner interface {
	Caption(ctx context.Context, imagePath string) (string, error)
}

// Verifier decides whether a visual context matches a target.
type Verifier interface {
	Verify(ctx context.Context, target, visualContext string) hint.Verdict
}

// VerdictJudge captions the photo and lets a language model decide whether
// the description matches the target.
type VerdictJudge struct {
	captioner Captioner
	verifier  Verifier
}

// NewVerdictJudge creates a VerdictJudge.
func NewVerdictJudge(c Captioner, v Verifier) *VerdictJudge {
	return &VerdictJudge{captioner: c, verifier: v}
}

// Invoke fails when captioning fails or ctx ends before the verdict is in.
// Any other verifier failure is a mismatching vote.
func (j *VerdictJudge) Invoke(ctx context.Context, req Request) (model.ModelVote, error) {
	visual, err := j.captioner.Caption(ctx, req.ImagePath)
	if err != nil {
		return model.ModelVote{}, err
	}

	verdict := j.verifier.Verify(ctx, req.Answer, visual)
	if err := ctx.Err(); err != nil {
		return model.ModelVote{}, eris.Wrap(err, "verdict: verification interrupted")
	}
	score := verdictFailScore
	label := model.LabelMismatch
	if verdict.Success {
		score = verdictPassScore
		label = model.LabelMatch
	}

	excerpt := []rune(visual)
	if len(excerpt) > contextExcerpt {
		excerpt = excerpt[:contextExcerpt]
	}

	return model.ModelVote{
		MissionType: req.MissionType,
		Label:       label,
		Score:       score,
		Confidence:  math.Min(0.92, 0.5+score*0.45),
		Reason:      verdict.Reason,
		Success:     true,
		Evidence: map[string]any{
			"context_excerpt": string(excerpt),
		},
	}, nil
}
