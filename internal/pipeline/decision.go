package pipeline

import (
	"github.com/sells-group/mission-council/internal/model"
)

// Judgment reasons.
const (
	ReasonScorePassed    = "score_passed"
	ReasonBelowThreshold = "score_below_threshold"
	ReasonModelConflict  = "model_conflict_requires_retry"
	ReasonGateBlocked    = "gate_blocked"
)

// Decide turns the ensemble result into the authoritative judgment. A
// conflicted ensemble whose score is not clear of the bar by ConflictMargin
// fails and is flagged for manual review.
func Decide(st model.State) model.Delta {
	mt := st.Request.MissionType
	gate := st.Artifacts.GateResult

	if gate == nil || !gate.Passed {
		reason := ReasonGateBlocked
		if gate != nil && gate.Reason != "" {
			reason = gate.Reason
		}
		return model.Delta{
			Judgment: &model.Judgment{Reason: reason, MissionType: mt},
			Messages: []string{nodeDecision + ": gate blocked"},
		}
	}

	ens := st.Artifacts.Ensemble
	if ens == nil {
		ens = &model.EnsembleResult{MissionType: mt, Threshold: 1.0}
	}

	success := ens.MergedScore >= ens.Threshold
	reason := ReasonBelowThreshold
	if success {
		reason = ReasonScorePassed
	}

	d := model.Delta{}
	if ens.Conflict && ens.MergedScore < ens.Threshold+ConflictMargin-spreadEpsilon {
		success = false
		reason = ReasonModelConflict
		d.ManualReview = true
		d.Errors = []model.PipelineError{{Code: model.ErrModelConflict, Message: reason, Node: nodeDecision}}
	}

	conflict := ens.Conflict
	d.Judgment = &model.Judgment{
		Success:     success,
		Reason:      reason,
		Confidence:  round4(ens.MergedScore),
		MissionType: mt,
		Conflict:    &conflict,
	}
	d.Messages = []string{nodeDecision + ": " + reason}
	return d
}
