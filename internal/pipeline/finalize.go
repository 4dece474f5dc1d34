package pipeline

import (
	"github.com/sells-group/mission-council/internal/model"
)

// User-facing messages.
const (
	MessageBlocked       = "제출이 정책을 통과하지 못했습니다."
	MessageSuccess       = "미션 성공! 쿠폰 발급 단계로 이동할 수 있습니다."
	MessageRetry         = "미션 조건이 충분히 충족되지 않았습니다. 다시 시도해 주세요."
	MessageInternalFault = "일시적인 오류로 판정을 완료하지 못했습니다. 다시 시도해 주세요."
	defaultFailureReason = "판정 실패"
)

// Finalize builds the externally visible response from whatever artifacts
// exist. It handles gate-blocked, success and judged-failure runs.
func Finalize(st model.State) model.Delta {
	a := st.Artifacts
	votes := a.ModelVotes
	if votes == nil {
		votes = []model.ModelVote{}
	}
	data := model.ResponseData{
		MissionID:   st.Request.MissionID,
		MissionType: legacyType(st),
		ModelVotes:  votes,
	}

	if !st.GatePassed() {
		data.Error = ReasonGateBlocked
		if a.GateResult != nil && a.GateResult.Reason != "" {
			data.Error = a.GateResult.Reason
		}
		data.Message = MessageBlocked
		data.DecisionTrace = model.DecisionTrace{RouteDecision: a.RouteDecision, Errors: st.Errors}
		return finalDelta(model.ThemeError, data, "blocked")
	}

	if st.Judged() {
		data.Success = true
		data.Message = MessageSuccess
		data.CouponEligible = a.CouponDecision != nil && a.CouponDecision.Eligible
		data.Confidence = a.Judgment.Confidence
		data.DecisionTrace = model.DecisionTrace{
			RouteDecision:  a.RouteDecision,
			Judgment:       a.Judgment,
			CouponDecision: a.CouponDecision,
		}
		return finalDelta(model.ThemeConfetti, data, "success")
	}

	reason := defaultFailureReason
	if a.Judgment != nil {
		reason = a.Judgment.Reason
		data.Confidence = a.Judgment.Confidence
	}
	data.Message = MessageRetry
	data.Hint = reason
	if best, ok := bestVote(votes); ok && best.Reason != "" {
		data.Hint = best.Reason
	}
	data.DecisionTrace = model.DecisionTrace{
		Judgment:       a.Judgment,
		CouponDecision: a.CouponDecision,
		Errors:         st.Errors,
		ManualReview:   st.Flags.ManualReview,
	}
	return finalDelta(model.ThemeEncouragement, data, "fail")
}

// InternalFault is the generic failure response used when a stage broke.
func InternalFault(st model.State) *model.FinalResponse {
	return &model.FinalResponse{
		UITheme: model.ThemeError,
		Message: MessageInternalFault,
		Data: model.ResponseData{
			MissionID:     st.Request.MissionID,
			Error:         RiskInternalFault,
			Message:       MessageInternalFault,
			MissionType:   legacyType(st),
			DecisionTrace: model.DecisionTrace{Errors: st.Errors},
			ModelVotes:    []model.ModelVote{},
		},
	}
}

// bestVote returns the highest-scoring vote; ties go to the earliest.
func bestVote(votes []model.ModelVote) (model.ModelVote, bool) {
	if len(votes) == 0 {
		return model.ModelVote{}, false
	}
	best := votes[0]
	for _, v := range votes[1:] {
		if v.Score > best.Score {
			best = v
		}
	}
	return best, true
}

func finalDelta(theme string, data model.ResponseData, trace string) model.Delta {
	return model.Delta{
		Response: &model.FinalResponse{UITheme: theme, Message: data.Message, Data: data},
		Messages: []string{nodeFinalizer + ": " + trace},
	}
}

// legacyType reports the mission type as clients expect it, even for runs
// that never reached the router.
func legacyType(st model.State) string {
	return model.NormalizeMissionType(string(st.Request.MissionType)).LegacyLabel()
}
