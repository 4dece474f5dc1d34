package model

// UI themes the client renders for each terminal condition.
const (
	ThemeError         = "error"
	ThemeConfetti      = "confetti"
	ThemeEncouragement = "encouragement"
)

// DecisionTrace explains how a response was reached.
type DecisionTrace struct {
	RouteDecision  *RouteDecision  `json:"route_decision,omitempty"`
	Judgment       *Judgment       `json:"judgment,omitempty"`
	CouponDecision *CouponDecision `json:"coupon_decision,omitempty"`
	Errors         []PipelineError `json:"errors,omitempty"`
	ManualReview   bool            `json:"manual_review,omitempty"`
}

// ResponseData is the externally visible body of a submission result.
type ResponseData struct {
	MissionID      string        `json:"mission_id,omitempty"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	Message        string        `json:"message"`
	MissionType    string        `json:"missionType"`
	CouponEligible bool          `json:"couponEligible"`
	Confidence     float64       `json:"confidence"`
	Hint           string        `json:"hint,omitempty"`
	GeneratedHint  string        `json:"generated_hint,omitempty"`
	DecisionTrace  DecisionTrace `json:"decision_trace"`
	ModelVotes     []ModelVote   `json:"model_votes"`
}

// FinalResponse is the single result every pipeline run produces.
type FinalResponse struct {
	UITheme string       `json:"ui_theme"`
	Message string       `json:"message"`
	Data    ResponseData `json:"data"`
}

// Outcome condenses a response into what the session store records.
func (r *FinalResponse) Outcome(missionType MissionType, j *Judgment) SubmissionOutcome {
	out := SubmissionOutcome{
		Success:        r.Data.Success,
		Reason:         r.Data.Error,
		Confidence:     r.Data.Confidence,
		MissionType:    missionType,
		CouponEligible: r.Data.Success && r.Data.CouponEligible,
	}
	if j != nil {
		out.Reason = j.Reason
		if j.Conflict != nil {
			out.Conflict = *j.Conflict
		}
	}
	return out
}
