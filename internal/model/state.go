package model

// ErrorCode identifies a structured pipeline error.
type ErrorCode string

const (
	ErrMissingImage  ErrorCode = "MISSING_IMAGE"
	ErrGateBlocked   ErrorCode = "GATE_BLOCKED"
	ErrModelFailure  ErrorCode = "MODEL_FAILURE"
	ErrNoModelVotes  ErrorCode = "NO_MODEL_VOTES"
	ErrModelConflict ErrorCode = "MODEL_CONFLICT"
	ErrInternalFault ErrorCode = "INTERNAL_FAULT"
)

// PipelineError is one entry in the ordered error trace of a pipeline run.
// Retryable is advisory for callers; the pipeline never retries on its own.
type PipelineError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Node      string    `json:"node"`
	Retryable bool      `json:"retryable"`
	Model     string    `json:"model,omitempty"`
}

// RequestContext is the caller-supplied input of a pipeline run plus the
// image hash computed by the gate.
type RequestContext struct {
	MissionID      string      `json:"mission_id"`
	UserID         string      `json:"user_id"`
	SiteID         string      `json:"site_id"`
	MissionType    MissionType `json:"mission_type"`
	ImagePath      string      `json:"image_path"`
	ImageHash      string      `json:"image_hash,omitempty"`
	Answer         string      `json:"-"`
	ModelSelection string      `json:"model_selection,omitempty"`
}

// GateResult is the outcome of the pre-flight admission check.
type GateResult struct {
	Passed        bool     `json:"passed"`
	Reason        string   `json:"reason"`
	RiskFlags     []string `json:"risk_flags"`
	MetadataValid bool     `json:"metadata_valid"`
	IsDuplicate   bool     `json:"is_duplicate"`
}

// HasRisk reports whether flag was raised by the gate.
func (g *GateResult) HasRisk(flag string) bool {
	if g == nil {
		return false
	}
	for _, f := range g.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// RouteDecision records where the router sent the submission, for audit.
type RouteDecision struct {
	NextNode   string  `json:"next_node"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Fallback   string  `json:"fallback"`
}

// Prompt is the instruction pair handed to one judge.
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// PromptBundle maps judge identifiers to their instructions.
type PromptBundle map[string]Prompt

// Artifacts holds the named intermediate results produced by each stage.
type Artifacts struct {
	GateResult     *GateResult     `json:"gate_result,omitempty"`
	RouteDecision  *RouteDecision  `json:"route_decision,omitempty"`
	PromptBundle   PromptBundle    `json:"prompt_bundle,omitempty"`
	SelectedModels []string        `json:"selected_models,omitempty"`
	ModelVotes     []ModelVote     `json:"model_votes,omitempty"`
	Ensemble       *EnsembleResult `json:"ensemble_result,omitempty"`
	Judgment       *Judgment       `json:"judgment,omitempty"`
	CouponDecision *CouponDecision `json:"coupon_decision,omitempty"`
}

// ControlFlags steer the remaining stages of a run.
type ControlFlags struct {
	Terminate    bool `json:"terminate"`
	ManualReview bool `json:"manual_review"`
}

// State is the typed record threaded through one pipeline invocation. It is
// owned by a single run and only changes through Apply.
type State struct {
	Request   RequestContext  `json:"request_context"`
	Artifacts Artifacts       `json:"artifacts"`
	Errors    []PipelineError `json:"errors"`
	Flags     ControlFlags    `json:"control_flags"`
	Messages  []string        `json:"messages"`
	Response  *FinalResponse  `json:"final_response,omitempty"`
}

// NewState starts a run for the given request.
func NewState(req RequestContext) State {
	return State{Request: req}
}

// Delta is what a stage contributes to the state. Nil or zero fields leave
// the state untouched; errors and messages are appended.
type Delta struct {
	ImageHash      string
	MissionType    MissionType
	GateResult     *GateResult
	RouteDecision  *RouteDecision
	PromptBundle   PromptBundle
	SelectedModels []string
	ModelVotes     []ModelVote
	VotesSet       bool
	Ensemble       *EnsembleResult
	Judgment       *Judgment
	CouponDecision *CouponDecision
	Errors         []PipelineError
	Terminate      bool
	ManualReview   bool
	Messages       []string
	Response       *FinalResponse
}

// Apply merges a stage delta into the state.
func (s *State) Apply(d Delta) {
	if d.ImageHash != "" {
		s.Request.ImageHash = d.ImageHash
	}
	if d.MissionType != "" {
		s.Request.MissionType = d.MissionType
	}
	if d.GateResult != nil {
		s.Artifacts.GateResult = d.GateResult
	}
	if d.RouteDecision != nil {
		s.Artifacts.RouteDecision = d.RouteDecision
	}
	if d.PromptBundle != nil {
		s.Artifacts.PromptBundle = d.PromptBundle
	}
	if d.SelectedModels != nil {
		s.Artifacts.SelectedModels = d.SelectedModels
	}
	if d.VotesSet || d.ModelVotes != nil {
		s.Artifacts.ModelVotes = d.ModelVotes
	}
	if d.Ensemble != nil {
		s.Artifacts.Ensemble = d.Ensemble
	}
	if d.Judgment != nil {
		s.Artifacts.Judgment = d.Judgment
	}
	if d.CouponDecision != nil {
		s.Artifacts.CouponDecision = d.CouponDecision
	}
	s.Errors = append(s.Errors, d.Errors...)
	if d.Terminate {
		s.Flags.Terminate = true
	}
	if d.ManualReview {
		s.Flags.ManualReview = true
	}
	s.Messages = append(s.Messages, d.Messages...)
	if d.Response != nil {
		s.Response = d.Response
	}
}

// GatePassed reports whether the gate ran and admitted the submission.
func (s *State) GatePassed() bool {
	return s.Artifacts.GateResult != nil && s.Artifacts.GateResult.Passed
}

// Judged reports whether the decision engine produced a successful judgment.
func (s *State) Judged() bool {
	return s.Artifacts.Judgment != nil && s.Artifacts.Judgment.Success
}
