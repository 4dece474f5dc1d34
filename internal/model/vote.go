package model

import (
	"math"
	"strings"
)

// VoteLabel is a judge's binary verdict.
type VoteLabel string

const (
	LabelMatch    VoteLabel = "match"
	LabelMismatch VoteLabel = "mismatch"
)

// NormalizeLabel maps free-form judge output onto match/mismatch.
func NormalizeLabel(raw string) VoteLabel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "match", "yes", "true":
		return LabelMatch
	default:
		return LabelMismatch
	}
}

// ModelVote is a single judge's opinion about one submission.
type ModelVote struct {
	Model       string         `json:"model"`
	MissionType MissionType    `json:"mission_type"`
	Label       VoteLabel      `json:"label"`
	Score       float64        `json:"score"`
	Confidence  float64        `json:"confidence"`
	Reason      string         `json:"reason"`
	LatencyMs   int64          `json:"latency_ms"`
	Success     bool           `json:"success"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// Clamp returns v limited to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// EnsembleResult is the weighted fusion of all votes for a submission.
type EnsembleResult struct {
	MissionType MissionType `json:"mission_type"`
	MergedScore float64     `json:"merged_score"`
	MergedLabel VoteLabel   `json:"merged_label"`
	Threshold   float64     `json:"threshold"`
	Conflict    bool        `json:"conflict"`
	VoteCount   int         `json:"vote_count"`
}

// Judgment is the authoritative pass/fail record for one submission.
type Judgment struct {
	Success     bool        `json:"success"`
	Reason      string      `json:"reason"`
	Confidence  float64     `json:"confidence"`
	MissionType MissionType `json:"mission_type"`
	Conflict    *bool       `json:"conflict,omitempty"`
}

// CouponDecision says whether a judged submission earns a reward.
type CouponDecision struct {
	Eligible     bool   `json:"eligible"`
	DenyReason   string `json:"deny_reason,omitempty"`
	DiscountRule string `json:"discount_rule"`
}
