package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMissionType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want MissionType
	}{
		{"location", MissionTypeLocation},
		{"atmosphere", MissionTypeAtmosphere},
		{"photo", MissionTypeAtmosphere},
		{" Photo ", MissionTypeAtmosphere},
		{"ATMOSPHERE", MissionTypeAtmosphere},
		{"", MissionTypeLocation},
		{"selfie", MissionTypeLocation},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeMissionType(tt.in), "input %q", tt.in)
	}
}

func TestLegacyLabel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "photo", MissionTypeAtmosphere.LegacyLabel())
	assert.Equal(t, "location", MissionTypeLocation.LegacyLabel())
}

func TestNormalizeLabel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LabelMatch, NormalizeLabel("MATCH"))
	assert.Equal(t, LabelMatch, NormalizeLabel(" yes "))
	assert.Equal(t, LabelMismatch, NormalizeLabel("mismatch"))
	assert.Equal(t, LabelMismatch, NormalizeLabel("maybe"))
	assert.Equal(t, LabelMismatch, NormalizeLabel(""))
}

func TestClamp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, Clamp(-0.3))
	assert.Equal(t, 1.0, Clamp(1.7))
	assert.Equal(t, 0.42, Clamp(0.42))
	assert.Equal(t, 0.0, Clamp(math.NaN()))
}

func TestMissionSessionAdmission(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sess := &MissionSession{
		CreatedAt:      created,
		ExpiresAt:      created.Add(time.Hour),
		MaxSubmissions: 2,
	}

	t.Run("fresh session is admitted", func(t *testing.T) {
		assert.Equal(t, RejectNone, sess.Admission(created))
	})

	t.Run("exact expiry is still open", func(t *testing.T) {
		assert.Equal(t, RejectNone, sess.Admission(sess.ExpiresAt))
	})

	t.Run("past expiry", func(t *testing.T) {
		assert.Equal(t, RejectSessionExpired, sess.Admission(sess.ExpiresAt.Add(time.Nanosecond)))
	})

	t.Run("quota exhausted", func(t *testing.T) {
		full := *sess
		full.SubmissionCount = 2
		assert.True(t, full.QuotaExhausted())
		assert.Equal(t, RejectSubmissionLimitReached, full.Admission(created))
	})

	t.Run("expiry wins over quota", func(t *testing.T) {
		full := *sess
		full.SubmissionCount = 2
		assert.Equal(t, RejectSessionExpired, full.Admission(created.Add(2*time.Hour)))
	})
}

func TestMissionSessionHasHash(t *testing.T) {
	t.Parallel()
	sess := &MissionSession{SubmittedHashes: []string{"aa", "bb"}}
	assert.True(t, sess.HasHash("bb"))
	assert.False(t, sess.HasHash("cc"))
}

func TestGateResultHasRisk(t *testing.T) {
	t.Parallel()
	var nilGate *GateResult
	assert.False(t, nilGate.HasRisk("duplicate_image"))

	g := &GateResult{RiskFlags: []string{"metadata_invalid", "duplicate_image"}}
	assert.True(t, g.HasRisk("duplicate_image"))
	assert.False(t, g.HasRisk("missing_image"))
}

func TestStateApply(t *testing.T) {
	t.Parallel()

	s := NewState(RequestContext{MissionID: "m1", MissionType: MissionTypeLocation, ImagePath: "/tmp/a.jpg"})

	s.Apply(Delta{
		ImageHash:  "abc",
		GateResult: &GateResult{Passed: true, Reason: "passed"},
		Messages:   []string{"gate_keeper: passed"},
	})
	assert.Equal(t, "abc", s.Request.ImageHash)
	assert.True(t, s.GatePassed())

	s.Apply(Delta{
		MissionType: MissionTypeAtmosphere,
		Errors:      []PipelineError{{Code: ErrModelFailure, Model: "clip", Retryable: true}},
		Messages:    []string{"model_fanout: 1 failure"},
	})
	assert.Equal(t, MissionTypeAtmosphere, s.Request.MissionType)
	assert.Equal(t, "abc", s.Request.ImageHash, "empty delta fields leave state untouched")
	require.Len(t, s.Errors, 1)
	assert.Equal(t, []string{"gate_keeper: passed", "model_fanout: 1 failure"}, s.Messages)

	s.Apply(Delta{Terminate: true})
	s.Apply(Delta{})
	assert.True(t, s.Flags.Terminate, "flags are sticky")
	assert.False(t, s.Flags.ManualReview)
	assert.False(t, s.Judged())

	s.Apply(Delta{Judgment: &Judgment{Success: true}})
	assert.True(t, s.Judged())
}

func TestStateApplyEmptyVotes(t *testing.T) {
	t.Parallel()

	s := NewState(RequestContext{})
	s.Apply(Delta{ModelVotes: []ModelVote{{Model: "blip"}}})
	require.Len(t, s.Artifacts.ModelVotes, 1)

	s.Apply(Delta{VotesSet: true})
	assert.Empty(t, s.Artifacts.ModelVotes)
}

func TestFinalResponseOutcome(t *testing.T) {
	t.Parallel()

	conflict := true
	resp := &FinalResponse{Data: ResponseData{Success: false, Confidence: 0.77}}
	out := resp.Outcome(MissionTypeLocation, &Judgment{Reason: "model_conflict_requires_retry", Conflict: &conflict})
	assert.False(t, out.Success)
	assert.True(t, out.Conflict)
	assert.Equal(t, "model_conflict_requires_retry", out.Reason)
	assert.False(t, out.CouponEligible)

	ok := &FinalResponse{Data: ResponseData{Success: true, CouponEligible: true, Confidence: 0.9}}
	out = ok.Outcome(MissionTypeAtmosphere, &Judgment{Success: true, Reason: "score_passed"})
	assert.True(t, out.CouponEligible)
	assert.Equal(t, MissionTypeAtmosphere, out.MissionType)

	blocked := &FinalResponse{Data: ResponseData{Error: "duplicate_image"}}
	out = blocked.Outcome(MissionTypeLocation, nil)
	assert.Equal(t, "duplicate_image", out.Reason)
}
