package model

import (
	"slices"
	"strings"
	"time"
)

// MissionType is the canonical kind of daily mission.
type MissionType string

const (
	MissionTypeLocation   MissionType = "location"
	MissionTypeAtmosphere MissionType = "atmosphere"
)

// legacyAtmosphereLabel is the name older clients use for atmosphere missions.
const legacyAtmosphereLabel = "photo"

// NormalizeMissionType maps any client-supplied value onto the two canonical
// mission types. The legacy "photo" label maps to atmosphere; anything
// unrecognized defaults to location.
func NormalizeMissionType(raw string) MissionType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MissionTypeAtmosphere), legacyAtmosphereLabel:
		return MissionTypeAtmosphere
	default:
		return MissionTypeLocation
	}
}

// LegacyLabel returns the mission type as older clients expect to see it.
func (t MissionType) LegacyLabel() string {
	if t == MissionTypeAtmosphere {
		return legacyAtmosphereLabel
	}
	return string(t)
}

// RejectReason explains why a submission is not accepted for a session.
// The zero value means the submission is allowed.
type RejectReason string

const (
	RejectNone                   RejectReason = ""
	RejectSessionNotFound        RejectReason = "session_not_found"
	RejectSessionExpired         RejectReason = "session_expired"
	RejectSubmissionLimitReached RejectReason = "submission_limit_reached"
)

// SubmissionOutcome is the decision recorded against a session after a
// submission has been judged.
type SubmissionOutcome struct {
	Success        bool        `json:"success"`
	Reason         string      `json:"reason"`
	Confidence     float64     `json:"confidence"`
	MissionType    MissionType `json:"mission_type"`
	Conflict       bool        `json:"conflict,omitempty"`
	CouponEligible bool        `json:"coupon_eligible"`
	RecordedAt     time.Time   `json:"recorded_at"`
}

// MissionSession is one user's attempt window at a daily mission.
type MissionSession struct {
	MissionID       string             `json:"mission_id"`
	UserID          string             `json:"user_id"`
	SiteID          string             `json:"site_id"`
	MissionType     MissionType        `json:"mission_type"`
	Answer          string             `json:"answer"`
	Hint            string             `json:"hint"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	MaxSubmissions  int                `json:"max_submissions"`
	SubmissionCount int                `json:"submission_count"`
	SubmittedHashes []string           `json:"submitted_hashes"`
	LatestJudgment  *SubmissionOutcome `json:"latest_judgment,omitempty"`
	CouponCode      string             `json:"coupon_code,omitempty"`
}

// Expired reports whether the session window has closed at now.
func (s *MissionSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// QuotaExhausted reports whether no further submissions fit the quota.
func (s *MissionSession) QuotaExhausted() bool {
	return s.SubmissionCount >= s.MaxSubmissions
}

// HasHash reports whether the session already recorded the image hash.
func (s *MissionSession) HasHash(hash string) bool {
	return slices.Contains(s.SubmittedHashes, hash)
}

// Admission evaluates the submission rules for the session at now.
func (s *MissionSession) Admission(now time.Time) RejectReason {
	if s.Expired(now) {
		return RejectSessionExpired
	}
	if s.QuotaExhausted() {
		return RejectSubmissionLimitReached
	}
	return RejectNone
}
