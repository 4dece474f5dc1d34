// Package store persists mission sessions, submitted image hashes and coupons.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mission-council/internal/model"
)

var (
	// ErrNotFound is returned when the requested session or coupon does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a write lost a race or would violate a
	// uniqueness or state-machine rule.
	ErrConflict = eris.New("store: conflict")
)

// Store defines the persistence interface for sessions and coupons.
//
// Mutations are guarded in the database as well as by the caller's per-key
// lock: a submission only lands if the count it was based on is still
// current, and a coupon only leaves the issued state once.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *model.MissionSession) error
	GetSession(ctx context.Context, missionID string) (*model.MissionSession, error)
	// SaveSubmission persists sess after one submission was applied to it
	// (count incremented, latest judgment replaced) and records hash when
	// non-empty. Returns ErrConflict if the stored count is no longer
	// sess.SubmissionCount-1 or the quota is already used up.
	SaveSubmission(ctx context.Context, sess *model.MissionSession, hash string) error
	// SetCouponCode records the coupon for a session. Setting the same code
	// again is a no-op; a different code returns ErrConflict.
	SetCouponCode(ctx context.Context, missionID, code string) error
	HasSubmittedHash(ctx context.Context, userID, hash string) (bool, error)

	// Coupons
	// CreateCoupon returns ErrConflict if the code or the mission already has a coupon.
	CreateCoupon(ctx context.Context, c *model.Coupon) error
	GetCoupon(ctx context.Context, code string) (*model.Coupon, error)
	GetCouponByMission(ctx context.Context, missionID string) (*model.Coupon, error)
	CouponCodeExists(ctx context.Context, code string) (bool, error)
	// TransitionCoupon moves an issued coupon to c.Status, stamping the
	// redemption fields. Returns ErrConflict if it already left issued.
	TransitionCoupon(ctx context.Context, c *model.Coupon) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
