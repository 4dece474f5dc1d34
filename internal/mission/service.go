// Package mission manages mission sessions: creation, submission quotas,
// expiry and duplicate-image tracking.
package mission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mission-council/internal/lock"
	"github.com/sells-group/mission-council/internal/model"
	"github.com/sells-group/mission-council/internal/store"
)

// Config holds session limits.
type Config struct {
	TTL            time.Duration
	MaxSubmissions int
}

// CreateParams describes a new session.
type CreateParams struct {
	UserID      string
	SiteID      string
	MissionType model.MissionType
	Answer      string
	Hint        string
}

// Service is the mission session store. All mutations of one mission id are
// serialized through the Locker.
type Service struct {
	store  store.Store
	locker lock.Locker
	cfg    Config
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDFunc overrides mission id generation.
func WithIDFunc(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates a Service.
func NewService(st store.Store, locker lock.Locker, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  st,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateSession opens a new session window for a user.
func (s *Service) CreateSession(ctx context.Context, p CreateParams) (*model.MissionSession, error) {
	now := s.now().UTC()
	sess := &model.MissionSession{
		MissionID:       s.newID(),
		UserID:          p.UserID,
		SiteID:          p.SiteID,
		MissionType:     p.MissionType,
		Answer:          p.Answer,
		Hint:            p.Hint,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.TTL),
		MaxSubmissions:  s.cfg.MaxSubmissions,
		SubmittedHashes: []string{},
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "mission: create session")
	}

	zap.L().Info("mission: session created",
		zap.String("mission_id", sess.MissionID),
		zap.String("user_id", sess.UserID),
		zap.String("mission_type", string(sess.MissionType)),
		zap.Time("expires_at", sess.ExpiresAt),
	)
	return sess, nil
}

// GetSession returns the session or an error wrapping store.ErrNotFound.
func (s *Service) GetSession(ctx context.Context, missionID string) (*model.MissionSession, error) {
	sess, err := s.store.GetSession(ctx, missionID)
	if err != nil {
		return nil, eris.Wrap(err, "mission: get session")
	}
	return sess, nil
}

// CanSubmit reports whether another submission is accepted for the session.
// Rejections are returned as a reason, not an error.
func (s *Service) CanSubmit(ctx context.Context, missionID string) (bool, model.RejectReason, error) {
	sess, err := s.store.GetSession(ctx, missionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, model.RejectSessionNotFound, nil
	}
	if err != nil {
		return false, model.RejectNone, eris.Wrap(err, "mission: can submit")
	}
	if reason := sess.Admission(s.now()); reason != model.RejectNone {
		return false, reason, nil
	}
	return true, model.RejectNone, nil
}

// RecordSubmission stores one judged submission against the session. The
// admission rules are re-checked under the per-mission lock so concurrent
// submissions can never push the count past the quota; a late submission
// gets the rejection reason back and nothing is written.
func (s *Service) RecordSubmission(ctx context.Context, missionID, imageHash string, outcome model.SubmissionOutcome) (model.RejectReason, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(missionID))
	if err != nil {
		return model.RejectNone, eris.Wrap(err, "mission: record submission")
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, missionID)
	if errors.Is(err, store.ErrNotFound) {
		return model.RejectSessionNotFound, nil
	}
	if err != nil {
		return model.RejectNone, eris.Wrap(err, "mission: record submission")
	}

	now := s.now()
	if reason := sess.Admission(now); reason != model.RejectNone {
		zap.L().Warn("mission: submission rejected at record time",
			zap.String("mission_id", missionID),
			zap.String("reason", string(reason)),
		)
		return reason, nil
	}

	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = now.UTC()
	}
	hash := imageHash
	if sess.HasHash(hash) {
		hash = ""
	}
	sess.SubmissionCount++
	sess.LatestJudgment = &outcome

	if err := s.store.SaveSubmission(ctx, sess, hash); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race outside this process's lock.
			if cur, gerr := s.store.GetSession(ctx, missionID); gerr == nil {
				if reason := cur.Admission(now); reason != model.RejectNone {
					return reason, nil
				}
			}
		}
		return model.RejectNone, eris.Wrap(err, "mission: record submission")
	}

	zap.L().Info("mission: submission recorded",
		zap.String("mission_id", missionID),
		zap.Int("submission_count", sess.SubmissionCount),
		zap.Int("max_submissions", sess.MaxSubmissions),
		zap.Bool("success", outcome.Success),
	)
	return model.RejectNone, nil
}

// IsDuplicateHashForUser reports whether the user already submitted the image
// in any of their sessions.
func (s *Service) IsDuplicateHashForUser(ctx context.Context, userID, hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	dup, err := s.store.HasSubmittedHash(ctx, userID, hash)
	if err != nil {
		return false, eris.Wrap(err, "mission: duplicate lookup")
	}
	return dup, nil
}

// MarkCouponIssued links a coupon to the session. Repeating the call with the
// same code is a no-op.
func (s *Service) MarkCouponIssued(ctx context.Context, missionID, code string) error {
	unlock, err := s.locker.Lock(ctx, lockKey(missionID))
	if err != nil {
		return eris.Wrap(err, "mission: mark coupon issued")
	}
	defer unlock()

	if err := s.store.SetCouponCode(ctx, missionID, code); err != nil {
		return eris.Wrap(err, "mission: mark coupon issued")
	}
	return nil
}

func lockKey(missionID string) string {
	return "mission:" + missionID
}
