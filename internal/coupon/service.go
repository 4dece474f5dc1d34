// Package coupon issues and redeems mission reward coupons.
package coupon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mission-council/internal/lock"
	"github.com/sells-group/mission-council/internal/model"
	"github.com/sells-group/mission-council/internal/store"
)

const (
	codeLength      = 8
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts = 10
)

// DefaultLifetime is how long an issued coupon stays redeemable.
const DefaultLifetime = 7 * 24 * time.Hour

// ErrCodeSpaceExhausted is returned when no unused code could be generated.
var ErrCodeSpaceExhausted = eris.New("coupon: could not generate unique code")

// Config controls issuance defaults.
type Config struct {
	DefaultDiscountRule string
	Lifetime            time.Duration
}

// IssueParams describes a coupon to issue. An empty MissionID issues a
// coupon that is not tied to a mission and therefore not deduplicated.
type IssueParams struct {
	MissionType  model.MissionType
	Answer       string
	MissionID    string
	PartnerID    string
	DiscountRule string
}

// Recorder receives coupon lifecycle events.
type Recorder interface {
	CouponEvent(event string)
}

// Service is the coupon store.
type Service struct {
	store    store.Store
	locker   lock.Locker
	cfg      Config
	now      func() time.Time
	genCode  func() (string, error)
	recorder Recorder
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCodeGenerator overrides code generation.
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(s *Service) { s.genCode = fn }
}

// WithRecorder reports issue and redeem events.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// NewService creates a Service.
func NewService(st store.Store, locker lock.Locker, cfg Config, opts ...Option) *Service {
	if cfg.DefaultDiscountRule == "" {
		cfg.DefaultDiscountRule = model.DefaultDiscountRule
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	s := &Service{
		store:   st,
		locker:  locker,
		cfg:     cfg,
		now:     time.Now,
		genCode: GenerateCode,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Issue creates a coupon. It is idempotent per mission id: a second call for
// a mission that already has a coupon returns the existing one unchanged.
func (s *Service) Issue(ctx context.Context, p IssueParams) (*model.Coupon, error) {
	if p.MissionID != "" {
		unlock, err := s.locker.Lock(ctx, "coupon-mission:"+p.MissionID)
		if err != nil {
			return nil, eris.Wrap(err, "coupon: issue")
		}
		defer unlock()

		existing, err := s.existing(ctx, p.MissionID)
		if err != nil {
			return nil, eris.Wrap(err, "coupon: issue")
		}
		if existing != nil {
			return existing, nil
		}
	}

	rule := p.DiscountRule
	if rule == "" {
		rule = s.cfg.DefaultDiscountRule
	}
	now := s.now().UTC()

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.genCode()
		if err != nil {
			return nil, eris.Wrap(err, "coupon: generate code")
		}
		taken, err := s.store.CouponCodeExists(ctx, code)
		if err != nil {
			return nil, eris.Wrap(err, "coupon: issue")
		}
		if taken {
			continue
		}

		c := &model.Coupon{
			Code:         code,
			Description:  Description(p.MissionType, p.Answer),
			MissionID:    p.MissionID,
			MissionType:  p.MissionType,
			Answer:       p.Answer,
			PartnerID:    p.PartnerID,
			DiscountRule: rule,
			Status:       model.CouponIssued,
			IssuedAt:     now,
			ExpiresAt:    now.Add(s.cfg.Lifetime),
		}
		err = s.store.CreateCoupon(ctx, c)
		if errors.Is(err, store.ErrConflict) {
			// Either another writer issued for this mission or the code was
			// taken between the check and the insert.
			if p.MissionID != "" {
				existing, lookupErr := s.existing(ctx, p.MissionID)
				if lookupErr != nil {
					return nil, eris.Wrap(lookupErr, "coupon: issue")
				}
				if existing != nil {
					return existing, nil
				}
			}
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "coupon: issue")
		}

		zap.L().Info("coupon: issued",
			zap.String("code", c.Code),
			zap.String("mission_id", c.MissionID),
			zap.String("mission_type", string(c.MissionType)),
			zap.Time("expires_at", c.ExpiresAt),
		)
		s.record("issued")
		return c, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// existing returns the coupon already issued for missionID, or nil.
func (s *Service) existing(ctx context.Context, missionID string) (*model.Coupon, error) {
	c, err := s.store.GetCouponByMission(ctx, missionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	zap.L().Debug("coupon: returning existing coupon",
		zap.String("mission_id", missionID),
		zap.String("code", c.Code),
	)
	s.record("reissued")
	return c, nil
}

// Redeem applies the one-way state machine issued -> redeemed | expired.
// Every outcome, including not_found, is reported in the result rather than
// as an error.
func (s *Service) Redeem(ctx context.Context, code, partnerPosID string) (*model.RedeemResult, error) {
	unlock, err := s.locker.Lock(ctx, "coupon:"+code)
	if err != nil {
		return nil, eris.Wrap(err, "coupon: redeem")
	}
	defer unlock()

	c, err := s.store.GetCoupon(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		s.record(string(model.RedeemNotFound))
		return &model.RedeemResult{Status: model.RedeemNotFound, Message: "Coupon not found."}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "coupon: redeem")
	}

	switch c.Status {
	case model.CouponRedeemed:
		s.record(string(model.RedeemAlreadyRedeemed))
		return &model.RedeemResult{Status: model.RedeemAlreadyRedeemed, Message: "Coupon already redeemed.", Coupon: c}, nil
	case model.CouponExpired:
		s.record(string(model.RedeemExpired))
		return &model.RedeemResult{Status: model.RedeemExpired, Message: "Coupon expired.", Coupon: c}, nil
	}

	now := s.now().UTC()
	if now.After(c.ExpiresAt) {
		c.Status = model.CouponExpired
		if err := s.store.TransitionCoupon(ctx, c); err != nil {
			return nil, eris.Wrap(err, "coupon: expire")
		}
		zap.L().Info("coupon: expired on redeem", zap.String("code", code))
		s.record(string(model.RedeemExpired))
		return &model.RedeemResult{Status: model.RedeemExpired, Message: "Coupon expired.", Coupon: c}, nil
	}

	c.Status = model.CouponRedeemed
	c.RedeemedAt = &now
	c.PartnerPosID = partnerPosID
	if err := s.store.TransitionCoupon(ctx, c); err != nil {
		return nil, eris.Wrap(err, "coupon: redeem")
	}

	zap.L().Info("coupon: redeemed",
		zap.String("code", code),
		zap.String("partner_pos_id", partnerPosID),
	)
	s.record(string(model.RedeemOK))
	return &model.RedeemResult{Status: model.RedeemOK, Message: "Coupon redeemed.", Coupon: c}, nil
}

// Get returns a coupon by code.
func (s *Service) Get(ctx context.Context, code string) (*model.Coupon, error) {
	c, err := s.store.GetCoupon(ctx, code)
	if err != nil {
		return nil, eris.Wrap(err, "coupon: get")
	}
	return c, nil
}

func (s *Service) record(event string) {
	if s.recorder != nil {
		s.recorder.CouponEvent(event)
	}
}

// Description is the human-readable coupon title for a mission.
func Description(t model.MissionType, answer string) string {
	if t == model.MissionTypeAtmosphere {
		return fmt.Sprintf("%s 분위기 미션 완료 쿠폰", answer)
	}
	return fmt.Sprintf("%s 장소 미션 완료 쿠폰", answer)
}

// GenerateCode returns a random 8-character code over [A-Z0-9].
func GenerateCode() (string, error) {
	buf := make([]byte, codeLength)
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
