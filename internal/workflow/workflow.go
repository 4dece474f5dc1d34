// Package workflow is the request layer shared by the HTTP API and the CLI:
// it starts missions, runs submissions through the pipeline and moves
// rewards through the coupon store.
package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mission-council/internal/catalog"
	"github.com/sells-group/mission-council/internal/coupon"
	"github.com/sells-group/mission-council/internal/mission"
	"github.com/sells-group/mission-council/internal/model"
	"github.com/sells-group/mission-council/internal/store"
)

// Rejection codes that are not session admission reasons.
const (
	CodeMissionIDRequired   = "mission_id is required"
	CodeImageRequired       = "image is required"
	CodeRedeemFieldsMissing = "coupon_code and partner_pos_id are required"
	CodeMissionNotSuccess   = "mission_not_successful"
	CodeCouponNotEligible   = "coupon_not_eligible"
)

const defaultUserID = "guest"

// Rejection is a business-rule refusal. It is reported to callers as-is and
// never logged as a failure.
type Rejection struct {
	Code     string
	NotFound bool
}

func (r *Rejection) Error() string { return r.Code }

func reject(reason model.RejectReason) *Rejection {
	return &Rejection{Code: string(reason), NotFound: reason == model.RejectSessionNotFound}
}

// Judger runs the verification pipeline. *pipeline.Pipeline satisfies it.
type Judger interface {
	Run(ctx context.Context, req model.RequestContext) model.State
}

// HintGenerator writes a retry hint that does not reveal the answer.
// *hint.Generator satisfies it.
type HintGenerator interface {
	GenerateHint(ctx context.Context, target string, evidence []string) string
}

// Recorder receives request-layer telemetry. *metrics.Metrics satisfies it.
type Recorder interface {
	SessionRejected(reason string)
}

// Config holds request-layer settings. Answers pins the answer per mission
// type instead of the daily pick.
type Config struct {
	DefaultSiteID    string
	SiteRadiusMeters int
	Location         *time.Location
	Answers          map[model.MissionType]string
}

// Service glues the catalog, session store, pipeline and coupon store.
type Service struct {
	catalog  *catalog.Catalog
	missions *mission.Service
	coupons  *coupon.Service
	judger   Judger
	hints    HintGenerator
	metrics  Recorder
	cfg      Config
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHintGenerator attaches generated hints to failed submissions.
func WithHintGenerator(h HintGenerator) Option {
	return func(s *Service) { s.hints = h }
}

// WithRecorder reports rejected submissions.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithClock overrides the time source used to pick the daily mission.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(cat *catalog.Catalog, missions *mission.Service, coupons *coupon.Service, judger Judger, cfg Config, opts ...Option) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{
		catalog:  cat,
		missions: missions,
		coupons:  coupons,
		judger:   judger,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartParams selects the mission to start. Answer is an operator override
// and is never read from client requests.
type StartParams struct {
	UserID      string `json:"user_id"`
	SiteID      string `json:"site_id"`
	MissionType string `json:"mission_type"`
	Answer      string `json:"-"`
}

// Eligibility says whether the user may play.
type Eligibility struct {
	Allowed bool `json:"allowed"`
}

// Constraints are the session limits shown to the client.
type Constraints struct {
	MaxSubmissions   int       `json:"max_submissions"`
	ExpiresAt        time.Time `json:"expires_at"`
	SiteRadiusMeters int       `json:"site_radius_meters"`
}

// StartResult is returned when a session opens. The answer is never included.
type StartResult struct {
	MissionID   string      `json:"mission_id"`
	MissionType string      `json:"mission_type"`
	Eligibility Eligibility `json:"eligibility"`
	Constraints Constraints `json:"constraints"`
	Hint        string      `json:"hint"`
}

// StartMission opens a session for today's mission of the requested type.
func (s *Service) StartMission(ctx context.Context, p StartParams) (*StartResult, error) {
	mt := model.NormalizeMissionType(p.MissionType)
	entry, err := s.pick(mt, p.Answer)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: pick mission")
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		userID = defaultUserID
	}
	siteID := strings.TrimSpace(p.SiteID)
	if siteID == "" {
		siteID = s.cfg.DefaultSiteID
	}

	sess, err := s.missions.CreateSession(ctx, mission.CreateParams{
		UserID:      userID,
		SiteID:      siteID,
		MissionType: mt,
		Answer:      entry.Answer,
		Hint:        entry.Hint,
	})
	if err != nil {
		return nil, eris.Wrap(err, "workflow: start mission")
	}

	return &StartResult{
		MissionID:   sess.MissionID,
		MissionType: sess.MissionType.LegacyLabel(),
		Eligibility: Eligibility{Allowed: true},
		Constraints: Constraints{
			MaxSubmissions:   sess.MaxSubmissions,
			ExpiresAt:        sess.ExpiresAt,
			SiteRadiusMeters: s.cfg.SiteRadiusMeters,
		},
		Hint: sess.Hint,
	}, nil
}

// SubmitParams identifies one photo submission. ImagePath must point at a
// file the pipeline can read for the duration of the call.
type SubmitParams struct {
	MissionID      string
	ImagePath      string
	ModelSelection string
}

// Submit judges a photo against the session's mission and records the
// outcome. Admission refusals come back as *Rejection.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*model.ResponseData, error) {
	if strings.TrimSpace(p.MissionID) == "" {
		return nil, &Rejection{Code: CodeMissionIDRequired}
	}

	ok, reason, err := s.missions.CanSubmit(ctx, p.MissionID)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: submit")
	}
	if !ok {
		s.rejected(reason)
		return nil, reject(reason)
	}

	sess, err := s.session(ctx, p.MissionID)
	if err != nil {
		return nil, err
	}

	st := s.judger.Run(ctx, model.RequestContext{
		MissionID:      sess.MissionID,
		UserID:         sess.UserID,
		SiteID:         sess.SiteID,
		MissionType:    sess.MissionType,
		ImagePath:      p.ImagePath,
		Answer:         sess.Answer,
		ModelSelection: p.ModelSelection,
	})
	if st.Response == nil {
		return nil, eris.Errorf("workflow: pipeline returned no response for mission %s", sess.MissionID)
	}

	if hash := st.Request.ImageHash; hash != "" {
		outcome := st.Response.Outcome(st.Request.MissionType, st.Artifacts.Judgment)
		reason, err := s.missions.RecordSubmission(ctx, sess.MissionID, hash, outcome)
		if err != nil {
			return nil, eris.Wrap(err, "workflow: record submission")
		}
		if reason != model.RejectNone {
			s.rejected(reason)
			return nil, reject(reason)
		}
	}

	data := st.Response.Data
	data.MissionID = sess.MissionID
	if !data.Success && s.hints != nil && st.GatePassed() {
		data.GeneratedHint = s.hints.GenerateHint(ctx, sess.Answer, evidenceOf(st))
	}
	return &data, nil
}

// evidenceOf collects the judges' reasons for a failed run.
func evidenceOf(st model.State) []string {
	var out []string
	for _, v := range st.Artifacts.ModelVotes {
		if r := strings.TrimSpace(v.Reason); r != "" {
			out = append(out, v.Model+": "+r)
		}
	}
	if j := st.Artifacts.Judgment; j != nil && j.Reason != "" {
		out = append(out, "judgment: "+j.Reason)
	}
	return out
}

// IssueParams requests the reward for a mission.
type IssueParams struct {
	MissionID string `json:"mission_id"`
	PartnerID string `json:"partner_id"`
}

// IssueCoupon issues the reward for a session whose latest submission
// succeeded and was coupon-eligible. Repeat calls return the same coupon.
func (s *Service) IssueCoupon(ctx context.Context, p IssueParams) (*model.Coupon, error) {
	if strings.TrimSpace(p.MissionID) == "" {
		return nil, &Rejection{Code: CodeMissionIDRequired}
	}

	sess, err := s.session(ctx, p.MissionID)
	if err != nil {
		return nil, err
	}
	latest := sess.LatestJudgment
	if latest == nil || !latest.Success {
		return nil, &Rejection{Code: CodeMissionNotSuccess}
	}
	if !latest.CouponEligible {
		return nil, &Rejection{Code: CodeCouponNotEligible}
	}

	c, err := s.coupons.Issue(ctx, coupon.IssueParams{
		MissionType: sess.MissionType,
		Answer:      sess.Answer,
		MissionID:   sess.MissionID,
		PartnerID:   p.PartnerID,
	})
	if err != nil {
		return nil, eris.Wrap(err, "workflow: issue coupon")
	}
	if err := s.missions.MarkCouponIssued(ctx, sess.MissionID, c.Code); err != nil {
		return nil, eris.Wrap(err, "workflow: issue coupon")
	}
	return c, nil
}

// RedeemParams identifies a redemption at a partner point of sale.
type RedeemParams struct {
	CouponCode   string `json:"coupon_code"`
	PartnerPosID string `json:"partner_pos_id"`
}

// RedeemCoupon applies a redemption. Every terminal outcome is in the result.
func (s *Service) RedeemCoupon(ctx context.Context, p RedeemParams) (*model.RedeemResult, error) {
	code := strings.ToUpper(strings.TrimSpace(p.CouponCode))
	pos := strings.TrimSpace(p.PartnerPosID)
	if code == "" || pos == "" {
		return nil, &Rejection{Code: CodeRedeemFieldsMissing}
	}
	res, err := s.coupons.Redeem(ctx, code, pos)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: redeem coupon")
	}
	return res, nil
}

// Coupon looks up a coupon by code.
func (s *Service) Coupon(ctx context.Context, code string) (*model.Coupon, error) {
	c, err := s.coupons.Get(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		if isNotFound(err) {
			return nil, &Rejection{Code: string(model.RedeemNotFound), NotFound: true}
		}
		return nil, eris.Wrap(err, "workflow: get coupon")
	}
	return c, nil
}

// TodayHint is the public clue for today's mission.
type TodayHint struct {
	MissionType string `json:"mission_type"`
	Hint        string `json:"hint"`
}

// TodayHint returns the clue for today's mission without the answer.
func (s *Service) TodayHint(missionType string) (*TodayHint, error) {
	mt := model.NormalizeMissionType(missionType)
	entry, err := s.pick(mt, "")
	if err != nil {
		return nil, eris.Wrap(err, "workflow: today hint")
	}
	return &TodayHint{MissionType: mt.LegacyLabel(), Hint: entry.Hint}, nil
}

// pick resolves today's entry: an explicit answer wins over the configured
// one, which wins over the daily pick.
func (s *Service) pick(mt model.MissionType, answer string) (catalog.Entry, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = s.cfg.Answers[mt]
	}
	return s.catalog.Today(s.now().In(s.cfg.Location), mt, answer)
}

func (s *Service) session(ctx context.Context, missionID string) (*model.MissionSession, error) {
	sess, err := s.missions.GetSession(ctx, missionID)
	if err != nil {
		if isNotFound(err) {
			return nil, reject(model.RejectSessionNotFound)
		}
		return nil, eris.Wrap(err, "workflow: load session")
	}
	return sess, nil
}

func (s *Service) rejected(reason model.RejectReason) {
	zap.L().Info("workflow: submission rejected", zap.String("reason", string(reason)))
	if s.metrics != nil {
		s.metrics.SessionRejected(string(reason))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
