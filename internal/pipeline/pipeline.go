// Package pipeline judges one photo submission: gate, route, fan out to
// judges, fuse their votes, decide, apply the coupon policy and finalize a
// response. Every stage reads the typed state and returns a delta.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/mission-council/internal/metadata"
	"github.com/sells-group/mission-council/internal/model"
)

// Pipeline wires the stages together. It is safe for concurrent use.
type Pipeline struct {
	cfg     Config
	gate    *GateKeeper
	fanout  *FanOut
	metrics Recorder
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	hasher   Hasher
	recorder Recorder
}

// WithHasher replaces the image content hasher.
func WithHasher(h Hasher) Option {
	return func(o *options) { o.hasher = h }
}

// WithRecorder attaches telemetry.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// New creates a Pipeline.
func New(cfg Config, validator metadata.Validator, dups DuplicateChecker, judges Invoker, opts ...Option) *Pipeline {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	return &Pipeline{
		cfg:     cfg,
		gate:    NewGateKeeper(validator, dups, o.hasher),
		fanout:  NewFanOut(cfg, judges, o.recorder),
		metrics: o.recorder,
	}
}

// Run judges one submission. It always returns a state carrying a final
// response; a stage that panics degrades the run to a generic failure.
func (p *Pipeline) Run(ctx context.Context, req model.RequestContext) (st model.State) {
	st = model.NewState(req)
	log := zap.L().With(
		zap.String("mission_id", req.MissionID),
		zap.String("user_id", req.UserID),
	)
	start := time.Now()
	stage := nodeGateKeeper

	defer func() {
		outcome := outcomeOf(st)
		if r := recover(); r != nil {
			log.Error("pipeline: stage panicked",
				zap.String("stage", stage),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			st.Apply(model.Delta{
				Errors: []model.PipelineError{{
					Code:    model.ErrInternalFault,
					Message: fmt.Sprintf("%s: %v", stage, r),
					Node:    stage,
				}},
				Terminate: true,
				Response:  InternalFault(st),
				Messages:  []string{stage + ": internal fault"},
			})
			outcome = "internal_fault"
		}

		p.metrics.PipelineOutcome(legacyType(st), outcome)
		log.Info("pipeline: submission judged",
			zap.String("mission_type", string(st.Request.MissionType)),
			zap.String("outcome", outcome),
			zap.Int("votes", len(st.Artifacts.ModelVotes)),
			zap.Int("errors", len(st.Errors)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()

	st.Apply(p.gate.Check(ctx, st))

	if st.GatePassed() {
		stage = nodeTaskRouter
		st.Apply(RouteTask(st))

		stage = nodeModelFanout
		st.Apply(p.fanout.Run(ctx, st))

		stage = nodeAggregator
		st.Apply(AggregateEvidence(st, p.cfg))

		stage = nodeDecision
		st.Apply(Decide(st))

		if st.Judged() {
			stage = nodeCouponPolicy
			st.Apply(CouponPolicy(st, p.cfg.DiscountRule))
		}
	}

	stage = nodeFinalizer
	st.Apply(Finalize(st))
	return st
}

func outcomeOf(st model.State) string {
	switch {
	case st.Response == nil:
		return "internal_fault"
	case !st.GatePassed():
		return "blocked"
	case st.Response.Data.Success:
		return "success"
	default:
		return "failure"
	}
}
