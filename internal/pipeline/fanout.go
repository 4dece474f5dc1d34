package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mission-council/internal/judge"
	"github.com/sells-group/mission-council/internal/model"
)

// Invoker runs a judge by name. *judge.Registry satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, name string, req judge.Request) (model.ModelVote, error)
}

// Recorder receives pipeline telemetry. *metrics.Metrics satisfies it.
type Recorder interface {
	JudgeObserved(model string, d time.Duration, err error)
	PipelineOutcome(missionType, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) JudgeObserved(string, time.Duration, error) {}
func (nopRecorder) PipelineOutcome(string, string)             {}

// FanOut consults the selected judges. One judge failing, timing out or
// panicking never affects the others.
type FanOut struct {
	cfg     Config
	judges  Invoker
	metrics Recorder
}

// NewFanOut creates a FanOut.
func NewFanOut(cfg Config, judges Invoker, rec Recorder) *FanOut {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &FanOut{cfg: cfg, judges: judges, metrics: rec}
}

type judgeOutcome struct {
	vote model.ModelVote
	err  error
}

// Run invokes every selected judge and collects votes in selection order.
func (f *FanOut) Run(ctx context.Context, st model.State) model.Delta {
	mt := st.Request.MissionType
	selected := f.cfg.SelectJudges(mt, st.Request.ModelSelection)
	bundle := judge.BuildPromptBundle(mt, st.Request.Answer)
	req := judge.Request{
		MissionType: mt,
		ImagePath:   st.Request.ImagePath,
		Answer:      st.Request.Answer,
		Prompts:     bundle,
	}

	outcomes := make([]judgeOutcome, len(selected))
	if f.cfg.Parallel {
		var g errgroup.Group
		for i, name := range selected {
			g.Go(func() error {
				outcomes[i] = f.invoke(ctx, name, req)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, name := range selected {
			outcomes[i] = f.invoke(ctx, name, req)
		}
	}

	votes := make([]model.ModelVote, 0, len(selected))
	var errs []model.PipelineError
	for i, out := range outcomes {
		if out.err != nil {
			zap.L().Warn("fanout: judge failed",
				zap.String("mission_id", st.Request.MissionID),
				zap.String("model", selected[i]),
				zap.Error(out.err),
			)
			errs = append(errs, model.PipelineError{
				Code:      model.ErrModelFailure,
				Message:   fmt.Sprintf("%s: %v", selected[i], out.err),
				Node:      nodeModelFanout,
				Retryable: true,
				Model:     selected[i],
			})
			continue
		}
		votes = append(votes, out.vote)
	}
	if len(votes) == 0 {
		errs = append(errs, model.PipelineError{
			Code:    model.ErrNoModelVotes,
			Message: "no judge produced a vote",
			Node:    nodeModelFanout,
		})
	}

	return model.Delta{
		PromptBundle:   bundle,
		SelectedModels: selected,
		ModelVotes:     votes,
		VotesSet:       true,
		Errors:         errs,
		Messages:       []string{nodeModelFanout + ": " + strings.Join(selected, ",")},
	}
}

// invoke runs one judge under the per-judge deadline. The judge runs on its
// own goroutine so one that ignores ctx cannot hold the fan-out past the
// deadline; a vote that lands after the deadline is discarded.
func (f *FanOut) invoke(ctx context.Context, name string, req judge.Request) judgeOutcome {
	if f.cfg.JudgeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.JudgeTimeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan judgeOutcome, 1)
	go func() { done <- f.call(ctx, name, req) }()

	var out judgeOutcome
	select {
	case out = <-done:
		if out.err == nil && ctx.Err() != nil {
			out = judgeOutcome{err: eris.Wrap(ctx.Err(), "judge answered after deadline")}
		}
	case <-ctx.Done():
		out = judgeOutcome{err: eris.Wrap(ctx.Err(), "judge timed out")}
	}
	f.metrics.JudgeObserved(name, time.Since(start), out.err)
	return out
}

func (f *FanOut) call(ctx context.Context, name string, req judge.Request) (out judgeOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = judgeOutcome{err: fmt.Errorf("judge panicked: %v", r)}
		}
	}()
	vote, err := f.judges.Invoke(ctx, name, req)
	return judgeOutcome{vote: vote, err: err}
}
