package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mission-council/internal/hint"
	"github.com/sells-group/mission-council/internal/judge"
	"github.com/sells-group/mission-council/internal/model"
)

type fakeRecorder struct {
	mu       sync.Mutex
	judged   map[string]int
	failed   map[string]int
	outcomes []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{judged: map[string]int{}, failed: map[string]int{}}
}

func (r *fakeRecorder) JudgeObserved(name string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.judged[name]++
	if err != nil {
		r.failed[name]++
	}
}

func (r *fakeRecorder) PipelineOutcome(missionType, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, missionType+"/"+outcome)
}

func fixedVote(label model.VoteLabel, score float64, reason string) judge.Func {
	return func(context.Context, judge.Request) (model.ModelVote, error) {
		return model.ModelVote{Label: label, Score: score, Confidence: score, Reason: reason}, nil
	}
}

func fanoutState(mt model.MissionType, selection string) model.State {
	return model.NewState(model.RequestContext{
		MissionID:      "m-1",
		MissionType:    mt,
		ImagePath:      "/img/a.jpg",
		Answer:         "지혜의숲",
		ModelSelection: selection,
	})
}

func TestFanOutIsolatesFailures(t *testing.T) {
	t.Parallel()

	for _, parallel := range []bool{true, false} {
		t.Run(map[bool]string{true: "parallel", false: "sequential"}[parallel], func(t *testing.T) {
			reg := judge.NewRegistry()
			reg.Register("blip", fixedVote(model.LabelMatch, 0.9, "서가가 보입니다"))
			reg.Register("qwen", judge.Func(func(context.Context, judge.Request) (model.ModelVote, error) {
				return model.ModelVote{}, errors.New("upstream 500")
			}))
			reg.Register("clip", judge.Func(func(context.Context, judge.Request) (model.ModelVote, error) {
				panic("tensor shape")
			}))

			cfg := DefaultConfig()
			cfg.Parallel = parallel
			rec := newFakeRecorder()
			f := NewFanOut(cfg, reg, rec)

			st := fanoutState(model.MissionTypeLocation, "ensemble")
			st.Apply(f.Run(context.Background(), st))

			assert.Equal(t, []string{"blip", "qwen", "clip"}, st.Artifacts.SelectedModels)
			require.Len(t, st.Artifacts.ModelVotes, 1)
			assert.Equal(t, "blip", st.Artifacts.ModelVotes[0].Model)
			assert.Equal(t, model.MissionTypeLocation, st.Artifacts.ModelVotes[0].MissionType)

			require.Len(t, st.Errors, 2)
			for i, name := range []string{"qwen", "clip"} {
				assert.Equal(t, model.ErrModelFailure, st.Errors[i].Code)
				assert.Equal(t, name, st.Errors[i].Model)
				assert.True(t, st.Errors[i].Retryable)
			}
			assert.Contains(t, st.Errors[1].Message, "panicked")

			assert.Equal(t, 1, rec.judged["blip"])
			assert.Equal(t, 1, rec.failed["qwen"])
			assert.Equal(t, 1, rec.failed["clip"])
			assert.NotEmpty(t, st.Artifacts.PromptBundle)
		})
	}
}

func TestFanOutNoVotes(t *testing.T) {
	t.Parallel()

	f := NewFanOut(DefaultConfig(), judge.NewRegistry(), nil)
	st := fanoutState(model.MissionTypeLocation, "")
	st.Artifacts.ModelVotes = []model.ModelVote{{Model: "stale"}}
	st.Apply(f.Run(context.Background(), st))

	assert.Equal(t, []string{"blip"}, st.Artifacts.SelectedModels)
	assert.Empty(t, st.Artifacts.ModelVotes)
	require.Len(t, st.Errors, 2)
	assert.Equal(t, model.ErrModelFailure, st.Errors[0].Code)
	assert.Contains(t, st.Errors[0].Message, "unknown judge")
	assert.Equal(t, model.ErrNoModelVotes, st.Errors[1].Code)
}

func TestFanOutTimeout(t *testing.T) {
	t.Parallel()

	reg := judge.NewRegistry()
	reg.Register("siglip2", judge.Func(func(ctx context.Context, _ judge.Request) (model.ModelVote, error) {
		<-ctx.Done()
		return model.ModelVote{}, ctx.Err()
	}))
	reg.Register("qwen", fixedVote(model.LabelMatch, 0.7, ""))

	cfg := DefaultConfig()
	cfg.JudgeTimeout = 20 * time.Millisecond
	cfg.Ensembles[model.MissionTypeAtmosphere] = []string{"siglip2", "qwen"}
	f := NewFanOut(cfg, reg, nil)

	st := fanoutState(model.MissionTypeAtmosphere, "")
	st.Apply(f.Run(context.Background(), st))

	require.Len(t, st.Artifacts.ModelVotes, 1)
	assert.Equal(t, "qwen", st.Artifacts.ModelVotes[0].Model)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, "siglip2", st.Errors[0].Model)
	assert.Contains(t, st.Errors[0].Message, "deadline exceeded")
}

func TestFanOutDeadlineIgnoringJudge(t *testing.T) {
	t.Parallel()

	for _, parallel := range []bool{true, false} {
		t.Run(map[bool]string{true: "parallel", false: "sequential"}[parallel], func(t *testing.T) {
			reg := judge.NewRegistry()
			reg.Register("siglip2", judge.Func(func(context.Context, judge.Request) (model.ModelVote, error) {
				time.Sleep(300 * time.Millisecond)
				return model.ModelVote{Label: model.LabelMismatch, Score: 0.1}, nil
			}))
			reg.Register("qwen", fixedVote(model.LabelMatch, 0.9, ""))

			cfg := DefaultConfig()
			cfg.Parallel = parallel
			cfg.JudgeTimeout = 30 * time.Millisecond
			cfg.Ensembles[model.MissionTypeAtmosphere] = []string{"siglip2", "qwen"}
			rec := newFakeRecorder()
			f := NewFanOut(cfg, reg, rec)

			st := fanoutState(model.MissionTypeAtmosphere, "")
			start := time.Now()
			st.Apply(f.Run(context.Background(), st))

			assert.Less(t, time.Since(start), 200*time.Millisecond)
			require.Len(t, st.Artifacts.ModelVotes, 1)
			assert.Equal(t, "qwen", st.Artifacts.ModelVotes[0].Model)
			require.Len(t, st.Errors, 1)
			assert.Equal(t, model.ErrModelFailure, st.Errors[0].Code)
			assert.Equal(t, "siglip2", st.Errors[0].Model)
			assert.Contains(t, st.Errors[0].Message, "timed out")
			assert.Equal(t, 1, rec.failed["siglip2"])
		})
	}
}

func TestFanOutDiscardsVoteAfterDeadline(t *testing.T) {
	t.Parallel()

	reg := judge.NewRegistry()
	reg.Register("blip", judge.Func(func(ctx context.Context, _ judge.Request) (model.ModelVote, error) {
		<-ctx.Done()
		return model.ModelVote{Label: model.LabelMatch, Score: 0.95}, nil
	}))

	cfg := DefaultConfig()
	cfg.JudgeTimeout = 10 * time.Millisecond
	f := NewFanOut(cfg, reg, nil)

	st := fanoutState(model.MissionTypeLocation, "blip")
	st.Apply(f.Run(context.Background(), st))

	assert.Empty(t, st.Artifacts.ModelVotes)
	require.Len(t, st.Errors, 2)
	assert.Equal(t, model.ErrModelFailure, st.Errors[0].Code)
	assert.Contains(t, st.Errors[0].Message, "deadline")
	assert.Equal(t, model.ErrNoModelVotes, st.Errors[1].Code)
}

type staticCaption string

func (c staticCaption) Caption(context.Context, string) (string, error) { return string(c), nil }

type stalledVerifier struct{}

func (stalledVerifier) Verify(ctx context.Context, _, _ string) hint.Verdict {
	<-ctx.Done()
	return hint.Verdict{Reason: hint.FallbackVerdictReason}
}

func TestFanOutStalledVerdictIsFailure(t *testing.T) {
	t.Parallel()

	reg := judge.NewRegistry()
	reg.Register("llm", judge.NewVerdictJudge(staticCaption("warm lamps over a long table"), stalledVerifier{}))
	reg.Register("qwen", fixedVote(model.LabelMatch, 0.9, ""))

	cfg := DefaultConfig()
	cfg.JudgeTimeout = 30 * time.Millisecond
	cfg.Ensembles[model.MissionTypeAtmosphere] = []string{"llm", "qwen"}
	f := NewFanOut(cfg, reg, nil)

	st := fanoutState(model.MissionTypeAtmosphere, "")
	st.Apply(f.Run(context.Background(), st))

	require.Len(t, st.Artifacts.ModelVotes, 1)
	assert.Equal(t, "qwen", st.Artifacts.ModelVotes[0].Model)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, "llm", st.Errors[0].Model)

	st.Apply(AggregateEvidence(st, cfg))
	assert.False(t, st.Artifacts.Ensemble.Conflict)
}

func TestFanOutSingleOverride(t *testing.T) {
	t.Parallel()

	reg := judge.NewRegistry()
	reg.Register("qwen", fixedVote(model.LabelMatch, 0.7, ""))
	reg.Register("siglip2", fixedVote(model.LabelMatch, 0.9, ""))
	f := NewFanOut(DefaultConfig(), reg, nil)

	st := fanoutState(model.MissionTypeAtmosphere, " QWEN ")
	st.Apply(f.Run(context.Background(), st))

	assert.Equal(t, []string{"qwen"}, st.Artifacts.SelectedModels)
	require.Len(t, st.Artifacts.ModelVotes, 1)
	assert.Empty(t, st.Errors)
}
