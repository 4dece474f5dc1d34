// Package judge defines the capability every image judge satisfies and the
// registry the pipeline resolves judges from.
package judge

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mission-council/internal/model"
)

// ErrUnknownJudge is returned when no judge is registered under a name.
var ErrUnknownJudge = eris.New("judge: unknown judge")

// Request is everything a judge gets to score one submission.
type Request struct {
	MissionType model.MissionType
	ImagePath   string
	Answer      string
	Prompts     model.PromptBundle
}

// Judge scores how well an image matches the mission target. An error means
// the judge produced no vote; the caller decides what that costs.
type Judge interface {
	Invoke(ctx context.Context, req Request) (model.ModelVote, error)
}

// Func adapts a plain function to Judge.
type Func func(ctx context.Context, req Request) (model.ModelVote, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (model.ModelVote, error) {
	return f(ctx, req)
}

// Registry maps judge identifiers to implementations. It is populated once
// at startup and read concurrently afterwards.
type Registry struct {
	judges map[string]Judge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{judges: make(map[string]Judge)}
}

// Register binds name (case-insensitive) to j, replacing any earlier binding.
func (r *Registry) Register(name string, j Judge) {
	r.judges[normalizeName(name)] = j
}

// Get looks up a judge.
func (r *Registry) Get(name string) (Judge, bool) {
	j, ok := r.judges[normalizeName(name)]
	return j, ok
}

// Names lists registered judges in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.judges))
	for n := range r.judges {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke resolves name and runs the judge. The returned vote is normalized
// so downstream fusion can trust its ranges and identity fields.
func (r *Registry) Invoke(ctx context.Context, name string, req Request) (model.ModelVote, error) {
	name = normalizeName(name)
	j, ok := r.judges[name]
	if !ok {
		return model.ModelVote{}, eris.Wrapf(ErrUnknownJudge, "name %q", name)
	}

	start := time.Now()
	vote, err := j.Invoke(ctx, req)
	if err != nil {
		return model.ModelVote{}, err
	}
	return Normalize(vote, name, req.MissionType, time.Since(start)), nil
}

// Normalize pins the vote's identity to the invoked judge, clamps score and
// confidence to [0,1], and maps the label onto match/mismatch. latency fills
// LatencyMs when the judge did not report it.
func Normalize(v model.ModelVote, name string, missionType model.MissionType, latency time.Duration) model.ModelVote {
	v.Model = name
	v.MissionType = missionType
	v.Score = model.Clamp(v.Score)
	v.Confidence = model.Clamp(v.Confidence)
	v.Label = model.NormalizeLabel(string(v.Label))
	if v.LatencyMs <= 0 {
		v.LatencyMs = latency.Milliseconds()
	}
	v.Success = true
	return v
}

// KnownJudges are the identifiers with built-in prompts.
var KnownJudges = []string{"blip", "clip", "qwen", "siglip2"}

// IsKnown reports whether name has built-in prompts.
func IsKnown(name string) bool {
	return slices.Contains(KnownJudges, normalizeName(name))
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
