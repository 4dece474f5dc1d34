package pipeline

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/sells-group/mission-council/internal/model"
)

// spreadEpsilon absorbs float error in the spread and margin comparisons.
const spreadEpsilon = 1e-9

// Aggregate fuses votes into one weighted score. Votes are summed in a
// canonical order so the result does not depend on input order.
func Aggregate(mt model.MissionType, votes []model.ModelVote, weights map[string]float64, threshold float64) model.EnsembleResult {
	sorted := slices.Clone(votes)
	slices.SortFunc(sorted, func(a, b model.ModelVote) int {
		return cmp.Or(
			cmp.Compare(a.Model, b.Model),
			cmp.Compare(a.Score, b.Score),
			cmp.Compare(a.Label, b.Label),
		)
	})

	var weighted, total float64
	minScore, maxScore := math.Inf(1), math.Inf(-1)
	labels := make(map[model.VoteLabel]struct{})
	for _, v := range sorted {
		w, ok := weights[v.Model]
		if !ok {
			w = FallbackWeight
		}
		w = math.Max(w, 0)
		score := model.Clamp(v.Score)

		weighted += score * w
		total += w
		minScore = math.Min(minScore, score)
		maxScore = math.Max(maxScore, score)
		labels[v.Label] = struct{}{}
	}

	merged := 0.0
	if total > 0 {
		merged = round4(model.Clamp(weighted / total))
	}

	label := model.LabelMismatch
	if merged >= threshold {
		label = model.LabelMatch
	}

	return model.EnsembleResult{
		MissionType: mt,
		MergedScore: merged,
		MergedLabel: label,
		Threshold:   threshold,
		Conflict:    len(labels) > 1 && maxScore-minScore >= ConflictSpread-spreadEpsilon,
		VoteCount:   len(votes),
	}
}

// AggregateEvidence is the aggregation stage.
func AggregateEvidence(st model.State, cfg Config) model.Delta {
	mt := st.Request.MissionType
	res := Aggregate(mt, st.Artifacts.ModelVotes, cfg.Weights[mt], cfg.Threshold(mt))
	return model.Delta{
		Ensemble: &res,
		Messages: []string{fmt.Sprintf("%s: score=%.2f", nodeAggregator, res.MergedScore)},
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
