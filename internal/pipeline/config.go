package pipeline

import (
	"slices"
	"strings"
	"time"

	"github.com/sells-group/mission-council/internal/config"
	"github.com/sells-group/mission-council/internal/model"
)

// Fusion constants.
const (
	// ConflictSpread is the minimum max-min score gap that, together with
	// disagreeing labels, marks the ensemble as conflicted.
	ConflictSpread = 0.35
	// ConflictMargin is how far above the threshold a conflicted score must
	// be to still pass.
	ConflictMargin = 0.08
	// FallbackWeight applies to votes from judges missing in the weight table.
	FallbackWeight = 0.1

	selectionEnsemble = "ensemble"
)

// Config drives judge selection and evidence fusion.
type Config struct {
	Thresholds   map[model.MissionType]float64
	Weights      map[model.MissionType]map[string]float64
	Selection    map[model.MissionType]string
	Ensembles    map[model.MissionType][]string
	JudgeTimeout time.Duration
	Parallel     bool
	DiscountRule string
}

// DefaultConfig returns the built-in thresholds, weights and judge sets.
func DefaultConfig() Config {
	return Config{
		Thresholds: map[model.MissionType]float64{
			model.MissionTypeLocation:   0.70,
			model.MissionTypeAtmosphere: 0.62,
		},
		Weights: map[model.MissionType]map[string]float64{
			model.MissionTypeLocation:   {"blip": 0.45, "qwen": 0.35, "clip": 0.2, "siglip2": 0.1},
			model.MissionTypeAtmosphere: {"siglip2": 0.45, "qwen": 0.35, "blip": 0.15, "clip": 0.05},
		},
		Selection: map[model.MissionType]string{
			model.MissionTypeLocation:   "blip",
			model.MissionTypeAtmosphere: selectionEnsemble,
		},
		Ensembles: map[model.MissionType][]string{
			model.MissionTypeLocation:   {"blip", "qwen", "clip"},
			model.MissionTypeAtmosphere: {"siglip2", "qwen", "blip", "clip"},
		},
		JudgeTimeout: 30 * time.Second,
		Parallel:     true,
		DiscountRule: model.DefaultDiscountRule,
	}
}

// FromConfig overlays loaded configuration on the defaults. Weight tables in
// the file replace the default table for that mission type as a whole.
func FromConfig(pc config.PipelineConfig, discountRule string) Config {
	c := DefaultConfig()
	if pc.LocationThreshold > 0 {
		c.Thresholds[model.MissionTypeLocation] = pc.LocationThreshold
	}
	if pc.AtmosphereThreshold > 0 {
		c.Thresholds[model.MissionTypeAtmosphere] = pc.AtmosphereThreshold
	}
	if pc.LocationSelection != "" {
		c.Selection[model.MissionTypeLocation] = pc.LocationSelection
	}
	if pc.AtmosphereSelection != "" {
		c.Selection[model.MissionTypeAtmosphere] = pc.AtmosphereSelection
	}
	if names := config.ParseList(pc.LocationEnsemble); len(names) > 0 {
		c.Ensembles[model.MissionTypeLocation] = names
	}
	if names := config.ParseList(pc.AtmosphereEnsemble); len(names) > 0 {
		c.Ensembles[model.MissionTypeAtmosphere] = names
	}
	for key, table := range pc.Weights {
		if len(table) == 0 {
			continue
		}
		mt := model.NormalizeMissionType(key)
		weights := make(map[string]float64, len(table))
		for name, w := range table {
			weights[strings.ToLower(name)] = w
		}
		c.Weights[mt] = weights
	}
	if pc.JudgeTimeoutSecs > 0 {
		c.JudgeTimeout = time.Duration(pc.JudgeTimeoutSecs) * time.Second
	}
	c.Parallel = pc.ParallelFanout
	if discountRule != "" {
		c.DiscountRule = discountRule
	}
	return c
}

// Threshold returns the pass bar for a mission type.
func (c Config) Threshold(mt model.MissionType) float64 {
	if th, ok := c.Thresholds[mt]; ok {
		return th
	}
	return 1.0
}

// SelectJudges resolves the judges to consult. An override of "ensemble"
// or an empty default selection means the full ordered list; anything else
// names a single judge.
func (c Config) SelectJudges(mt model.MissionType, override string) []string {
	mode := strings.ToLower(strings.TrimSpace(override))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(c.Selection[mt]))
	}
	if mode != "" && mode != selectionEnsemble {
		return []string{mode}
	}

	var out []string
	for _, name := range c.Ensembles[mt] {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
