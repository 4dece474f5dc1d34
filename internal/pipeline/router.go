package pipeline

import (
	"github.com/sells-group/mission-council/internal/model"
)

// RouteTask canonicalizes the mission type and records the route for audit.
// It does not branch; the gate result decides whether judging happens.
func RouteTask(st model.State) model.Delta {
	mt := model.NormalizeMissionType(string(st.Request.MissionType))
	return model.Delta{
		MissionType: mt,
		RouteDecision: &model.RouteDecision{
			NextNode:   nodeModelFanout,
			Reason:     "mission_type=" + string(mt),
			Confidence: 1.0,
			Fallback:   nodeFinalizer,
		},
		Messages: []string{nodeTaskRouter + ": " + string(mt)},
	}
}
