package pipeline

import (
	"fmt"

	"github.com/sells-group/mission-council/internal/model"
)

// CouponPolicy decides reward eligibility. A duplicate image never earns a
// coupon, whatever the judges said.
func CouponPolicy(st model.State, discountRule string) model.Delta {
	if discountRule == "" {
		discountRule = model.DefaultDiscountRule
	}

	duplicate := st.Artifacts.GateResult.HasRisk(RiskDuplicateImage)
	eligible := st.Judged() && !duplicate

	decision := &model.CouponDecision{Eligible: eligible, DiscountRule: discountRule}
	switch {
	case eligible:
	case duplicate:
		decision.DenyReason = RiskDuplicateImage
	case st.Artifacts.Judgment != nil:
		decision.DenyReason = st.Artifacts.Judgment.Reason
	default:
		decision.DenyReason = "not_judged"
	}

	return model.Delta{
		CouponDecision: decision,
		Messages:       []string{fmt.Sprintf("%s: eligible=%t", nodeCouponPolicy, eligible)},
	}
}
