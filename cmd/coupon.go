package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/mission-council/internal/workflow"
)

var (
	issueMission string
	issuePartner string
	redeemCode   string
	redeemPos    string
	showCode     string
)

var couponCmd = &cobra.Command{
	Use:   "coupon",
	Short: "Issue, redeem and inspect reward coupons",
}

var couponIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue the coupon for a successful mission",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Workflow.IssueCoupon(cmd.Context(), workflow.IssueParams{
			MissionID: issueMission,
			PartnerID: issuePartner,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), c)
	},
}

var couponRedeemCmd = &cobra.Command{
	Use:   "redeem",
	Short: "Redeem a coupon at a partner point of sale",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Workflow.RedeemCoupon(cmd.Context(), workflow.RedeemParams{
			CouponCode:   redeemCode,
			PartnerPosID: redeemPos,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var couponShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a coupon",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Workflow.Coupon(cmd.Context(), showCode)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), c)
	},
}

func init() {
	couponIssueCmd.Flags().StringVar(&issueMission, "mission-id", "", "mission session id")
	couponIssueCmd.Flags().StringVar(&issuePartner, "partner", "", "partner id")
	_ = couponIssueCmd.MarkFlagRequired("mission-id")

	couponRedeemCmd.Flags().StringVar(&redeemCode, "code", "", "coupon code")
	couponRedeemCmd.Flags().StringVar(&redeemPos, "pos", "", "partner point-of-sale id")
	_ = couponRedeemCmd.MarkFlagRequired("code")
	_ = couponRedeemCmd.MarkFlagRequired("pos")

	couponShowCmd.Flags().StringVar(&showCode, "code", "", "coupon code")
	_ = couponShowCmd.MarkFlagRequired("code")

	couponCmd.AddCommand(couponIssueCmd, couponRedeemCmd, couponShowCmd)
	rootCmd.AddCommand(couponCmd)
}
