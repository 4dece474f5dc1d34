package main

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mission-council/internal/workflow"
)

var (
	startType  string
	startUser  string
	startSite  string
	startAns   string
	submitID   string
	submitPath string
	submitSel  string
)

var missionCmd = &cobra.Command{
	Use:   "mission",
	Short: "Start missions and judge submissions from the command line",
}

var missionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Open a session for today's mission",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Workflow.StartMission(cmd.Context(), workflow.StartParams{
			UserID:      startUser,
			SiteID:      startSite,
			MissionType: startType,
			Answer:      startAns,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var missionSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Judge a photo against a mission session",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		data, err := env.Workflow.Submit(cmd.Context(), workflow.SubmitParams{
			MissionID:      submitID,
			ImagePath:      submitPath,
			ModelSelection: submitSel,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), data)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "write output")
	}
	return nil
}

func init() {
	missionStartCmd.Flags().StringVar(&startType, "type", "location", "mission type (location, atmosphere or photo)")
	missionStartCmd.Flags().StringVar(&startUser, "user", "", "user id (default guest)")
	missionStartCmd.Flags().StringVar(&startSite, "site", "", "site id (default from config)")
	missionStartCmd.Flags().StringVar(&startAns, "answer", "", "pin the mission answer instead of today's pick")

	missionSubmitCmd.Flags().StringVar(&submitID, "mission-id", "", "mission session id")
	missionSubmitCmd.Flags().StringVar(&submitPath, "image", "", "path to the photo")
	missionSubmitCmd.Flags().StringVar(&submitSel, "model", "", "judge selection override (a judge name or ensemble)")
	_ = missionSubmitCmd.MarkFlagRequired("mission-id")
	_ = missionSubmitCmd.MarkFlagRequired("image")

	missionCmd.AddCommand(missionStartCmd, missionSubmitCmd)
	rootCmd.AddCommand(missionCmd)
}
