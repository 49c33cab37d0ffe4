package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/sym"
)

// ResumeCmd resumes a run left running by a stopped process, or paused
var ResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: sym.PulseOpen + " Resume an interrupted or paused run",
	Long: `Resume a run from its persisted state.

Completed jobs are kept. Jobs that were running, queued, failed, blocked or
cancelled are reset to pending with a fresh retry budget. Resuming a
completed run does nothing. The number of resumes per run is capped by
pulse.max_resumes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")
		asJSON, _ := cmd.Flags().GetBool("json")

		s, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStack(s)

		sub := s.orch.Bus().Subscribe(1024, nil)
		defer sub.Close()

		runID, err := s.orch.Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return follow(cmd.Context(), s, runID, sub, quiet, asJSON)
	},
}

// CancelCmd cancels a persisted run
var CancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: sym.Cancelled + " Cancel a run",
	Long: `Cancel a run that no process is driving. Its unfinished jobs are marked
cancelled in storage. To stop a run being followed by 'relay run', press
Ctrl+C there, or use the HTTP endpoint of 'relay serve'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStack(s)

		if err := s.orch.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("Run %s cancelled", args[0])
		return nil
	},
}

func init() {
	ResumeCmd.Flags().BoolP("quiet", "q", false, "Do not print progress; Ctrl+C leaves the run resumable")
	ResumeCmd.Flags().Bool("json", false, "Print the final status report as JSON")
}
