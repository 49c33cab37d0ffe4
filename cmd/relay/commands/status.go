package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/relay/sym"
)

// StatusCmd shows one run
var StatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: sym.Running + " Show the state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		s, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStack(s)

		rep, err := s.orch.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(rep)
		}
		return printReport(rep)
	},
}

// LsCmd lists recent runs, newest first
var LsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List recent runs",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStack(s)

		list, err := s.store.List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(list)
		}
		return printRuns(list)
	},
}

func init() {
	StatusCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	LsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	LsCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to list")
}
