package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pipeline"
)

// ValidateCmd checks a definition without running it
var ValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a pipeline definition without running it",
	Long: `Parse and validate a pipeline definition: unknown dependencies, cycles,
malformed conditions and templates are errors. Lint warnings (such as a
non-semver version) are printed but do not fail validation unless --strict.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strict, _ := cmd.Flags().GetBool("strict")

		def, err := pipeline.Load(args[0])
		if err != nil {
			return err
		}
		graph, err := pipeline.Validate(def)
		if err != nil {
			return err
		}

		warnings := pipeline.Lint(def)
		for _, w := range warnings {
			pterm.Warning.Println(w)
		}

		pterm.Success.Printfln("%s is valid: %d jobs in %d stages", def.Name, len(def.Jobs), len(graph.Levels()))
		for i, level := range graph.Levels() {
			pterm.Printfln("  %d. %v", i+1, level)
		}

		if strict && len(warnings) > 0 {
			return errors.Newf("%s has %d lint warning(s)", args[0], len(warnings))
		}
		return nil
	},
}

func init() {
	ValidateCmd.Flags().Bool("strict", false, "Treat lint warnings as errors")
}
