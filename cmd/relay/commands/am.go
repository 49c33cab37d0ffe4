package commands

import (
	"fmt"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/sym"
)

// AmCmd groups configuration commands
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage relay configuration",
	Long: sym.AM + ` am - Manage relay configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. User config (~/.relay/relay.toml)
3. Project config (./relay.toml, searched upward)
4. Environment variables (RELAY_* prefix, e.g. RELAY_PULSE_MAX_RESUMES)

Examples:
  relay am show                   # Show current configuration
  relay am show --format json     # Show configuration as JSON
  relay am show --defaults        # Show built-in defaults
  relay am init                   # Write ./relay.toml with defaults`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter config file",
	Long:  "Write a starter relay.toml (default: ./relay.toml) with default settings and a shell agent",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var (
	configFormat   string
	configDefaults bool
	initForce      bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amShowCmd.Flags().BoolVar(&configDefaults, "defaults", false, "Show built-in defaults instead of the loaded config")
	amInitCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Replace an existing file (a backup is kept)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	var cfg interface{}
	if configDefaults {
		cfg = am.DefaultSettings()
	} else {
		loaded, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		cfg = loaded
		for _, f := range am.ConfigFiles() {
			fmt.Printf("# from %s\n", f)
		}
	}

	switch configFormat {
	case "json":
		return printJSON(cfg)
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Print(string(data))
	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Print(string(data))
	default:
		return errors.WithHint(
			errors.NewInvalidRequestError("unsupported format: %s", configFormat),
			"supported: toml, json, yaml",
		)
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.ConfigFileName
	if len(args) == 1 {
		path = args[0]
	}
	if err := am.WriteDefault(path, initForce); err != nil {
		return err
	}
	abs, _ := filepath.Abs(path)
	pterm.Success.Printfln("Wrote %s", abs)
	return nil
}
