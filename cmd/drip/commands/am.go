package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show or initialise drip configuration",
	Long: sym.AM + ` am — Show or initialise drip configuration ("I am")

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (DRIP_* prefix, CRON_SECRET for auth.trigger_secret)
3. Project config (./am.toml, searched upwards)
4. User config (~/.drip/am.toml)
5. System config (/etc/drip/am.toml)
6. Default values

Examples:
  drip am show                    # Every setting with its source
  drip am show --format toml      # Effective configuration as am.toml
  drip am init                    # Write ~/.drip/am.toml with all defaults`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective drip configuration and where each value came from. Secrets are masked.",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default am.toml",
	Long:  "Write a fully populated am.toml. An existing file is backed up first.",
	RunE:  runAmInit,
}

var (
	configFormat string
	initPath     string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "table", "Output format: table, json, yaml, toml")
	amInitCmd.Flags().StringVar(&initPath, "path", "", "Destination (default: ~/.drip/am.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	out := cmd.OutOrStdout()

	switch configFormat {
	case "table":
		rows := pterm.TableData{{"Key", "Value", "Source"}}
		for _, s := range am.Settings() {
			source := string(s.Source)
			if s.Source != am.SourceDefault {
				source += " (" + s.SourcePath + ")"
			}
			rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), source})
		}
		if used := am.ConfigFileUsed(); used != "" {
			pterm.Info.Printf("%s Config file: %s\n", sym.AM, used)
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	case "json":
		return writeJSON(out, am.Settings())

	case "yaml":
		data, err := yaml.Marshal(am.Settings())
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# drip configuration\n%s", string(data))
		return nil

	case "toml":
		masked := *cfg
		if masked.Auth.TriggerSecret != "" {
			masked.Auth.TriggerSecret = "********"
		}
		data, err := am.MarshalTOML(&masked)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# drip configuration\n%s", string(data))
		return nil

	default:
		return errors.Newf("unsupported format: %s (supported: table, json, yaml, toml)", configFormat)
	}
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path, err := am.WriteDefault(initPath)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s Wrote %s\n", sym.AM, path)
	pterm.Info.Println("Set auth.trigger_secret (or CRON_SECRET) before serving triggers")
	return nil
}
