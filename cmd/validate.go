package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/rzkeychange/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print the effective settings",
	Long: `Load the configuration file, environment and flags exactly as start
would, validate the result, and print it as YAML.

Examples:
  rzkeychange validate -c config.yml
  RZKEYCHANGE_REPORT_NODE=ams rzkeychange validate -c config.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), configFile, overrides(cmd))
	},
}

func runValidate(w io.Writer, path string, overrides map[string]any) error {
	cfg, err := config.Load(path, overrides)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(map[string]*config.GlobalConfig{"rzkeychange": cfg})
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	fmt.Fprintln(w, "# configuration is valid")
	_, err = w.Write(out)
	return err
}
