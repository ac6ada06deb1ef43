package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rzkeychange/internal/config"
	"firestige.xyz/rzkeychange/internal/report"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the report zone answers through the resolvers",
	Long: `Send the startup TXT probe for the report zone and exit. With
--announce the legend name is queried as well.

Examples:
  rzkeychange probe -c config.yml
  rzkeychange probe -z rzkeychange.example.net -s a-root -n lax -i eth0 --resolver 192.0.2.53`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, overrides(cmd))
		if err != nil {
			return err
		}
		return runProbe(cmd.Context(), cmd.OutOrStdout(), cfg, announce)
	},
}

var announce bool

func init() {
	probeCmd.Flags().BoolVar(&announce, "announce", false, "also send the legend query")
}

func runProbe(ctx context.Context, w io.Writer, cfg *config.GlobalConfig, announce bool) error {
	timeout, _ := time.ParseDuration(cfg.Report.Timeout)
	probeTimeout, _ := time.ParseDuration(cfg.Report.ProbeTimeout)

	e, err := report.NewEmitter(report.Config{
		Zone:         cfg.Report.Zone,
		Server:       cfg.Report.Server,
		Node:         cfg.Report.Node,
		Resolvers:    cfg.Report.Resolvers,
		ResolvConf:   cfg.Report.ResolvConf,
		Timeout:      timeout,
		ProbeTimeout: probeTimeout,
	})
	if err != nil {
		return err
	}
	if err := e.Probe(ctx, cfg.Report.Zone); err != nil {
		return err
	}
	fmt.Fprintf(w, "zone %s answers NOERROR via %v\n", cfg.Report.Zone, e.Resolvers())

	if announce {
		if err := e.Announce(ctx); err != nil {
			return err
		}
		fmt.Fprintf(w, "announced %s\n", report.LegendName(cfg.Report.Node, cfg.Report.Server, cfg.Report.Zone))
	}
	return nil
}
