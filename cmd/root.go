// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string

	// Overrides; only flags actually given replace config values.
	zone      string
	server    string
	node      string
	iface     string
	readFile  string
	interval  string
	output    string
	resolvers []string
	skipProbe bool
)

// overrideKeys maps override flags to config keys.
var overrideKeys = []struct{ flag, key string }{
	{"zone", "report.zone"},
	{"server", "report.server"},
	{"node", "report.node"},
	{"resolver", "report.resolvers"},
	{"skip-probe", "report.skip_probe"},
	{"interface", "capture.interface"},
	{"read", "capture.file"},
	{"interval", "window.interval"},
	{"output", "output.type"},
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rzkeychange",
	Short: "rzkeychange - DNS root zone KSK rollover traffic measurement",
	Long: `rzkeychange watches DNS responses leaving a name server and, once per
measurement window, reports how many responses it saw, how many answered
DNSKEY queries, how many were carried over TCP, and how many were truncated.

Each report is a TXT query for
  <start>-<total>-<dnskey>-<tcp>-<tc>.<node>.<server>.<zone>
sent through the configured recursive resolvers, so the data reaches the
zone's authoritative servers without any dedicated transport.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "config file path")
	pf.StringVarP(&zone, "zone", "z", "", "report zone")
	pf.StringVarP(&server, "server", "s", "", "name of the monitored server")
	pf.StringVarP(&node, "node", "n", "", "name of this node")
	pf.StringSliceVar(&resolvers, "resolver", nil, "recursive resolver, host[:port] (repeatable)")
	pf.BoolVar(&skipProbe, "skip-probe", false, "do not probe the report zone at startup")
	pf.StringVarP(&iface, "interface", "i", "", "capture interface")
	pf.StringVarP(&readFile, "read", "r", "", "read packets from a pcap file")
	pf.StringVarP(&interval, "interval", "t", "", "measurement window length, e.g. 60s")
	pf.StringVarP(&output, "output", "o", "", "rzkeychange (send reports) or console (print them)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(probeCmd)
}

// overrides collects the flags set on the command line as config keys.
func overrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	flags := cmd.Flags()
	for _, o := range overrideKeys {
		if !flags.Changed(o.flag) {
			continue
		}
		switch o.flag {
		case "resolver":
			out[o.key], _ = flags.GetStringSlice(o.flag)
		case "skip-probe":
			out[o.key], _ = flags.GetBool(o.flag)
		default:
			out[o.key], _ = flags.GetString(o.flag)
		}
	}
	return out
}
