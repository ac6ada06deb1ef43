package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/rzkeychange/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Capture DNS traffic and send window reports",
	Long: `Start capturing and reporting in the foreground.

Startup probes the report zone with a TXT query and exits with status 1 if
it does not answer NOERROR. Live capture runs until SIGTERM or SIGINT; a
pcap file given with -r is replayed to the end. The last window is closed
and reported on exit. SIGHUP reloads the log settings.

Examples:
  rzkeychange start -c /etc/rzkeychange/config.yml
  rzkeychange start -z rzkeychange.example.net -s a-root -n lax -i eth0
  rzkeychange start -c config.yml -r capture.pcap -t 10s
  rzkeychange start -c config.yml -r capture.pcap -o console`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(configFile, overrides(cmd))
		if err != nil {
			return err
		}
		if err := d.Start(cmd.Context()); err != nil {
			return err
		}
		return d.Run(cmd.Context())
	},
}
