// Package plugins registers all built-in plugins.
package plugins

import (
	"firestige.xyz/rzkeychange/pkg/plugin"
	"firestige.xyz/rzkeychange/plugins/capture/afpacket"
	"firestige.xyz/rzkeychange/plugins/capture/pcap"
	"firestige.xyz/rzkeychange/plugins/output/console"
	"firestige.xyz/rzkeychange/plugins/output/rzkeychange"
)

func init() {
	// Register capture plugins
	plugin.RegisterCapturer("afpacket", afpacket.NewAFPacketCapturer)
	plugin.RegisterCapturer("pcap", pcap.NewPcapCapturer)

	// Register output plugins
	plugin.RegisterOutput("rzkeychange", rzkeychange.New)
	plugin.RegisterOutput("console", console.NewConsoleOutput)
}
