package report

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"firestige.xyz/rzkeychange/internal/counter"
)

// legendLabel documents the field order of report names.
const legendLabel = "timestamp-total-dnskey-tcp-tc"

// FormatName builds the report query name for a window snapshot:
// <start>-<total>-<dnskey>-<tcp>-<tc>.<node>.<server>.<zone>.
// start is the window start in Unix seconds.
func FormatName(snap counter.Snapshot, node, server, zone string) string {
	label := fmt.Sprintf("%d-%d-%d-%d-%d",
		snap.WindowStart.Unix(),
		snap.Total,
		snap.DNSKEYQueries,
		snap.TCPMessages,
		snap.TruncatedResponses,
	)
	return join(label, node, server, zone)
}

// maxReportLabel stands in for the longest counter label: a full 63 octet
// DNS label.
var maxReportLabel = strings.Repeat("9", 63)

// ValidateNames checks that every name built from node, server and zone,
// including a report whose counter label is as long as a label can be,
// is a valid domain name.
func ValidateNames(node, server, zone string) error {
	for _, name := range []string{
		join(maxReportLabel, node, server, zone),
		LegendName(node, server, zone),
	} {
		if _, ok := dns.IsDomainName(name); !ok {
			return fmt.Errorf("%q is not a valid domain name", name)
		}
	}
	return nil
}

// LegendName is the name announced once at startup so that collectors can
// learn the field order of report names.
func LegendName(node, server, zone string) string {
	return join(legendLabel, node, server, zone)
}

func join(label, node, server, zone string) string {
	return dns.Fqdn(label + "." + node + "." + server + "." + zone)
}
