// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturePacketsTotal counts packets read from the capture source
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rzkeychange_capture_packets_total",
			Help: "Total number of packets captured",
		},
		[]string{"source"},
	)

	// CaptureDropsTotal counts packets dropped by the kernel or the pipeline
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rzkeychange_capture_drops_total",
			Help: "Total number of packets dropped during capture",
		},
		[]string{"source", "stage"},
	)

	// DecodeErrorsTotal counts packets that did not yield a DNS message
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rzkeychange_decode_errors_total",
			Help: "Total number of packets skipped by the decoder",
		},
		[]string{"reason"},
	)

	// ReassemblyActiveFlows is the number of IPv4 datagrams awaiting fragments
	ReassemblyActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rzkeychange_reassembly_active_flows",
			Help: "Incomplete IPv4 datagrams held for reassembly",
		},
	)

	// WindowsClosedTotal counts measurement windows closed
	WindowsClosedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rzkeychange_windows_closed_total",
			Help: "Total number of measurement windows closed",
		},
	)

	// MessagesTotal accumulates window counters by kind (total, dnskey, tcp, tc)
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rzkeychange_messages_total",
			Help: "DNS responses counted in closed windows, by kind",
		},
		[]string{"kind"},
	)

	// WindowDistinctSources is the distinct source count of the last closed window
	WindowDistinctSources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rzkeychange_window_distinct_sources",
			Help: "Distinct source addresses seen in the last closed window",
		},
	)

	// WindowSaturatedTotal counts windows whose address set filled up
	WindowSaturatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rzkeychange_window_saturated_total",
			Help: "Total number of windows whose address set reached capacity",
		},
	)

	// MalformedMessagesTotal counts payloads that did not parse as DNS
	MalformedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rzkeychange_malformed_messages_total",
			Help: "Total number of decoded payloads that failed to parse as DNS",
		},
	)

	// SourcesDroppedTotal counts new sources refused by a saturated address set
	SourcesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rzkeychange_sources_dropped_total",
			Help: "Total number of new source addresses not tracked because the address set was full",
		},
	)

	// ReportsTotal counts report emissions by result
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rzkeychange_reports_total",
			Help: "Total number of window reports by result",
		},
		[]string{"result"},
	)
)

// Report results used as ReportsTotal label values.
const (
	ReportSent       = "sent"
	ReportNoResponse = "no_response"
	ReportBusy       = "busy"
	ReportPanic      = "panic"
)

// Message kinds used as MessagesTotal label values.
const (
	KindTotal  = "total"
	KindDNSKEY = "dnskey"
	KindTCP    = "tcp"
	KindTC     = "tc"
)
