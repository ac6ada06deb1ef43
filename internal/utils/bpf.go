// Package utils holds small helpers shared by capture plugins.
package utils

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// CompileBPF compiles a tcpdump-style filter expression for the given link
// type into raw instructions for sockets that accept classic BPF.
func CompileBPF(linkType layers.LinkType, snapLen int, filter string) ([]bpf.RawInstruction, error) {
	pcapBpf, err := pcap.CompileBPFFilter(linkType, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter %q: %w", filter, err)
	}

	rawBpf := make([]bpf.RawInstruction, len(pcapBpf))
	for i, ins := range pcapBpf {
		rawBpf[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return rawBpf, nil
}

// DisassembleBPF renders raw instructions for debug logging.
func DisassembleBPF(raw []bpf.RawInstruction) []string {
	insns, _ := bpf.Disassemble(raw)
	out := make([]string, len(insns))
	for i, ins := range insns {
		out[i] = fmt.Sprint(ins)
	}
	return out
}
