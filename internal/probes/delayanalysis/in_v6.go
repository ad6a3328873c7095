package delayanalysis

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ntracing/ntd/internal/bpfutil"
	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/probe"
	"github.com/ntracing/ntd/internal/probes/perfbuf"
)

// InV6Options configures delay_analysis_in_v6 (§4.3.1).
type InV6Options struct {
	SPort  *uint16 `json:"sport,omitempty"`
	DPort  *uint16 `json:"dport,omitempty"`
	Sample *int    `json:"sample,omitempty"`
}

// InV6Event is the IPv6 ingress segment-timing event: a packet's elapsed
// time through the mac, ip, and tcp layers on its way in.
type InV6Event struct {
	SAddr string `json:"saddr"`
	SPort uint16 `json:"sport"`
	DAddr string `json:"daddr"`
	DPort uint16 `json:"dport"`
	Seq   uint32 `json:"seq"`
	Ack   uint32 `json:"ack"`

	MacTimestamp float64 `json:"mac_timestamp"`
	TotalTimeUs  float64 `json:"total_time_us"`
	MacTimeUs    float64 `json:"mac_time_us"`
	IPTimeUs     float64 `json:"ip_time_us"`
	TCPTimeUs    float64 `json:"tcp_time_us"`
}

// inV6Kprobes is grounded directly on the original's
// `Probe._get_kprobe_names()` for delay_analysis_in_v6 — keys there are
// kernel function names, values the BPF program attached to them.
var inV6Kprobes = map[string]string{
	"eth_type_trans":         "on_eth_type_trans",
	"ip6_rcv_core":           "on_ip6_rcv_core",
	"tcp_v6_rcv":             "on_tcp_v6_rcv",
	"skb_copy_datagram_iter": "on_skb_copy_datagram_iter",
}

const inV6PerfMapName = "timestamp_events"

// NewInV6 constructs the delay_analysis_in_v6 probe factory entry.
func NewInV6(optionsJSON []byte, deps probe.Dependencies, callback probe.EventCallback) (probe.Probe, error) {
	var opts InV6Options
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &opts); err != nil {
			return nil, fmt.Errorf("parsing delay_analysis_in_v6 options: %w", err)
		}
	}

	spec := perfbuf.Spec{
		ObjectPath:  filepath.Join(deps.BPFObjectDir, "delay_analysis_in_v6.o"),
		PerfMapName: inV6PerfMapName,
		Kprobes:     inV6Kprobes,
	}

	decode := func(raw []byte) (any, error) {
		ev, err := decodeInV6Event(raw)
		if err == nil && deps.Metrics != nil {
			if e, ok := ev.(*InV6Event); ok {
				deps.Metrics.ObserveNetworkDelay(constants.ProbeDelayAnalysisInV6, e.TotalTimeUs/1e6)
			}
		}
		return ev, err
	}

	return perfbuf.New(constants.ProbeDelayAnalysisInV6, spec, decode, deps, callback), nil
}

func decodeInV6Event(raw []byte) (any, error) {
	c := newCursor(raw)

	saddr, err := c.addr16()
	if err != nil {
		return nil, err
	}
	sport, err := c.u16()
	if err != nil {
		return nil, err
	}
	daddr, err := c.addr16()
	if err != nil {
		return nil, err
	}
	dport, err := c.u16()
	if err != nil {
		return nil, err
	}
	seq, err := c.u32()
	if err != nil {
		return nil, err
	}
	ack, err := c.u32()
	if err != nil {
		return nil, err
	}
	macTimestamp, err := c.u64()
	if err != nil {
		return nil, err
	}
	totalTime, err := c.u64()
	if err != nil {
		return nil, err
	}
	macTime, err := c.u64()
	if err != nil {
		return nil, err
	}
	ipTime, err := c.u64()
	if err != nil {
		return nil, err
	}
	tcpTime, err := c.u64()
	if err != nil {
		return nil, err
	}

	// The original zeroes raw.saddr/raw.daddr after parsing to work around
	// a circular-reference bug in its own JSON serializer. That bug has no
	// Go analogue: only the parsed struct is ever marshaled here, so the
	// raw integer addresses are simply never retained.
	return &InV6Event{
		SAddr:        bpfutil.FormatIPv6(saddr),
		SPort:        sport,
		DAddr:        bpfutil.FormatIPv6(daddr),
		DPort:        dport,
		Seq:          seq,
		Ack:          ack,
		MacTimestamp: nsToSeconds(macTimestamp),
		TotalTimeUs:  nsToUs(totalTime),
		MacTimeUs:    nsToUs(macTime),
		IPTimeUs:     nsToUs(ipTime),
		TCPTimeUs:    nsToUs(tcpTime),
	}, nil
}
