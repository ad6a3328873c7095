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

// InOptions configures delay_analysis_in, the IPv4 counterpart of
// delay_analysis_in_v6.
type InOptions struct {
	SPort  *uint16 `json:"sport,omitempty"`
	DPort  *uint16 `json:"dport,omitempty"`
	Sample *int    `json:"sample,omitempty"`
}

// InEvent is the IPv4 ingress segment-timing event.
type InEvent struct {
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

// inKprobes is the IPv4 analogue of inV6Kprobes: the v6 variant is the
// only one of the four with a retrieved original source, so this mapping
// is this package's own inferred counterpart (ip6_rcv_core/tcp_v6_rcv
// swapped for their IPv4 equivalents), not a literal translation.
var inKprobes = map[string]string{
	"eth_type_trans":         "on_eth_type_trans",
	"ip_rcv_core":            "on_ip_rcv_core",
	"tcp_v4_rcv":             "on_tcp_v4_rcv",
	"skb_copy_datagram_iter": "on_skb_copy_datagram_iter",
}

const inPerfMapName = "timestamp_events"

// NewIn constructs the delay_analysis_in probe factory entry.
func NewIn(optionsJSON []byte, deps probe.Dependencies, callback probe.EventCallback) (probe.Probe, error) {
	var opts InOptions
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &opts); err != nil {
			return nil, fmt.Errorf("parsing delay_analysis_in options: %w", err)
		}
	}

	spec := perfbuf.Spec{
		ObjectPath:  filepath.Join(deps.BPFObjectDir, "delay_analysis_in.o"),
		PerfMapName: inPerfMapName,
		Kprobes:     inKprobes,
	}

	decode := func(raw []byte) (any, error) {
		ev, err := decodeInEvent(raw)
		if err == nil && deps.Metrics != nil {
			if e, ok := ev.(*InEvent); ok {
				deps.Metrics.ObserveNetworkDelay(constants.ProbeDelayAnalysisIn, e.TotalTimeUs/1e6)
			}
		}
		return ev, err
	}

	return perfbuf.New(constants.ProbeDelayAnalysisIn, spec, decode, deps, callback), nil
}

func decodeInEvent(raw []byte) (any, error) {
	c := newCursor(raw)

	saddr, err := c.addr4()
	if err != nil {
		return nil, err
	}
	sport, err := c.u16()
	if err != nil {
		return nil, err
	}
	daddr, err := c.addr4()
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

	return &InEvent{
		SAddr:        bpfutil.FormatIPv4(saddr),
		SPort:        sport,
		DAddr:        bpfutil.FormatIPv4(daddr),
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
