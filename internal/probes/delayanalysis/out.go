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

// OutOptions configures delay_analysis_out (§4.3.1). All fields optional;
// zero value traces every IPv4 flow with no sampling.
type OutOptions struct {
	SPort  *uint16 `json:"sport,omitempty"`
	DPort  *uint16 `json:"dport,omitempty"`
	Sample *int    `json:"sample,omitempty"`
}

// OutEvent is the IPv4 egress segment-timing event: a packet's elapsed
// time through the qdisc, IP, and TCP layers on its way out.
type OutEvent struct {
	SAddr string  `json:"saddr"`
	SPort uint16  `json:"sport"`
	DAddr string  `json:"daddr"`
	DPort uint16  `json:"dport"`
	Seq   uint32  `json:"seq"`
	Ack   uint32  `json:"ack"`

	QdiscTimestamp float64 `json:"qdisc_timestamp"`
	TotalTimeUs    float64 `json:"total_time_us"`
	QdiscTimeUs    float64 `json:"qdisc_time_us"`
	IPTimeUs       float64 `json:"ip_time_us"`
	TCPTimeUs      float64 `json:"tcp_time_us"`
}

// outKprobes maps kernel function name to the BPF program attached to it.
// The original Python never calls attach_kprobe explicitly for this
// variant (unlike delay_analysis_in_v6) — its BPF C text relies on BCC's
// implicit kprobe__<funcname> naming convention, so there is no literal
// source to ground this mapping on. This is this package's own documented,
// inferred mapping, chosen to mirror the ingress path's
// mac/ip/tcp segment split in reverse (egress: tcp layer hands off to ip,
// ip to qdisc).
var outKprobes = map[string]string{
	"tcp_transmit_skb": "on_tcp_transmit_skb",
	"ip_output":        "on_ip_output",
	"dev_queue_xmit":   "on_dev_queue_xmit",
}

const outPerfMapName = "timestamp_events"

// NewOut constructs the delay_analysis_out probe factory entry.
func NewOut(optionsJSON []byte, deps probe.Dependencies, callback probe.EventCallback) (probe.Probe, error) {
	var opts OutOptions
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &opts); err != nil {
			return nil, fmt.Errorf("parsing delay_analysis_out options: %w", err)
		}
	}

	spec := perfbuf.Spec{
		ObjectPath:  filepath.Join(deps.BPFObjectDir, "delay_analysis_out.o"),
		PerfMapName: outPerfMapName,
		Kprobes:     outKprobes,
	}

	decode := func(raw []byte) (any, error) {
		ev, err := decodeOutEvent(raw)
		if err == nil && deps.Metrics != nil {
			if e, ok := ev.(*OutEvent); ok {
				deps.Metrics.ObserveNetworkDelay(constants.ProbeDelayAnalysisOut, e.TotalTimeUs/1e6)
			}
		}
		return ev, err
	}

	return perfbuf.New(constants.ProbeDelayAnalysisOut, spec, decode, deps, callback), nil
}

func decodeOutEvent(raw []byte) (any, error) {
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
	qdiscTimestamp, err := c.u64()
	if err != nil {
		return nil, err
	}
	totalTime, err := c.u64()
	if err != nil {
		return nil, err
	}
	qdiscTime, err := c.u64()
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

	return &OutEvent{
		SAddr:          bpfutil.FormatIPv4(saddr),
		SPort:          sport,
		DAddr:          bpfutil.FormatIPv4(daddr),
		DPort:          dport,
		Seq:            seq,
		Ack:            ack,
		QdiscTimestamp: nsToUs(qdiscTimestamp),
		TotalTimeUs:    nsToUs(totalTime),
		QdiscTimeUs:    nsToUs(qdiscTime),
		IPTimeUs:       nsToUs(ipTime),
		TCPTimeUs:      nsToUs(tcpTime),
	}, nil
}
