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

// OutV6Options configures delay_analysis_out_v6. Same shape as OutOptions.
type OutV6Options struct {
	SPort  *uint16 `json:"sport,omitempty"`
	DPort  *uint16 `json:"dport,omitempty"`
	Sample *int    `json:"sample,omitempty"`
}

// OutV6Event is the IPv6 egress segment-timing event.
type OutV6Event struct {
	SAddr string `json:"saddr"`
	SPort uint16 `json:"sport"`
	DAddr string `json:"daddr"`
	DPort uint16 `json:"dport"`
	Seq   uint32 `json:"seq"`
	Ack   uint32 `json:"ack"`

	QdiscTimestamp float64 `json:"qdisc_timestamp"`
	TotalTimeUs    float64 `json:"total_time_us"`
	QdiscTimeUs    float64 `json:"qdisc_time_us"`
	IPTimeUs       float64 `json:"ip_time_us"`
	TCPTimeUs      float64 `json:"tcp_time_us"`
}

// outV6Kprobes mirrors delay_analysis_in_v6's IPv6 kprobe set in
// reverse (egress order: tcp hands off to ip6, ip6 to the qdisc/neighbour
// layer), inferred the same way as outKprobes since no BPF C source for
// this variant was retrieved.
var outV6Kprobes = map[string]string{
	"tcp_v6_transmit_skb": "on_tcp_v6_transmit_skb",
	"ip6_output":          "on_ip6_output",
	"dev_queue_xmit":      "on_dev_queue_xmit",
}

const outV6PerfMapName = "timestamp_events"

// NewOutV6 constructs the delay_analysis_out_v6 probe factory entry.
func NewOutV6(optionsJSON []byte, deps probe.Dependencies, callback probe.EventCallback) (probe.Probe, error) {
	var opts OutV6Options
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &opts); err != nil {
			return nil, fmt.Errorf("parsing delay_analysis_out_v6 options: %w", err)
		}
	}

	spec := perfbuf.Spec{
		ObjectPath:  filepath.Join(deps.BPFObjectDir, "delay_analysis_out_v6.o"),
		PerfMapName: outV6PerfMapName,
		Kprobes:     outV6Kprobes,
	}

	decode := func(raw []byte) (any, error) {
		ev, err := decodeOutV6Event(raw)
		if err == nil && deps.Metrics != nil {
			if e, ok := ev.(*OutV6Event); ok {
				deps.Metrics.ObserveNetworkDelay(constants.ProbeDelayAnalysisOutV6, e.TotalTimeUs/1e6)
			}
		}
		return ev, err
	}

	return perfbuf.New(constants.ProbeDelayAnalysisOutV6, spec, decode, deps, callback), nil
}

func decodeOutV6Event(raw []byte) (any, error) {
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

	return &OutV6Event{
		SAddr:          bpfutil.FormatIPv6(saddr),
		SPort:          sport,
		DAddr:          bpfutil.FormatIPv6(daddr),
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
