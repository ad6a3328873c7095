package retsnoop

import (
	"encoding/binary"
	"net/netip"
	"regexp"
	"strconv"

	"github.com/ntracing/ntd/internal/ipmatch"
)

// state is one of the three stdout-parser states from §4.3.2, modeled as
// an explicit value rather than the original's stack of closures over
// shared mutable context — each state's handling lives in its own
// function below and feed() dispatches to the current one.
type state int

const (
	stateIdle state = iota
	stateAssembling
	stateDrop
)

var (
	reHeader = regexp.MustCompile(
		`^(\d{19}) -> .* TID/PID (\d*)/(\d*) \((\w*)/(\w*)\)`)
	reMissingRecord = regexp.MustCompile(`^‼ ... missing`)
	reFunctionEntry = regexp.MustCompile(
		`^\s*[→]\s([a-zA-Z_]*)~\d*~\s*=>(\d*)-(\d*)-(\d*)-(\d*)#`)
	reFunctionExit = regexp.MustCompile(
		`^\s*([↔←])\s([a-zA-Z_]*)~\d*~\s*\[.*\]\s*~([0-9]*\.[0-9]*)us<=(\d*)-(\d*)-(\d*)-(\d*)#`)
	reTail = regexp.MustCompile(`^-END-`)
)

// FlowFunctions is the per-flow function→cumulative-microseconds map for
// one observed 5-tuple within an Event, grounded on the original's
// `FunctionsPerFlow` dataclass.
type FlowFunctions struct {
	SAddr     string             `json:"saddr"`
	SPort     int                `json:"sport"`
	DAddr     string             `json:"daddr"`
	DPort     int                `json:"dport"`
	Functions map[string]float64 `json:"functions"`
}

// Event is one retsnoop trace record, grounded on the original's
// `ProbeEvent` dataclass.
type Event struct {
	Timestamp int64             `json:"timestamp"`
	TID       int               `json:"tid"`
	PID       int               `json:"pid"`
	TName     string            `json:"tname"`
	PName     string            `json:"pname"`
	Functions map[string]float64 `json:"functions"`
	Flows     []*FlowFunctions  `json:"flows"`
}

// WallClockNs implements probe.WallClockStamped: the header timestamp is
// already a UNIX-epoch nanosecond value produced by retsnoop itself.
func (e *Event) WallClockNs() int64 { return e.Timestamp }

// parser is the stdout state machine (§4.3.2). One instance per running
// probe; feed is called once per non-empty line read from the child's
// stdout.
type parser struct {
	ignore        *ipmatch.Matcher
	flowStartFunc string

	state     state
	event     *Event
	currDepth int
	maxDepth  int

	skippedInDrop int
	onSkipSummary func(skipped int)
}

func newParser(ignore *ipmatch.Matcher, flowStartFunc string, onSkipSummary func(int)) *parser {
	return &parser{
		ignore:        ignore,
		flowStartFunc: flowStartFunc,
		state:         stateIdle,
		currDepth:     -1,
		maxDepth:      -1,
		onSkipSummary: onSkipSummary,
	}
}

// feed processes one line and returns a completed Event when the tail
// marker closes out an in-progress assembly.
func (p *parser) feed(line string) *Event {
	switch p.state {
	case stateIdle:
		p.tryHeader(line)
	case stateAssembling:
		if p.tryMissingRecord(line) {
			return nil
		}
		if p.tryFunctionEntry(line) {
			return nil
		}
		if p.tryFunctionExit(line) {
			return nil
		}
		if p.tryTail(line) {
			event := p.event
			p.reset()
			return event
		}
	case stateDrop:
		if m := reHeader.FindStringSubmatch(line); m != nil {
			p.startAssembling(m)
			return nil
		}
		p.skippedInDrop++
		if p.onSkipSummary != nil && p.skippedInDrop%256 == 0 {
			p.onSkipSummary(p.skippedInDrop)
		}
	}
	return nil
}

func (p *parser) reset() {
	p.state = stateIdle
	p.event = nil
	p.currDepth = -1
	p.maxDepth = -1
	p.skippedInDrop = 0
}

func (p *parser) drop() {
	p.state = stateDrop
	p.event = nil
	p.currDepth = -1
	p.maxDepth = -1
	p.skippedInDrop = 0
}

func (p *parser) tryHeader(line string) bool {
	m := reHeader.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	p.startAssembling(m)
	return true
}

func (p *parser) startAssembling(m []string) {
	timestamp, _ := strconv.ParseInt(m[1], 10, 64)
	tid, _ := strconv.Atoi(m[2])
	pid, _ := strconv.Atoi(m[3])
	p.event = &Event{
		Timestamp: timestamp,
		TID:       tid,
		PID:       pid,
		TName:     m[4],
		PName:     m[5],
		Functions: make(map[string]float64),
	}
	p.currDepth = -1
	p.maxDepth = -1
	p.state = stateAssembling
}

func (p *parser) tryMissingRecord(line string) bool {
	if !reMissingRecord.MatchString(line) {
		return false
	}
	p.drop()
	return true
}

func (p *parser) tryFunctionEntry(line string) bool {
	m := reFunctionEntry.FindStringSubmatch(line)
	if m == nil {
		return false
	}

	name := m[1]
	saddrInt, _ := strconv.ParseUint(m[2], 10, 32)
	saddrBytes := uint32ToBytes(uint32(saddrInt))
	if p.ignore != nil && p.ignore.MatchV4(saddrBytes[:]) {
		p.drop()
		return true
	}

	if name == p.flowStartFunc {
		sport, _ := strconv.Atoi(m[3])
		daddrInt, _ := strconv.ParseUint(m[4], 10, 32)
		dport, _ := strconv.Atoi(m[5])
		daddrBytes := uint32ToBytes(uint32(daddrInt))

		p.currDepth++
		if p.maxDepth < p.currDepth {
			p.maxDepth = p.currDepth
		}
		p.event.Flows = append(p.event.Flows, &FlowFunctions{
			SAddr:     netip.AddrFrom4(saddrBytes).String(),
			SPort:     sport,
			DAddr:     netip.AddrFrom4(daddrBytes).String(),
			DPort:     dport,
			Functions: make(map[string]float64),
		})
	}
	return true
}

func (p *parser) tryFunctionExit(line string) bool {
	m := reFunctionExit.FindStringSubmatch(line)
	if m == nil {
		return false
	}

	if p.currDepth < 0 {
		p.drop()
		return true
	}

	mark, name, timeStr := m[1], m[2], m[3]
	us, _ := strconv.ParseFloat(timeStr, 64)

	flow := p.event.Flows[p.currDepth]
	flow.Functions[name] += us
	p.event.Functions[name] += us

	if mark == "←" && name == p.flowStartFunc {
		p.currDepth--
		if p.currDepth < -1 {
			p.drop()
			return true
		}
	}
	return true
}

func (p *parser) tryTail(line string) bool {
	return reTail.MatchString(line)
}

func uint32ToBytes(v uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b
}
