// Package delayanalysis implements the four §4.3.1 segment-timing probes:
// delay_analysis_{in,out}{,_v6}. Each traces one direction of a TCP flow
// through three kernel layers (mac/link, ip, tcp) and reports per-segment
// and total elapsed time for each observed packet.
//
// The BPF C sources these probes load are out of scope (spec §1); the raw
// record layout below is this package's own documented assumption about
// what the precompiled object emits, since the original sources are
// unavailable to ground the exact struct layout from. A cursor-based
// little-endian reader is used instead of a tagged Go struct passed to
// encoding/binary, so that Go's own struct-alignment rules never disagree
// with the wire layout actually emitted by the BPF object.
//
// Each probe's SPort/DPort/Sample options (§4.3.1 step 1) are parsed but
// not applied: the port and sampling filter they describe is evaluated in
// the BPF program itself, and with no BPF C source to (re)compile there is
// no filter map for this package to populate. They stay on the wire so a
// client that sets them gets no error, not so they take effect.
package delayanalysis

import (
	"encoding/binary"
	"fmt"
)

type cursor struct {
	buf []byte
	pos int
}

func newCursor(buf []byte) *cursor { return &cursor{buf: buf} }

func (c *cursor) bytes(n int) ([]byte, error) {
	if c.pos+n > len(c.buf) {
		return nil, fmt.Errorf("short record: need %d bytes at offset %d, have %d", n, c.pos, len(c.buf))
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) addr4() (addr [4]byte, err error) {
	b, err := c.bytes(4)
	if err != nil {
		return addr, err
	}
	copy(addr[:], b)
	return addr, nil
}

func (c *cursor) addr16() (addr [16]byte, err error) {
	b, err := c.bytes(16)
	if err != nil {
		return addr, err
	}
	copy(addr[:], b)
	return addr, nil
}

// nsToUs converts a raw kernel nanosecond duration to microseconds, the
// unit every segment-timing field in §4.3.1's delay-analysis probes
// reports (matches the original's `/1000` conversion).
func nsToUs(ns uint64) float64 { return float64(ns) / 1000 }

// nsToSeconds converts a raw kernel nanosecond timestamp to a
// floating-point seconds value (matches the original's `*1e-9`
// conversion for the leading-edge timestamp field).
func nsToSeconds(ns uint64) float64 { return float64(ns) * 1e-9 }
