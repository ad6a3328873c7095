// Package ipmatch implements a compiled IPv4/IPv6 range matcher for small
// ignore/include lists (typically a handful of CIDR blocks, e.g. the
// loopback range used to filter retsnoop flows). Ranges are pre-compiled
// into half-open [start, end) integer intervals and membership is a linear
// scan — lists this small never warrant a tree.
package ipmatch

import (
	"fmt"
	"math/big"
	"net/netip"
	"strings"
)

type ipRange struct {
	start *big.Int
	end   *big.Int
}

// Matcher holds compiled IPv4 and IPv6 ranges.
type Matcher struct {
	v4 []ipRange
	v6 []ipRange
}

// New compiles a matcher from a list of bare addresses or CIDR blocks. A
// bare address expands to a /32 (v4) or /128 (v6) singleton range.
func New(entries []string) (*Matcher, error) {
	m := &Matcher{}
	for _, entry := range entries {
		if err := m.addEntry(entry); err != nil {
			return nil, fmt.Errorf("compiling ip range %q: %w", entry, err)
		}
	}
	return m, nil
}

func (m *Matcher) addEntry(entry string) error {
	addrPart := entry
	bits := -1
	if idx := strings.IndexByte(entry, '/'); idx >= 0 {
		addrPart = entry[:idx]
		var err error
		bits, err = parseUint(entry[idx+1:])
		if err != nil {
			return err
		}
	}

	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	totalBits := 32
	if addr.Is6() {
		totalBits = 128
	}
	if bits < 0 {
		bits = totalBits
	}
	if bits > totalBits {
		return fmt.Errorf("prefix length %d exceeds %d bits", bits, totalBits)
	}

	ipBinary := new(big.Int).SetBytes(addr.AsSlice())
	mask := new(big.Int).Lsh(big.NewInt(1), uint(totalBits-bits))
	mask.Sub(mask, big.NewInt(1))
	notMask := new(big.Int).Not(mask)
	// Not() on big.Int produces an infinite two's-complement value; mask it
	// down to totalBits so the AND below only clears the host bits.
	full := new(big.Int).Lsh(big.NewInt(1), uint(totalBits))
	full.Sub(full, big.NewInt(1))
	notMask.And(notMask, full)

	start := new(big.Int).And(ipBinary, notMask)
	size := new(big.Int).Lsh(big.NewInt(1), uint(totalBits-bits))
	end := new(big.Int).Add(start, size)

	r := ipRange{start: start, end: end}
	if addr.Is6() {
		m.v6 = append(m.v6, r)
	} else {
		m.v4 = append(m.v4, r)
	}
	return nil
}

func parseUint(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty prefix length")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid prefix length %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// Match auto-detects the address family from the presence of ':' and tests
// membership.
func (m *Matcher) Match(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if addr.Is6() {
		return m.MatchV6(addr.AsSlice())
	}
	return m.MatchV4(addr.AsSlice())
}

// MatchV4 tests membership of a raw 4-byte IPv4 address. Hot path for
// probes that already have raw bytes (e.g. retsnoop header addresses).
func (m *Matcher) MatchV4(ip []byte) bool {
	return matchBytes(ip, m.v4)
}

// MatchV6 tests membership of a raw 16-byte IPv6 address.
func (m *Matcher) MatchV6(ip []byte) bool {
	return matchBytes(ip, m.v6)
}

func matchBytes(ip []byte, ranges []ipRange) bool {
	v := new(big.Int).SetBytes(ip)
	for _, r := range ranges {
		if v.Cmp(r.start) >= 0 && v.Cmp(r.end) < 0 {
			return true
		}
	}
	return false
}
