// Package bpfutil provides shared utilities for decoding raw perf-buffer
// records into Go values. Eliminates duplicated helper functions across
// probe packages.
package bpfutil

import (
	"bytes"
	"fmt"
	"net/netip"
)

// CNameString extracts a null-terminated C string from a fixed-size byte
// slice (a kernel comm/task-name field copied verbatim out of a perf
// record).
func CNameString(raw []byte) string {
	n := bytes.IndexByte(raw, 0)
	if n < 0 {
		n = len(raw)
	}
	return string(raw[:n])
}

// FormatIPv4 converts a 4-byte network-order address to dotted-decimal.
func FormatIPv4(addr [4]byte) string {
	return netip.AddrFrom4(addr).String()
}

// FormatIPv4Uint32 converts a little-endian uint32 IPv4 address (as BPF
// typically stores __be32 fields once copied out of network byte order by
// the verifier's byte-swap helpers) to dotted-decimal.
func FormatIPv4Uint32(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d",
		byte(ip), byte(ip>>8), byte(ip>>16), byte(ip>>24))
}

// FormatIPv6 converts a 16-byte network-order address to its canonical
// string form.
func FormatIPv6(addr [16]byte) string {
	return netip.AddrFrom16(addr).String()
}
