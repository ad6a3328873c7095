package probe

import "errors"

// Sentinel errors supporting the §7 error taxonomy without string
// sniffing at the API layer.
var (
	// ErrUnknownProbeType is returned by Registry.Build when no factory is
	// registered for the requested probe-type name.
	ErrUnknownProbeType = errors.New("unknown probe type")
)
