package daemon

import (
	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/probe"
	"github.com/ntracing/ntd/internal/probes/delayanalysis"
	"github.com/ntracing/ntd/internal/probes/demo"
	"github.com/ntracing/ntd/internal/probes/retsnoop"
	"github.com/ntracing/ntd/internal/probes/runqslower"
)

// newProbeRegistry builds the process-wide Probe Registry with every
// probe type spec.md names registered (SPEC_FULL §12.1 — the original's
// `probe_factories` dict omitted `retsnoop`/`runqslower`, a bug this
// rewrite does not replicate).
func newProbeRegistry() *probe.Registry {
	reg := probe.NewRegistry()
	reg.Register(constants.ProbeDemo, demo.New)
	reg.Register(constants.ProbeRetsnoop, retsnoop.New)
	reg.Register(constants.ProbeRunqslower, runqslower.New)
	reg.Register(constants.ProbeDelayAnalysisIn, delayanalysis.NewIn)
	reg.Register(constants.ProbeDelayAnalysisInV6, delayanalysis.NewInV6)
	reg.Register(constants.ProbeDelayAnalysisOut, delayanalysis.NewOut)
	reg.Register(constants.ProbeDelayAnalysisOutV6, delayanalysis.NewOutV6)
	return reg
}
