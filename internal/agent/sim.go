package agent

import "math/rand"

// randFloat returns a value in [0, scale), used by simulated-mode sampling
// to produce plausible jitter without pulling in a hardware dependency.
func randFloat(scale float64) float64 {
	return rand.Float64() * scale
}
