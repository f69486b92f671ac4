package audio

import "math"

// NoiseGate is the optional suppression stage: it learns the noise floor
// with a slow moving average and attenuates frames that never rise above
// it. The toggle in settings swaps this stage in and out wholesale; it is
// never reconfigured in place.
type NoiseGate struct {
	floor     float64
	adapt     float64
	openRatio float64
	atten     float32

	// gate gain smoothed per frame to avoid pumping
	gain float64
}

func NewNoiseGate() *NoiseGate {
	return &NoiseGate{
		floor:     0.002,
		adapt:     0.02,
		openRatio: 2.5,
		atten:     0.1,
		gain:      1,
	}
}

func (g *NoiseGate) Process(frame []float32) {
	var sum float64
	for _, s := range frame {
		sum += math.Abs(float64(s))
	}
	energy := sum / float64(len(frame))

	// Only quiet frames train the floor, so speech does not drag it up.
	if energy < g.floor*g.openRatio {
		g.floor += g.adapt * (energy - g.floor)
		if g.floor < 1e-5 {
			g.floor = 1e-5
		}
	}

	target := 1.0
	if energy < g.floor*g.openRatio {
		target = float64(g.atten)
	}
	// One-pole smoothing toward the target keeps transitions inaudible.
	g.gain += 0.3 * (target - g.gain)

	for i := range frame {
		frame[i] = float32(float64(frame[i]) * g.gain)
	}
}
