package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq, sampleRate float64, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / sampleRate))
	}
	return out
}

func rms(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func TestHighPassBlocksDC(t *testing.T) {
	f := NewHighPass(48000, 80, 0.707)

	frame := make([]float32, 4800)
	for i := range frame {
		frame[i] = 1.0
	}
	f.Process(frame)

	assert.Less(t, math.Abs(float64(frame[len(frame)-1])), 0.01,
		"constant offset must decay to nothing")
}

func TestHighPassPassesVoiceBand(t *testing.T) {
	f := NewHighPass(48000, 80, 0.707)

	frame := sine(4000, 48000, 9600)
	in := rms(frame[4800:])
	f.Process(frame)

	assert.InDelta(t, in, rms(frame[4800:]), 0.05,
		"content far above the cutoff passes at unity")
}

func TestPeakingZeroGainIsTransparent(t *testing.T) {
	f := NewPeaking(48000, 3000, 1.0, 0)

	frame := sine(440, 48000, 960)
	want := make([]float32, len(frame))
	copy(want, frame)
	f.Process(frame)

	for i := range frame {
		require.InDelta(t, want[i], frame[i], 1e-5)
	}
}

func TestHighShelfZeroGainIsTransparent(t *testing.T) {
	f := NewHighShelf(48000, 8000, 0.707, 0)

	frame := sine(440, 48000, 960)
	want := make([]float32, len(frame))
	copy(want, frame)
	f.Process(frame)

	for i := range frame {
		require.InDelta(t, want[i], frame[i], 1e-5)
	}
}

func TestPeakingBoostsItsBand(t *testing.T) {
	f := NewPeaking(48000, 3000, 1.0, 4)

	frame := sine(3000, 48000, 9600)
	in := rms(frame[4800:])
	f.Process(frame)
	out := rms(frame[4800:])

	gainDB := 20 * math.Log10(out/in)
	assert.InDelta(t, 4.0, gainDB, 0.5)
}

func TestResetClearsState(t *testing.T) {
	f := NewHighPass(48000, 80, 0.707)

	frame := make([]float32, 480)
	for i := range frame {
		frame[i] = 1.0
	}
	f.Process(frame)
	f.Reset()

	silent := make([]float32, 480)
	f.Process(silent)
	for _, s := range silent {
		require.Zero(t, s)
	}
}
