package audio

import (
	"math"
	"sync"
)

// Detector is the local voice-activity probe: a fixed-interval average
// energy measurement against a single threshold. No hysteresis; the
// interval itself smooths flutter enough for a binary indicator.
type Detector struct {
	threshold float64

	mu       sync.Mutex
	energy   float64
	samples  int
	speaking bool
	level    int
}

// NewDetector builds a detector. threshold is on the 0-255 energy scale;
// voice typically lands well above the low teens.
func NewDetector(threshold float64) *Detector {
	return &Detector{threshold: threshold}
}

// Feed accumulates one frame into the current measurement window.
func (d *Detector) Feed(frame []float32) {
	var sum float64
	for _, s := range frame {
		sum += math.Abs(float64(s))
	}
	d.mu.Lock()
	d.energy += sum
	d.samples += len(frame)
	d.mu.Unlock()
}

// Sample closes the current window and reports the state. changed is true
// only on a speaking transition, which is when the indicator is sent to
// the room.
func (d *Detector) Sample() (speaking bool, level int, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	energy := 0.0
	if d.samples > 0 {
		energy = d.energy / float64(d.samples) * 255
	}
	d.energy = 0
	d.samples = 0

	nowSpeaking := energy > d.threshold
	changed = nowSpeaking != d.speaking
	d.speaking = nowSpeaking

	d.level = int(math.Min(100, energy))
	return nowSpeaking, d.level, changed
}

// Level returns the last sampled input level, 0-100.
func (d *Detector) Level() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}
