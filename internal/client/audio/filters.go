package audio

import "math"

// Biquad is a direct-form-I second-order IIR section. Coefficients follow
// the RBJ audio EQ cookbook; all sections run on float32 mono frames.
type Biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

// Process filters the frame in place.
func (f *Biquad) Process(frame []float32) {
	for i, s := range frame {
		x := float64(s)
		y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
		f.x2, f.x1 = f.x1, x
		f.y2, f.y1 = f.y1, y
		frame[i] = float32(y)
	}
}

// Reset clears the delay line.
func (f *Biquad) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

func (f *Biquad) set(b0, b1, b2, a0, a1, a2 float64) {
	f.b0 = b0 / a0
	f.b1 = b1 / a0
	f.b2 = b2 / a0
	f.a1 = a1 / a0
	f.a2 = a2 / a0
}

// SetHighPass reconfigures the section as a high-pass at freq. The delay
// line is kept, so the cutoff can move without a click.
func (f *Biquad) SetHighPass(sampleRate, freq, q float64) {
	w0 := 2 * math.Pi * freq / sampleRate
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / (2 * q)

	b0 := (1 + cosW) / 2
	b1 := -(1 + cosW)
	b2 := (1 + cosW) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW
	a2 := 1 - alpha
	f.set(b0, b1, b2, a0, a1, a2)
}

// SetPeaking reconfigures the section as a peaking EQ with gain in dB.
// Zero gain makes the section transparent.
func (f *Biquad) SetPeaking(sampleRate, freq, q, gainDB float64) {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / sampleRate
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / (2 * q)

	b0 := 1 + alpha*a
	b1 := -2 * cosW
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosW
	a2 := 1 - alpha/a
	f.set(b0, b1, b2, a0, a1, a2)
}

// SetHighShelf reconfigures the section as a high shelf with gain in dB.
func (f *Biquad) SetHighShelf(sampleRate, freq, q, gainDB float64) {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / sampleRate
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / (2 * q)
	sqrtA2Alpha := 2 * math.Sqrt(a) * alpha

	b0 := a * ((a + 1) + (a-1)*cosW + sqrtA2Alpha)
	b1 := -2 * a * ((a - 1) + (a+1)*cosW)
	b2 := a * ((a + 1) + (a-1)*cosW - sqrtA2Alpha)
	a0 := (a + 1) - (a-1)*cosW + sqrtA2Alpha
	a1 := 2 * ((a - 1) - (a+1)*cosW)
	a2 := (a + 1) - (a-1)*cosW - sqrtA2Alpha
	f.set(b0, b1, b2, a0, a1, a2)
}

func NewHighPass(sampleRate, freq, q float64) *Biquad {
	f := &Biquad{}
	f.SetHighPass(sampleRate, freq, q)
	return f
}

func NewPeaking(sampleRate, freq, q, gainDB float64) *Biquad {
	f := &Biquad{}
	f.SetPeaking(sampleRate, freq, q, gainDB)
	return f
}

func NewHighShelf(sampleRate, freq, q, gainDB float64) *Biquad {
	f := &Biquad{}
	f.SetHighShelf(sampleRate, freq, q, gainDB)
	return f
}
