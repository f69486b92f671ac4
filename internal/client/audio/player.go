package audio

import (
	"encoding/binary"
	"io"
	"sync"

	"nexusvoice/internal/core/domain"
)

// PCMPlayer decodes µ-law payloads, applies the per-call volume and
// writes signed 16-bit little-endian PCM to a sink. Peers are mixed
// naively by interleaved writes; a real output device would sum them.
type PCMPlayer struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

func NewPCMPlayer(w io.Writer) *PCMPlayer {
	return &PCMPlayer{w: w}
}

func (p *PCMPlayer) Play(_ domain.ConnID, payload []byte, volume float64) {
	if volume <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	need := len(payload) * 2
	if cap(p.buf) < need {
		p.buf = make([]byte, need)
	}
	out := p.buf[:need]

	for i, b := range payload {
		sample := float64(mulawToLinear(b)) * volume
		if sample > 32767 {
			sample = 32767
		} else if sample < -32768 {
			sample = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sample)))
	}
	p.w.Write(out)
}

// mulawToLinear is the G.711 µ-law expander.
func mulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := int16(mantissa)<<3 + 0x84
	sample <<= exponent
	sample -= 0x84

	if sign != 0 {
		return -sample
	}
	return sample
}
