package audio

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Encoder turns a processed float32 frame into one outbound packet
// payload. The codec it produces must match the capability it reports so
// the track is announced correctly.
type Encoder interface {
	Capability() webrtc.RTPCodecCapability
	Encode(frame []float32) ([]byte, error)
}

// PCMUEncoder produces G.711 µ-law at 8 kHz, decimating the pipeline rate
// on the way.
type PCMUEncoder struct {
	decimate int
	out      []byte
}

func NewPCMUEncoder(inputRate int) (*PCMUEncoder, error) {
	if inputRate%8000 != 0 {
		return nil, fmt.Errorf("input rate %d is not a multiple of 8000", inputRate)
	}
	return &PCMUEncoder{decimate: inputRate / 8000}, nil
}

func (e *PCMUEncoder) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: 8000,
		Channels:  1,
	}
}

func (e *PCMUEncoder) Encode(frame []float32) ([]byte, error) {
	n := len(frame) / e.decimate
	if cap(e.out) < n {
		e.out = make([]byte, n)
	}
	out := e.out[:n]

	for i := 0; i < n; i++ {
		// Box average over the decimation window; crude anti-aliasing
		// that is adequate for narrowband speech.
		var sum float32
		for j := 0; j < e.decimate; j++ {
			sum += frame[i*e.decimate+j]
		}
		out[i] = linearToMulaw(clampToInt16(sum / float32(e.decimate)))
	}
	return out, nil
}

func clampToInt16(s float32) int16 {
	v := s * 32767
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// linearToMulaw is the G.711 µ-law compressor (ITU-T G.711).
func linearToMulaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)

	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := byte(7)
	for mask := int16(0x4000); exponent > 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}
