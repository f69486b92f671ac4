package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	"nexusvoice/internal/core/domain"
)

// Constraints are the capture preferences handed to the device layer.
// Voice chat always asks for processed mono input.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints matches what the pipeline expects: processed mono at
// the pipeline sample rate.
func DefaultConstraints(sampleRate int) Constraints {
	return Constraints{
		SampleRate:       sampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// CaptureSource produces float32 mono frames. Read blocks until a full
// frame is available and fills frame completely.
type CaptureSource interface {
	Read(frame []float32) error
	Close() error
}

// CaptureOpener turns constraints into a running source. Implementations
// map device failures onto the domain media errors: permission refusal to
// ErrMediaDenied, no usable device to ErrMediaNotFound, a device held by
// another process to ErrMediaBusy.
type CaptureOpener func(c Constraints) (CaptureSource, error)

// ReaderSource adapts a stream of signed 16-bit little-endian PCM (the
// common interchange format for piped audio) into capture frames.
type ReaderSource struct {
	r   io.Reader
	buf []byte
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

func (s *ReaderSource) Read(frame []float32) error {
	need := len(frame) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	if _, err := io.ReadFull(s.r, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return fmt.Errorf("read pcm: %w", err)
	}
	for i := range frame {
		sample := int16(binary.LittleEndian.Uint16(buf[i*2:]))
		frame[i] = float32(sample) / 32768
	}
	return nil
}

func (s *ReaderSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// SilenceSource emits all-zero frames. Used when capture is denied but
// the member still wants to sit in the room listening.
type SilenceSource struct{}

func (SilenceSource) Read(frame []float32) error {
	for i := range frame {
		frame[i] = 0
	}
	return nil
}

func (SilenceSource) Close() error { return nil }

// OpenReaderCapture builds a CaptureOpener over an already-acquired PCM
// stream. A nil reader maps to ErrMediaNotFound.
func OpenReaderCapture(r io.Reader) CaptureOpener {
	return func(Constraints) (CaptureSource, error) {
		if r == nil {
			return nil, domain.ErrMediaNotFound
		}
		return NewReaderSource(r), nil
	}
}
