package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// transparentHz parks the high-pass below the audible band instead of
// removing it from the chain; the graph shape never changes for this
// toggle.
const transparentHz = 1.0

// highPassHz is the active rumble cutoff.
const highPassHz = 80.0

// PipelineConfig is the outbound processing setup, defaults matching the
// voice settings users start with.
type PipelineConfig struct {
	SampleRate          int
	FrameDuration       time.Duration
	MicGain             float64
	HighPassEnabled     bool
	NoiseSuppressor     bool
	VoiceShapeIntensity float64
	SpeakingThreshold   float64
	SpeakingInterval    time.Duration
}

// Stage is one in-place processing step over a float32 mono frame.
type Stage interface {
	Process(frame []float32)
}

// Pipeline is the deterministic outbound chain:
//
//	capture → [noise gate] → high-pass → voice shaper → gain → track
//
// The noise gate toggle rebuilds the graph and replaces the outbound
// track; every other control adjusts a stage in place.
type Pipeline struct {
	cfg     PipelineConfig
	opener  CaptureOpener
	encoder Encoder
	logger  *zap.SugaredLogger

	detector *Detector

	mu     sync.Mutex
	source CaptureSource
	track  *webrtc.TrackLocalStaticSample
	gate   *NoiseGate
	high   *Biquad
	shaper [3]*Biquad
	gain   float64
	muted  bool

	running bool
	stop    chan struct{}
	done    sync.WaitGroup

	// onTrackReplaced hands the fresh track to the engine for ReplaceTrack
	// fanout. onSpeaking fires on voice-activity transitions only.
	onTrackReplaced func(track webrtc.TrackLocal)
	onSpeaking      func(speaking bool)
}

func NewPipeline(cfg PipelineConfig, opener CaptureOpener, encoder Encoder, logger *zap.SugaredLogger) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		opener:   opener,
		encoder:  encoder,
		logger:   logger,
		detector: NewDetector(cfg.SpeakingThreshold),
		gain:     cfg.MicGain,
	}

	sr := float64(cfg.SampleRate)
	hz := transparentHz
	if cfg.HighPassEnabled {
		hz = highPassHz
	}
	p.high = NewHighPass(sr, hz, 0.707)
	p.shaper = buildShaper(sr, cfg.VoiceShapeIntensity)
	if cfg.NoiseSuppressor {
		p.gate = NewNoiseGate()
	}
	return p
}

// buildShaper returns the three-band voice contour scaled by intensity.
// Intensity zero leaves every section transparent.
func buildShaper(sampleRate, intensity float64) [3]*Biquad {
	return [3]*Biquad{
		NewPeaking(sampleRate, 200, 1.0, -3*intensity),
		NewPeaking(sampleRate, 3000, 1.0, 4*intensity),
		NewHighShelf(sampleRate, 8000, 0.707, 3*intensity),
	}
}

// SetHooks installs the engine callbacks. Must run before Start.
func (p *Pipeline) SetHooks(onTrackReplaced func(track webrtc.TrackLocal), onSpeaking func(speaking bool)) {
	p.onTrackReplaced = onTrackReplaced
	p.onSpeaking = onSpeaking
}

// Track returns the current outbound track, creating it on first use so
// links can attach before capture starts.
func (p *Pipeline) Track() (webrtc.TrackLocal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackLocked()
}

func (p *Pipeline) trackLocked() (*webrtc.TrackLocalStaticSample, error) {
	if p.track != nil {
		return p.track, nil
	}
	track, err := webrtc.NewTrackLocalStaticSample(p.encoder.Capability(), "audio", "nexusvoice")
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	p.track = track
	return track, nil
}

// Start opens capture and runs the processing loop until Stop.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if _, err := p.trackLocked(); err != nil {
		return err
	}

	source, err := p.opener(DefaultConstraints(p.cfg.SampleRate))
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	p.source = source
	p.running = true
	p.stop = make(chan struct{})

	p.done.Add(2)
	go p.processLoop(p.stop)
	go p.speakingLoop(p.stop)
	return nil
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	source := p.source
	p.source = nil
	p.mu.Unlock()

	p.done.Wait()
	if source != nil {
		source.Close()
	}
}

func (p *Pipeline) processLoop(stop chan struct{}) {
	defer p.done.Done()

	frameSamples := p.cfg.SampleRate * int(p.cfg.FrameDuration) / int(time.Second)
	frame := make([]float32, frameSamples)

	for {
		select {
		case <-stop:
			return
		default:
		}

		p.mu.Lock()
		source := p.source
		p.mu.Unlock()
		if source == nil {
			return
		}

		if err := source.Read(frame); err != nil {
			p.logger.Warnw("capture read failed", "error", err)
			return
		}

		p.mu.Lock()
		if p.muted {
			for i := range frame {
				frame[i] = 0
			}
		}
		if p.gate != nil {
			p.gate.Process(frame)
		}
		p.high.Process(frame)
		for _, section := range p.shaper {
			section.Process(frame)
		}
		if p.gain != 1 {
			for i := range frame {
				frame[i] = float32(float64(frame[i]) * p.gain)
			}
		}
		track := p.track
		p.mu.Unlock()

		p.detector.Feed(frame)

		payload, err := p.encoder.Encode(frame)
		if err != nil {
			p.logger.Warnw("encode failed", "error", err)
			continue
		}
		if err := track.WriteSample(media.Sample{Data: payload, Duration: p.cfg.FrameDuration}); err != nil {
			p.logger.Warnw("track write failed", "error", err)
		}
	}
}

func (p *Pipeline) speakingLoop(stop chan struct{}) {
	defer p.done.Done()

	ticker := time.NewTicker(p.cfg.SpeakingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			speaking, _, changed := p.detector.Sample()
			if changed && p.onSpeaking != nil {
				p.onSpeaking(speaking)
			}
		}
	}
}

// ── controls ─────────────────────────────────────────────────────

// SetMuted silences the outbound frames. Timing and packetization keep
// running so the peer side never sees the track stall.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

func (p *Pipeline) SetMicGain(gain float64) {
	p.mu.Lock()
	p.gain = gain
	p.mu.Unlock()
}

// SetHighPass moves the cutoff between active and transparent. The filter
// stays in the graph either way.
func (p *Pipeline) SetHighPass(enabled bool) {
	hz := transparentHz
	if enabled {
		hz = highPassHz
	}
	p.mu.Lock()
	p.high.SetHighPass(float64(p.cfg.SampleRate), hz, 0.707)
	p.mu.Unlock()
}

// SetVoiceShapeIntensity rescales the three-band contour in place.
func (p *Pipeline) SetVoiceShapeIntensity(intensity float64) {
	sr := float64(p.cfg.SampleRate)
	p.mu.Lock()
	p.shaper[0].SetPeaking(sr, 200, 1.0, -3*intensity)
	p.shaper[1].SetPeaking(sr, 3000, 1.0, 4*intensity)
	p.shaper[2].SetHighShelf(sr, 8000, 0.707, 3*intensity)
	p.mu.Unlock()
}

// SetNoiseSuppression toggles the gate stage. This is the one control
// that rebuilds the graph: a fresh track replaces the old one on every
// session, with no renegotiation.
func (p *Pipeline) SetNoiseSuppression(enabled bool) error {
	p.mu.Lock()
	if enabled == (p.gate != nil) {
		p.mu.Unlock()
		return nil
	}
	if enabled {
		p.gate = NewNoiseGate()
	} else {
		p.gate = nil
	}
	p.high.Reset()
	for _, section := range p.shaper {
		section.Reset()
	}

	track, err := webrtc.NewTrackLocalStaticSample(p.encoder.Capability(), "audio", "nexusvoice")
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create replacement track: %w", err)
	}
	p.track = track
	hook := p.onTrackReplaced
	p.mu.Unlock()

	if hook != nil {
		hook(track)
	}
	p.logger.Infow("noise suppression toggled", "enabled", enabled)
	return nil
}

// InputLevel is the last measured input level, 0-100.
func (p *Pipeline) InputLevel() int {
	return p.detector.Level()
}
