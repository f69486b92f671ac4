package agent

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexusvoice/internal/client/audio"
	"nexusvoice/internal/client/engine"
	"nexusvoice/internal/core/domain"
)

type countingOpener struct {
	calls atomic.Int32
	err   error
}

func (o *countingOpener) open(audio.Constraints) (audio.CaptureSource, error) {
	o.calls.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	return emptySource{}, nil
}

// emptySource reports end of stream immediately so the processing loop
// exits on its own.
type emptySource struct{}

func (emptySource) Read([]float32) error { return io.EOF }
func (emptySource) Close() error         { return nil }

func newTestAgent(t *testing.T, opener audio.CaptureOpener) *Agent {
	t.Helper()
	cfg := Config{
		ServerURL: "ws://localhost:0/ws",
		Token:     "test-token",
		Engine: engine.EngineConfig{
			Session: engine.SessionConfig{
				DisconnectGrace: 40 * time.Millisecond,
				ReofferGrace:    40 * time.Millisecond,
				MaxICERestarts:  2,
			},
			RejoinDelay: 15 * time.Millisecond,
		},
		Pipeline: audio.PipelineConfig{
			SampleRate:        48000,
			FrameDuration:     20 * time.Millisecond,
			MicGain:           1,
			SpeakingThreshold: 12,
			SpeakingInterval:  10 * time.Millisecond,
		},
		StatsInterval: time.Second,
	}
	a, err := New(cfg, opener, audio.NewPCMPlayer(io.Discard), Hooks{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return a
}

func TestJoinRoomAbortsWhenCaptureUnavailable(t *testing.T) {
	cases := []struct {
		name     string
		mediaErr error
	}{
		{"denied", domain.ErrMediaDenied},
		{"not found", domain.ErrMediaNotFound},
		{"busy", domain.ErrMediaBusy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opener := &countingOpener{err: tc.mediaErr}
			a := newTestAgent(t, opener.open)

			err := a.JoinRoom("lobby")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.mediaErr)
			assert.Equal(t, int32(1), opener.calls.Load())

			// No membership sticks around: the join was never sent and
			// the presence loop never started.
			a.mu.Lock()
			assert.Equal(t, domain.RoomID(""), a.roomID)
			assert.Nil(t, a.presenceStop)
			a.mu.Unlock()
		})
	}
}

func TestJoinRoomAcquiresCaptureBeforeSendingJoin(t *testing.T) {
	opener := &countingOpener{}
	a := newTestAgent(t, opener.open)
	defer a.pipeline.Stop()

	// The transport is not connected, so the join itself fails, but only
	// after the microphone was acquired.
	err := a.JoinRoom("lobby")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrMediaDenied)
	assert.NotErrorIs(t, err, domain.ErrMediaNotFound)
	assert.NotErrorIs(t, err, domain.ErrMediaBusy)
	assert.Equal(t, int32(1), opener.calls.Load())
}
