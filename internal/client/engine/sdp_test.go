package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTuneOpusMergesIntoExistingFmtp(t *testing.T) {
	sdp := strings.Join([]string{
		"v=0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"a=rtpmap:111 opus/48000/2",
		"a=fmtp:111 minptime=10;useinbandfec=0;stereo=1",
		"",
	}, "\r\n")

	out := TuneOpus(sdp, OpusParams{MaxAverageBitrate: 64000, UseInbandFEC: true, UseDTX: true})

	lines := strings.Split(out, "\r\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "a=fmtp:111 minptime=10;useinbandfec=1;stereo=1;maxaveragebitrate=64000;usedtx=1", lines[3])
	assert.Equal(t, "a=rtpmap:111 opus/48000/2", lines[2], "other lines stay untouched")
}

func TestTuneOpusInsertsFmtpAfterRtpmap(t *testing.T) {
	sdp := strings.Join([]string{
		"v=0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"a=rtpmap:111 opus/48000/2",
		"a=sendrecv",
		"",
	}, "\r\n")

	out := TuneOpus(sdp, OpusParams{MaxAverageBitrate: 32000, UseInbandFEC: true})

	lines := strings.Split(out, "\r\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "a=fmtp:111 maxaveragebitrate=32000;useinbandfec=1;usedtx=0", lines[3])
	assert.Equal(t, "a=sendrecv", lines[4])
}

func TestTuneOpusIgnoresOtherPayloadTypes(t *testing.T) {
	sdp := strings.Join([]string{
		"v=0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 0 111",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:111 opus/48000/2",
		"a=fmtp:0 annexb=no",
		"",
	}, "\r\n")

	out := TuneOpus(sdp, OpusParams{MaxAverageBitrate: 64000})

	assert.Contains(t, out, "a=fmtp:0 annexb=no\r\n", "fmtp of the other codec is left alone")
	assert.Contains(t, out, "a=fmtp:111 maxaveragebitrate=64000;useinbandfec=0;usedtx=0")
}

func TestTuneOpusNoOpusUnchanged(t *testing.T) {
	sdp := "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 0\r\na=rtpmap:0 PCMU/8000\r\n"
	assert.Equal(t, sdp, TuneOpus(sdp, OpusParams{MaxAverageBitrate: 64000}))
}

func TestTuneOpusHandlesLFOnlySDP(t *testing.T) {
	sdp := "v=0\nm=audio 9 RTP/AVP 111\na=rtpmap:111 opus/48000/2\n"

	out := TuneOpus(sdp, OpusParams{UseInbandFEC: true})

	assert.NotContains(t, out, "\r\n")
	assert.Contains(t, out, "a=rtpmap:111 opus/48000/2\na=fmtp:111 maxaveragebitrate=0;useinbandfec=1;usedtx=0\n")
}
