package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// OpusParams are the encoder settings injected into every local
// description before it leaves the engine. Renegotiation is never used for
// these; both sides converge on the fmtp line.
type OpusParams struct {
	MaxAverageBitrate int // bits per second
	UseInbandFEC      bool
	UseDTX            bool
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// TuneOpus rewrites the opus fmtp line of an SDP blob with the given
// parameters. If the payload type has no fmtp line yet, one is inserted
// after the rtpmap. SDP without an opus rtpmap is returned unchanged.
func TuneOpus(sdp string, p OpusParams) string {
	lines := strings.Split(sdp, "\r\n")
	crlf := true
	if len(lines) == 1 {
		lines = strings.Split(sdp, "\n")
		crlf = false
	}

	payloadType := ""
	for _, line := range lines {
		if !strings.HasPrefix(line, "a=rtpmap:") {
			continue
		}
		rest := strings.TrimPrefix(line, "a=rtpmap:")
		fields := strings.SplitN(rest, " ", 2)
		if len(fields) == 2 && strings.HasPrefix(strings.ToLower(fields[1]), "opus/") {
			payloadType = fields[0]
			break
		}
	}
	if payloadType == "" {
		return sdp
	}

	params := map[string]string{
		"maxaveragebitrate": strconv.Itoa(p.MaxAverageBitrate),
		"useinbandfec":      boolParam(p.UseInbandFEC),
		"usedtx":            boolParam(p.UseDTX),
	}

	fmtpPrefix := "a=fmtp:" + payloadType + " "
	for i, line := range lines {
		if strings.HasPrefix(line, fmtpPrefix) {
			lines[i] = fmtpPrefix + mergeFmtp(strings.TrimPrefix(line, fmtpPrefix), params)
			return joinSDP(lines, crlf)
		}
	}

	// No fmtp line for this payload type: insert one after the rtpmap.
	rtpmapPrefix := "a=rtpmap:" + payloadType + " "
	for i, line := range lines {
		if strings.HasPrefix(line, rtpmapPrefix) {
			inserted := fmtpPrefix + mergeFmtp("", params)
			lines = append(lines[:i+1], append([]string{inserted}, lines[i+1:]...)...)
			return joinSDP(lines, crlf)
		}
	}
	return sdp
}

// mergeFmtp overlays params onto an existing semicolon-separated fmtp
// value, preserving parameters it does not set and the original order.
func mergeFmtp(existing string, params map[string]string) string {
	seen := make(map[string]bool, len(params))
	var out []string

	if existing != "" {
		for _, kv := range strings.Split(existing, ";") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			key := kv
			if idx := strings.Index(kv, "="); idx >= 0 {
				key = kv[:idx]
			}
			if v, ok := params[key]; ok {
				out = append(out, fmt.Sprintf("%s=%s", key, v))
				seen[key] = true
			} else {
				out = append(out, kv)
			}
		}
	}

	// Appended in a fixed order so the output is deterministic.
	for _, key := range []string{"maxaveragebitrate", "useinbandfec", "usedtx"} {
		if !seen[key] {
			out = append(out, fmt.Sprintf("%s=%s", key, params[key]))
		}
	}
	return strings.Join(out, ";")
}

func joinSDP(lines []string, crlf bool) string {
	if crlf {
		return strings.Join(lines, "\r\n")
	}
	return strings.Join(lines, "\n")
}
