package hlsproxy

import (
	"fmt"
	"strings"
)

// SegmentURLFunc renders a segment's client-facing URL, normally the
// absolute "{scheme}://{addr}/ace/hls/{channel_id}/segment/{seq}.ts"
// (wired by lib/app).
type SegmentURLFunc func(channelID string, seq int64) string

// BuildManifest renders the client-facing HLS manifest for the given
// window: media-sequence is the smallest sequence number in the window.
func BuildManifest(channelID string, window []Segment, targetDuration float64, version int, urlFor SegmentURLFunc) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", maxInt(version, 3))
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(targetDuration+0.999))

	mediaSeq := int64(0)
	if len(window) > 0 {
		mediaSeq = window[0].Seq
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSeq)

	for _, seg := range window {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(urlFor(channelID, seg.Seq))
		b.WriteString("\n")
	}
	return b.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
