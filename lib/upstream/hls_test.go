package upstream

import (
	"strings"
	"testing"
)

const sampleManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:4.004,
http://engine.local/segments/10.ts
#EXTINF:3.996,
http://engine.local/segments/11.ts
`

func TestParseManifest_ExtractsSegmentsAndMetadata(t *testing.T) {
	info, err := parseManifest(strings.NewReader(sampleManifest))
	if err != nil {
		t.Fatalf("parseManifest: %v", err)
	}
	if info.TargetDuration != 4 {
		t.Errorf("expected target duration 4, got %v", info.TargetDuration)
	}
	if info.Version != 3 {
		t.Errorf("expected version 3, got %d", info.Version)
	}
	if len(info.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(info.Segments))
	}
	if info.Segments[0].URI != "http://engine.local/segments/10.ts" {
		t.Errorf("unexpected first segment URI: %s", info.Segments[0].URI)
	}
	if info.Segments[0].Duration != 4.004 {
		t.Errorf("unexpected first segment duration: %v", info.Segments[0].Duration)
	}
	if info.Segments[1].Duration != 3.996 {
		t.Errorf("unexpected second segment duration: %v", info.Segments[1].Duration)
	}
}

func TestParseManifest_DefaultsTargetDuration(t *testing.T) {
	info, err := parseManifest(strings.NewReader("#EXTM3U\n#EXTINF:2,\nseg.ts\n"))
	if err != nil {
		t.Fatalf("parseManifest: %v", err)
	}
	if info.TargetDuration != 2 {
		t.Errorf("expected default target duration 2, got %v", info.TargetDuration)
	}
}

func TestParseManifest_IgnoresUnknownTags(t *testing.T) {
	raw := "#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-TARGETDURATION:5\n#EXTINF:5,\nseg1.ts\n#EXT-X-ENDLIST\n"
	info, err := parseManifest(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parseManifest: %v", err)
	}
	if len(info.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(info.Segments))
	}
}
