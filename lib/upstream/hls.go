package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/acefleet/fleetd/lib/hlsproxy"
)

// HLSClient adapts a Client to hlsproxy.Upstream: fetching and parsing the
// upstream engine's own HLS manifest and segment bytes. No pack repo ships
// an m3u8 parsing library, so this scanner is hand-rolled against the small
// subset of tags a live AceStream manifest actually emits.
type HLSClient struct {
	*Client
}

// NewHLSClient wraps c for manifest/segment fetching.
func NewHLSClient(c *Client) *HLSClient {
	return &HLSClient{Client: c}
}

var _ hlsproxy.Upstream = (*HLSClient)(nil)

// FetchManifest retrieves and parses the upstream's m3u8 playlist.
func (h *HLSClient) FetchManifest(ctx context.Context, playbackURL string) (hlsproxy.ManifestInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playbackURL, nil)
	if err != nil {
		return hlsproxy.ManifestInfo{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.HTTP.Do(req)
	if err != nil {
		return hlsproxy.ManifestInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return hlsproxy.ManifestInfo{}, fmt.Errorf("upstream: manifest fetch status %d", resp.StatusCode)
	}

	return parseManifest(resp.Body)
}

// FetchSegment retrieves the raw bytes of one media segment. uri may be
// absolute or relative to the engine's own base; AceStream engines always
// emit absolute segment URIs, so no base-resolution is attempted.
func (h *HLSClient) FetchSegment(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream: segment fetch status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parseManifest scans the EXT-X-TARGETDURATION, EXT-X-VERSION, and EXTINF +
// URI pairs out of a standard m3u8 media playlist.
func parseManifest(r io.Reader) (hlsproxy.ManifestInfo, error) {
	var info hlsproxy.ManifestInfo
	var pendingDuration float64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
			if err == nil {
				info.TargetDuration = v
			}
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))
			if err == nil {
				info.Version = v
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			raw := strings.TrimPrefix(line, "#EXTINF:")
			raw = strings.TrimSuffix(raw, ",")
			if idx := strings.Index(raw, ","); idx >= 0 {
				raw = raw[:idx]
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err == nil {
				pendingDuration = v
			}
		case strings.HasPrefix(line, "#"):
			// Unrecognized tag (EXT-X-MEDIA-SEQUENCE, EXT-X-PLAYLIST-TYPE,
			// EXT-X-ENDLIST, ...); the proxy computes its own sequence
			// numbers and never forwards the upstream's.
			continue
		default:
			info.Segments = append(info.Segments, hlsproxy.ManifestSegment{
				URI:      line,
				Duration: pendingDuration,
			})
			pendingDuration = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return hlsproxy.ManifestInfo{}, fmt.Errorf("upstream: scan manifest: %w", err)
	}
	if info.TargetDuration == 0 {
		info.TargetDuration = 2
	}
	return info, nil
}
