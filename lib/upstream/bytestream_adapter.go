package upstream

import (
	"context"
	"fmt"
	"io"
)

// ByteStreamClient adapts a Client to bytestream.Upstream, which wants a
// bare io.ReadCloser rather than the full *http.Response OpenPlayback
// returns.
type ByteStreamClient struct {
	*Client
}

// NewByteStreamClient wraps c for continuous byte-stream proxying.
func NewByteStreamClient(c *Client) *ByteStreamClient {
	return &ByteStreamClient{Client: c}
}

// OpenPlayback opens the raw playback connection and returns its body,
// failing fast on a non-200 status rather than handing the caller a body
// full of an HTML or JSON error page.
func (b *ByteStreamClient) OpenPlayback(ctx context.Context, playbackURL string) (io.ReadCloser, error) {
	resp, err := b.Client.OpenPlayback(ctx, playbackURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream: playback connect status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
