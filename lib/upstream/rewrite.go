package upstream

import (
	"fmt"
	"net/url"
)

// RewriteSessionURLs replaces the host:port of playback_url, stat_url, and
// command_url with the selected engine's own endpoint. The middleware
// sometimes reports an internal or loopback hostname in these URLs; the
// front door always talks to the engine it actually selected, not whatever
// the middleware claims.
func RewriteSessionURLs(resp *Response, scheme, host string, port int) error {
	rewritten, err := rewriteOne(resp.Response.PlaybackURL, scheme, host, port)
	if err != nil {
		return fmt.Errorf("upstream: rewrite playback_url: %w", err)
	}
	resp.Response.PlaybackURL = rewritten

	rewritten, err = rewriteOne(resp.Response.StatURL, scheme, host, port)
	if err != nil {
		return fmt.Errorf("upstream: rewrite stat_url: %w", err)
	}
	resp.Response.StatURL = rewritten

	rewritten, err = rewriteOne(resp.Response.CommandURL, scheme, host, port)
	if err != nil {
		return fmt.Errorf("upstream: rewrite command_url: %w", err)
	}
	resp.Response.CommandURL = rewritten

	return nil
}

func rewriteOne(raw, scheme, host string, port int) (string, error) {
	if raw == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = scheme
	u.Host = fmt.Sprintf("%s:%d", host, port)
	return u.String(), nil
}
