// Package upstream talks to the AceStream engine's HTTP middleware: starting
// a playback session, opening its playback stream, and issuing the stop
// command. Polling stat_url is done by lib/collector, not here.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// userAgent spoofs the VLC client the middleware expects.
const userAgent = "Lavf/VLC/3.0.20"

// Response mirrors the middleware's getstream JSON envelope.
type Response struct {
	Response struct {
		PlaybackURL       string `json:"playback_url"`
		StatURL           string `json:"stat_url"`
		CommandURL        string `json:"command_url"`
		PlaybackSessionID string `json:"playback_session_id"`
		IsLive            int    `json:"is_live"`
	} `json:"response"`
	Error *string `json:"error"`
}

// KeyType is the business-key discriminator the middleware's query param
// name depends on.
type KeyType string

const (
	KeyContentID KeyType = "id"
	KeyInfohash  KeyType = "infohash"
	KeyURL       KeyType = "url"
)

// Client is a minimal HTTP client for one engine's AceStream middleware.
type Client struct {
	Scheme string
	Host   string
	Port   int
	HTTP   *http.Client
}

// New builds a Client with a middleware-tuned transport: compression
// disabled and connections capped per host, both required by the AceStream
// middleware's own quirks.
func New(scheme, host string, port int) *Client {
	return &Client{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		HTTP: &http.Client{
			Transport: &http.Transport{
				DisableCompression: true,
				MaxConnsPerHost:    10,
				MaxIdleConns:       10,
			},
		},
	}
}

// GetStream starts (or resumes) a playback session for key/keyType,
// returning the parsed middleware response.
func (c *Client) GetStream(ctx context.Context, keyType KeyType, key string, extra url.Values) (*Response, error) {
	u := fmt.Sprintf("%s://%s:%d/ace/getstream", c.Scheme, c.Host, c.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	q := extra
	if q == nil {
		q = url.Values{}
	}
	q.Set(string(keyType), key)
	q.Set("format", "json")
	q.Set("pid", uuid.NewString())
	req.URL.RawQuery = q.Encode()

	// The middleware misbehaves under gzip; VLC's user agent is what it
	// expects to see.
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("upstream: malformed getstream response: %w", err)
	}
	if out.Error != nil && *out.Error != "" {
		return nil, errors.New(*out.Error)
	}
	return &out, nil
}

// Stop issues the command_url's stop method, ignoring response body.
func (c *Client) Stop(ctx context.Context, commandURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, commandURL, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("method", "stop")
	req.URL.RawQuery = q.Encode()

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	slog.Debug("upstream: stop command sent", "command_url", commandURL, "status", resp.StatusCode)
	return nil
}

// OpenPlayback opens the raw byte stream at playbackURL for proxying.
func (c *Client) OpenPlayback(ctx context.Context, playbackURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playbackURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", userAgent)
	return c.HTTP.Do(req)
}
