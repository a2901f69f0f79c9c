package collector

import "encoding/json"

// StatResponse mirrors the upstream engine's stat_url JSON envelope.
// Response is nil on a lost session.
type StatResponse struct {
	Response *StatPayload `json:"response"`
	Error    *string      `json:"error"`
}

// StatPayload is the "response" object of a stat poll, tolerant of both
// snake_case and camelCase speed fields.
type StatPayload struct {
	Peers       *int            `json:"peers"`
	Downloaded  *int64          `json:"downloaded"`
	Uploaded    *int64          `json:"uploaded"`
	Status      string          `json:"status"`
	SpeedDown   *int64          `json:"speed_down"`
	SpeedDownCc *int64          `json:"speedDown"`
	SpeedUp     *int64          `json:"speed_up"`
	SpeedUpCc   *int64          `json:"speedUp"`
	LivePos     json.RawMessage `json:"livepos"`
}

type livePosWire struct {
	Pos          *int64 `json:"pos"`
	LiveFirst    *int64 `json:"live_first"`
	LiveLast     *int64 `json:"live_last"`
	FirstTS      *int64 `json:"first_ts"`
	LastTS       *int64 `json:"last_ts"`
	BufferPieces *int   `json:"buffer_pieces"`
}

// SpeedDownValue returns the speed_down field, preferring snake_case over
// camelCase when both are present, preserving explicit 0 as distinct from
// a missing value.
func (p *StatPayload) SpeedDownValue() *int64 {
	if p.SpeedDown != nil {
		return p.SpeedDown
	}
	return p.SpeedDownCc
}

// SpeedUpValue returns the speed_up field with the same snake_case/camelCase
// tolerance as SpeedDownValue.
func (p *StatPayload) SpeedUpValue() *int64 {
	if p.SpeedUp != nil {
		return p.SpeedUp
	}
	return p.SpeedUpCc
}

// LivePosition parses the optional nested livepos object, if present.
func (p *StatPayload) LivePosition() (*livePosWire, bool) {
	if len(p.LivePos) == 0 || string(p.LivePos) == "null" {
		return nil, false
	}
	var lp livePosWire
	if err := json.Unmarshal(p.LivePos, &lp); err != nil {
		return nil, false
	}
	return &lp, true
}

// ParseStatResponse unmarshals a stat_url response body.
func ParseStatResponse(body []byte) (*StatResponse, error) {
	var r StatResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// IsUnknownPlaybackSession reports whether this response is the
// "unknown playback session id" stale-session signal.
func (r *StatResponse) IsUnknownPlaybackSession() bool {
	if r.Response != nil || r.Error == nil {
		return false
	}
	return containsUnknownSession(*r.Error)
}

func containsUnknownSession(msg string) bool {
	const needle = "unknown playback session id"
	if len(msg) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
