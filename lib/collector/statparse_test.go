package collector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatResponse_SnakeCase(t *testing.T) {
	body := []byte(`{"response":{"peers":12,"speed_down":1024,"speed_up":512,"downloaded":9000,"uploaded":4000,"status":"dl"},"error":null}`)
	r, err := ParseStatResponse(body)
	require.NoError(t, err)
	require.NotNil(t, r.Response)

	require.NotNil(t, r.Response.SpeedDownValue())
	require.EqualValues(t, 1024, *r.Response.SpeedDownValue())
	require.EqualValues(t, 512, *r.Response.SpeedUpValue())
	require.EqualValues(t, 12, *r.Response.Peers)
}

func TestParseStatResponse_CamelCaseParsedIdentically(t *testing.T) {
	body := []byte(`{"response":{"peers":12,"speedDown":2048,"speedUp":1024,"status":"dl"},"error":null}`)
	r, err := ParseStatResponse(body)
	require.NoError(t, err)

	require.NotNil(t, r.Response.SpeedDownValue())
	require.EqualValues(t, 2048, *r.Response.SpeedDownValue())
	require.EqualValues(t, 1024, *r.Response.SpeedUpValue())
}

func TestParseStatResponse_SnakeCaseWinsWhenBothPresent(t *testing.T) {
	body := []byte(`{"response":{"speed_down":100,"speedDown":999,"speed_up":50,"speedUp":888},"error":null}`)
	r, err := ParseStatResponse(body)
	require.NoError(t, err)

	require.EqualValues(t, 100, *r.Response.SpeedDownValue())
	require.EqualValues(t, 50, *r.Response.SpeedUpValue())
}

func TestParseStatResponse_ZeroDistinctFromNull(t *testing.T) {
	withZero := []byte(`{"response":{"speed_down":0,"speed_up":0},"error":null}`)
	r, err := ParseStatResponse(withZero)
	require.NoError(t, err)
	require.NotNil(t, r.Response.SpeedDownValue(), "explicit 0 must survive as a value")
	require.EqualValues(t, 0, *r.Response.SpeedDownValue())

	withNull := []byte(`{"response":{"speed_down":null,"speed_up":null},"error":null}`)
	r, err = ParseStatResponse(withNull)
	require.NoError(t, err)
	require.Nil(t, r.Response.SpeedDownValue(), "null must stay absent, not become 0")
}

func TestParseStatResponse_LivePos(t *testing.T) {
	body := []byte(`{"response":{"status":"dl","livepos":{"pos":170000,"live_first":169000,"live_last":170100,"buffer_pieces":15}},"error":null}`)
	r, err := ParseStatResponse(body)
	require.NoError(t, err)

	lp, ok := r.Response.LivePosition()
	require.True(t, ok)
	require.NotNil(t, lp.Pos)
	require.EqualValues(t, 170000, *lp.Pos)
}

func TestIsUnknownPlaybackSession(t *testing.T) {
	stale := []byte(`{"response":null,"error":"unknown playback session id"}`)
	r, err := ParseStatResponse(stale)
	require.NoError(t, err)
	require.True(t, r.IsUnknownPlaybackSession())

	otherErr := []byte(`{"response":null,"error":"engine busy"}`)
	r, err = ParseStatResponse(otherErr)
	require.NoError(t, err)
	require.False(t, r.IsUnknownPlaybackSession())

	healthy := []byte(`{"response":{"status":"dl"},"error":null}`)
	r, err = ParseStatResponse(healthy)
	require.NoError(t, err)
	require.False(t, r.IsUnknownPlaybackSession())
}
