package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/acefleet/fleetd/lib/ferrors"
	"github.com/acefleet/fleetd/lib/hlsproxy"
	"github.com/acefleet/fleetd/lib/proxycommon"
	"github.com/acefleet/fleetd/lib/registry"
	"github.com/acefleet/fleetd/lib/upstream"
)

// resolveKey extracts the business key and its type from the query string,
// matching the three key types the upstream middleware's own getstream
// endpoint accepts.
func resolveKey(r *http.Request) (upstream.KeyType, registry.KeyType, string, bool) {
	q := r.URL.Query()
	if v := q.Get("id"); v != "" {
		return upstream.KeyContentID, registry.KeyContentID, v, true
	}
	if v := q.Get("infohash"); v != "" {
		return upstream.KeyInfohash, registry.KeyInfohash, v, true
	}
	if v := q.Get("url"); v != "" {
		return upstream.KeyURL, registry.KeyURL, v, true
	}
	return "", "", "", false
}

// wantsHLS decides the per-request proxy mode: an explicit m3u8 query
// parameter selects the segmented proxy; the byte-stream fan-out is the
// default.
func (s *Server) wantsHLS(r *http.Request) bool {
	if v := r.URL.Query().Get("m3u8"); v != "" {
		return v == "1" || v == "true"
	}
	return false
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	upKeyType, regKeyType, key, ok := resolveKey(r)
	if !ok {
		http.Error(w, "missing id, infohash, or url parameter", http.StatusBadRequest)
		return
	}

	if !s.app.Egress.Healthy(ctx) {
		writeProvisioningError(w, ferrors.ProvisionDetails{
			Code:               ferrors.CodeVPNDisconnected,
			Message:            "shared egress path is unhealthy",
			RecoveryETASeconds: 15,
			CanRetry:           true,
			ShouldWait:         true,
		}, http.StatusServiceUnavailable)
		return
	}

	sel, err := s.app.Selector.Select()
	if err != nil {
		writeProvisioningError(w, ferrors.ProvisionDetails{
			Code:               ferrors.CodeNoneAvailable,
			Message:            "no engine currently has capacity",
			RecoveryETASeconds: 5,
			CanRetry:           true,
			ShouldWait:         true,
		}, http.StatusServiceUnavailable)
		return
	}

	if !s.app.Failures.RecordAttempt(sel.ContainerID) {
		writeProvisioningError(w, ferrors.ProvisionDetails{
			Code:               ferrors.CodeMaxCapacity,
			Message:            "engine already has too many concurrent provisioning attempts",
			RecoveryETASeconds: 3,
			CanRetry:           true,
			ShouldWait:         true,
		}, http.StatusServiceUnavailable)
		return
	}
	defer s.app.Failures.ReleaseAttempt(sel.ContainerID)

	start := time.Now()
	client := upstream.New(s.app.Cfg.Scheme, sel.Host, sel.Port)
	resp, err := client.GetStream(ctx, upKeyType, key, nil)
	s.app.Diagnostics.LogEngineSelection(sel.Host, sel.Port, sel.ContainerID, time.Since(start), errString(err))
	if err != nil {
		s.app.Failures.RecordFailure(sel.ContainerID)
		s.app.Selector.InvalidateCache()
		writeProvisioningError(w, ferrors.ProvisionDetails{
			Code:               ferrors.CodeCircuitBreaker,
			Message:            "engine rejected the stream request: " + err.Error(),
			RecoveryETASeconds: 10,
			CanRetry:           true,
			ShouldWait:         true,
		}, http.StatusBadGateway)
		return
	}
	s.app.Failures.RecordSuccess(sel.ContainerID)

	// The Registry is about to gain a stream on this engine: refresh the
	// selector's view and give the autoscaler its stream_started trigger.
	s.app.Selector.InvalidateCache()
	go s.app.KickAutoscaler(context.Background())

	if err := upstream.RewriteSessionURLs(resp, s.app.Cfg.Scheme, sel.Host, sel.Port); err != nil {
		http.Error(w, "malformed session urls", http.StatusBadGateway)
		return
	}

	evt := proxycommon.StartedEvent{
		ContainerID:       sel.ContainerID,
		KeyType:           string(regKeyType),
		Key:               key,
		PlaybackSessionID: resp.Response.PlaybackSessionID,
		PlaybackURL:       resp.Response.PlaybackURL,
		StatURL:           resp.Response.StatURL,
		CommandURL:        resp.Response.CommandURL,
		IsLive:            resp.Response.IsLive == 1,
	}

	if s.wantsHLS(r) {
		s.serveHLSSession(w, r, key, sel.ContainerID, evt)
		return
	}
	s.serveByteStreamSession(w, r, key, evt)
}

func (s *Server) serveHLSSession(w http.ResponseWriter, r *http.Request, channelID, containerID string, evt proxycommon.StartedEvent) {
	ctx := r.Context()
	if _, err := s.app.HLS.EnsureChannel(ctx, channelID, evt.PlaybackURL, containerID, evt); err != nil {
		http.Error(w, "channel setup failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"channel_id":   channelID,
		"manifest_url": "/ace/hls/" + channelID + ".m3u8",
	})
}

func (s *Server) serveByteStreamSession(w http.ResponseWriter, r *http.Request, contentKey string, evt proxycommon.StartedEvent) {
	ctx := r.Context()
	sess, err := s.app.ByteStream.OpenOrAttach(ctx, contentKey, evt)
	if err != nil {
		http.Error(w, "stream open failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	clientID := uuid.NewString()
	cw, err := s.app.ByteStream.AttachClient(sess, clientID)
	if err != nil {
		http.Error(w, "attach failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer s.app.ByteStream.DetachClient(contentKey, sess, clientID)

	w.Header().Set("Content-Type", "video/mp2t")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for chunk := range cw.Chunks() {
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleHLSManifest(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	s.app.HLS.RecordClientActivity(channelID, r.RemoteAddr)

	manifest, err := s.app.HLS.GetManifest(r.Context(), channelID)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(manifest))
	case errors.Is(err, hlsproxy.ErrChannelNotFound):
		http.Error(w, "channel not found", http.StatusNotFound)
	case errors.Is(err, hlsproxy.ErrBufferTimeout), errors.Is(err, hlsproxy.ErrSegmentTimeout):
		http.Error(w, "timed out waiting for buffer", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHLSSegment(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	seqStr := chi.URLParam(r, "seq")
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		http.Error(w, "bad sequence number", http.StatusBadRequest)
		return
	}

	s.app.HLS.RecordClientActivity(channelID, r.RemoteAddr)

	data, err := s.app.HLS.GetSegment(channelID, seq)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(data)
	case errors.Is(err, hlsproxy.ErrSegmentNotFound), errors.Is(err, hlsproxy.ErrChannelNotFound):
		http.Error(w, "segment not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Registry.ListEngines())
}

func (s *Server) handleGetEngine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e := s.app.Registry.GetEngine(id)
	if e == nil {
		http.Error(w, "engine not found", http.StatusNotFound)
		return
	}
	started := registry.StreamStarted
	active := make([]*registry.Stream, 0, len(e.ActiveStreams))
	for _, st := range s.app.Registry.ListStreams(&started) {
		if st.ContainerID == id {
			active = append(active, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":         e,
		"active_streams": active,
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	status := registry.StreamStarted
	if v := r.URL.Query().Get("status"); v == "ended" {
		status = registry.StreamEnded
	}
	if r.URL.Query().Get("stats") == "1" {
		writeJSON(w, http.StatusOK, s.app.Registry.ListStreamsWithStats(&status))
		return
	}
	writeJSON(w, http.StatusOK, s.app.Registry.ListStreams(&status))
}

// legacyEventPayload mirrors the shape an external caller would post to the
// legacy event endpoints. Internal code never calls these HTTP handlers
// itself, it calls eventbus.Bus directly, so this path exists solely for
// out-of-process integrations.
type legacyEventPayload struct {
	ContainerID       string `json:"container_id"`
	KeyType           string `json:"key_type"`
	Key               string `json:"key"`
	PlaybackSessionID string `json:"playback_session_id"`
	PlaybackURL       string `json:"playback_url"`
	StatURL           string `json:"stat_url"`
	CommandURL        string `json:"command_url"`
	IsLive            bool   `json:"is_live"`
	StreamID          string `json:"stream_id"`
	Reason            string `json:"reason"`
}

func (s *Server) handleEventStreamStarted(w http.ResponseWriter, r *http.Request) {
	var p legacyEventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	streamID, err := s.app.Bus.StreamStarted(r.Context(), proxycommon.StartedEvent{
		ContainerID:       p.ContainerID,
		KeyType:           p.KeyType,
		Key:               p.Key,
		PlaybackSessionID: p.PlaybackSessionID,
		PlaybackURL:       p.PlaybackURL,
		StatURL:           p.StatURL,
		CommandURL:        p.CommandURL,
		IsLive:            p.IsLive,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stream_id": streamID})
}

func (s *Server) handleEventStreamEnded(w http.ResponseWriter, r *http.Request) {
	var p legacyEventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	s.app.Bus.StreamEnded(r.Context(), proxycommon.EndedEvent{
		StreamID:    p.StreamID,
		ContainerID: p.ContainerID,
		Reason:      p.Reason,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	events, err := s.app.Audit.Recent(r.Context(), n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeProvisioningError writes the structured error body front doors owe
// clients when no engine can serve a request right now, with the given
// status (503, or 502 when the selected engine rejected the request) and
// Retry-After set from the recovery estimate.
func writeProvisioningError(w http.ResponseWriter, details ferrors.ProvisionDetails, status int) {
	w.Header().Set("Retry-After", strconv.Itoa(details.RecoveryETASeconds))
	writeJSON(w, status, map[string]any{"error": details})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
