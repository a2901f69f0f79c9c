// Package frontdoor is the client-facing HTTP surface: engine selection,
// session bootstrap, the two proxy modes, fleet introspection, and the
// Prometheus/audit/websocket side endpoints, routed with chi.
package frontdoor

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acefleet/fleetd/lib/app"
)

// Server holds the wired application and exposes an http.Handler.
type Server struct {
	app    *app.App
	router chi.Router
}

// New builds the router and registers every route.
func New(a *app.App) *Server {
	s := &Server{app: a}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	// Long-lived routes: the byte-stream fan-out and the websocket feed stay
	// open for the life of the viewer, so no timeout middleware here.
	r.Get("/ace/getstream", s.handleGetStream)
	r.Get("/events/stream", a.Hub.ServeHTTP)

	// Bounded request/response routes get a hard cap.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/ace/hls/{channelID}.m3u8", s.handleHLSManifest)
		r.Get("/ace/hls/{channelID}/segment/{seq}.ts", s.handleHLSSegment)

		r.Get("/engines", s.handleListEngines)
		r.Get("/engines/{id}", s.handleGetEngine)
		r.Get("/streams", s.handleListStreams)

		r.Post("/events/stream_started", s.handleEventStreamStarted)
		r.Post("/events/stream_ended", s.handleEventStreamEnded)

		r.Handle("/metrics", promhttp.HandlerFor(a.PromRegistry, promhttp.HandlerOpts{}))

		if a.Cfg.DebugMode {
			r.Get("/audit", s.handleAudit)
		}

		r.Get("/healthz", s.handleHealthz)
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// accessLog logs every request's method, path, status, and duration through
// diagnostics.Logger, which writes only when debug mode is on.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start)
		reqID := middleware.GetReqID(r.Context())
		s.app.Diagnostics.LogRequest(r.Method, r.URL.Path, dur, ww.Status(), reqID)
	})
}
