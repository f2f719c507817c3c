// Package devserver is an in-memory implementation of the JobLog REST
// backend, used by tests and for local demos.
package devserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/joblog/joblog/internal/reconcile"
)

// Server serves a Backend over HTTP.
type Server struct {
	addr   string
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new HTTP server for handler.
func NewServer(handler http.Handler, addr string, logger zerolog.Logger) *Server {
	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "devserver").Logger(),
	}
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("starting development backend")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// NewRouter creates the router for b. When token is non-empty every /api
// route requires it as a bearer token.
func NewRouter(b *Backend, token string, logger zerolog.Logger) *chi.Mux {
	h := &handler{backend: b, logger: logger.With().Str("component", "devserver").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireToken(token))
		r.Get("/state", h.state)
		r.Get("/events", h.events)
		r.Get("/notifications", h.notifications)
		r.Post("/members/{key}/{action}", h.memberAction)
		r.Post("/start", h.start)
		r.Post("/activities", h.createActivity)
	})

	return r
}

type handler struct {
	backend *Backend
	logger  zerolog.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Snapshot())
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": h.backend.Events()})
}

func (h *handler) notifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": h.backend.Notifications()})
}

// memberAction handles POST /api/members/{key}/{pause|resume|finish|move}
func (h *handler) memberAction(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "member key required")
		return
	}

	var m reconcile.Mutation
	switch reconcile.Kind(chi.URLParam(r, "action")) {
	case reconcile.KindPause:
		m = reconcile.Pause{MemberKey: key}
	case reconcile.KindResume:
		m = reconcile.Resume{MemberKey: key}
	case reconcile.KindFinish:
		m = reconcile.Finish{MemberKey: key}
	case reconcile.KindMove:
		var mv reconcile.Move
		if err := decodeBody(r, &mv); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		mv.MemberKey = key
		m = mv
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	h.apply(w, r, m)
}

// start handles POST /api/start with either {memberKeys} or {activityId}.
func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberKeys []string `json:"memberKeys"`
		ActivityID string   `json:"activityId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.ActivityID != "" && len(req.MemberKeys) > 0:
		writeError(w, http.StatusBadRequest, "memberKeys and activityId are exclusive")
	case req.ActivityID != "":
		h.apply(w, r, reconcile.StartActivity{ActivityID: req.ActivityID})
	default:
		h.apply(w, r, reconcile.StartMembers{MemberKeys: req.MemberKeys})
	}
}

func (h *handler) createActivity(w http.ResponseWriter, r *http.Request) {
	var req reconcile.CreateActivity
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.apply(w, r, req)
}

func (h *handler) apply(w http.ResponseWriter, r *http.Request, m reconcile.Mutation) {
	queued, err := h.backend.Apply(r.Header.Get("Idempotency-Key"), m)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := map[string]bool{"ok": true}
	if queued {
		resp["queued"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireToken rejects requests without the expected bearer token.
func (h *handler) requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && !tokenMatches(bearerToken(r), token) {
				h.logger.Warn().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_ip", r.RemoteAddr).
					Msg("auth failure")
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func tokenMatches(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMemberNotFound), errors.Is(err, ErrActivityNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrActivityExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decodeBody decodes a JSON body. An empty body leaves out untouched.
func decodeBody(r *http.Request, out interface{}) error {
	err := json.NewDecoder(r.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
