package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"claim-intake-server/internal/db"
	"claim-intake-server/internal/intake"
	"claim-intake-server/internal/realtime"
	"claim-intake-server/internal/valuation"
)

const maxJSONBody = 1 << 20

type Options struct {
	StorageDir         string
	PublicURL          string
	AdminToken         string
	AllowedOrigins     []string
	TotalLossThreshold float64
	Estimator          valuation.Estimator
}

type Handler struct {
	Store  db.Store
	Intake *intake.Service
	Hub    *realtime.Hub
	opts   Options
}

func New(store db.Store, svc *intake.Service, hub *realtime.Hub, opts Options) *Handler {
	// Admin auth is a bearer header, so CORS never allows credentials.
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"https://*", "http://*"}
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	return &Handler{
		Store:  store,
		Intake: svc,
		Hub:    hub,
		opts:   opts,
	}
}

// Routes mounts the public chat API, the admin API and the realtime socket.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.health)
	r.Get("/media/{name}", h.serveMedia)
	r.Get("/realtime/v1/websocket", func(w http.ResponseWriter, r *http.Request) {
		realtime.ServeWs(h.Hub, w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/chat", func(r chi.Router) {
			r.Post("/sessions", h.createSession)
			r.Get("/sessions/{id}", h.getSession)
			r.Get("/sessions/{id}/messages", h.getMessages)
			r.Get("/sessions/{id}/qr", h.sessionQR)
			r.Post("/sessions/{id}/attachments", h.uploadAttachment(db.SenderUser))
			r.Post("/webhook", h.webhook)
		})
		r.Post("/valuation", h.valuate)
		r.Get("/posts", h.listPosts)
		r.Get("/posts/{slug}", h.getPost)

		r.Route("/admin", func(r chi.Router) {
			r.Use(AuthMiddleware(h.opts.AdminToken))

			r.Get("/sessions", h.listSessions)
			r.Get("/sessions/{id}/messages", h.getMessages)
			r.Post("/sessions/{id}/takeover", h.takeover)
			r.Post("/sessions/{id}/release", h.release)
			r.Post("/sessions/{id}/close", h.closeSession)
			r.Post("/sessions/{id}/messages", h.adminReply)
			r.Post("/sessions/{id}/attachments", h.uploadAttachment(db.SenderAdmin))

			r.Get("/leads", h.listLeads)
			r.Get("/leads/export", h.exportLeads)
			r.Get("/leads/{id}", h.getLead)
			r.Patch("/leads/{id}", h.updateLead)
			r.Delete("/leads/{id}", h.deleteLead)
		})
	})
	return r
}

type jsonResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, resp jsonResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("handlers: encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, jsonResponse{Status: "error", Message: message})
}

func writeJSONSuccess(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, jsonResponse{Status: "success", Message: message, Data: data})
}

func writeJSONCreated(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusCreated, jsonResponse{Status: "success", Message: message, Data: data})
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognised is
// logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrLeadExists),
		errors.Is(err, intake.ErrSessionClosed),
		errors.Is(err, intake.ErrInvalidTransition),
		errors.Is(err, intake.ErrNotLive):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, intake.ErrEmptyMessage),
		errors.Is(err, intake.ErrInvalidSender),
		errors.Is(err, valuation.ErrInvalidVehicle):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("handlers: %s %s: %v", r.Method, r.URL.Path, err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// queryLimit reads ?limit=, returning 0 (no limit) when absent.
func queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSONSuccess(w, "ok", nil)
}
