package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"claim-intake-server/internal/db"
	"claim-intake-server/internal/intake"
	"claim-intake-server/internal/valuation"
)

type webhookRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type valuationRequest struct {
	valuation.Vehicle
	RepairCost float64 `json:"repair_cost"`
}

type valuationResponse struct {
	Estimate  valuation.Estimate `json:"estimate"`
	TotalLoss *bool              `json:"total_loss,omitempty"`
	Threshold float64            `json:"threshold"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var visitor intake.Visitor
	// An empty body just means an anonymous visitor.
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&visitor)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	session, greeting, err := h.Intake.StartSession(r.Context(), visitor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONCreated(w, "session created", map[string]any{
		"session":  session,
		"messages": []*db.Message{greeting},
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "", session)
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	messages, err := h.Store.GetMessages(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "", messages)
}

// webhook is the visitor chat turn: store, detect intent, reply, maybe capture a lead.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	reply, err := h.Intake.HandleUserMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "", reply)
}

func (h *Handler) sessionQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	png, err := qrcode.Encode(h.resumeURL(id), qrcode.Medium, 256)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Handler) resumeURL(sessionID string) string {
	return h.opts.PublicURL + "/chat?session=" + sessionID
}

func (h *Handler) valuate(w http.ResponseWriter, r *http.Request) {
	var req valuationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RepairCost < 0 {
		writeJSONError(w, http.StatusBadRequest, "repair_cost must not be negative")
		return
	}

	est, err := h.opts.Estimator.Estimate(req.Vehicle)
	if err != nil {
		writeError(w, r, err)
		return
	}
	threshold := h.opts.TotalLossThreshold
	if threshold <= 0 {
		threshold = valuation.DefaultTotalLossThreshold
	}
	resp := valuationResponse{Estimate: est, Threshold: threshold}
	if req.RepairCost > 0 {
		total := valuation.IsTotalLoss(req.RepairCost, est.ACV, threshold)
		resp.TotalLoss = &total
	}
	writeJSONSuccess(w, "", resp)
}

func (h *Handler) listPosts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	posts, err := h.Store.ListPosts(r.Context(), db.PostFilter{
		Status: db.PostStatusPublished,
		Tag:    r.URL.Query().Get("tag"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "", posts)
}

func (h *Handler) getPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.Store.GetPostBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err == nil && post.Status != db.PostStatusPublished {
		err = db.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "", post)
}
