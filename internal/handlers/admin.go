package handlers

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"claim-intake-server/internal/db"
	"claim-intake-server/internal/export"
	"claim-intake-server/internal/realtime"
)

const defaultAdminName = "admin"

// AuthMiddleware checks the Authorization: Bearer header against the admin token.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type adminRequest struct {
	Admin   string `json:"admin"`
	Message string `json:"message"`
}

type leadPatch struct {
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
}

// readAdmin decodes an optional admin body; a missing body is fine.
func readAdmin(w http.ResponseWriter, r *http.Request) (adminRequest, bool) {
	var req adminRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return req, false
		}
	}
	if req.Admin == "" {
		req.Admin = defaultAdminName
	}
	return req, true
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !db.ValidSessionStatus(status) {
		writeJSONError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit, ok := queryLimit(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	sessions, err := h.Store.ListSessions(r.Context(), db.SessionFilter{Status: status, Limit: limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "", sessions)
}

func (h *Handler) takeover(w http.ResponseWriter, r *http.Request) {
	req, ok := readAdmin(w, r)
	if !ok {
		return
	}
	session, err := h.Intake.Takeover(r.Context(), chi.URLParam(r, "id"), req.Admin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "session taken over", session)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	session, err := h.Intake.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "session released", session)
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Intake.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "session closed", session)
}

func (h *Handler) adminReply(w http.ResponseWriter, r *http.Request) {
	req, ok := readAdmin(w, r)
	if !ok {
		return
	}
	msg, err := h.Intake.AdminReply(r.Context(), chi.URLParam(r, "id"), req.Admin, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONCreated(w, "message sent", msg)
}

func leadFilter(r *http.Request) (db.LeadFilter, error) {
	q := r.URL.Query()
	f := db.LeadFilter{Status: q.Get("status")}
	if f.Status != "" && !db.ValidLeadStatus(f.Status) {
		return f, fmt.Errorf("invalid status %q", f.Status)
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return f, fmt.Errorf("since must be RFC3339")
		}
		f.Since = t
	}
	limit, ok := queryLimit(r)
	if !ok {
		return f, fmt.Errorf("invalid limit")
	}
	f.Limit = limit
	return f, nil
}

func (h *Handler) listLeads(w http.ResponseWriter, r *http.Request) {
	filter, err := leadFilter(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	leads, err := h.Store.ListLeads(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "", leads)
}

func (h *Handler) getLead(w http.ResponseWriter, r *http.Request) {
	lead, err := h.Store.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONSuccess(w, "", lead)
}

func (h *Handler) updateLead(w http.ResponseWriter, r *http.Request) {
	var patch leadPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch.Status != nil && !db.ValidLeadStatus(*patch.Status) {
		writeJSONError(w, http.StatusBadRequest, "invalid status")
		return
	}

	lead, err := h.Store.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if patch.Status != nil {
		lead.Status = *patch.Status
	}
	if patch.Notes != nil {
		lead.Notes = *patch.Notes
	}
	updated, err := h.Store.UpdateLead(r.Context(), *lead)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.publish("leads", "UPDATE", updated)
	writeJSONSuccess(w, "lead updated", updated)
}

func (h *Handler) deleteLead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.DeleteLead(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.publish("leads", "DELETE", map[string]string{"id": id})
	writeJSONSuccess(w, "lead deleted", nil)
}

func (h *Handler) exportLeads(w http.ResponseWriter, r *http.Request) {
	filter, err := leadFilter(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	leads, err := h.Store.ListLeads(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	buf, err := export.LeadsWorkbook(leads)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filename := fmt.Sprintf("leads-%s.xlsx", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

func (h *Handler) publish(table, changeType string, record any) {
	if h.Hub != nil {
		h.Hub.PublishChange(table, changeType, record, realtime.AdminTopic)
	}
}
