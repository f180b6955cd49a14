package report

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/parlor/chat-server/internal/auth"
)

// Handler serves POST /report. The reporter is taken from the bearer token,
// never from the request body.
type Handler struct {
	store *Store
	gate  auth.Verifier
	// flag, when set, is called after a report is stored so the abuse
	// pipeline can auto-ban repeat offenders.
	flag func(ctx context.Context, reportedID string)
}

// NewHandler creates a report handler. flag may be nil.
func NewHandler(store *Store, gate auth.Verifier, flag func(ctx context.Context, reportedID string)) *Handler {
	return &Handler{store: store, gate: gate, flag: flag}
}

type reportRequest struct {
	ReportedID      string `json:"reported_id"`
	MessagePosition int64  `json:"message_position"`
	Reason          string `json:"reason"`
	Comment         string `json:"comment"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := r.Header.Get("Authorization")
	token = strings.TrimPrefix(token, "Bearer ")
	reporter, err := h.gate.Verify(token)
	if err != nil {
		httpError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ReportedID == "" || !ValidReason(req.Reason) {
		httpError(w, http.StatusBadRequest, "reported_id and a valid reason are required")
		return
	}
	if req.ReportedID == reporter.ID {
		httpError(w, http.StatusBadRequest, "cannot report yourself")
		return
	}

	rep := &Report{
		ReporterID:      reporter.ID,
		ReportedID:      req.ReportedID,
		MessagePosition: req.MessagePosition,
		Reason:          req.Reason,
		Comment:         req.Comment,
	}
	if err := h.store.Create(r.Context(), rep); err != nil {
		log.Printf("report: create: %v", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if h.flag != nil {
		h.flag(r.Context(), req.ReportedID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "received"})
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
