package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/entry-queue/internal/admission"
	"qms/entry-queue/internal/export"
	"qms/entry-queue/internal/models"
	"qms/entry-queue/internal/queue"
	"qms/entry-queue/internal/snapshot"
	"qms/entry-queue/internal/store"

	"github.com/rs/zerolog"
)

// Queue is the part of the coordinator the HTTP layer depends on.
type Queue interface {
	IssueTicket(ctx context.Context, req queue.IssueRequest) (models.Ticket, error)
	CallTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	EnterTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	ExportTickets(ctx context.Context) ([]models.Ticket, error)
	Snapshot(ctx context.Context, role snapshot.Role) (store.Snapshot, error)
	WaitingCount(ctx context.Context, role snapshot.Role) (int, int64, error)
	CallingNow(ctx context.Context, role snapshot.Role) (models.CallingNow, int64, error)
	SlotUsage(ctx context.Context, role snapshot.Role) (map[string]int, int64, error)
	ListActive(ctx context.Context, role snapshot.Role) ([]models.Ticket, int64, error)
	Slots(ctx context.Context, role snapshot.Role) ([]models.SlotStatus, int64, error)
	StalenessBound(role snapshot.Role) time.Duration
	Ping(ctx context.Context) error
}

type Handler struct {
	queue       Queue
	readyChecks map[string]func(context.Context) error
	logger      zerolog.Logger
}

type createTicketRequest struct {
	RequestID     string `json:"request_id"`
	GuestName     string `json:"guest_name"`
	AdultCount    int    `json:"adult_count"`
	ChildCount    int    `json:"child_count"`
	ScheduledTime string `json:"scheduled_time"`
	SecretWord    string `json:"secret_word"`
}

type ticketResponse struct {
	Message string          `json:"message"`
	Data    []models.Ticket `json:"data"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
	Detail    string        `json:"detail"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Options struct {
	// ReadyChecks are run by /readyz in addition to the store ping.
	ReadyChecks map[string]func(context.Context) error
	Logger      zerolog.Logger
}

func NewHandler(q Queue, options Options) *Handler {
	return &Handler{
		queue:       q,
		readyChecks: options.ReadyChecks,
		logger:      options.Logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/readyz", h.handleReady)
	mux.HandleFunc("/tickets", h.handleTickets)
	mux.HandleFunc("/tickets/waiting-count", h.handleWaitingCount)
	mux.HandleFunc("/tickets/calling-now", h.handleCallingNow)
	mux.HandleFunc("/tickets/slots-usage", h.handleSlotsUsage)
	mux.HandleFunc("/tickets/snapshot", h.handleSnapshot)
	mux.HandleFunc("/tickets/", h.handleTicketActions)
	mux.HandleFunc("/admin/tickets", h.handleAdminTickets)
	mux.HandleFunc("/admin/tickets/export", h.handleExport)
	mux.HandleFunc("/slots", h.handleSlots)
	return mux
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, requestID(r), http.StatusNotFound, "not_found", "not found")
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "entry queue running"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if err := h.queue.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}
	for name, check := range h.readyChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	reqID := req.RequestID
	if reqID == "" {
		reqID = requestID(r)
	}

	ticket, err := h.queue.IssueTicket(r.Context(), queue.IssueRequest{
		RequestID:     req.RequestID,
		GuestName:     req.GuestName,
		AdultCount:    req.AdultCount,
		ChildCount:    req.ChildCount,
		ScheduledTime: req.ScheduledTime,
		SecretWord:    req.SecretWord,
	})
	if err != nil {
		h.writeMappedError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{Message: "Success", Data: []models.Ticket{ticket}})
}

func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		writeError(w, requestID(r), http.StatusNotFound, "not_found", "not found")
		return
	}
	ticketID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetTicket(w, r, ticketID)
		return
	}

	switch parts[1] {
	case "call":
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTransition(w, r, ticketID, "Called", h.queue.CallTicket)
	case "enter":
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTransition(w, r, ticketID, "Updated", h.queue.EnterTicket)
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTicketEvents(w, r, ticketID)
	default:
		writeError(w, requestID(r), http.StatusNotFound, "not_found", "not found")
	}
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, ticketID, message string, apply func(context.Context, string) (models.Ticket, error)) {
	ticket, err := apply(r.Context(), ticketID)
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{Message: message, Data: []models.Ticket{ticket}})
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	ticket, err := h.queue.GetTicket(r.Context(), ticketID)
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	events, err := h.queue.TicketEvents(r.Context(), ticketID)
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleWaitingCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	role := roleFor(r, snapshot.RoleGuest)
	count, revision, err := h.queue.WaitingCount(r.Context(), role)
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	h.writeRevisioned(w, r, role, revision, map[string]int{"waiting_count": count})
}

func (h *Handler) handleCallingNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	role := roleFor(r, snapshot.RoleGuest)
	calling, revision, err := h.queue.CallingNow(r.Context(), role)
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	h.writeRevisioned(w, r, role, revision, calling)
}

func (h *Handler) handleSlotsUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	role := roleFor(r, snapshot.RoleGuest)
	usage, revision, err := h.queue.SlotUsage(r.Context(), role)
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	h.writeRevisioned(w, r, role, revision, usage)
}

func (h *Handler) handleSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	role := roleFor(r, snapshot.RoleGuest)
	statuses, revision, err := h.queue.Slots(r.Context(), role)
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	h.writeRevisioned(w, r, role, revision, statuses)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	role := roleFor(r, snapshot.RoleGuest)
	snap, err := h.queue.Snapshot(r.Context(), role)
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	h.writeRevisioned(w, r, role, snap.Revision, snap)
}

func (h *Handler) handleAdminTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	role := roleFor(r, snapshot.RoleStaff)
	tickets, revision, err := h.queue.ListActive(r.Context(), role)
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	h.writeRevisioned(w, r, role, revision, tickets)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tickets, err := h.queue.ExportTickets(r.Context())
	if err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteTickets(&buf, tickets); err != nil {
		h.writeMappedError(w, requestID(r), err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="tickets.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// writeRevisioned tags an aggregate with its snapshot revision and answers
// a matching If-None-Match with 304.
func (h *Handler) writeRevisioned(w http.ResponseWriter, r *http.Request, role snapshot.Role, revision int64, payload interface{}) {
	etag := fmt.Sprintf(`"r%d"`, revision)
	header := w.Header()
	header.Set("X-Queue-Revision", strconv.FormatInt(revision, 10))
	header.Set("ETag", etag)
	header.Set("Cache-Control", fmt.Sprintf("private, max-age=%d", int(h.queue.StalenessBound(role).Seconds())))
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

func roleFor(r *http.Request, fallback snapshot.Role) snapshot.Role {
	value := r.URL.Query().Get("role")
	if value == "" {
		value = r.Header.Get("X-Client-Role")
	}
	if value == "" {
		return fallback
	}
	return snapshot.ParseRole(strings.ToLower(strings.TrimSpace(value)))
}

func requestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func (h *Handler) writeMappedError(w http.ResponseWriter, reqID string, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("request_id", reqID).Msg("request failed")
	}
	writeError(w, reqID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrSlotFull):
		return http.StatusConflict, "slot_full", err.Error()
	case errors.Is(err, store.ErrTokenRejected):
		return http.StatusForbidden, "token_rejected", "admission token rejected"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, store.ErrCallInProgress):
		return http.StatusConflict, "call_in_progress", err.Error()
	case errors.Is(err, store.ErrBrokenChain):
		return http.StatusInternalServerError, "event_chain_broken", "ticket event chain failed verification"
	case errors.Is(err, admission.ErrUnavailable):
		return http.StatusServiceUnavailable, "admission_unavailable", "admission gate unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
		Detail: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
