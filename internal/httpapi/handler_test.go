package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qms/entry-queue/internal/admission"
	"qms/entry-queue/internal/models"
	"qms/entry-queue/internal/queue"
	"qms/entry-queue/internal/slots"
	"qms/entry-queue/internal/snapshot"
	"qms/entry-queue/internal/store"
	"qms/entry-queue/internal/store/memory"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	issueFn      func(ctx context.Context, req queue.IssueRequest) (models.Ticket, error)
	callFn       func(ctx context.Context, ticketID string) (models.Ticket, error)
	enterFn      func(ctx context.Context, ticketID string) (models.Ticket, error)
	getFn        func(ctx context.Context, ticketID string) (models.Ticket, error)
	eventsFn     func(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	exportFn     func(ctx context.Context) ([]models.Ticket, error)
	snapshotFn   func(ctx context.Context, role snapshot.Role) (store.Snapshot, error)
	waitingFn    func(ctx context.Context, role snapshot.Role) (int, int64, error)
	callingFn    func(ctx context.Context, role snapshot.Role) (models.CallingNow, int64, error)
	usageFn      func(ctx context.Context, role snapshot.Role) (map[string]int, int64, error)
	listActiveFn func(ctx context.Context, role snapshot.Role) ([]models.Ticket, int64, error)
	slotsFn      func(ctx context.Context, role snapshot.Role) ([]models.SlotStatus, int64, error)
	pingFn       func(ctx context.Context) error
}

func (f fakeQueue) IssueTicket(ctx context.Context, req queue.IssueRequest) (models.Ticket, error) {
	if f.issueFn == nil {
		return models.Ticket{}, nil
	}
	return f.issueFn(ctx, req)
}

func (f fakeQueue) CallTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.callFn == nil {
		return models.Ticket{}, nil
	}
	return f.callFn(ctx, ticketID)
}

func (f fakeQueue) EnterTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.enterFn == nil {
		return models.Ticket{}, nil
	}
	return f.enterFn(ctx, ticketID)
}

func (f fakeQueue) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.getFn == nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return f.getFn(ctx, ticketID)
}

func (f fakeQueue) TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if f.eventsFn == nil {
		return nil, nil
	}
	return f.eventsFn(ctx, ticketID)
}

func (f fakeQueue) ExportTickets(ctx context.Context) ([]models.Ticket, error) {
	if f.exportFn == nil {
		return nil, nil
	}
	return f.exportFn(ctx)
}

func (f fakeQueue) Snapshot(ctx context.Context, role snapshot.Role) (store.Snapshot, error) {
	if f.snapshotFn == nil {
		return store.Snapshot{}, nil
	}
	return f.snapshotFn(ctx, role)
}

func (f fakeQueue) WaitingCount(ctx context.Context, role snapshot.Role) (int, int64, error) {
	if f.waitingFn == nil {
		return 0, 0, nil
	}
	return f.waitingFn(ctx, role)
}

func (f fakeQueue) CallingNow(ctx context.Context, role snapshot.Role) (models.CallingNow, int64, error) {
	if f.callingFn == nil {
		return models.NoneCalling, 0, nil
	}
	return f.callingFn(ctx, role)
}

func (f fakeQueue) SlotUsage(ctx context.Context, role snapshot.Role) (map[string]int, int64, error) {
	if f.usageFn == nil {
		return map[string]int{}, 0, nil
	}
	return f.usageFn(ctx, role)
}

func (f fakeQueue) ListActive(ctx context.Context, role snapshot.Role) ([]models.Ticket, int64, error) {
	if f.listActiveFn == nil {
		return nil, 0, nil
	}
	return f.listActiveFn(ctx, role)
}

func (f fakeQueue) Slots(ctx context.Context, role snapshot.Role) ([]models.SlotStatus, int64, error) {
	if f.slotsFn == nil {
		return nil, 0, nil
	}
	return f.slotsFn(ctx, role)
}

func (f fakeQueue) StalenessBound(role snapshot.Role) time.Duration {
	if role == snapshot.RoleStaff {
		return 3 * time.Second
	}
	return 10 * time.Second
}

func (f fakeQueue) Ping(ctx context.Context) error {
	if f.pingFn == nil {
		return nil
	}
	return f.pingFn(ctx)
}

func newTestHandler(q Queue) http.Handler {
	return NewHandler(q, Options{Logger: zerolog.Nop()}).Routes()
}

func serve(h http.Handler, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateTicketSuccess(t *testing.T) {
	var got queue.IssueRequest
	h := newTestHandler(fakeQueue{
		issueFn: func(ctx context.Context, req queue.IssueRequest) (models.Ticket, error) {
			got = req
			return models.Ticket{ID: "t-1", DisplayID: 1, GuestName: req.GuestName, Status: models.StatusWaiting, ScheduledTime: req.ScheduledTime}, nil
		},
	})

	body := []byte(`{"guest_name":"Aoi","adult_count":2,"child_count":1,"scheduled_time":"13:00","secret_word":"open"}`)
	rec := serve(h, http.MethodPost, "/tickets", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ticketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Success", resp.Message)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(1), resp.Data[0].DisplayID)
	assert.Equal(t, queue.IssueRequest{GuestName: "Aoi", AdultCount: 2, ChildCount: 1, ScheduledTime: "13:00", SecretWord: "open"}, got)
}

func TestCreateTicketRejectsMalformedBody(t *testing.T) {
	h := newTestHandler(fakeQueue{})

	for name, body := range map[string]string{
		"not json":      `{`,
		"unknown field": `{"guest_name":"Aoi","counter":"A"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(h, http.MethodPost, "/tickets", []byte(body), map[string]string{"X-Request-ID": "req-9"})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, "invalid_json", resp.Error.Code)
			assert.Equal(t, "req-9", resp.RequestID)
		})
	}
}

func TestCreateTicketErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: guest_name is required", store.ErrValidation), http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("%w: 13:00", store.ErrSlotFull), http.StatusConflict, "slot_full"},
		{store.ErrTokenRejected, http.StatusForbidden, "token_rejected"},
		{fmt.Errorf("%w: dial tcp", admission.ErrUnavailable), http.StatusServiceUnavailable, "admission_unavailable"},
		{fmt.Errorf("%w at seq 2", store.ErrBrokenChain), http.StatusInternalServerError, "event_chain_broken"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := newTestHandler(fakeQueue{
				issueFn: func(ctx context.Context, req queue.IssueRequest) (models.Ticket, error) {
					return models.Ticket{}, tc.err
				},
			})
			rec := serve(h, http.MethodPost, "/tickets", []byte(`{"guest_name":"Aoi","adult_count":1,"scheduled_time":"13:00"}`), nil)
			assert.Equal(t, tc.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tc.code, resp.Error.Code)
			assert.Equal(t, resp.Error.Message, resp.Detail)
		})
	}
}

func TestCreateTicketUsesBodyRequestID(t *testing.T) {
	h := newTestHandler(fakeQueue{
		issueFn: func(ctx context.Context, req queue.IssueRequest) (models.Ticket, error) {
			return models.Ticket{}, store.ErrTokenRejected
		},
	})
	rec := serve(h, http.MethodPost, "/tickets", []byte(`{"request_id":" 7d1d9c4e-0d7e-4a53-9c55-0d3a0a6f2b11 ","guest_name":"Aoi"}`), map[string]string{"X-Request-ID": "header"})
	resp := decodeError(t, rec)
	assert.Equal(t, "7d1d9c4e-0d7e-4a53-9c55-0d3a0a6f2b11", resp.RequestID)
}

func TestCallAndEnterMessages(t *testing.T) {
	var calledID, enteredID string
	h := newTestHandler(fakeQueue{
		callFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			calledID = ticketID
			return models.Ticket{ID: ticketID, Status: models.StatusCalling}, nil
		},
		enterFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			enteredID = ticketID
			return models.Ticket{ID: ticketID, Status: models.StatusEntered}, nil
		},
	})

	rec := serve(h, http.MethodPatch, "/tickets/abc/call", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ticketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Called", resp.Message)
	assert.Equal(t, "abc", calledID)

	rec = serve(h, http.MethodPatch, "/tickets/abc/enter", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Updated", resp.Message)
	assert.Equal(t, "abc", enteredID)
}

func TestTransitionErrors(t *testing.T) {
	h := newTestHandler(fakeQueue{
		callFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			if ticketID == "missing" {
				return models.Ticket{}, store.ErrTicketNotFound
			}
			return models.Ticket{}, store.ErrCallInProgress
		},
		enterFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			return models.Ticket{}, fmt.Errorf("%w: entered -> entered", store.ErrInvalidTransition)
		},
	})

	rec := serve(h, http.MethodPatch, "/tickets/missing/call", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ticket_not_found", decodeError(t, rec).Error.Code)

	rec = serve(h, http.MethodPatch, "/tickets/busy/call", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "call_in_progress", decodeError(t, rec).Error.Code)

	rec = serve(h, http.MethodPatch, "/tickets/done/enter", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeError(t, rec).Error.Code)
}

func TestRoutingAndMethods(t *testing.T) {
	h := newTestHandler(fakeQueue{})

	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodGet, "/tickets", nil, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodPost, "/tickets/abc/call", nil, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodPost, "/tickets/waiting-count", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodPatch, "/tickets/abc/dance", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/nope", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/tickets/abc", nil, nil).Code)

	rec := serve(h, http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "entry queue running")
}

func TestCallingNowSentinelAndRevisionHeaders(t *testing.T) {
	var roles []snapshot.Role
	h := newTestHandler(fakeQueue{
		callingFn: func(ctx context.Context, role snapshot.Role) (models.CallingNow, int64, error) {
			roles = append(roles, role)
			return models.NoneCalling, 7, nil
		},
	})

	rec := serve(h, http.MethodGet, "/tickets/calling-now", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"calling_id":0,"calling_name":""}`, rec.Body.String())
	assert.Equal(t, "7", rec.Header().Get("X-Queue-Revision"))
	assert.Equal(t, `"r7"`, rec.Header().Get("ETag"))
	assert.Equal(t, "private, max-age=10", rec.Header().Get("Cache-Control"))

	rec = serve(h, http.MethodGet, "/tickets/calling-now?role=staff", nil, nil)
	assert.Equal(t, "private, max-age=3", rec.Header().Get("Cache-Control"))
	assert.Equal(t, []snapshot.Role{snapshot.RoleGuest, snapshot.RoleStaff}, roles)
}

func TestIfNoneMatchReturnsNotModified(t *testing.T) {
	h := newTestHandler(fakeQueue{
		waitingFn: func(ctx context.Context, role snapshot.Role) (int, int64, error) {
			return 4, 12, nil
		},
	})

	rec := serve(h, http.MethodGet, "/tickets/waiting-count", nil, map[string]string{"If-None-Match": `W/"r12"`})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = serve(h, http.MethodGet, "/tickets/waiting-count", nil, map[string]string{"If-None-Match": `"r11"`})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"waiting_count":4}`, rec.Body.String())
}

func TestAdminTicketsDefaultsToStaff(t *testing.T) {
	var seen snapshot.Role
	h := newTestHandler(fakeQueue{
		listActiveFn: func(ctx context.Context, role snapshot.Role) ([]models.Ticket, int64, error) {
			seen = role
			return nil, 3, nil
		},
	})

	rec := serve(h, http.MethodGet, "/admin/tickets", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snapshot.RoleStaff, seen)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, "private, max-age=3", rec.Header().Get("Cache-Control"))

	serve(h, http.MethodGet, "/admin/tickets", nil, map[string]string{"X-Client-Role": "Guest"})
	assert.Equal(t, snapshot.RoleGuest, seen)
}

func TestExportReturnsWorkbook(t *testing.T) {
	h := newTestHandler(fakeQueue{
		exportFn: func(ctx context.Context) ([]models.Ticket, error) {
			return []models.Ticket{{ID: "t-1", DisplayID: 1, GuestName: "Aoi", Status: models.StatusEntered, CreatedAt: time.Now()}}, nil
		},
	})

	rec := serve(h, http.MethodGet, "/admin/tickets/export", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	// xlsx is a zip container.
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

func TestReadyzReportsChecks(t *testing.T) {
	q := fakeQueue{pingFn: func(ctx context.Context) error { return nil }}
	h := NewHandler(q, Options{
		Logger: zerolog.Nop(),
		ReadyChecks: map[string]func(context.Context) error{
			"redis": func(ctx context.Context) error { return errors.New("connection refused") },
		},
	}).Routes()

	rec := serve(h, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var checks map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checks))
	assert.Equal(t, "ok", checks["store"])
	assert.Equal(t, "connection refused", checks["redis"])

	rec = serve(newTestHandler(q), http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, serve(newTestHandler(q), http.MethodGet, "/healthz", nil, nil).Code)
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	// httptest requests come from 192.0.2.1; treat it as the load balancer.
	limiter, err := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 2, TrustedProxies: []string{"192.0.2.1", "10.0.0.0/8"}})
	require.NoError(t, err)
	h := limiter.Middleware(newTestHandler(fakeQueue{}))

	headers := map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", nil, headers).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", nil, headers).Code)
	rec := serve(h, http.MethodGet, "/healthz", nil, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error.Code)

	other := map[string]string{"X-Forwarded-For": "198.51.100.7"}
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", nil, other).Code)
}

func TestRateLimiterIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	limiter, err := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 1})
	require.NoError(t, err)
	h := limiter.Middleware(newTestHandler(fakeQueue{}))

	first := serve(h, http.MethodGet, "/healthz", nil, map[string]string{"X-Forwarded-For": "198.51.100.1"})
	assert.Equal(t, http.StatusOK, first.Code)
	rotated := serve(h, http.MethodGet, "/healthz", nil, map[string]string{"X-Forwarded-For": "198.51.100.2"})
	assert.Equal(t, http.StatusTooManyRequests, rotated.Code)
}

func TestClientIPWalksTrustedHops(t *testing.T) {
	limiter, err := NewRateLimiter(RateLimitConfig{TrustedProxies: []string{"192.0.2.1", "10.0.0.0/8"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "1.1.1.1, 203.0.113.9, 10.1.2.3")
	assert.Equal(t, "203.0.113.9", limiter.clientIP(req))

	req.RemoteAddr = "198.51.100.4:5555"
	assert.Equal(t, "198.51.100.4", limiter.clientIP(req))

	_, err = NewRateLimiter(RateLimitConfig{TrustedProxies: []string{"not-an-ip"}})
	assert.Error(t, err)
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware([]string{"https://kiosk.example"}, newTestHandler(fakeQueue{}))

	rec := serve(h, http.MethodOptions, "/tickets/abc/call", nil, map[string]string{
		"Origin":                        "https://kiosk.example",
		"Access-Control-Request-Method": "PATCH",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://kiosk.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")

	rec = serve(h, http.MethodGet, "/healthz", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEndToEndAgainstMemoryStore(t *testing.T) {
	st := memory.NewStore(memory.Options{})
	coord := queue.New(st, slots.Default(5), queue.Options{ExclusiveCalling: true, Logger: zerolog.Nop()})
	h := newTestHandler(coord)

	rec := serve(h, http.MethodPost, "/tickets", []byte(`{"guest_name":"Aoi","adult_count":2,"child_count":0,"scheduled_time":"13:00"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var issued ticketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	ticketID := issued.Data[0].ID

	// Staff reads see the write immediately after it returns.
	first := serve(h, http.MethodGet, "/tickets/slots-usage?role=staff", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)
	var usage map[string]int
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &usage))
	assert.Equal(t, 1, usage["13:00"])
	_, hasImmediate := usage[slots.DefaultImmediateLabel]
	assert.False(t, hasImmediate)

	second := serve(h, http.MethodGet, "/tickets/slots-usage?role=staff", nil, nil)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, first.Header().Get("ETag"), second.Header().Get("ETag"))

	rec = serve(h, http.MethodPatch, "/tickets/"+ticketID+"/call", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(h, http.MethodGet, "/tickets/calling-now?role=staff", nil, nil)
	assert.JSONEq(t, `{"calling_id":1,"calling_name":"Aoi"}`, rec.Body.String())

	rec = serve(h, http.MethodPatch, "/tickets/"+ticketID+"/enter", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(h, http.MethodPatch, "/tickets/"+ticketID+"/enter", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(h, http.MethodGet, "/tickets/"+ticketID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []store.TicketEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs, 3)
	assert.True(t, strings.HasPrefix(evs[0].Type, "ticket."))
}
