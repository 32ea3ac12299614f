package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/autoreply/internal/apperr"
	"github.com/wolfman30/autoreply/internal/dispatch"
	"github.com/wolfman30/autoreply/internal/scenario"
	"github.com/wolfman30/autoreply/internal/tenancy"
	"github.com/wolfman30/autoreply/pkg/logging"
)

const maxInboundBody = 64 << 10

// Dispatcher is the engine surface the HTTP API exposes.
type Dispatcher interface {
	HandleInboundMessage(ctx context.Context, in dispatch.Inbound) (*dispatch.Result, error)
	StartScenario(ctx context.Context, tenantID, friendID, scenarioID string) (*scenario.Conversation, error)
	CancelConversation(ctx context.Context, tenantID, friendID string) (bool, error)
}

// InboundPublisher enqueues messages for the inbound worker.
type InboundPublisher interface {
	Publish(ctx context.Context, msg dispatch.Inbound) (string, error)
}

// InboundHandler serves the auto-response ingestion endpoints.
type InboundHandler struct {
	dispatcher Dispatcher
	publisher  InboundPublisher
	logger     *logging.Logger
}

// NewInboundHandler builds the handler. publisher may be nil, in which case
// the async endpoint answers 503.
func NewInboundHandler(dispatcher Dispatcher, publisher InboundPublisher, logger *logging.Logger) *InboundHandler {
	if dispatcher == nil {
		panic("handlers: dispatcher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &InboundHandler{dispatcher: dispatcher, publisher: publisher, logger: logger}
}

type inboundRequest struct {
	FriendID       string `json:"friend_id"`
	PlatformUserID string `json:"platform_user_id"`
	Text           string `json:"text"`
	MessageType    string `json:"message_type"`
	MessageID      string `json:"message_id"`
}

func (h *InboundHandler) decode(w http.ResponseWriter, r *http.Request) (dispatch.Inbound, bool) {
	var req inboundRequest
	body := http.MaxBytesReader(w, r.Body, maxInboundBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return dispatch.Inbound{}, false
	}
	if strings.TrimSpace(req.FriendID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "friend_id is required"})
		return dispatch.Inbound{}, false
	}
	tenantID, _ := tenancy.TenantIDFromContext(r.Context())
	return dispatch.Inbound{
		TenantID:       tenantID,
		FriendID:       req.FriendID,
		PlatformUserID: req.PlatformUserID,
		Text:           req.Text,
		MessageType:    req.MessageType,
		MessageID:      req.MessageID,
	}, true
}

// Inbound dispatches a message synchronously and returns the result.
func (h *InboundHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.dispatcher.HandleInboundMessage(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// InboundAsync enqueues a message and answers 202 with the job id.
func (h *InboundHandler) InboundAsync(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async ingestion disabled"})
		return
	}
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	jobID, err := h.publisher.Publish(r.Context(), in)
	if err != nil {
		h.logger.Error("failed to enqueue inbound message", "friend_id", in.FriendID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "failed to enqueue message"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// StartScenario opens a scenario for the friend in the URL.
func (h *InboundHandler) StartScenario(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.TenantIDFromContext(r.Context())
	conv, err := h.dispatcher.StartScenario(r.Context(), tenantID, chi.URLParam(r, "friendID"), chi.URLParam(r, "scenarioID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// CancelConversation ends the friend's active conversation.
func (h *InboundHandler) CancelConversation(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.TenantIDFromContext(r.Context())
	cancelled, err := h.dispatcher.CancelConversation(r.Context(), tenantID, chi.URLParam(r, "friendID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// StatusFor maps engine errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrFriendRequired):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, scenario.ErrScenarioInactive), errors.Is(err, scenario.ErrScenarioEmpty):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *InboundHandler) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	} else {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
