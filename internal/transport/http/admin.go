package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
)

// EventAdmin is the inbox surface behind the operational endpoints.
type EventAdmin interface {
	ListEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error)
	Requeue(ctx context.Context, id string) (domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, provider, eventKey string) error
	MarkFailed(ctx context.Context, provider, eventKey string, cause error) error
}

// HandleAdminWebhookEvents returns the handler for GET /admin/webhook-events.
func HandleAdminWebhookEvents(svc EventAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		status := domain.WebhookEventStatus(r.URL.Query().Get("status"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		events, err := svc.ListEvents(r.Context(), status, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		out := make([]webhookEventView, 0, len(events))
		for _, event := range events {
			out = append(out, toWebhookEventView(event))
		}
		writeJSON(w, http.StatusOK, webhookEventListResponse{Events: out})
	}
}

// HandleRetryWebhookEvent returns the handler for
// POST /admin/webhook-events/{id}/retry. Only failed events can be retried;
// the requeue guard serializes concurrent retries of the same event.
func HandleRetryWebhookEvent(svc EventAdmin, processor NotificationProcessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		id, ok := parseRetryEventPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		event, err := svc.Requeue(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrEventNotFound):
				writeError(w, http.StatusNotFound, codeEventNotFound, err.Error())
			case errors.Is(err, domain.ErrEventNotRetryable):
				writeError(w, http.StatusConflict, codeEventNotRetryable, err.Error())
			case errors.Is(err, domain.ErrInvalidID):
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		outcome, err := processor.ProcessNotification(r.Context(), event.Provider, event.Payload)
		if err != nil {
			_ = svc.MarkFailed(r.Context(), event.Provider, event.EventKey, err)
			writeError(w, http.StatusInternalServerError, codeInternalError, "event processing failed")
			return
		}

		if err := svc.MarkProcessed(r.Context(), event.Provider, event.EventKey); err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, webhookResponse{Processed: outcome.Processed, Reason: outcome.Reason})
	}
}

func parseRetryEventPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 {
		return "", false
	}
	if parts[0] != "admin" || parts[1] != "webhook-events" || parts[3] != "retry" {
		return "", false
	}
	if parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

type webhookEventView struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	EventKey    string     `json:"event_key"`
	Status      string     `json:"status"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type webhookEventListResponse struct {
	Events []webhookEventView `json:"events"`
}

func toWebhookEventView(event domain.WebhookEvent) webhookEventView {
	return webhookEventView{
		ID:          event.ID,
		Provider:    event.Provider,
		EventKey:    event.EventKey,
		Status:      string(event.Status),
		ReceivedAt:  event.ReceivedAt,
		ProcessedAt: event.ProcessedAt,
		LastError:   event.LastError,
	}
}
