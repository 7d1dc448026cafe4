package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MatinCapisano/PatitasBigotes/internal/app"
	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
)

const signatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// EventInbox is the minimal inbox surface the webhook endpoint needs.
type EventInbox interface {
	Accept(ctx context.Context, provider, eventKey string, payload []byte) (domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, provider, eventKey string) error
	MarkFailed(ctx context.Context, provider, eventKey string, cause error) error
}

// NotificationProcessor runs the business effect of a deduplicated event.
type NotificationProcessor interface {
	ProcessNotification(ctx context.Context, provider string, payload []byte) (app.ProcessOutcome, error)
}

type webhookResponse struct {
	Processed bool   `json:"processed"`
	Reason    string `json:"reason,omitempty"`
}

// HandleProviderWebhook returns the handler for POST /payments/webhook/{provider}.
// Validation failures (unknown provider, bad signature, malformed payload)
// answer non-2xx before anything is recorded; once the event is in the inbox
// the provider always gets a success for redeliveries of the same key.
func HandleProviderWebhook(inbox EventInbox, processor NotificationProcessor, secrets map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		provider, ok := parseWebhookPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}
		secret, ok := secrets[provider]
		if !ok {
			writeError(w, http.StatusNotFound, codeUnknownProvider, "unknown payment provider")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		if !validSignature(secret, body, r.Header.Get(signatureHeader)) {
			writeError(w, http.StatusUnauthorized, codeInvalidSignature, domain.ErrInvalidSignature.Error())
			return
		}

		var notification app.Notification
		if err := json.Unmarshal(body, &notification); err != nil || notification.ID == "" || notification.Type == "" {
			writeError(w, http.StatusBadRequest, codeInvalidPayload, "invalid notification payload")
			return
		}
		eventKey := notification.EventKey()

		if _, err := inbox.Accept(r.Context(), provider, eventKey, body); err != nil {
			if errors.Is(err, domain.ErrDuplicateEvent) {
				writeJSON(w, http.StatusOK, webhookResponse{Reason: "duplicate_event"})
				return
			}
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		outcome, err := processor.ProcessNotification(r.Context(), provider, body)
		if err != nil {
			_ = inbox.MarkFailed(r.Context(), provider, eventKey, err)
			writeError(w, http.StatusInternalServerError, codeInternalError, "webhook processing failed")
			return
		}

		if err := inbox.MarkProcessed(r.Context(), provider, eventKey); err != nil {
			// Business effects committed; a 5xx makes the provider retry,
			// which the inbox will answer as a duplicate.
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, webhookResponse{Processed: outcome.Processed, Reason: outcome.Reason})
	}
}

func parseWebhookPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		return "", false
	}
	if parts[0] != "payments" || parts[1] != "webhook" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

func validSignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}
