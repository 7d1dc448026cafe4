package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MatinCapisano/PatitasBigotes/internal/app"
	"github.com/MatinCapisano/PatitasBigotes/internal/domain"
)

// StockReserver is the minimal interface the checkout boundary needs.
type StockReserver interface {
	ReserveOrder(ctx context.Context, in app.ReserveOrderInput) ([]domain.StockReservation, error)
}

// ReservationLister exposes an order's reservation audit trail.
type ReservationLister interface {
	ListForOrder(ctx context.Context, orderID string) ([]domain.StockReservation, error)
}

// HandleReserveStock returns the handler for POST /reservations. The whole
// order is reserved atomically: any insufficient item fails the request and
// names the offending variant.
func HandleReserveStock(svc StockReserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		var req reserveStockRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if err := req.validate(); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidPayload, err.Error())
			return
		}

		input := app.ReserveOrderInput{OrderID: req.OrderID}
		for _, item := range req.Items {
			input.Items = append(input.Items, app.ReserveItem{
				OrderItemID: item.OrderItemID,
				VariantID:   item.VariantID,
				Quantity:    item.Quantity,
			})
		}

		reservations, err := svc.ReserveOrder(r.Context(), input)
		if err != nil {
			var stockErr *domain.InsufficientStockError
			switch {
			case errors.As(err, &stockErr):
				writeErrorDetails(w, http.StatusConflict, codeInsufficientStock, stockErr.Error(), map[string]any{
					"order_item_id": stockErr.OrderItemID,
					"variant_id":    stockErr.VariantID,
					"requested":     stockErr.Requested,
					"available":     stockErr.Available,
				})
			case errors.Is(err, domain.ErrOrderNotFound):
				writeError(w, http.StatusNotFound, codeOrderNotFound, err.Error())
			case errors.Is(err, domain.ErrVariantNotFound):
				writeError(w, http.StatusNotFound, codeVariantNotFound, err.Error())
			case errors.Is(err, domain.ErrOrderStateConflict):
				writeError(w, http.StatusConflict, codeOrderStateConflict, err.Error())
			case errors.Is(err, domain.ErrInvalidQuantity):
				writeError(w, http.StatusBadRequest, codeInvalidQuantity, err.Error())
			case errors.Is(err, domain.ErrInvalidID):
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		writeJSON(w, http.StatusCreated, reservationListResponse{
			Reservations: toReservationViews(reservations),
		})
	}
}

// HandleOrderReservations returns the handler for GET /orders/{id}/reservations.
func HandleOrderReservations(svc ReservationLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		orderID, ok := parseOrderReservationsPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		reservations, err := svc.ListForOrder(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidID) {
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, reservationListResponse{
			Reservations: toReservationViews(reservations),
		})
	}
}

func parseOrderReservationsPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		return "", false
	}
	if parts[0] != "orders" || parts[2] != "reservations" {
		return "", false
	}
	if parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

type reserveStockRequest struct {
	OrderID string             `json:"order_id"`
	Items   []reserveStockItem `json:"items"`
}

type reserveStockItem struct {
	OrderItemID string `json:"order_item_id"`
	VariantID   string `json:"variant_id"`
	Quantity    int    `json:"quantity"`
}

func (r reserveStockRequest) validate() error {
	if r.OrderID == "" {
		return errors.New("order_id is required")
	}
	if len(r.Items) == 0 {
		return errors.New("items are required")
	}
	for _, item := range r.Items {
		if item.OrderItemID == "" || item.VariantID == "" {
			return errors.New("order_item_id and variant_id are required")
		}
		if item.Quantity <= 0 {
			return domain.ErrInvalidQuantity
		}
	}
	return nil
}

type reservationView struct {
	ID                string     `json:"id"`
	OrderID           string     `json:"order_id"`
	OrderItemID       string     `json:"order_item_id"`
	VariantID         string     `json:"variant_id"`
	Quantity          int        `json:"quantity"`
	Status            string     `json:"status"`
	ReactivationCount int        `json:"reactivation_count"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ConsumedAt        *time.Time `json:"consumed_at,omitempty"`
	ReleasedAt        *time.Time `json:"released_at,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

type reservationListResponse struct {
	Reservations []reservationView `json:"reservations"`
}

func toReservationViews(reservations []domain.StockReservation) []reservationView {
	out := make([]reservationView, 0, len(reservations))
	for _, res := range reservations {
		out = append(out, reservationView{
			ID:                res.ID,
			OrderID:           res.OrderID,
			OrderItemID:       res.OrderItemID,
			VariantID:         res.VariantID,
			Quantity:          res.Quantity,
			Status:            string(res.Status),
			ReactivationCount: res.ReactivationCount,
			ExpiresAt:         res.ExpiresAt,
			ConsumedAt:        res.ConsumedAt,
			ReleasedAt:        res.ReleasedAt,
			Reason:            res.Reason,
			CreatedAt:         res.CreatedAt,
		})
	}
	return out
}
