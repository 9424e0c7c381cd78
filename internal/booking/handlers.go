package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-rental/internal/common"
	"github.com/noah-isme/backend-rental/internal/rental"
)

// DateLayout is the wire format of rental dates.
const DateLayout = "2006-01-02"

// Handler exposes the booking service over HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type itemPayload struct {
	EquipmentID int64 `json:"equipmentId" validate:"required,gt=0"`
	Quantity    int   `json:"quantity" validate:"required,gt=0"`
}

type cartPayload struct {
	LocationID   int64         `json:"locationId" validate:"required,gt=0"`
	StartDate    string        `json:"startDate" validate:"omitempty,datetime=2006-01-02"`
	EndDate      string        `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	PickupHour   string        `json:"pickupHour" validate:"omitempty,max=16"`
	Items        []itemPayload `json:"items" validate:"required,min=1,dive"`
	DiscountCode string        `json:"discountCode" validate:"omitempty,max=64"`
	ApplyToSub   *bool         `json:"applyToSub"`
}

// Routes mounts the booking endpoints. reserveLimit wraps the reserve
// endpoint and may be nil.
func (h *Handler) Routes(r chi.Router, reserveLimit func(http.Handler) http.Handler) {
	r.Get("/locations/{locationId}/equipment", h.Catalog)
	r.Post("/availability", h.Availability)
	r.Post("/quote", h.Quote)
	if reserveLimit != nil {
		r.With(reserveLimit).Post("/orders", h.Reserve)
	} else {
		r.Post("/orders", h.Reserve)
	}
	r.Post("/orders/{id}/equipment", h.AddEquipment)
	r.Delete("/orders/{id}/equipment/{equipmentId}", h.RemoveEquipment)
	r.Post("/orders/{id}/cancel", h.Cancel)
	r.Get("/orders/{id}/earnings", h.Earnings)
}

func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	locationID, err := strconv.ParseInt(chi.URLParam(r, "locationId"), 10, 64)
	if err != nil || locationID <= 0 {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid location id", nil)
		return
	}
	items, err := h.Svc.Catalog(r.Context(), locationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, items)
}

func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCart(w, r)
	if !ok {
		return
	}
	items, err := h.Svc.Availability(r.Context(), req.Session, req.Items)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, items)
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCart(w, r)
	if !ok {
		return
	}
	q, err := h.Svc.Quote(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, q)
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCart(w, r)
	if !ok {
		return
	}
	res, err := h.Svc.Reserve(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, res)
}

func (h *Handler) AddEquipment(w http.ResponseWriter, r *http.Request) {
	var payload itemPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid payload", nil)
		return
	}
	if err := h.validate(r.Context(), payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidationFailed, err.Error(), nil)
		return
	}
	order, err := h.Svc.AddEquipment(r.Context(), chi.URLParam(r, "id"), ItemRequest(payload))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, order)
}

func (h *Handler) RemoveEquipment(w http.ResponseWriter, r *http.Request) {
	equipmentID, err := strconv.ParseInt(chi.URLParam(r, "equipmentId"), 10, 64)
	if err != nil || equipmentID <= 0 {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid equipment id", nil)
		return
	}
	order, err := h.Svc.RemoveEquipment(r.Context(), chi.URLParam(r, "id"), equipmentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, order)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	order, err := h.Svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, order)
}

func (h *Handler) Earnings(w http.ResponseWriter, r *http.Request) {
	e, err := h.Svc.Earnings(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, e)
}

func (h *Handler) decodeCart(w http.ResponseWriter, r *http.Request) (CartRequest, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "booking service not configured", nil)
		return CartRequest{}, false
	}
	var payload cartPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid payload", nil)
		return CartRequest{}, false
	}
	if err := h.validate(r.Context(), payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidationFailed, err.Error(), nil)
		return CartRequest{}, false
	}
	start, _ := parseDate(payload.StartDate)
	end, _ := parseDate(payload.EndDate)
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidationFailed, "endDate must not be before startDate", nil)
		return CartRequest{}, false
	}
	items := make([]ItemRequest, 0, len(payload.Items))
	for _, it := range payload.Items {
		items = append(items, ItemRequest(it))
	}
	return CartRequest{
		Session: rental.Session{
			LocationID: payload.LocationID,
			Range:      rental.DateRange{Start: start, End: end},
			PickupHour: strings.TrimSpace(payload.PickupHour),
		},
		Items:        items,
		DiscountCode: strings.TrimSpace(payload.DiscountCode),
		ApplyToSub:   payload.ApplyToSub,
	}, true
}

func (h *Handler) validate(ctx context.Context, payload any) error {
	v := h.Validate
	if v == nil {
		v = validator.New()
	}
	err := v.StructCtx(ctx, payload)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return err
	}
	msgs := make([]string, len(fields))
	for i, f := range fields {
		msgs[i] = fmt.Sprintf("invalid '%s' with value '%v'", f.Field(), f.Value())
	}
	return errors.New(strings.Join(msgs, ", "))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if common.WriteAppError(w, appError(err)) {
		return
	}
	common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "internal error", nil)
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(DateLayout, raw, time.UTC)
}
