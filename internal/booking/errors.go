package booking

import (
	"context"
	"errors"
	"net/http"

	"github.com/noah-isme/backend-rental/internal/allocation"
	"github.com/noah-isme/backend-rental/internal/common"
	"github.com/noah-isme/backend-rental/internal/discount"
	"github.com/noah-isme/backend-rental/internal/earnings"
)

// appError attaches an API code and status to the booking errors callers can
// act on. Anything else is returned unchanged and renders as a 500.
func appError(err error) error {
	if err == nil || common.IsAppError(err) {
		return err
	}
	var unavailable *UnavailableError
	var dErr *DiscountError
	switch {
	case errors.As(err, &unavailable):
		return &common.AppError{
			Code:       common.CodeUnavailable,
			Message:    err.Error(),
			HTTPStatus: http.StatusConflict,
			Err:        err,
			Details:    map[string]any{"equipmentIds": unavailable.EquipmentIDs},
		}
	case errors.As(err, &dErr):
		status := http.StatusUnprocessableEntity
		if errors.Is(err, discount.ErrNotFound) {
			status = http.StatusNotFound
		}
		return &common.AppError{
			Code:       common.CodeDiscountInvalid,
			Message:    dErr.Err.Error(),
			HTTPStatus: status,
			Err:        err,
			Details:    map[string]any{"code": dErr.Code},
		}
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrEquipmentNotFound):
		return common.NewAppError(common.CodeNotFound, err.Error(), http.StatusNotFound, err)
	case errors.Is(err, ErrOrderCanceled):
		return common.NewAppError(common.CodeOrderCanceled, err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrLastEquipment):
		return common.NewAppError(common.CodeLastEquipment, err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrRangeTooLong):
		return common.BadRequest(common.CodeRangeTooLong, err)
	case errors.Is(err, ErrDatesRequired), errors.Is(err, ErrNotComputable), errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrInvalidItem), errors.Is(err, ErrNotInOrder):
		return common.BadRequest(common.CodeBadRequest, err)
	case errors.Is(err, context.DeadlineExceeded):
		return common.NewAppError(common.CodeBusy, "equipment is being reserved, retry shortly", http.StatusServiceUnavailable, err)
	case errors.Is(err, allocation.ErrUnknownOwner), errors.Is(err, earnings.ErrUnknownOwner):
		return common.NewAppError(common.CodePolicyMisconfigured, err.Error(), http.StatusInternalServerError, err)
	default:
		return err
	}
}
