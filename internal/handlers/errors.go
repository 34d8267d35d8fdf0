package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/duangjit/backend/internal/ledger"
	"github.com/duangjit/backend/internal/notify"
	"github.com/duangjit/backend/internal/services"
	"github.com/duangjit/backend/internal/sheet"
	"github.com/duangjit/backend/internal/slip"
)

// StatusFor maps a domain error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ledger.ErrStoreUnavailable), errors.Is(err, sheet.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrLedgerContention),
		errors.Is(err, slip.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidCreditAmount),
		errors.Is(err, services.ErrNoExtractedAmount),
		errors.Is(err, services.ErrValidation),
		errors.Is(err, services.ErrUnknownEvent),
		errors.Is(err, services.ErrUnknownAdmin):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrSlipNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrEmptyAccountKey),
		errors.Is(err, ledger.ErrMissingCorrelation),
		errors.Is(err, ledger.ErrInvalidCreditSource),
		errors.Is(err, services.ErrEmptyImage),
		errors.Is(err, services.ErrInvalidReferral),
		errors.Is(err, services.ErrSelfReferralDenied):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// MessageFor is the client-facing text for err. Store outages get the
// user-facing unavailable notice; internals are not echoed.
func MessageFor(err error) string {
	switch StatusFor(err) {
	case http.StatusServiceUnavailable:
		return notify.TextUnavailable
	case http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

// WriteError writes err as {"error": ...} with its mapped status.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), map[string]string{"error": MessageFor(err)})
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
