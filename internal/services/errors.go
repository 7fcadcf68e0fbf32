package services

import (
	"errors"
	"log"
	"net/http"
)

// Business-rule errors. These are expected outcomes, surfaced to the caller
// as typed results and never logged as failures. Anything not in this list
// that escapes a service is an internal error for that request.
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrNotOwner          = errors.New("account does not belong to the acting user")
	ErrAccountBlocked    = errors.New("account is blocked")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSelfTransfer      = errors.New("cannot transfer to the same account")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrUserNotFound      = errors.New("user not found")

	ErrApplicationNotFound   = errors.New("application not found")
	ErrApplicationNotPending = errors.New("application already decided")
	ErrNotEligible           = errors.New("applicant does not meet credit requirements")

	ErrCurrencyNotFound = errors.New("cryptocurrency not found")
	ErrInvalidPrice     = errors.New("invalid cryptocurrency price")
	ErrWalletNotFound   = errors.New("wallet not found")

	// ErrTransferBusy means the row locks could not be acquired within the
	// bounded wait. Retryable; no state was changed.
	ErrTransferBusy = errors.New("transfer busy, try again")
)

// writeBusinessError maps a business-rule error to its HTTP status. Unknown
// errors are logged under the given tag and reported as 500 without leaking
// internals.
func writeBusinessError(w http.ResponseWriter, logTag string, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrRecipientNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrCurrencyNotFound),
		errors.Is(err, ErrWalletNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrApplicationNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrApplicationNotPending),
		errors.Is(err, ErrNotEligible):
		SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	case errors.Is(err, ErrNotOwner):
		SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
	case errors.Is(err, ErrAccountBlocked),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrSelfTransfer):
		SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	case errors.Is(err, ErrInvalidAmount):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrTransferBusy):
		w.Header().Set("Retry-After", "1")
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, ErrInvalidPrice):
		SendErrorResponse(w, err.Error(), http.StatusServiceUnavailable, nil)
	default:
		log.Printf("%s Internal error: %v", logTag, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}
