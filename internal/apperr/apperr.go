// Package apperr defines the error kinds shared by the ledger, lock store,
// trade state machine and room coordinator.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidInput            = errors.New("invalid input")
	ErrInsufficientLockBalance = errors.New("insufficient lock balance")
	ErrNotFound                = errors.New("not found")
	ErrForbidden               = errors.New("forbidden")
	ErrIllegalTransition       = errors.New("illegal transition")
	ErrRangeViolation          = errors.New("range violation")
	ErrPersistence             = errors.New("persistence failure")
	ErrRoomClosed              = errors.New("room closed")
)

var kinds = []struct {
	err    error
	kind   string
	status int
}{
	{ErrInvalidAmount, "InvalidAmount", http.StatusBadRequest},
	{ErrInvalidInput, "InvalidInput", http.StatusBadRequest},
	{ErrInsufficientLockBalance, "InsufficientLockBalance", http.StatusConflict},
	{ErrNotFound, "NotFound", http.StatusNotFound},
	{ErrForbidden, "Forbidden", http.StatusForbidden},
	{ErrIllegalTransition, "IllegalTransition", http.StatusConflict},
	{ErrRangeViolation, "RangeViolation", http.StatusUnprocessableEntity},
	{ErrPersistence, "PersistenceFailure", http.StatusServiceUnavailable},
	{ErrRoomClosed, "RoomClosed", http.StatusServiceUnavailable},
}

// Kind returns the name of the first known kind err wraps, or "Internal".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
