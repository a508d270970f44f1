package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
	KindConnectivity Kind = "connectivity"
)

// Error is the typed failure returned by every exposed operation.
// Two errors match under errors.Is when their Kind and Code match.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrRequestNotFound = newErr(KindNotFound, "request_not_found", "ride request not found")
	ErrOfferNotFound   = newErr(KindNotFound, "offer_not_found", "ride offer not found")
	ErrRideNotFound    = newErr(KindNotFound, "ride_not_found", "ride not found")
	ErrRouteNotFound   = newErr(KindNotFound, "route_not_found", "no route between these cities")
	ErrProfileNotFound = newErr(KindNotFound, "profile_not_found", "profile not found")
	ErrNoActiveRide    = newErr(KindNotFound, "no_active_ride", "no active ride")

	ErrAlreadyMatched    = newErr(KindInvalidState, "already_matched", "ride request already matched")
	ErrRequestNotPending = newErr(KindInvalidState, "request_not_pending", "ride request is no longer pending")
	ErrOfferNotBookable  = newErr(KindInvalidState, "offer_not_bookable", "ride offer is not open for booking")
	ErrInsufficientSeats = newErr(KindInvalidState, "insufficient_seats", "not enough seats available")
	ErrInvalidTransition = newErr(KindInvalidState, "invalid_transition", "ride cannot move to that status")
	ErrRideNotCompleted  = newErr(KindInvalidState, "ride_not_completed", "ride must be completed before rating")
	ErrRideNotActive     = newErr(KindInvalidState, "ride_not_active", "ride is not active")
	ErrRouteEnd          = newErr(KindInvalidState, "route_end", "ride is already at the end of its route")
	ErrConflict          = newErr(KindConflict, "conflict", "another update won the race, retry")
	ErrDuplicateRating   = newErr(KindConflict, "duplicate_rating", "ride already rated by this user")
	ErrOutOfRangeValue   = newErr(KindValidation, "out_of_range_value", "rating must be between 1 and 5")
	ErrInvalidSeats      = newErr(KindValidation, "invalid_seats", "seat count must be positive")
	ErrInvalidPrice      = newErr(KindValidation, "invalid_price", "price per km must be positive")
	ErrInvalidInput      = newErr(KindValidation, "invalid_input", "invalid input")
	ErrNotParticipant    = newErr(KindValidation, "not_participant", "user is not a participant of this ride")
	ErrNotAssignedDriver = newErr(KindValidation, "not_assigned_driver", "only the assigned driver can do this")
	ErrNotRequestOwner   = newErr(KindValidation, "not_request_owner", "only the requesting passenger can do this")
	ErrStoreUnavailable  = newErr(KindConnectivity, "store_unavailable", "storage is unavailable")
)

// Connectivity wraps an unexpected storage failure.
func Connectivity(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindConnectivity, Code: ErrStoreUnavailable.Code, Message: ErrStoreUnavailable.Message, Err: err}
}

// Invalid returns a validation error with a specific message.
func Invalid(msg string) error {
	return &Error{Kind: KindValidation, Code: ErrInvalidInput.Code, Message: msg}
}

// KindOf returns the kind of err, treating unknown errors as connectivity.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindConnectivity
}

// Retryable reports whether repeating the call may succeed. Conflicts that
// describe a settled outcome are not.
func Retryable(err error) bool {
	if errors.Is(err, ErrDuplicateRating) {
		return false
	}
	k := KindOf(err)
	return k == KindConflict || k == KindConnectivity
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// Message is the short user-facing text for err. Connectivity details never
// leak past this point.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Kind == KindConnectivity {
			return ErrStoreUnavailable.Message
		}
		return ae.Message
	}
	return ErrStoreUnavailable.Message
}

func Code(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrStoreUnavailable.Code
}
