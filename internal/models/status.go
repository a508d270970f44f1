package models

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestMatched   RequestStatus = "matched"
	RequestCancelled RequestStatus = "cancelled"
)

type OfferStatus string

const (
	OfferOpen      OfferStatus = "open"
	OfferBooked    OfferStatus = "booked"
	OfferActive    OfferStatus = "active"
	OfferCompleted OfferStatus = "completed"
	OfferCancelled OfferStatus = "cancelled"
	OfferFull      OfferStatus = "full"
)

// Bookable reports whether passengers may still reserve seats on the offer.
func (s OfferStatus) Bookable() bool {
	return s == OfferOpen || s == OfferBooked
}

// AfterBooking is the status an offer takes once a booking leaves it with
// the given number of seats.
func AfterBooking(remaining int) OfferStatus {
	if remaining > 0 {
		return OfferBooked
	}
	return OfferFull
}

type RideStatus string

const (
	RideBooked    RideStatus = "booked"
	RideActive    RideStatus = "active"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

var rideTransitions = map[RideStatus][]RideStatus{
	RideBooked: {RideActive, RideCancelled},
	RideActive: {RideCompleted, RideCancelled},
}

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

func (s RideStatus) CanTransition(to RideStatus) bool {
	for _, next := range rideTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OfferMirror is the offer status that follows a ride entering s.
func OfferMirror(s RideStatus) OfferStatus {
	switch s {
	case RideActive:
		return OfferActive
	case RideCompleted:
		return OfferCompleted
	case RideCancelled:
		return OfferCancelled
	default:
		return OfferBooked
	}
}
