package storage

import (
	"context"
	"time"

	"github.com/example/carpool/internal/models"
)

// Store is the relational store shared by every engine. All multi-row
// changes go through InTx; the Reader methods are single-statement reads
// that always observe committed state.
type Store interface {
	Reader
	// InTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. Errors that are not typed
	// apperrors are reported as connectivity failures.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// OfferFilter narrows ListOpenOffers. Zero values match everything.
type OfferFilter struct {
	FromCity string
	ToCity   string
	MinSeats int
	Limit    int
}

type Reader interface {
	GetRequest(ctx context.Context, id int64) (models.RideRequest, error)
	GetOffer(ctx context.Context, id int64) (models.RideOffer, error)
	GetRide(ctx context.Context, id int64) (models.Ride, error)
	Passenger(ctx context.Context, id int64) (models.Profile, error)
	Driver(ctx context.Context, id int64) (models.Profile, error)
	ProfilesByUser(ctx context.Context, userID int64) ([]models.Profile, error)
	Participants(ctx context.Context, rideID int64) (models.Participants, error)

	ListOpenRequests(ctx context.Context, limit int) ([]models.RideRequest, error)
	ListOpenOffers(ctx context.Context, f OfferFilter) ([]models.OpenOffer, error)
	MatchedRideDetails(ctx context.Context, requestID int64) (models.MatchedRideDetails, error)
	RidesForPassenger(ctx context.Context, passengerID int64, limit int) ([]models.Ride, error)
	RidesForDriver(ctx context.Context, driverID int64, limit int) ([]models.Ride, error)
	ActiveRideForUser(ctx context.Context, userID int64) (models.Ride, error)

	HasRated(ctx context.Context, rideID, raterUserID int64) (bool, error)
	RatingsForUser(ctx context.Context, userID int64, limit int) ([]models.Rating, error)
	RatingStats(ctx context.Context, userID int64) (models.RatingStats, error)

	Notifications(ctx context.Context, userID int64, limit int) ([]models.Notification, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
}

// Tx exposes the guarded writes the engines compose. Every status change is
// a conditional update: it applies only when the stored state still equals
// the expected prior value and reports apperrors.ErrConflict otherwise.
type Tx interface {
	GetRequest(ctx context.Context, id int64) (models.RideRequest, error)
	GetOffer(ctx context.Context, id int64) (models.RideOffer, error)
	Driver(ctx context.Context, id int64) (models.Profile, error)
	Participants(ctx context.Context, rideID int64) (models.Participants, error)

	InsertRequest(ctx context.Context, r *models.RideRequest) error
	// ClaimRequest moves a request from pending to `to`.
	ClaimRequest(ctx context.Context, requestID int64, to models.RequestStatus) error

	InsertOffer(ctx context.Context, o *models.RideOffer) error
	// ReserveSeats atomically takes seats from a bookable offer holding at
	// least that many and sets its status to booked or full.
	ReserveSeats(ctx context.Context, offerID int64, seats int) (models.RideOffer, error)
	ReleaseSeats(ctx context.Context, offerID int64, seats int) error
	// LockOffer reads an offer and holds its row lock until the tx ends.
	LockOffer(ctx context.Context, offerID int64) (models.RideOffer, error)
	SetOfferStatus(ctx context.Context, offerID int64, to models.OfferStatus) error

	InsertRide(ctx context.Context, r *models.Ride) error
	// LockRide reads a ride and holds its row lock until the tx ends.
	LockRide(ctx context.Context, rideID int64) (models.Ride, error)
	TransitionRide(ctx context.Context, rideID int64, from, to models.RideStatus, at time.Time) error
	// CountRides counts the offer's rides other than excludeRideID whose
	// status is one of statuses.
	CountRides(ctx context.Context, offerID, excludeRideID int64, statuses ...models.RideStatus) (int, error)
	AdvancePosition(ctx context.Context, rideID int64, from, to int) error

	// InsertRating reports apperrors.ErrDuplicateRating when the rater
	// already rated the ride.
	InsertRating(ctx context.Context, r *models.Rating) error
	// RecomputeReputation locks every profile owned by userID, aggregates
	// all ratings received by that user and persists the result.
	RecomputeReputation(ctx context.Context, userID int64) (models.Reputation, error)

	InsertNotification(ctx context.Context, n *models.Notification) error
	MarkAllRead(ctx context.Context, userID int64) (int, error)
	InsertIncident(ctx context.Context, i *models.Incident) error
	InsertUserReport(ctx context.Context, r *models.UserReport) error
}

// ComputeStats folds rating values into the statistics projection.
func ComputeStats(userID int64, values []int) models.RatingStats {
	st := models.RatingStats{UserID: userID}
	if len(values) == 0 {
		return st
	}
	sum := 0
	st.MinRating, st.MaxRating = values[0], values[0]
	for _, v := range values {
		sum += v
		if v < st.MinRating {
			st.MinRating = v
		}
		if v > st.MaxRating {
			st.MaxRating = v
		}
		if v >= 4 {
			st.PositiveRatings++
		}
	}
	st.TotalRatings = len(values)
	st.AverageRating = round2(float64(sum) / float64(len(values)))
	st.PositivePercentage = round1(float64(st.PositiveRatings) * 100 / float64(len(values)))
	return st
}

func round2(v float64) float64 { return float64(int64(v*100+0.5)) / 100 }
func round1(v float64) float64 { return float64(int64(v*10+0.5)) / 10 }

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
