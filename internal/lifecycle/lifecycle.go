package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/catalog"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

type Routes interface {
	ByID(ctx context.Context, id int64) (models.Route, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID int64, message string)
}

type IncidentLog interface {
	RecordIncident(ctx context.Context, in models.Incident)
}

// Service moves rides through booked → active → completed, or to cancelled,
// and keeps the paired offer in step inside the same transaction.
type Service struct {
	Store     storage.Store
	Routes    Routes
	Notifier  Notifier         // optional
	Incidents IncidentLog      // optional
	Events    ingest.Publisher // optional
	Log       *slog.Logger
	Now       func() time.Time
}

type Cancel struct {
	RideID    int64  `json:"ride_id"`
	UserID    int64  `json:"user_id"`
	Reason    string `json:"reason"`
	Emergency bool   `json:"emergency"`
}

// Position is a ride's live-tracking state after an advance.
type Position struct {
	RideID      int64        `json:"ride_id"`
	Index       int          `json:"current_position_index"`
	Point       models.Coord `json:"point"`
	RemainingKm float64      `json:"remaining_km"`
	AtEnd       bool         `json:"at_end"`
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

// guard authorizes the caller against the locked ride.
type guard func(tx storage.Tx, r models.Ride) error

func assignedDriver(driverID int64) guard {
	return func(_ storage.Tx, r models.Ride) error {
		if r.DriverID != driverID {
			return apperrors.ErrNotAssignedDriver
		}
		return nil
	}
}

func participant(ctx context.Context, userID int64) guard {
	return func(tx storage.Tx, r models.Ride) error {
		p, err := tx.Participants(ctx, r.ID)
		if err != nil {
			return err
		}
		if !p.Has(userID) {
			return apperrors.ErrNotParticipant
		}
		return nil
	}
}

func (s *Service) StartRide(ctx context.Context, rideID, driverID int64) (models.Ride, error) {
	r, err := s.transition(ctx, rideID, models.RideActive, assignedDriver(driverID))
	if err != nil {
		return models.Ride{}, err
	}
	s.notifyBoth(ctx, rideID, fmt.Sprintf("Ride %d has started", rideID))
	ingest.Emit(ctx, s.Events, s.logger(), models.NewRideEvent(models.EventRideStarted, r))
	return r, nil
}

func (s *Service) CompleteRide(ctx context.Context, rideID, driverID int64) (models.Ride, error) {
	r, err := s.transition(ctx, rideID, models.RideCompleted, assignedDriver(driverID))
	if err != nil {
		return models.Ride{}, err
	}
	s.notifyBoth(ctx, rideID, fmt.Sprintf("Ride %d is complete. You can now rate your trip", rideID))
	ingest.Emit(ctx, s.Events, s.logger(), models.NewRideEvent(models.EventRideCompleted, r))
	return r, nil
}

// CancelRide cancels a booked or active ride on behalf of either participant.
// The incident record and notifications are written after commit and never
// undo the cancellation.
func (s *Service) CancelRide(ctx context.Context, c Cancel) (models.Ride, error) {
	r, err := s.transition(ctx, c.RideID, models.RideCancelled, participant(ctx, c.UserID))
	if err != nil {
		return models.Ride{}, err
	}
	kind, msg := "cancellation", fmt.Sprintf("Ride %d was cancelled", c.RideID)
	if c.Emergency {
		kind, msg = "emergency", fmt.Sprintf("Emergency stop on ride %d", c.RideID)
	}
	if reason := strings.TrimSpace(c.Reason); reason != "" {
		msg += ": " + reason
	}
	if s.Incidents != nil {
		s.Incidents.RecordIncident(ctx, models.Incident{RideID: c.RideID, UserID: c.UserID, IncidentType: kind, Description: strings.TrimSpace(c.Reason)})
	}
	s.notifyBoth(ctx, c.RideID, msg)
	ingest.Emit(ctx, s.Events, s.logger(), models.NewRideEvent(models.EventRideCancelled, r))
	return r, nil
}

func (s *Service) transition(ctx context.Context, rideID int64, to models.RideStatus, authorize guard) (models.Ride, error) {
	var ride models.Ride
	var offerStatus models.OfferStatus
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		r, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		if err := authorize(tx, r); err != nil {
			return err
		}
		if !r.Status.CanTransition(to) {
			return apperrors.ErrInvalidTransition
		}
		at := s.now()
		if err := tx.TransitionRide(ctx, r.ID, r.Status, to, at); err != nil {
			return err
		}
		// offer row lock serializes the "last live ride" decision between
		// rides sharing the offer
		o, err := tx.LockOffer(ctx, r.OfferID)
		if err != nil {
			return err
		}
		offerStatus, err = mirrorOffer(ctx, tx, o, r, to)
		if err != nil {
			return err
		}

		r.Status = to
		switch to {
		case models.RideActive:
			r.StartTime = &at
		case models.RideCompleted, models.RideCancelled:
			r.EndTime = &at
		}
		ride = r
		return nil
	})
	observability.CountConflict("ride_"+string(to), err)
	if err != nil {
		return models.Ride{}, err
	}
	observability.RideTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger().Info("ride_transition", "ride_id", ride.ID, "to", to, "offer_id", ride.OfferID, "offer_status", offerStatus)
	return ride, nil
}

// mirrorOffer applies the offer side of a ride transition and returns the
// offer's resulting status.
//
// Cancelling a booking on a published offer that has not departed puts the
// seats back on sale, and the offer reopens once no booking is left. In every
// other case the offer follows its rides: it stays as is while any ride is
// still live, then ends completed if any of its rides completed and
// cancelled otherwise.
func mirrorOffer(ctx context.Context, tx storage.Tx, o models.RideOffer, r models.Ride, to models.RideStatus) (models.OfferStatus, error) {
	if to == models.RideActive {
		if o.Status == models.OfferActive {
			return o.Status, nil
		}
		return models.OfferActive, tx.SetOfferStatus(ctx, o.ID, models.OfferActive)
	}
	if to != models.RideCompleted && to != models.RideCancelled {
		return o.Status, nil
	}

	live, err := tx.CountRides(ctx, o.ID, r.ID, models.RideBooked, models.RideActive)
	if err != nil {
		return "", err
	}
	if to == models.RideCancelled && (live > 0 || resellable(o)) {
		if err := tx.ReleaseSeats(ctx, o.ID, r.SeatsBooked); err != nil {
			return "", err
		}
		if live == 0 {
			return models.OfferOpen, tx.SetOfferStatus(ctx, o.ID, models.OfferOpen)
		}
		if o.Status == models.OfferFull {
			return models.OfferBooked, nil
		}
		return o.Status, nil
	}
	if live > 0 {
		return o.Status, nil
	}

	next := models.OfferMirror(to)
	if to == models.RideCancelled {
		done, err := tx.CountRides(ctx, o.ID, r.ID, models.RideCompleted)
		if err != nil {
			return "", err
		}
		if done > 0 {
			next = models.OfferCompleted
		}
	}
	return next, tx.SetOfferStatus(ctx, o.ID, next)
}

// resellable reports whether seats freed on o can be booked again: a
// published offer whose trip has not started.
func resellable(o models.RideOffer) bool {
	return o.RequestID == nil && (o.Status.Bookable() || o.Status == models.OfferFull)
}

// AdvancePosition moves an active ride one point along its route. Only the
// assigned driver writes a ride's position.
func (s *Service) AdvancePosition(ctx context.Context, rideID, driverID int64) (Position, error) {
	pre, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return Position{}, apperrors.Connectivity(err)
	}
	offer, err := s.Store.GetOffer(ctx, pre.OfferID)
	if err != nil {
		return Position{}, apperrors.Connectivity(err)
	}
	route, err := s.Routes.ByID(ctx, offer.RouteID)
	if err != nil {
		return Position{}, err
	}
	path, err := catalog.NewPath(route.Coordinates)
	if err != nil {
		return Position{}, apperrors.ErrRouteEnd
	}

	var ride models.Ride
	err = s.Store.InTx(ctx, func(tx storage.Tx) error {
		r, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		if r.DriverID != driverID {
			return apperrors.ErrNotAssignedDriver
		}
		if r.Status != models.RideActive {
			return apperrors.ErrRideNotActive
		}
		next := r.CurrentPositionIndex + 1
		if next >= path.Len() {
			return apperrors.ErrRouteEnd
		}
		if err := tx.AdvancePosition(ctx, r.ID, r.CurrentPositionIndex, next); err != nil {
			return err
		}
		r.CurrentPositionIndex = next
		ride = r
		return nil
	})
	observability.CountConflict("advance_position", err)
	if err != nil {
		return Position{}, err
	}

	point, _ := path.At(ride.CurrentPositionIndex)
	pos := Position{
		RideID:      ride.ID,
		Index:       ride.CurrentPositionIndex,
		Point:       point,
		RemainingKm: path.RemainingKm(ride.CurrentPositionIndex),
		AtEnd:       ride.CurrentPositionIndex == path.Len()-1,
	}
	ev := models.NewRideEvent(models.EventRideMoved, ride)
	ev.Position = &point
	ingest.Emit(ctx, s.Events, s.logger(), ev)
	return pos, nil
}

func (s *Service) notifyBoth(ctx context.Context, rideID int64, message string) {
	if s.Notifier == nil {
		return
	}
	p, err := s.Store.Participants(ctx, rideID)
	if err != nil {
		s.logger().Warn("ride_participants_lookup_failed", "ride_id", rideID, "err", err)
		return
	}
	s.Notifier.Notify(ctx, p.PassengerUserID, message)
	s.Notifier.Notify(ctx, p.DriverUserID, message)
}
