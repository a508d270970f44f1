package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// DefaultPlatformRatePerKm prices rides created by accepting a request.
const DefaultPlatformRatePerKm = 8.0

type Routes interface {
	Lookup(ctx context.Context, from, to string) (models.Route, error)
	ByID(ctx context.Context, id int64) (models.Route, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID int64, message string)
}

type Service struct {
	Store             storage.Store
	Routes            Routes
	Notifier          Notifier         // optional
	Events            ingest.Publisher // optional
	PlatformRatePerKm float64
	Log               *slog.Logger
}

type NewRequest struct {
	PassengerID     int64           `json:"passenger_id"`
	FromCity        string          `json:"from_city"`
	ToCity          string          `json:"to_city"`
	DateTime        time.Time       `json:"date_time"`
	PassengersCount int             `json:"passengers_count"`
	Preferences     json.RawMessage `json:"preferences,omitempty"`
}

type NewOffer struct {
	DriverID       int64   `json:"driver_id"`
	VehicleNo      string  `json:"vehicle_no"`
	RouteID        int64   `json:"route_id"`
	AvailableSeats int     `json:"available_seats"`
	PricePerKm     float64 `json:"price_per_km"`
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Service) rate() float64 {
	if s.PlatformRatePerKm <= 0 {
		return DefaultPlatformRatePerKm
	}
	return s.PlatformRatePerKm
}

// Fare is distance × rate rounded to cents.
func Fare(distanceKm, ratePerKm float64) float64 {
	return math.Round(distanceKm*ratePerKm*100) / 100
}

func timer(op string) *prometheus.Timer {
	return prometheus.NewTimer(observability.OpLatency.WithLabelValues(op))
}

// CreateRequest stores a pending request for drivers to browse.
func (s *Service) CreateRequest(ctx context.Context, in NewRequest) (models.RideRequest, error) {
	in.FromCity, in.ToCity = strings.TrimSpace(in.FromCity), strings.TrimSpace(in.ToCity)
	switch {
	case in.FromCity == "" || in.ToCity == "":
		return models.RideRequest{}, apperrors.Invalid("from_city and to_city are required")
	case strings.EqualFold(in.FromCity, in.ToCity):
		return models.RideRequest{}, apperrors.Invalid("from_city and to_city must differ")
	case in.DateTime.IsZero():
		return models.RideRequest{}, apperrors.Invalid("date_time is required")
	case in.PassengersCount < 1:
		return models.RideRequest{}, apperrors.ErrInvalidSeats
	case len(in.Preferences) > 0 && !json.Valid(in.Preferences):
		return models.RideRequest{}, apperrors.Invalid("preferences must be valid JSON")
	}
	req := models.RideRequest{
		PassengerID:     in.PassengerID,
		FromCity:        in.FromCity,
		ToCity:          in.ToCity,
		DateTime:        in.DateTime,
		PassengersCount: in.PassengersCount,
		Preferences:     in.Preferences,
		Status:          models.RequestPending,
	}
	if err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertRequest(ctx, &req)
	}); err != nil {
		return models.RideRequest{}, err
	}
	observability.RequestsTotal.Inc()
	s.logger().Info("request_created", "request_id", req.ID, "passenger_id", req.PassengerID)
	return req, nil
}

// CancelRequest withdraws a pending request. Only its passenger may do so.
func (s *Service) CancelRequest(ctx context.Context, requestID, passengerID int64) (models.RideRequest, error) {
	var req models.RideRequest
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.PassengerID != passengerID {
			return apperrors.ErrNotRequestOwner
		}
		if req.Status != models.RequestPending {
			return apperrors.ErrRequestNotPending
		}
		if err := tx.ClaimRequest(ctx, requestID, models.RequestCancelled); err != nil {
			return err
		}
		req.Status = models.RequestCancelled
		return nil
	})
	observability.CountConflict("cancel_request", err)
	if err != nil {
		return models.RideRequest{}, err
	}
	return req, nil
}

// AcceptRequest lets a driver take a pending request. The request, a bound
// offer and the ride change together; at most one caller ever wins.
func (s *Service) AcceptRequest(ctx context.Context, driverID, requestID int64) (models.Ride, error) {
	defer timer("accept_request").ObserveDuration()

	// advisory read: classifies settled requests before any work is done
	pre, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return models.Ride{}, apperrors.Connectivity(err)
	}
	switch pre.Status {
	case models.RequestMatched:
		return models.Ride{}, apperrors.ErrAlreadyMatched
	case models.RequestCancelled:
		return models.Ride{}, apperrors.ErrRequestNotPending
	}
	driver, err := s.Store.Driver(ctx, driverID)
	if err != nil {
		return models.Ride{}, apperrors.Connectivity(err)
	}
	route, err := s.Routes.Lookup(ctx, pre.FromCity, pre.ToCity)
	if err != nil {
		return models.Ride{}, err
	}
	rate := s.rate()
	fare := Fare(route.DistanceKm, rate)

	var ride models.Ride
	err = s.Store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.ClaimRequest(ctx, requestID, models.RequestMatched); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				// the winner has committed by now; report what it settled
				if cur, gerr := tx.GetRequest(ctx, requestID); gerr == nil {
					return settledRequest(cur, err)
				}
			}
			return err
		}
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		offer := models.RideOffer{
			DriverID:       driver.ID,
			VehicleNo:      driver.VehicleNo,
			RouteID:        route.ID,
			RequestID:      &req.ID,
			AvailableSeats: 0,
			PricePerKm:     rate,
			EstimatedFare:  fare,
			Status:         models.OfferBooked,
		}
		if err := tx.InsertOffer(ctx, &offer); err != nil {
			return err
		}
		ride = models.Ride{
			OfferID:     offer.ID,
			PassengerID: req.PassengerID,
			DriverID:    driver.ID,
			SeatsBooked: req.PassengersCount,
			TotalFare:   fare,
			Status:      models.RideBooked,
		}
		return tx.InsertRide(ctx, &ride)
	})
	observability.CountConflict("accept_request", err)
	if err != nil {
		return models.Ride{}, err
	}

	observability.MatchesTotal.Inc()
	s.logger().Info("request_accepted", "request_id", requestID, "driver_id", driverID, "ride_id", ride.ID, "fare", fare)
	s.notifyRide(ctx, ride.ID,
		fmt.Sprintf("Your ride request %d was accepted by %s. Fare: %.2f", requestID, driver.Name, fare),
		fmt.Sprintf("You accepted ride request %d", requestID))
	ingest.Emit(ctx, s.Events, s.logger(), models.NewRideEvent(models.EventRideCreated, ride))
	return ride, nil
}

// PublishOffer lists driver capacity on a catalog route, priced by the driver.
func (s *Service) PublishOffer(ctx context.Context, in NewOffer) (models.RideOffer, error) {
	if in.AvailableSeats < 1 {
		return models.RideOffer{}, apperrors.ErrInvalidSeats
	}
	if in.PricePerKm <= 0 || math.IsNaN(in.PricePerKm) || math.IsInf(in.PricePerKm, 0) {
		return models.RideOffer{}, apperrors.ErrInvalidPrice
	}
	driver, err := s.Store.Driver(ctx, in.DriverID)
	if err != nil {
		return models.RideOffer{}, apperrors.Connectivity(err)
	}
	route, err := s.Routes.ByID(ctx, in.RouteID)
	if err != nil {
		return models.RideOffer{}, err
	}
	vehicle := strings.TrimSpace(in.VehicleNo)
	if vehicle == "" {
		vehicle = driver.VehicleNo
	}
	offer := models.RideOffer{
		DriverID:       driver.ID,
		VehicleNo:      vehicle,
		RouteID:        route.ID,
		AvailableSeats: in.AvailableSeats,
		PricePerKm:     in.PricePerKm,
		EstimatedFare:  Fare(route.DistanceKm, in.PricePerKm),
		Status:         models.OfferOpen,
	}
	if err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertOffer(ctx, &offer)
	}); err != nil {
		return models.RideOffer{}, err
	}
	observability.OffersTotal.Inc()
	s.logger().Info("offer_published", "offer_id", offer.ID, "driver_id", driver.ID, "seats", offer.AvailableSeats, "fare", offer.EstimatedFare)
	return offer, nil
}

// BookOffer takes seats from an open offer and creates the passenger's ride.
// The ride is charged the offer's estimated fare.
func (s *Service) BookOffer(ctx context.Context, offerID, passengerID int64, seats int) (models.Ride, error) {
	defer timer("book_offer").ObserveDuration()
	if seats <= 0 {
		return models.Ride{}, apperrors.ErrInvalidSeats
	}

	var ride models.Ride
	var remaining models.RideOffer
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if err := bookable(o, seats); err != nil {
			return err
		}
		remaining, err = tx.ReserveSeats(ctx, offerID, seats)
		if errors.Is(err, apperrors.ErrConflict) {
			// someone booked in between; say why when the outcome is settled
			if cur, gerr := tx.GetOffer(ctx, offerID); gerr == nil {
				if berr := bookable(cur, seats); berr != nil {
					return berr
				}
			}
			return err
		}
		if err != nil {
			return err
		}
		ride = models.Ride{
			OfferID:     o.ID,
			PassengerID: passengerID,
			DriverID:    o.DriverID,
			SeatsBooked: seats,
			TotalFare:   o.EstimatedFare,
			Status:      models.RideBooked,
		}
		return tx.InsertRide(ctx, &ride)
	})
	observability.CountConflict("book_offer", err)
	if err != nil {
		observability.BookingsTotal.WithLabelValues(apperrors.Code(err)).Inc()
		return models.Ride{}, err
	}

	observability.BookingsTotal.WithLabelValues("ok").Inc()
	observability.SeatsBooked.Add(float64(seats))
	s.logger().Info("offer_booked", "offer_id", offerID, "ride_id", ride.ID, "seats", seats, "seats_left", remaining.AvailableSeats, "offer_status", remaining.Status)
	s.notifyRide(ctx, ride.ID,
		fmt.Sprintf("Booked %d seat(s) on offer %d. Fare: %.2f", seats, offerID, ride.TotalFare),
		fmt.Sprintf("A passenger booked %d seat(s) on your offer %d", seats, offerID))
	ingest.Emit(ctx, s.Events, s.logger(), models.NewRideEvent(models.EventRideCreated, ride))
	return ride, nil
}

// settledRequest names the outcome that beat a failed claim on req.
func settledRequest(req models.RideRequest, claimErr error) error {
	switch req.Status {
	case models.RequestMatched:
		return apperrors.ErrAlreadyMatched
	case models.RequestCancelled:
		return apperrors.ErrRequestNotPending
	}
	return claimErr
}

func bookable(o models.RideOffer, seats int) error {
	if o.Status == models.OfferFull || (o.Status.Bookable() && o.AvailableSeats < seats) {
		return apperrors.ErrInsufficientSeats
	}
	if !o.Status.Bookable() {
		return apperrors.ErrOfferNotBookable
	}
	return nil
}

func (s *Service) notifyRide(ctx context.Context, rideID int64, toPassenger, toDriver string) {
	if s.Notifier == nil {
		return
	}
	p, err := s.Store.Participants(ctx, rideID)
	if err != nil {
		s.logger().Warn("ride_participants_lookup_failed", "ride_id", rideID, "err", err)
		return
	}
	s.Notifier.Notify(ctx, p.PassengerUserID, toPassenger)
	s.Notifier.Notify(ctx, p.DriverUserID, toDriver)
}
