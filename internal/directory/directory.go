// Package directory is the read side: browsing open requests and offers and
// resolving rides for display. It never writes.
package directory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/catalog"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

type Routes interface {
	ByID(ctx context.Context, id int64) (models.Route, error)
	Cities(ctx context.Context) (from, to []string, err error)
}

type Service struct {
	Store  storage.Reader
	Routes Routes
}

type Cities struct {
	From []string `json:"from_cities"`
	To   []string `json:"to_cities"`
}

// ActiveRide is a user's in-progress ride with its live position and the
// route drawn as a GeoJSON LineString.
type ActiveRide struct {
	models.Ride
	FromCity    string          `json:"from_city"`
	ToCity      string          `json:"to_city"`
	Point       *models.Coord   `json:"point,omitempty"`
	RemainingKm float64         `json:"remaining_km"`
	Geometry    json.RawMessage `json:"geometry,omitempty"`
}

func (s *Service) ListOpenRequests(ctx context.Context, limit int) ([]models.RideRequest, error) {
	out, err := s.Store.ListOpenRequests(ctx, limit)
	return out, apperrors.Connectivity(err)
}

func (s *Service) ListOpenOffers(ctx context.Context, f storage.OfferFilter) ([]models.OpenOffer, error) {
	out, err := s.Store.ListOpenOffers(ctx, f)
	return out, apperrors.Connectivity(err)
}

// FindMatchingOffers lists open offers between two cities with room for seats.
func (s *Service) FindMatchingOffers(ctx context.Context, from, to string, seats int) ([]models.OpenOffer, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, apperrors.Invalid("from_city and to_city are required")
	}
	if seats < 1 {
		return nil, apperrors.ErrInvalidSeats
	}
	return s.ListOpenOffers(ctx, storage.OfferFilter{FromCity: from, ToCity: to, MinSeats: seats})
}

func (s *Service) GetMatchedRideDetails(ctx context.Context, requestID int64) (models.MatchedRideDetails, error) {
	d, err := s.Store.MatchedRideDetails(ctx, requestID)
	return d, apperrors.Connectivity(err)
}

func (s *Service) RidesForPassenger(ctx context.Context, passengerID int64, limit int) ([]models.Ride, error) {
	out, err := s.Store.RidesForPassenger(ctx, passengerID, limit)
	return out, apperrors.Connectivity(err)
}

func (s *Service) RidesForDriver(ctx context.Context, driverID int64, limit int) ([]models.Ride, error) {
	out, err := s.Store.RidesForDriver(ctx, driverID, limit)
	return out, apperrors.Connectivity(err)
}

// ActiveRide resolves the ride userID is currently on, either side.
func (s *Service) ActiveRide(ctx context.Context, userID int64) (ActiveRide, error) {
	r, err := s.Store.ActiveRideForUser(ctx, userID)
	if err != nil {
		return ActiveRide{}, apperrors.Connectivity(err)
	}
	o, err := s.Store.GetOffer(ctx, r.OfferID)
	if err != nil {
		return ActiveRide{}, apperrors.Connectivity(err)
	}
	rt, err := s.Routes.ByID(ctx, o.RouteID)
	if err != nil {
		return ActiveRide{}, err
	}
	out := ActiveRide{Ride: r, FromCity: rt.FromCity, ToCity: rt.ToCity, RemainingKm: rt.DistanceKm}
	if path, err := catalog.NewPath(rt.Coordinates); err == nil {
		if pt, ok := path.At(r.CurrentPositionIndex); ok {
			out.Point = &pt
			out.RemainingKm = path.RemainingKm(r.CurrentPositionIndex)
		}
		if g, err := path.GeoJSON(); err == nil {
			out.Geometry = g
		}
	}
	return out, nil
}

func (s *Service) RouteCities(ctx context.Context) (Cities, error) {
	from, to, err := s.Routes.Cities(ctx)
	if err != nil {
		return Cities{}, err
	}
	return Cities{From: from, To: to}, nil
}
