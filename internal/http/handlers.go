package httpapi

import (
	"context"
	"net/http"

	"github.com/example/carpool/internal/lifecycle"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/storage"
)

type driverBody struct {
	DriverID int64 `json:"driver_id"`
}

type passengerBody struct {
	PassengerID int64 `json:"passenger_id"`
}

type bookBody struct {
	PassengerID int64 `json:"passenger_id"`
	Seats       int   `json:"seats"`
}

type messageBody struct {
	Message string `json:"message"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in matcher.NewRequest
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.Matcher.CreateRequest(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleOpenRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Directory.ListOpenRequests(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in driverBody
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Matcher.AcceptRequest(r.Context(), in.DriverID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in passengerBody
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.Matcher.CancelRequest(r.Context(), id, in.PassengerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleMatchedRide(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Directory.GetMatchedRideDetails(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePublishOffer(w http.ResponseWriter, r *http.Request) {
	var in matcher.NewOffer
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.Matcher.PublishOffer(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// handleOpenOffers serves both browsing and matching: a seats parameter
// switches to a match between the given cities.
func (s *Server) handleOpenOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var out []models.OpenOffer
	if q.Has("seats") {
		seats, qerr := queryInt(r, "seats")
		if qerr != nil {
			s.writeError(w, r, qerr)
			return
		}
		out, err = s.Directory.FindMatchingOffers(r.Context(), q.Get("from"), q.Get("to"), seats)
	} else {
		out, err = s.Directory.ListOpenOffers(r.Context(), storage.OfferFilter{FromCity: q.Get("from"), ToCity: q.Get("to"), Limit: limit})
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBookOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in bookBody
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Matcher.BookOffer(r.Context(), id, in.PassengerID, in.Seats)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) driverAction(w http.ResponseWriter, r *http.Request, do func(rideID, driverID int64) (any, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in driverBody
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := do(id, in.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, func(rideID, driverID int64) (any, error) {
		return s.Lifecycle.StartRide(r.Context(), rideID, driverID)
	})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, func(rideID, driverID int64) (any, error) {
		return s.Lifecycle.CompleteRide(r.Context(), rideID, driverID)
	})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, func(rideID, driverID int64) (any, error) {
		return s.Lifecycle.AdvancePosition(r.Context(), rideID, driverID)
	})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in lifecycle.Cancel
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.RideID = id
	ride, err := s.Lifecycle.CancelRide(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in rating.NewRating
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.RideID = id
	res, err := s.Ratings.SubmitRating(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleHasRated(w http.ResponseWriter, r *http.Request) {
	rideID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID, err := pathID(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rated, err := s.Ratings.HasRated(r.Context(), rideID, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID, "user_id": userID, "rated": rated})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in models.Incident
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.RideID = id
	out, err := s.Dispatch.LogIncident(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in models.UserReport
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.RideID = id
	out, err := s.Dispatch.CreateUserReport(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.Dispatch.List(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unread, err := s.Dispatch.UnreadCount(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "unread": unread})
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in messageBody
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.Dispatch.CreateNotification(r.Context(), userID, in.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.Dispatch.MarkAllRead(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) handleUserRatings(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Ratings.RatingsForUser(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRatingStats(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.Ratings.Statistics(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.Directory.ActiveRide(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePassengerRides(w http.ResponseWriter, r *http.Request) {
	s.rideHistory(w, r, s.Directory.RidesForPassenger)
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	s.rideHistory(w, r, s.Directory.RidesForDriver)
}

func (s *Server) rideHistory(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, id int64, limit int) ([]models.Ride, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := list(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCities(w http.ResponseWriter, r *http.Request) {
	c, err := s.Directory.RouteCities(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
