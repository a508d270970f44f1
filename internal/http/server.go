package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/directory"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/lifecycle"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/storage"
)

// Deps are the services the API exposes. WSReg may be nil, in which case
// /ws is not mounted.
type Deps struct {
	Store     storage.Store
	Matcher   *matcher.Service
	Lifecycle *lifecycle.Service
	Ratings   *rating.Service
	Directory *directory.Service
	Dispatch  *dispatch.Service
	WSReg     *dispatch.WSRegistry
	Logger    *slog.Logger
	// RequestTimeout bounds every /api call; zero disables it.
	RequestTimeout time.Duration
}

type Server struct {
	Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.timeoutMiddleware)

	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/open", s.handleOpenRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/accept", s.handleAcceptRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/ride", s.handleMatchedRide).Methods(http.MethodGet)

	api.HandleFunc("/offers", s.handlePublishOffer).Methods(http.MethodPost)
	api.HandleFunc("/offers/open", s.handleOpenOffers).Methods(http.MethodGet)
	api.HandleFunc("/offers/{id}/book", s.handleBookOffer).Methods(http.MethodPost)

	api.HandleFunc("/rides/{id}/start", s.handleStartRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/advance", s.handleAdvance).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/ratings", s.handleSubmitRating).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/ratings/{user_id}", s.handleHasRated).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/incidents", s.handleIncident).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/reports", s.handleReport).Methods(http.MethodPost)

	api.HandleFunc("/users/{id}/notifications", s.handleNotifications).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/notifications", s.handleCreateNotification).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/notifications/read", s.handleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/ratings", s.handleUserRatings).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/ratings/stats", s.handleRatingStats).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/rides/active", s.handleActiveRide).Methods(http.MethodGet)
	api.HandleFunc("/passengers/{id}/rides", s.handlePassengerRides).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/rides", s.handleDriverRides).Methods(http.MethodGet)

	api.HandleFunc("/routes/cities", s.handleCities).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.WSReg != nil {
		s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleWS registers a notification session for the user. The read loop
// only exists to notice the peer going away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	s.WSReg.Add(userID, conn)
	go func() {
		defer s.WSReg.Remove(userID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
