package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/catalog"
	"github.com/example/carpool/internal/directory"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/lifecycle"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/storage"
)

type fixture struct {
	srv       *Server
	driver    models.Profile
	passenger models.Profile
	route     models.Route
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.Discard()
	m := storage.NewMemoryStore()
	rt := m.AddRoute(models.Route{FromCity: "Jaipur", ToCity: "Udaipur", DistanceKm: 394, Coordinates: []models.Coord{
		{Lon: 75.7873, Lat: 26.9124}, {Lon: 74.6399, Lat: 26.4499}, {Lon: 73.7125, Lat: 24.5854},
	}})
	d := m.AddDriver(10, "Ravi", "RJ14-0001")
	p := m.AddPassenger(20, "Asha")

	routes := catalog.New(m, catalog.NewMemoryCache(time.Minute), log)
	reg := dispatch.NewWSRegistry()
	disp := &dispatch.Service{Store: m, Push: reg, Log: log}
	srv := NewServer(Deps{
		Store:     m,
		Matcher:   &matcher.Service{Store: m, Routes: routes, Notifier: disp, Log: log},
		Lifecycle: &lifecycle.Service{Store: m, Routes: routes, Notifier: disp, Incidents: disp, Log: log},
		Ratings:   &rating.Service{Store: m, Notifier: disp, Log: log},
		Directory: &directory.Service{Store: m, Routes: routes},
		Dispatch:  disp,
		WSReg:     reg,
		Logger:    log,

		RequestTimeout: 5 * time.Second,
	})
	return &fixture{srv: srv, driver: d, passenger: p, route: rt}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestOfferBookingRideAndRatingFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/offers", map[string]any{
		"driver_id": f.driver.ID, "route_id": f.route.ID, "available_seats": 3, "price_per_km": 5,
	})
	expectStatus(t, rec, http.StatusCreated)
	offer := decode[models.RideOffer](t, rec)
	if offer.EstimatedFare != 1970 || offer.VehicleNo != "RJ14-0001" {
		t.Fatalf("unexpected offer %+v", offer)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/offers/open?from=jaipur&to=udaipur&seats=2", nil)
	expectStatus(t, rec, http.StatusOK)
	if open := decode[[]models.OpenOffer](t, rec); len(open) != 1 || open[0].DriverName != "Ravi" {
		t.Fatalf("unexpected open offers %+v", open)
	}

	bookPath := "/api/v1/offers/" + itoa(offer.ID) + "/book"
	rec = f.do(t, http.MethodPost, bookPath, map[string]any{"passenger_id": f.passenger.ID, "seats": 4})
	expectStatus(t, rec, http.StatusConflict)
	if e := decode[errorBody](t, rec); e.Code != "insufficient_seats" || e.Retryable {
		t.Fatalf("unexpected error body %+v", e)
	}

	rec = f.do(t, http.MethodPost, bookPath, map[string]any{"passenger_id": f.passenger.ID, "seats": 2})
	expectStatus(t, rec, http.StatusCreated)
	ride := decode[models.Ride](t, rec)
	if ride.TotalFare != 1970 || ride.Status != models.RideBooked {
		t.Fatalf("unexpected ride %+v", ride)
	}
	ridePath := "/api/v1/rides/" + itoa(ride.ID)

	rec = f.do(t, http.MethodPost, ridePath+"/start", map[string]any{"driver_id": 999})
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	rec = f.do(t, http.MethodPost, ridePath+"/start", map[string]any{"driver_id": f.driver.ID})
	expectStatus(t, rec, http.StatusOK)
	rec = f.do(t, http.MethodPost, ridePath+"/advance", map[string]any{"driver_id": f.driver.ID})
	expectStatus(t, rec, http.StatusOK)
	if pos := decode[lifecycle.Position](t, rec); pos.Index != 1 || pos.AtEnd {
		t.Fatalf("unexpected position %+v", pos)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/users/20/rides/active", nil)
	expectStatus(t, rec, http.StatusOK)
	if a := decode[directory.ActiveRide](t, rec); a.ID != ride.ID || a.FromCity != "Jaipur" || !strings.Contains(string(a.Geometry), "LineString") {
		t.Fatalf("unexpected active ride %+v", a)
	}

	rec = f.do(t, http.MethodPost, ridePath+"/ratings", map[string]any{"rated_by": 20, "rated_user": 10, "value": 5})
	expectStatus(t, rec, http.StatusConflict)

	rec = f.do(t, http.MethodPost, ridePath+"/complete", map[string]any{"driver_id": f.driver.ID})
	expectStatus(t, rec, http.StatusOK)
	if done := decode[models.Ride](t, rec); done.Status != models.RideCompleted {
		t.Fatalf("unexpected ride after complete %+v", done)
	}

	rec = f.do(t, http.MethodPost, ridePath+"/ratings", map[string]any{"rated_by": 20, "rated_user": 10, "value": 5, "feedback": "smooth"})
	expectStatus(t, rec, http.StatusCreated)
	if res := decode[rating.Result](t, rec); res.Reputation.AvgRating != 5 || res.Reputation.TotalRides != 1 {
		t.Fatalf("unexpected rating result %+v", res)
	}

	rec = f.do(t, http.MethodGet, ridePath+"/ratings/20", nil)
	expectStatus(t, rec, http.StatusOK)
	if body := decode[map[string]any](t, rec); body["rated"] != true {
		t.Fatalf("expected rated=true, got %+v", body)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/users/10/ratings/stats", nil)
	expectStatus(t, rec, http.StatusOK)
	if st := decode[models.RatingStats](t, rec); st.TotalRatings != 1 || st.PositivePercentage != 100 {
		t.Fatalf("unexpected stats %+v", st)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/drivers/"+itoa(f.driver.ID)+"/rides", nil)
	expectStatus(t, rec, http.StatusOK)
	if rides := decode[[]models.Ride](t, rec); len(rides) != 1 {
		t.Fatalf("expected one driver ride, got %d", len(rides))
	}
}

func TestRequestAcceptFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/requests", map[string]any{
		"passenger_id": f.passenger.ID, "from_city": "Jaipur", "to_city": "Udaipur",
		"date_time": "2026-11-01T09:00:00Z", "passengers_count": 1,
	})
	expectStatus(t, rec, http.StatusCreated)
	req := decode[models.RideRequest](t, rec)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/open", nil)
	expectStatus(t, rec, http.StatusOK)
	if open := decode[[]models.RideRequest](t, rec); len(open) != 1 || open[0].ID != req.ID {
		t.Fatalf("unexpected open requests %+v", open)
	}

	reqPath := "/api/v1/requests/" + itoa(req.ID)
	rec = f.do(t, http.MethodPost, reqPath+"/accept", map[string]any{"driver_id": f.driver.ID})
	expectStatus(t, rec, http.StatusCreated)

	rec = f.do(t, http.MethodPost, reqPath+"/accept", map[string]any{"driver_id": f.driver.ID})
	expectStatus(t, rec, http.StatusConflict)
	if e := decode[errorBody](t, rec); e.Code != "already_matched" {
		t.Fatalf("unexpected error %+v", e)
	}

	rec = f.do(t, http.MethodGet, reqPath+"/ride", nil)
	expectStatus(t, rec, http.StatusOK)
	if det := decode[models.MatchedRideDetails](t, rec); det.DriverName != "Ravi" || det.TotalFare != 3152 {
		t.Fatalf("unexpected details %+v", det)
	}

	rec = f.do(t, http.MethodPost, reqPath+"/cancel", map[string]any{"passenger_id": f.passenger.ID})
	expectStatus(t, rec, http.StatusConflict)
}

func TestNotificationsEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/users/20/notifications", map[string]any{"message": "  "})
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	for i := 0; i < 2; i++ {
		rec = f.do(t, http.MethodPost, "/api/v1/users/20/notifications", map[string]any{"message": "hello"})
		expectStatus(t, rec, http.StatusCreated)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/users/20/notifications", nil)
	expectStatus(t, rec, http.StatusOK)
	var body struct {
		Notifications []models.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Notifications) != 2 || body.Unread != 2 {
		t.Fatalf("unexpected notifications %+v", body)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/users/20/notifications/read", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[map[string]int](t, rec); got["marked"] != 2 {
		t.Fatalf("expected 2 marked, got %+v", got)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/users/20/notifications/read", nil)
	if got := decode[map[string]int](t, rec); got["marked"] != 0 {
		t.Fatalf("second mark should be a no-op, got %+v", got)
	}
}

func TestErrorRendering(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/offers", "{not json")
	expectStatus(t, rec, http.StatusBadRequest)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/abc/ride", nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/999/ride", nil)
	expectStatus(t, rec, http.StatusNotFound)
	e := decode[errorBody](t, rec)
	if e.Code != "request_not_found" || e.RequestID == "" || rec.Header().Get("X-Request-ID") != e.RequestID {
		t.Fatalf("unexpected error body %+v", e)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/offers/open?seats=x", nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	rec = f.do(t, http.MethodGet, "/api/v1/routes/cities", nil)
	expectStatus(t, rec, http.StatusOK)
	if c := decode[directory.Cities](t, rec); len(c.From) != 1 || c.From[0] != "Jaipur" {
		t.Fatalf("unexpected cities %+v", c)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/ready", "/metrics"} {
		rec := f.do(t, http.MethodGet, path, nil)
		expectStatus(t, rec, http.StatusOK)
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("request id not propagated: %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestWebSocketReceivesNotifications(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/20", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// registration happens after the handshake completes on the server side
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := f.srv.WSReg.Push(20, "ping")
		if err == nil {
			break
		}
		if !errors.Is(err, dispatch.ErrNoSession) || time.Now().After(deadline) {
			t.Fatalf("session never registered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ping string
	if err := conn.ReadJSON(&ping); err != nil || ping != "ping" {
		t.Fatalf("expected ping, got %q err=%v", ping, err)
	}

	resp, err := http.Post(ts.URL+"/api/v1/users/20/notifications", "application/json", strings.NewReader(`{"message":"driver is near"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var n models.Notification
	if err := conn.ReadJSON(&n); err != nil || n.Message != "driver is near" || n.UserID != 20 {
		t.Fatalf("unexpected push %+v err=%v", n, err)
	}
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
