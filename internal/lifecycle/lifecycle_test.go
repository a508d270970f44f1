package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/catalog"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

type recorder struct {
	mu        sync.Mutex
	notes     map[int64]int
	incidents []models.Incident
	events    []models.RideEvent
}

func (r *recorder) Notify(_ context.Context, userID int64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notes == nil {
		r.notes = map[int64]int{}
	}
	r.notes[userID]++
}

func (r *recorder) RecordIncident(_ context.Context, in models.Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, in)
}

func (r *recorder) Publish(_ context.Context, ev models.RideEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	store  *storage.MemoryStore
	svc    *Service
	rec    *recorder
	driver models.Profile
	offer  models.RideOffer
	clock  time.Time
}

// newFixture publishes a 3 seat Jaipur→Udaipur offer by driver user 10.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := storage.NewMemoryStore()
	f := &fixture{store: m, rec: &recorder{}, clock: time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)}
	rt := m.AddRoute(models.Route{FromCity: "Jaipur", ToCity: "Udaipur", DistanceKm: 394, Coordinates: []models.Coord{
		{Lon: 75.7873, Lat: 26.9124}, {Lon: 74.6399, Lat: 26.4499}, {Lon: 73.7125, Lat: 24.5854},
	}})
	f.driver = m.AddDriver(10, "Ravi", "RJ14-0001")
	f.offer = models.RideOffer{DriverID: f.driver.ID, VehicleNo: f.driver.VehicleNo, RouteID: rt.ID, AvailableSeats: 3, PricePerKm: 5, EstimatedFare: 1970, Status: models.OfferOpen}
	if err := m.InTx(context.Background(), func(tx storage.Tx) error { return tx.InsertOffer(context.Background(), &f.offer) }); err != nil {
		t.Fatalf("seed offer: %v", err)
	}
	f.svc = &Service{
		Store:     m,
		Routes:    catalog.New(m, nil, logging.Discard()),
		Notifier:  f.rec,
		Incidents: f.rec,
		Events:    f.rec,
		Log:       logging.Discard(),
		Now:       func() time.Time { return f.clock },
	}
	return f
}

func (f *fixture) book(t *testing.T, userID int64, seats int) models.Ride {
	t.Helper()
	ctx := context.Background()
	p := f.store.AddPassenger(userID, "p")
	var ride models.Ride
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.ReserveSeats(ctx, f.offer.ID, seats); err != nil {
			return err
		}
		ride = models.Ride{OfferID: f.offer.ID, PassengerID: p.ID, DriverID: f.driver.ID, SeatsBooked: seats, TotalFare: 1970, Status: models.RideBooked}
		return tx.InsertRide(ctx, &ride)
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return ride
}

func (f *fixture) offerNow(t *testing.T) models.RideOffer {
	t.Helper()
	o, err := f.store.GetOffer(context.Background(), f.offer.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	return o
}

func TestStartAndCompleteMirrorOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride := f.book(t, 20, 2)

	started, err := f.svc.StartRide(ctx, ride.ID, f.driver.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != models.RideActive || started.StartTime == nil || !started.StartTime.Equal(f.clock) {
		t.Fatalf("unexpected started ride %+v", started)
	}
	if o := f.offerNow(t); o.Status != models.OfferActive {
		t.Fatalf("offer should be active, got %s", o.Status)
	}

	f.clock = f.clock.Add(6 * time.Hour)
	done, err := f.svc.CompleteRide(ctx, ride.ID, f.driver.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored, _ := f.store.GetRide(ctx, ride.ID)
	if done.Status != models.RideCompleted || stored.EndTime == nil || !stored.EndTime.Equal(f.clock) {
		t.Fatalf("unexpected completed ride %+v", stored)
	}
	if o := f.offerNow(t); o.Status != models.OfferCompleted {
		t.Fatalf("offer should be completed, got %s", o.Status)
	}

	if _, err := f.svc.CompleteRide(ctx, ride.ID, f.driver.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := f.svc.CancelRide(ctx, Cancel{RideID: ride.ID, UserID: 20}); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("completed ride cannot be cancelled, got %v", err)
	}
	if after, _ := f.store.GetRide(ctx, ride.ID); after.Status != models.RideCompleted {
		t.Fatalf("rejected transition changed the ride: %s", after.Status)
	}
	if len(f.rec.events) != 2 || f.rec.events[1].Type != models.EventRideCompleted {
		t.Fatalf("unexpected events %+v", f.rec.events)
	}
	if f.rec.notes[20] != 2 || f.rec.notes[10] != 2 {
		t.Fatalf("unexpected notifications %v", f.rec.notes)
	}
}

func TestCannotCompleteBookedRide(t *testing.T) {
	f := newFixture(t)
	ride := f.book(t, 20, 1)
	if _, err := f.svc.CompleteRide(context.Background(), ride.ID, f.driver.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestOnlyAuthorizedCallers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride := f.book(t, 20, 1)
	other := f.store.AddDriver(11, "Other", "RJ14-0002")

	if _, err := f.svc.StartRide(ctx, ride.ID, other.ID); !errors.Is(err, apperrors.ErrNotAssignedDriver) {
		t.Fatalf("expected not assigned driver, got %v", err)
	}
	if _, err := f.svc.CancelRide(ctx, Cancel{RideID: ride.ID, UserID: 11}); !errors.Is(err, apperrors.ErrNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
	if _, err := f.svc.StartRide(ctx, 999, f.driver.ID); !errors.Is(err, apperrors.ErrRideNotFound) {
		t.Fatalf("expected ride not found, got %v", err)
	}
	if got, _ := f.store.GetRide(ctx, ride.ID); got.Status != models.RideBooked {
		t.Fatalf("rejected calls must not change the ride")
	}
}

func TestCancelReleasesSeatsUntilLastRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, 20, 2)
	b := f.book(t, 21, 1)
	if o := f.offerNow(t); o.Status != models.OfferFull {
		t.Fatalf("expected full offer, got %s", o.Status)
	}

	if _, err := f.svc.CancelRide(ctx, Cancel{RideID: b.ID, UserID: 21, Reason: "plans changed"}); err != nil {
		t.Fatalf("cancel b: %v", err)
	}
	o := f.offerNow(t)
	if o.Status != models.OfferBooked || o.AvailableSeats != 1 {
		t.Fatalf("seats should be released, got %+v", o)
	}

	if _, err := f.svc.CancelRide(ctx, Cancel{RideID: a.ID, UserID: 10}); err != nil {
		t.Fatalf("cancel a: %v", err)
	}
	if o := f.offerNow(t); o.Status != models.OfferOpen || o.AvailableSeats != 3 {
		t.Fatalf("offer should reopen with every seat, got %+v", o)
	}
	if len(f.rec.incidents) != 2 || f.rec.incidents[0].IncidentType != "cancellation" || f.rec.incidents[0].Description != "plans changed" {
		t.Fatalf("unexpected incidents %+v", f.rec.incidents)
	}
}

func TestEmergencyStopOnActiveRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride := f.book(t, 20, 1)
	if _, err := f.svc.StartRide(ctx, ride.ID, f.driver.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := f.svc.CancelRide(ctx, Cancel{RideID: ride.ID, UserID: 20, Reason: "accident", Emergency: true})
	if err != nil || got.Status != models.RideCancelled || got.EndTime == nil {
		t.Fatalf("emergency cancel: %+v err=%v", got, err)
	}
	if len(f.rec.incidents) != 1 || f.rec.incidents[0].IncidentType != "emergency" {
		t.Fatalf("expected emergency incident, got %+v", f.rec.incidents)
	}
	if active, err := f.store.ActiveRideForUser(ctx, 20); !errors.Is(err, apperrors.ErrNoActiveRide) {
		t.Fatalf("cancellation must be visible immediately, got %+v", active)
	}
}

func TestAdvancePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride := f.book(t, 20, 1)

	if _, err := f.svc.AdvancePosition(ctx, ride.ID, f.driver.ID); !errors.Is(err, apperrors.ErrRideNotActive) {
		t.Fatalf("booked ride cannot move, got %v", err)
	}
	if _, err := f.svc.StartRide(ctx, ride.ID, f.driver.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	other := f.store.AddDriver(11, "Other", "RJ14-0002")
	if _, err := f.svc.AdvancePosition(ctx, ride.ID, other.ID); !errors.Is(err, apperrors.ErrNotAssignedDriver) {
		t.Fatalf("expected not assigned driver, got %v", err)
	}

	p1, err := f.svc.AdvancePosition(ctx, ride.ID, f.driver.ID)
	if err != nil || p1.Index != 1 || p1.AtEnd || p1.Point.Lat != 26.4499 {
		t.Fatalf("first advance: %+v err=%v", p1, err)
	}
	p2, err := f.svc.AdvancePosition(ctx, ride.ID, f.driver.ID)
	if err != nil || p2.Index != 2 || !p2.AtEnd || p2.RemainingKm != 0 || p1.RemainingKm <= 0 {
		t.Fatalf("second advance: %+v err=%v", p2, err)
	}
	if _, err := f.svc.AdvancePosition(ctx, ride.ID, f.driver.ID); !errors.Is(err, apperrors.ErrRouteEnd) {
		t.Fatalf("expected route end, got %v", err)
	}
	stored, _ := f.store.GetRide(ctx, ride.ID)
	if stored.CurrentPositionIndex != 2 {
		t.Fatalf("expected index 2, got %d", stored.CurrentPositionIndex)
	}
	last := f.rec.events[len(f.rec.events)-1]
	if last.Type != models.EventRideMoved || last.Position == nil || last.PositionIndex != 2 {
		t.Fatalf("unexpected move event %+v", last)
	}
}

func TestConcurrentStartOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride := f.book(t, 20, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.StartRide(ctx, ride.ID, f.driver.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, apperrors.ErrInvalidTransition) && !errors.Is(err, apperrors.ErrConflict) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected one successful start, got %d", ok)
	}
}

func TestCancelOnlyBookingReopensOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride := f.book(t, 20, 2)
	if o := f.offerNow(t); o.Status != models.OfferBooked || o.AvailableSeats != 1 {
		t.Fatalf("unexpected offer after booking %+v", o)
	}
	if _, err := f.svc.CancelRide(ctx, Cancel{RideID: ride.ID, UserID: 20}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	o := f.offerNow(t)
	if o.Status != models.OfferOpen || o.AvailableSeats != 3 {
		t.Fatalf("seats should be back on sale, got %+v", o)
	}
	again := f.book(t, 21, 3)
	if o := f.offerNow(t); o.Status != models.OfferFull || again.SeatsBooked != 3 {
		t.Fatalf("reopened offer should take a new booking, got %+v", o)
	}
}

func TestCancelAfterSiblingCompletedEndsCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, 20, 1)
	b := f.book(t, 21, 1)

	if _, err := f.svc.StartRide(ctx, a.ID, f.driver.ID); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if _, err := f.svc.CompleteRide(ctx, a.ID, f.driver.ID); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if o := f.offerNow(t); o.Status != models.OfferActive {
		t.Fatalf("offer must wait for b, got %s", o.Status)
	}
	if _, err := f.svc.CancelRide(ctx, Cancel{RideID: b.ID, UserID: 21}); err != nil {
		t.Fatalf("cancel b: %v", err)
	}
	if o := f.offerNow(t); o.Status != models.OfferCompleted {
		t.Fatalf("offer with a completed ride should end completed, got %s", o.Status)
	}
}

func TestCancelRequestBoundOfferFollowsRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.store.AddPassenger(20, "p")
	req := models.RideRequest{PassengerID: p.ID, FromCity: "Jaipur", ToCity: "Udaipur", PassengersCount: 1, Status: models.RequestMatched}
	var ride models.Ride
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertRequest(ctx, &req); err != nil {
			return err
		}
		o := models.RideOffer{DriverID: f.driver.ID, VehicleNo: f.driver.VehicleNo, RouteID: f.offer.RouteID, RequestID: &req.ID, AvailableSeats: 0, PricePerKm: 8, EstimatedFare: 3152, Status: models.OfferBooked}
		if err := tx.InsertOffer(ctx, &o); err != nil {
			return err
		}
		ride = models.Ride{OfferID: o.ID, PassengerID: p.ID, DriverID: f.driver.ID, SeatsBooked: 1, TotalFare: 3152, Status: models.RideBooked}
		return tx.InsertRide(ctx, &ride)
	})
	if err != nil {
		t.Fatalf("seed matched request: %v", err)
	}

	if _, err := f.svc.CancelRide(ctx, Cancel{RideID: ride.ID, UserID: 20}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	o, _ := f.store.GetOffer(ctx, ride.OfferID)
	if o.Status != models.OfferCancelled || o.AvailableSeats != 0 {
		t.Fatalf("bound offer should mirror its ride, got %+v", o)
	}
}

func TestRepeatedTerminalTransitionHasNoEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride := f.book(t, 20, 1)
	if _, err := f.svc.CancelRide(ctx, Cancel{RideID: ride.ID, UserID: 20}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before := f.offerNow(t)
	events, incidents, notes := len(f.rec.events), len(f.rec.incidents), f.rec.notes[20]

	if _, err := f.svc.CancelRide(ctx, Cancel{RideID: ride.ID, UserID: 20}); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("second cancel: expected invalid transition, got %v", err)
	}
	if _, err := f.svc.CompleteRide(ctx, ride.ID, f.driver.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("complete after cancel: expected invalid transition, got %v", err)
	}
	if _, err := f.svc.StartRide(ctx, ride.ID, f.driver.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("start after cancel: expected invalid transition, got %v", err)
	}
	if after := f.offerNow(t); after.Status != before.Status || after.AvailableSeats != before.AvailableSeats {
		t.Fatalf("offer changed: %+v -> %+v", before, after)
	}
	if len(f.rec.events) != events || len(f.rec.incidents) != incidents || f.rec.notes[20] != notes {
		t.Fatalf("rejected transitions produced side effects: events=%d incidents=%d notes=%d", len(f.rec.events), len(f.rec.incidents), f.rec.notes[20])
	}
}

// brokenSideEffects fails every incident and notification write.
type brokenSideEffects struct {
	*storage.MemoryStore
}

func (s brokenSideEffects) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(tx storage.Tx) error { return fn(brokenTx{tx}) })
}

type brokenTx struct {
	storage.Tx
}

var errDiskFull = errors.New("disk full")

func (brokenTx) InsertIncident(context.Context, *models.Incident) error         { return errDiskFull }
func (brokenTx) InsertNotification(context.Context, *models.Notification) error { return errDiskFull }

func TestCancelSurvivesFailedSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := &dispatch.Service{Store: brokenSideEffects{f.store}, Log: logging.Discard()}
	f.svc.Notifier = d
	f.svc.Incidents = d
	ride := f.book(t, 20, 1)

	got, err := f.svc.CancelRide(ctx, Cancel{RideID: ride.ID, UserID: 20, Reason: "sick"})
	if err != nil {
		t.Fatalf("cancel must not report side effect failures: %v", err)
	}
	if got.Status != models.RideCancelled {
		t.Fatalf("unexpected ride %+v", got)
	}
	if stored, _ := f.store.GetRide(ctx, ride.ID); stored.Status != models.RideCancelled || stored.EndTime == nil {
		t.Fatalf("cancel should be committed, got %+v", stored)
	}
	if o := f.offerNow(t); o.Status != models.OfferOpen || o.AvailableSeats != 3 {
		t.Fatalf("offer should be mirrored, got %+v", o)
	}
	if in := f.store.Incidents(ride.ID); len(in) != 0 {
		t.Fatalf("failed incident write left rows %+v", in)
	}
	if n, _ := f.store.Notifications(ctx, 20, 10); len(n) != 0 {
		t.Fatalf("failed notification write left rows %+v", n)
	}
	if len(f.rec.events) != 1 || f.rec.events[0].Type != models.EventRideCancelled {
		t.Fatalf("event should still be emitted, got %+v", f.rec.events)
	}
}
