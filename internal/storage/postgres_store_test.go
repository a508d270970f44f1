package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/models"
)

// openTestPostgres connects to PG_DSN or skips. The schema is migrated and
// every table truncated so runs are independent.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	s, err := NewPostgresStore(dsn, PoolOptions{MaxOpenConns: 10, TxTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `TRUNCATE users, routes RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestPostgresConcurrentBookingNeverOversells(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	db := s.DB()

	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := db.ExecContext(ctx, q, args...); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
	mustExec(`INSERT INTO users (email, username, role) VALUES ('d@x', 'd', 'driver'), ('p@x', 'p', 'passenger')`)
	mustExec(`INSERT INTO drivers (user_id, name, vehicle_no) VALUES (1, 'Ravi', 'RJ14-0001')`)
	mustExec(`INSERT INTO passengers (user_id, name) VALUES (2, 'Asha')`)
	mustExec(`INSERT INTO routes (from_city, to_city, distance_km, coordinates) VALUES ('Jaipur', 'Udaipur', 394, '[[75.78,26.91],[73.71,24.58]]')`)

	rt, err := s.RouteByCities(ctx, "jaipur", "UDAIPUR")
	if err != nil || len(rt.Coordinates) != 2 {
		t.Fatalf("route lookup: %+v err=%v", rt, err)
	}

	o := models.RideOffer{DriverID: 1, VehicleNo: "RJ14-0001", RouteID: rt.ID, AvailableSeats: 3, PricePerKm: 5, EstimatedFare: 1970, Status: models.OfferOpen}
	if err := s.InTx(ctx, func(tx Tx) error { return tx.InsertOffer(ctx, &o) }); err != nil {
		t.Fatalf("insert offer: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	booked := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				if _, err := tx.ReserveSeats(ctx, o.ID, 1); err != nil {
					return err
				}
				r := models.Ride{OfferID: o.ID, PassengerID: 1, DriverID: 1, SeatsBooked: 1, TotalFare: 1970, Status: models.RideBooked}
				return tx.InsertRide(ctx, &r)
			})
			if err == nil {
				mu.Lock()
				booked++
				mu.Unlock()
			} else if !errors.Is(err, apperrors.ErrConflict) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if booked != 3 {
		t.Fatalf("expected exactly 3 bookings, got %d", booked)
	}
	got, err := s.GetOffer(ctx, o.ID)
	if err != nil || got.AvailableSeats != 0 || got.Status != models.OfferFull {
		t.Fatalf("unexpected offer %+v err=%v", got, err)
	}
}
