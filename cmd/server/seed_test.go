package main

import (
	"context"
	"testing"

	"github.com/example/carpool/internal/catalog"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

func TestSeedDemoMakesStoreUsable(t *testing.T) {
	m := storage.NewMemoryStore()
	seedDemo(m, logging.Discard())
	ctx := context.Background()

	rt, err := m.RouteByCities(ctx, "jaipur", "udaipur")
	if err != nil || len(rt.Coordinates) != 3 {
		t.Fatalf("demo route: %+v err=%v", rt, err)
	}
	profiles, err := m.ProfilesByUser(ctx, 1)
	if err != nil || len(profiles) != 1 || profiles[0].Role != models.RoleDriver {
		t.Fatalf("demo driver: %+v err=%v", profiles, err)
	}

	mt := &matcher.Service{Store: m, Routes: catalog.New(m, nil, logging.Discard()), Log: logging.Discard()}
	o, err := mt.PublishOffer(ctx, matcher.NewOffer{DriverID: profiles[0].ID, RouteID: rt.ID, AvailableSeats: 2, PricePerKm: 5})
	if err != nil || o.EstimatedFare != 1970 {
		t.Fatalf("publish on demo data: %+v err=%v", o, err)
	}
}
