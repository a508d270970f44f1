package main

import (
	"log/slog"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

// demoRoutes is the catalog a store-less local run starts with.
var demoRoutes = []models.Route{
	{FromCity: "Jaipur", ToCity: "Udaipur", DistanceKm: 394, Coordinates: []models.Coord{
		{Lon: 75.7873, Lat: 26.9124}, {Lon: 74.6399, Lat: 26.4499}, {Lon: 73.7125, Lat: 24.5854},
	}},
	{FromCity: "Delhi", ToCity: "Agra", DistanceKm: 233, Coordinates: []models.Coord{
		{Lon: 77.2090, Lat: 28.6139}, {Lon: 77.6737, Lat: 27.4924}, {Lon: 78.0081, Lat: 27.1767},
	}},
}

// seedDemo loads demo routes, one driver (user 1) and one passenger (user 2)
// into m so the in-memory server is usable without fixtures.
func seedDemo(m *storage.MemoryStore, logger *slog.Logger) {
	for _, r := range demoRoutes {
		rt := m.AddRoute(r)
		logger.Info("demo route", "route_id", rt.ID, "from", rt.FromCity, "to", rt.ToCity)
	}
	d := m.AddDriver(1, "Demo Driver", "RJ14-0001")
	p := m.AddPassenger(2, "Demo Passenger")
	logger.Warn("in-memory store seeded with demo data, nothing is persisted",
		"driver_id", d.ID, "driver_user_id", d.UserID, "passenger_id", p.ID, "passenger_user_id", p.UserID)
}
