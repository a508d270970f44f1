package catalog

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/models"
)

type fakeSource struct {
	routes map[string]models.Route
	calls  int
	err    error
}

func (f *fakeSource) RouteByCities(_ context.Context, from, to string) (models.Route, error) {
	f.calls++
	if f.err != nil {
		return models.Route{}, f.err
	}
	r, ok := f.routes[cityKey(from, to)]
	if !ok {
		return models.Route{}, apperrors.ErrRouteNotFound
	}
	return r, nil
}

func (f *fakeSource) RouteByID(_ context.Context, id int64) (models.Route, error) {
	f.calls++
	for _, r := range f.routes {
		if r.ID == id {
			return r, nil
		}
	}
	return models.Route{}, apperrors.ErrRouteNotFound
}

func (f *fakeSource) RouteCities(context.Context) ([]string, []string, error) {
	return []string{"Jaipur"}, []string{"Udaipur"}, nil
}

func jaipurUdaipur() models.Route {
	return models.Route{ID: 1, FromCity: "Jaipur", ToCity: "Udaipur", DistanceKm: 394, Coordinates: []models.Coord{
		{Lon: 75.7873, Lat: 26.9124}, {Lon: 74.6399, Lat: 26.4499}, {Lon: 73.7125, Lat: 24.5854},
	}}
}

func TestLookupCachesHits(t *testing.T) {
	src := &fakeSource{routes: map[string]models.Route{cityKey("Jaipur", "Udaipur"): jaipurUdaipur()}}
	c := New(src, NewMemoryCache(time.Minute), nil)
	ctx := context.Background()

	for _, pair := range [][2]string{{"Jaipur", "Udaipur"}, {"JAIPUR", " udaipur "}} {
		r, err := c.Lookup(ctx, pair[0], pair[1])
		if err != nil || r.DistanceKm != 394 {
			t.Fatalf("lookup %v: %+v err=%v", pair, r, err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected one source call, got %d", src.calls)
	}
}

func TestLookupErrors(t *testing.T) {
	src := &fakeSource{routes: map[string]models.Route{}}
	c := New(src, nil, nil)
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "Jaipur", "Mars"); !errors.Is(err, apperrors.ErrRouteNotFound) {
		t.Fatalf("expected route not found, got %v", err)
	}
	if _, err := c.Lookup(ctx, "", "Udaipur"); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	src.err = errors.New("connection reset")
	if _, err := c.Lookup(ctx, "Jaipur", "Udaipur"); apperrors.KindOf(err) != apperrors.KindConnectivity {
		t.Fatalf("expected connectivity, got %v", err)
	}
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "k", jaipurUdaipur())
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatalf("expected hit")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatalf("expected expired entry")
	}
}

func TestPath(t *testing.T) {
	p, err := NewPath(jaipurUdaipur().Coordinates)
	if err != nil {
		t.Fatalf("new path: %v", err)
	}
	if p.Len() != 3 {
		t.Fatalf("expected 3 points, got %d", p.Len())
	}
	if c, ok := p.At(2); !ok || c.Lat != 24.5854 {
		t.Fatalf("unexpected last point %+v", c)
	}
	if _, ok := p.At(3); ok {
		t.Fatalf("index past end must fail")
	}
	full, rest := p.RemainingKm(0), p.RemainingKm(1)
	if !(full > rest && rest > 0) || p.RemainingKm(2) != 0 {
		t.Fatalf("remaining distance not decreasing: %f %f", full, rest)
	}
	if math.Abs(full-340) > 40 {
		t.Fatalf("great-circle distance looks wrong: %f", full)
	}
	if _, err := NewPath(nil); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected empty path error, got %v", err)
	}
	b, err := p.GeoJSON()
	if err != nil || len(b) == 0 {
		t.Fatalf("geojson: %s err=%v", b, err)
	}
}

func TestHaversineZero(t *testing.T) {
	if d := Haversine(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	c := NewRedisCache(client, time.Minute, nil)
	ctx := context.Background()

	c.Set(ctx, "test:jaipur", jaipurUdaipur())
	r, ok := c.Get(ctx, "test:jaipur")
	if !ok || r.ToCity != "Udaipur" || len(r.Coordinates) != 3 {
		t.Fatalf("unexpected cached route %+v ok=%v", r, ok)
	}
	if _, ok := c.Get(ctx, "test:missing"); ok {
		t.Fatalf("expected miss")
	}
}
