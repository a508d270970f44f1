package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/models"
)

// Source is the authoritative route table. Both storage backends implement it.
type Source interface {
	RouteByCities(ctx context.Context, from, to string) (models.Route, error)
	RouteByID(ctx context.Context, id int64) (models.Route, error)
	RouteCities(ctx context.Context) (from, to []string, err error)
}

// Cache holds looked up routes. Routes are static reference data so a stale
// entry is only ever a route that still exists.
type Cache interface {
	Get(ctx context.Context, key string) (models.Route, bool)
	Set(ctx context.Context, key string, r models.Route)
}

type Catalog struct {
	src   Source
	cache Cache
	log   *slog.Logger
}

// New builds a catalog over src. cache may be nil.
func New(src Source, cache Cache, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{src: src, cache: cache, log: log}
}

func cityKey(from, to string) string {
	return "cities:" + strings.ToLower(from) + "->" + strings.ToLower(to)
}

func idKey(id int64) string { return fmt.Sprintf("id:%d", id) }

// Lookup finds the route between two cities, compared case-insensitively.
func (c *Catalog) Lookup(ctx context.Context, from, to string) (models.Route, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return models.Route{}, apperrors.Invalid("from_city and to_city are required")
	}
	key := cityKey(from, to)
	if r, ok := c.get(ctx, key); ok {
		return r, nil
	}
	r, err := c.src.RouteByCities(ctx, from, to)
	if err != nil {
		return models.Route{}, apperrors.Connectivity(err)
	}
	c.set(ctx, key, r)
	return r, nil
}

func (c *Catalog) ByID(ctx context.Context, id int64) (models.Route, error) {
	key := idKey(id)
	if r, ok := c.get(ctx, key); ok {
		return r, nil
	}
	r, err := c.src.RouteByID(ctx, id)
	if err != nil {
		return models.Route{}, apperrors.Connectivity(err)
	}
	c.set(ctx, key, r)
	return r, nil
}

// Cities returns the distinct origin and destination cities, sorted.
func (c *Catalog) Cities(ctx context.Context) (from, to []string, err error) {
	from, to, err = c.src.RouteCities(ctx)
	if err != nil {
		return nil, nil, apperrors.Connectivity(err)
	}
	return from, to, nil
}

func (c *Catalog) get(ctx context.Context, key string) (models.Route, bool) {
	if c.cache == nil {
		return models.Route{}, false
	}
	return c.cache.Get(ctx, key)
}

func (c *Catalog) set(ctx context.Context, key string, r models.Route) {
	if c.cache != nil {
		c.cache.Set(ctx, key, r)
	}
}
