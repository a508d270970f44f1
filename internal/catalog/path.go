package catalog

import (
	"errors"
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/example/carpool/internal/models"
)

var ErrEmptyPath = errors.New("route has no coordinates")

// Path is a route's ordered coordinate list as a LineString. Ride position
// indexes address its points.
type Path struct {
	ls *geom.LineString
}

func NewPath(coords []models.Coord) (*Path, error) {
	if len(coords) == 0 {
		return nil, ErrEmptyPath
	}
	flat := make([]geom.Coord, len(coords))
	for i, c := range coords {
		flat[i] = geom.Coord{c.Lon, c.Lat}
	}
	ls, err := geom.NewLineString(geom.XY).SetCoords(flat)
	if err != nil {
		return nil, err
	}
	return &Path{ls: ls}, nil
}

func (p *Path) Len() int { return p.ls.NumCoords() }

// At returns the point at index i.
func (p *Path) At(i int) (models.Coord, bool) {
	if i < 0 || i >= p.Len() {
		return models.Coord{}, false
	}
	c := p.ls.Coord(i)
	return models.Coord{Lon: c.X(), Lat: c.Y()}, true
}

// RemainingKm is the great-circle length of the path from point i to the end.
func (p *Path) RemainingKm(i int) float64 {
	if i < 0 {
		i = 0
	}
	total := 0.0
	for j := i; j+1 < p.Len(); j++ {
		a, b := p.ls.Coord(j), p.ls.Coord(j+1)
		total += Haversine(a.Y(), a.X(), b.Y(), b.X())
	}
	return total / 1000
}

// GeoJSON encodes the path as a GeoJSON LineString geometry.
func (p *Path) GeoJSON() ([]byte, error) {
	return geojson.Marshal(p.ls)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
