package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
	// TxTimeout bounds every transaction so no caller waits on a lock forever.
	TxTimeout time.Duration
}

type PostgresStore struct {
	pgReader
	db        *sql.DB
	txTimeout time.Duration
}

func NewPostgresStore(dsn string, opts PoolOptions) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnLifetime)
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{pgReader: pgReader{q: db}, db: db, txTimeout: opts.TxTimeout}, nil
}

// DB exposes the pool for components sharing the database (route catalog).
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded *.sql files in lexicographic order, each in
// its own transaction.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(b)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s failed: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if p.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.txTimeout)
		defer cancel()
	}
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return apperrors.Connectivity(fmt.Errorf("begin tx: %w", err))
	}
	// no-op once committed
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify maps driver failures onto the error taxonomy.
func classify(err error) error {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return err
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", apperrors.ErrConflict, err)
		}
	}
	return apperrors.Connectivity(err)
}

func pqError(err error) (*pq.Error, bool) {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// fkError translates a foreign key violation into the not-found error for
// the referenced entity.
func fkError(err error, byConstraint map[string]error, fallback error) error {
	pe, ok := pqError(err)
	if !ok || pe.Code != "23503" {
		return err
	}
	if e, ok := byConstraint[pe.Constraint]; ok {
		return e
	}
	return fallback
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const (
	requestCols = "request_id, passenger_id, from_city, to_city, date_time, passengers_count, preferences, status, created_at"
	offerCols   = "offer_id, driver_id, vehicle_no, route_id, request_id, available_seats, price_per_km, estimated_fare, status, created_at"
	rideCols    = "ride_id, offer_id, passenger_id, driver_id, seats_booked, total_fare, start_time, end_time, status, current_position_index, created_at"
	ratingCols  = "rating_id, ride_id, rated_by, rated_user, value, feedback, created_at"
	routeCols   = "route_id, from_city, to_city, distance_km, duration_min, coordinates"
)

// qualify prefixes every column in cols with alias.
func qualify(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, c := range parts {
		parts[i] = alias + "." + c
	}
	return strings.Join(parts, ", ")
}

func scanRequest(s scanner) (models.RideRequest, error) {
	var r models.RideRequest
	var prefs []byte
	var status string
	if err := s.Scan(&r.ID, &r.PassengerID, &r.FromCity, &r.ToCity, &r.DateTime, &r.PassengersCount, &prefs, &status, &r.CreatedAt); err != nil {
		return r, err
	}
	if len(prefs) > 0 {
		r.Preferences = json.RawMessage(prefs)
	}
	r.Status = models.RequestStatus(status)
	return r, nil
}

func scanOffer(s scanner, extra ...any) (models.RideOffer, error) {
	var o models.RideOffer
	var reqID sql.NullInt64
	var status string
	dest := append([]any{&o.ID, &o.DriverID, &o.VehicleNo, &o.RouteID, &reqID, &o.AvailableSeats, &o.PricePerKm, &o.EstimatedFare, &status, &o.CreatedAt}, extra...)
	if err := s.Scan(dest...); err != nil {
		return o, err
	}
	if reqID.Valid {
		id := reqID.Int64
		o.RequestID = &id
	}
	o.Status = models.OfferStatus(status)
	return o, nil
}

func scanRide(s scanner) (models.Ride, error) {
	var r models.Ride
	var start, end sql.NullTime
	var status string
	if err := s.Scan(&r.ID, &r.OfferID, &r.PassengerID, &r.DriverID, &r.SeatsBooked, &r.TotalFare, &start, &end, &status, &r.CurrentPositionIndex, &r.CreatedAt); err != nil {
		return r, err
	}
	if start.Valid {
		t := start.Time
		r.StartTime = &t
	}
	if end.Valid {
		t := end.Time
		r.EndTime = &t
	}
	r.Status = models.RideStatus(status)
	return r, nil
}

func scanRating(s scanner) (models.Rating, error) {
	var r models.Rating
	err := s.Scan(&r.ID, &r.RideID, &r.RatedBy, &r.RatedUser, &r.Value, &r.Feedback, &r.CreatedAt)
	return r, err
}

func scanRoute(s scanner) (models.Route, error) {
	var r models.Route
	var coords []byte
	if err := s.Scan(&r.ID, &r.FromCity, &r.ToCity, &r.DistanceKm, &r.DurationMin, &coords); err != nil {
		return r, err
	}
	var pairs [][2]float64
	if len(coords) > 0 {
		if err := json.Unmarshal(coords, &pairs); err != nil {
			return r, fmt.Errorf("decode coordinates for route %d: %w", r.ID, err)
		}
	}
	for _, p := range pairs {
		r.Coordinates = append(r.Coordinates, models.Coord{Lon: p[0], Lat: p[1]})
	}
	return r, nil
}

func notFound(err, as error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return as
	}
	return err
}

// pgReader holds every read usable both on the pool and inside a tx.
type pgReader struct {
	q queryer
}

func (r pgReader) GetRequest(ctx context.Context, id int64) (models.RideRequest, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+requestCols+` FROM ride_requests WHERE request_id = $1`, id)
	req, err := scanRequest(row)
	return req, notFound(err, apperrors.ErrRequestNotFound)
}

func (r pgReader) GetOffer(ctx context.Context, id int64) (models.RideOffer, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+offerCols+` FROM ride_offers WHERE offer_id = $1`, id)
	o, err := scanOffer(row)
	return o, notFound(err, apperrors.ErrOfferNotFound)
}

func (r pgReader) GetRide(ctx context.Context, id int64) (models.Ride, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE ride_id = $1`, id)
	ride, err := scanRide(row)
	return ride, notFound(err, apperrors.ErrRideNotFound)
}

func (r pgReader) Passenger(ctx context.Context, id int64) (models.Profile, error) {
	p := models.Profile{Role: models.RolePassenger}
	err := r.q.QueryRowContext(ctx, `
		SELECT passenger_id, user_id, name, avg_rating, total_rides
		FROM passengers WHERE passenger_id = $1`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &p.AvgRating, &p.TotalRides)
	return p, notFound(err, apperrors.ErrProfileNotFound)
}

func (r pgReader) Driver(ctx context.Context, id int64) (models.Profile, error) {
	p := models.Profile{Role: models.RoleDriver}
	err := r.q.QueryRowContext(ctx, `
		SELECT driver_id, user_id, name, vehicle_no, avg_rating, total_rides
		FROM drivers WHERE driver_id = $1`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &p.VehicleNo, &p.AvgRating, &p.TotalRides)
	return p, notFound(err, apperrors.ErrProfileNotFound)
}

func (r pgReader) ProfilesByUser(ctx context.Context, userID int64) ([]models.Profile, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT driver_id, user_id, 'driver', name, vehicle_no, avg_rating, total_rides FROM drivers WHERE user_id = $1
		UNION ALL
		SELECT passenger_id, user_id, 'passenger', name, '', avg_rating, total_rides FROM passengers WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Profile
	for rows.Next() {
		var p models.Profile
		var role string
		if err := rows.Scan(&p.ID, &p.UserID, &role, &p.Name, &p.VehicleNo, &p.AvgRating, &p.TotalRides); err != nil {
			return nil, err
		}
		p.Role = models.Role(role)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r pgReader) Participants(ctx context.Context, rideID int64) (models.Participants, error) {
	var p models.Participants
	err := r.q.QueryRowContext(ctx, `
		SELECT p.user_id, d.user_id
		FROM rides r
		JOIN passengers p ON p.passenger_id = r.passenger_id
		JOIN drivers d ON d.driver_id = r.driver_id
		WHERE r.ride_id = $1`, rideID).Scan(&p.PassengerUserID, &p.DriverUserID)
	return p, notFound(err, apperrors.ErrRideNotFound)
}

func (r pgReader) RouteByCities(ctx context.Context, from, to string) (models.Route, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+routeCols+` FROM routes
		WHERE lower(from_city) = lower($1) AND lower(to_city) = lower($2)
		ORDER BY created_at DESC LIMIT 1`, from, to)
	rt, err := scanRoute(row)
	return rt, notFound(err, apperrors.ErrRouteNotFound)
}

func (r pgReader) RouteByID(ctx context.Context, id int64) (models.Route, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+routeCols+` FROM routes WHERE route_id = $1`, id)
	rt, err := scanRoute(row)
	return rt, notFound(err, apperrors.ErrRouteNotFound)
}

func (r pgReader) RouteCities(ctx context.Context) ([]string, []string, error) {
	from, err := r.column(ctx, `SELECT DISTINCT from_city FROM routes ORDER BY from_city`)
	if err != nil {
		return nil, nil, err
	}
	to, err := r.column(ctx, `SELECT DISTINCT to_city FROM routes ORDER BY to_city`)
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func (r pgReader) column(ctx context.Context, query string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r pgReader) ListOpenRequests(ctx context.Context, limit int) ([]models.RideRequest, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+requestCols+` FROM ride_requests
		WHERE status = 'pending' ORDER BY created_at DESC LIMIT $1`, limitOf(limit, 100))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.RideRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r pgReader) ListOpenOffers(ctx context.Context, f OfferFilter) ([]models.OpenOffer, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+qualify("o", offerCols)+`, rt.from_city, rt.to_city, rt.distance_km, d.name, d.avg_rating
		FROM ride_offers o
		JOIN routes rt ON rt.route_id = o.route_id
		JOIN drivers d ON d.driver_id = o.driver_id
		WHERE o.status IN ('open', 'booked')
		  AND o.available_seats > 0
		  AND o.available_seats >= $1
		  AND ($2::text = '' OR lower(rt.from_city) = lower($2::text))
		  AND ($3::text = '' OR lower(rt.to_city) = lower($3::text))
		ORDER BY o.created_at DESC
		LIMIT $4`, f.MinSeats, f.FromCity, f.ToCity, limitOf(f.Limit, 100))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.OpenOffer{}
	for rows.Next() {
		var oo models.OpenOffer
		o, err := scanOffer(rows, &oo.FromCity, &oo.ToCity, &oo.DistanceKm, &oo.DriverName, &oo.DriverRating)
		if err != nil {
			return nil, err
		}
		oo.RideOffer = o
		out = append(out, oo)
	}
	return out, rows.Err()
}

func (r pgReader) MatchedRideDetails(ctx context.Context, requestID int64) (models.MatchedRideDetails, error) {
	var d models.MatchedRideDetails
	var status string
	err := r.q.QueryRowContext(ctx, `
		SELECT rr.request_id, rd.ride_id, o.offer_id, d.driver_id, d.name, d.avg_rating, o.vehicle_no,
		       rt.from_city, rt.to_city, rt.distance_km, o.estimated_fare, rd.total_fare, rd.seats_booked, rd.status
		FROM ride_requests rr
		JOIN ride_offers o ON o.request_id = rr.request_id
		JOIN rides rd ON rd.offer_id = o.offer_id
		JOIN drivers d ON d.driver_id = o.driver_id
		JOIN routes rt ON rt.route_id = o.route_id
		WHERE rr.request_id = $1
		ORDER BY rd.ride_id DESC
		LIMIT 1`, requestID).
		Scan(&d.RequestID, &d.RideID, &d.OfferID, &d.DriverID, &d.DriverName, &d.DriverRating, &d.VehicleNo,
			&d.FromCity, &d.ToCity, &d.DistanceKm, &d.EstimatedFare, &d.TotalFare, &d.SeatsBooked, &status)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := r.GetRequest(ctx, requestID); gerr != nil {
			return d, gerr
		}
		return d, apperrors.ErrRideNotFound
	}
	d.RideStatus = models.RideStatus(status)
	return d, err
}

func (r pgReader) rides(ctx context.Context, query string, args ...any) ([]models.Ride, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Ride{}
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ride)
	}
	return out, rows.Err()
}

func (r pgReader) RidesForPassenger(ctx context.Context, passengerID int64, limit int) ([]models.Ride, error) {
	return r.rides(ctx, `SELECT `+rideCols+` FROM rides WHERE passenger_id = $1
		ORDER BY created_at DESC, ride_id DESC LIMIT $2`, passengerID, limitOf(limit, 50))
}

func (r pgReader) RidesForDriver(ctx context.Context, driverID int64, limit int) ([]models.Ride, error) {
	return r.rides(ctx, `SELECT `+rideCols+` FROM rides WHERE driver_id = $1
		ORDER BY created_at DESC, ride_id DESC LIMIT $2`, driverID, limitOf(limit, 50))
}

func (r pgReader) ActiveRideForUser(ctx context.Context, userID int64) (models.Ride, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+qualify("r", rideCols)+`
		FROM rides r
		JOIN passengers p ON p.passenger_id = r.passenger_id
		JOIN drivers d ON d.driver_id = r.driver_id
		WHERE r.status = 'active' AND (p.user_id = $1 OR d.user_id = $1)
		ORDER BY r.ride_id DESC
		LIMIT 1`, userID)
	ride, err := scanRide(row)
	return ride, notFound(err, apperrors.ErrNoActiveRide)
}

func (r pgReader) HasRated(ctx context.Context, rideID, raterUserID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ratings WHERE ride_id = $1 AND rated_by = $2)`, rideID, raterUserID).Scan(&exists)
	return exists, err
}

func (r pgReader) RatingsForUser(ctx context.Context, userID int64, limit int) ([]models.Rating, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+ratingCols+` FROM ratings
		WHERE rated_user = $1 ORDER BY created_at DESC, rating_id DESC LIMIT $2`, userID, limitOf(limit, 20))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Rating{}
	for rows.Next() {
		rt, err := scanRating(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (r pgReader) RatingStats(ctx context.Context, userID int64) (models.RatingStats, error) {
	var avg float64
	var total, minV, maxV, positive int
	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(value), 0)::float8, COUNT(*), COALESCE(MIN(value), 0), COALESCE(MAX(value), 0),
		       COUNT(*) FILTER (WHERE value >= 4)
		FROM ratings WHERE rated_user = $1`, userID).Scan(&avg, &total, &minV, &maxV, &positive)
	if err != nil {
		return models.RatingStats{}, err
	}
	st := models.RatingStats{UserID: userID, TotalRatings: total, MinRating: minV, MaxRating: maxV, PositiveRatings: positive}
	if total > 0 {
		st.AverageRating = round2(avg)
		st.PositivePercentage = round1(float64(positive) * 100 / float64(total))
	}
	return st, nil
}

func (r pgReader) Notifications(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT notification_id, user_id, message, is_read, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC, notification_id DESC LIMIT $2`, userID, limitOf(limit, 50))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r pgReader) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID).Scan(&n)
	return n, err
}
