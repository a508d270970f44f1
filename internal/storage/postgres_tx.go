package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/models"
)

type pgTx struct {
	pgReader
}

// affected turns a conditional update result into ErrConflict when no row
// matched the guard.
func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (t *pgTx) InsertRequest(ctx context.Context, r *models.RideRequest) error {
	// lib/pq sends []byte as bytea, JSONB wants text
	var prefs any
	if len(r.Preferences) > 0 {
		prefs = string(r.Preferences)
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO ride_requests (passenger_id, from_city, to_city, date_time, passengers_count, preferences, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING request_id, created_at`,
		r.PassengerID, r.FromCity, r.ToCity, r.DateTime, r.PassengersCount, prefs, string(r.Status)).
		Scan(&r.ID, &r.CreatedAt)
	return fkError(err, nil, apperrors.ErrProfileNotFound)
}

func (t *pgTx) ClaimRequest(ctx context.Context, requestID int64, to models.RequestStatus) error {
	return affected(t.q.ExecContext(ctx, `
		UPDATE ride_requests SET status = $2
		WHERE request_id = $1 AND status = 'pending'`, requestID, string(to)))
}

func (t *pgTx) InsertOffer(ctx context.Context, o *models.RideOffer) error {
	var reqID sql.NullInt64
	if o.RequestID != nil {
		reqID = sql.NullInt64{Int64: *o.RequestID, Valid: true}
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO ride_offers (driver_id, vehicle_no, route_id, request_id, available_seats, price_per_km, estimated_fare, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING offer_id, created_at`,
		o.DriverID, o.VehicleNo, o.RouteID, reqID, o.AvailableSeats, o.PricePerKm, o.EstimatedFare, string(o.Status)).
		Scan(&o.ID, &o.CreatedAt)
	if pe, ok := pqError(err); ok && pe.Code == "23505" {
		// request_id is unique: someone else already bound an offer to it
		return fmt.Errorf("%w: %v", apperrors.ErrConflict, err)
	}
	return fkError(err, map[string]error{
		"ride_offers_route_id_fkey":   apperrors.ErrRouteNotFound,
		"ride_offers_request_id_fkey": apperrors.ErrRequestNotFound,
	}, apperrors.ErrProfileNotFound)
}

func (t *pgTx) ReserveSeats(ctx context.Context, offerID int64, seats int) (models.RideOffer, error) {
	row := t.q.QueryRowContext(ctx, `
		UPDATE ride_offers
		SET available_seats = available_seats - $2,
		    status = CASE WHEN available_seats - $2 > 0 THEN 'booked' ELSE 'full' END
		WHERE offer_id = $1
		  AND status IN ('open', 'booked')
		  AND available_seats >= $2
		RETURNING `+offerCols, offerID, seats)
	o, err := scanOffer(row)
	return o, notFound(err, apperrors.ErrConflict)
}

func (t *pgTx) ReleaseSeats(ctx context.Context, offerID int64, seats int) error {
	err := affected(t.q.ExecContext(ctx, `
		UPDATE ride_offers
		SET available_seats = available_seats + $2,
		    status = CASE WHEN status = 'full' THEN 'booked' ELSE status END
		WHERE offer_id = $1`, offerID, seats))
	if errors.Is(err, apperrors.ErrConflict) {
		return apperrors.ErrOfferNotFound
	}
	return err
}

func (t *pgTx) LockOffer(ctx context.Context, offerID int64) (models.RideOffer, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+offerCols+` FROM ride_offers WHERE offer_id = $1 FOR UPDATE`, offerID)
	o, err := scanOffer(row)
	return o, notFound(err, apperrors.ErrOfferNotFound)
}

func (t *pgTx) SetOfferStatus(ctx context.Context, offerID int64, to models.OfferStatus) error {
	err := affected(t.q.ExecContext(ctx, `UPDATE ride_offers SET status = $2 WHERE offer_id = $1`, offerID, string(to)))
	if errors.Is(err, apperrors.ErrConflict) {
		return apperrors.ErrOfferNotFound
	}
	return err
}

func (t *pgTx) InsertRide(ctx context.Context, r *models.Ride) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO rides (offer_id, passenger_id, driver_id, seats_booked, total_fare, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ride_id, created_at`,
		r.OfferID, r.PassengerID, r.DriverID, r.SeatsBooked, r.TotalFare, string(r.Status)).
		Scan(&r.ID, &r.CreatedAt)
	return fkError(err, map[string]error{
		"rides_offer_id_fkey": apperrors.ErrOfferNotFound,
	}, apperrors.ErrProfileNotFound)
}

func (t *pgTx) LockRide(ctx context.Context, rideID int64) (models.Ride, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE ride_id = $1 FOR UPDATE`, rideID)
	ride, err := scanRide(row)
	return ride, notFound(err, apperrors.ErrRideNotFound)
}

func (t *pgTx) TransitionRide(ctx context.Context, rideID int64, from, to models.RideStatus, at time.Time) error {
	return affected(t.q.ExecContext(ctx, `
		UPDATE rides
		SET status = $3::text,
		    start_time = CASE WHEN $3::text = 'active' THEN $4::timestamptz ELSE start_time END,
		    end_time = CASE WHEN $3::text IN ('completed', 'cancelled') THEN $4::timestamptz ELSE end_time END
		WHERE ride_id = $1 AND status = $2`, rideID, string(from), string(to), at))
}

func (t *pgTx) CountRides(ctx context.Context, offerID, excludeRideID int64, statuses ...models.RideStatus) (int, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var n int
	err := t.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rides
		WHERE offer_id = $1 AND ride_id <> $2 AND status = ANY($3)`,
		offerID, excludeRideID, pq.Array(names)).Scan(&n)
	return n, err
}

func (t *pgTx) AdvancePosition(ctx context.Context, rideID int64, from, to int) error {
	return affected(t.q.ExecContext(ctx, `
		UPDATE rides SET current_position_index = $3
		WHERE ride_id = $1 AND status = 'active' AND current_position_index = $2`, rideID, from, to))
}

func (t *pgTx) InsertRating(ctx context.Context, r *models.Rating) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO ratings (ride_id, rated_by, rated_user, value, feedback)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING rating_id, created_at`,
		r.RideID, r.RatedBy, r.RatedUser, r.Value, r.Feedback).Scan(&r.ID, &r.CreatedAt)
	if pe, ok := pqError(err); ok && pe.Code == "23505" {
		return apperrors.ErrDuplicateRating
	}
	return fkError(err, map[string]error{
		"ratings_ride_id_fkey": apperrors.ErrRideNotFound,
	}, apperrors.ErrProfileNotFound)
}

func (t *pgTx) lockIDs(ctx context.Context, query string, userID int64) (int, error) {
	rows, err := t.q.QueryContext(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

func (t *pgTx) RecomputeReputation(ctx context.Context, userID int64) (models.Reputation, error) {
	// lock order is drivers then passengers everywhere
	nd, err := t.lockIDs(ctx, `SELECT driver_id FROM drivers WHERE user_id = $1 ORDER BY driver_id FOR UPDATE`, userID)
	if err != nil {
		return models.Reputation{}, err
	}
	np, err := t.lockIDs(ctx, `SELECT passenger_id FROM passengers WHERE user_id = $1 ORDER BY passenger_id FOR UPDATE`, userID)
	if err != nil {
		return models.Reputation{}, err
	}
	if nd+np == 0 {
		return models.Reputation{}, apperrors.ErrProfileNotFound
	}

	rep := models.Reputation{UserID: userID}
	// a fresh statement under READ COMMITTED sees every rating committed
	// before the locks were granted
	if err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(value), 0)::float8, COUNT(*)
		FROM ratings WHERE rated_user = $1`, userID).Scan(&rep.AvgRating, &rep.TotalRides); err != nil {
		return models.Reputation{}, err
	}
	if _, err := t.q.ExecContext(ctx, `UPDATE drivers SET avg_rating = $2, total_rides = $3 WHERE user_id = $1`,
		userID, rep.AvgRating, rep.TotalRides); err != nil {
		return models.Reputation{}, err
	}
	if _, err := t.q.ExecContext(ctx, `UPDATE passengers SET avg_rating = $2, total_rides = $3 WHERE user_id = $1`,
		userID, rep.AvgRating, rep.TotalRides); err != nil {
		return models.Reputation{}, err
	}
	return rep, nil
}

func (t *pgTx) InsertNotification(ctx context.Context, n *models.Notification) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, message) VALUES ($1, $2)
		RETURNING notification_id, is_read, created_at`, n.UserID, n.Message).
		Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	return fkError(err, nil, apperrors.ErrProfileNotFound)
}

func (t *pgTx) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	res, err := t.q.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *pgTx) InsertIncident(ctx context.Context, i *models.Incident) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO incidents (ride_id, user_id, incident_type, description)
		VALUES ($1, $2, $3, $4)
		RETURNING incident_id, created_at`, i.RideID, i.UserID, i.IncidentType, i.Description).
		Scan(&i.ID, &i.CreatedAt)
	return fkError(err, map[string]error{
		"incidents_ride_id_fkey": apperrors.ErrRideNotFound,
	}, apperrors.ErrProfileNotFound)
}

func (t *pgTx) InsertUserReport(ctx context.Context, r *models.UserReport) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO user_reports (ride_id, reported_by, reported_user, reason, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING report_id, created_at`, r.RideID, r.ReportedBy, r.ReportedUser, r.Reason, r.Description).
		Scan(&r.ID, &r.CreatedAt)
	return fkError(err, map[string]error{
		"user_reports_ride_id_fkey": apperrors.ErrRideNotFound,
	}, apperrors.ErrProfileNotFound)
}
