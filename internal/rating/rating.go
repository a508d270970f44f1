package rating

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

const (
	MinValue = 1
	MaxValue = 5
)

type Notifier interface {
	Notify(ctx context.Context, userID int64, message string)
}

type Service struct {
	Store    storage.Store
	Notifier Notifier // optional
	Log      *slog.Logger
}

type NewRating struct {
	RideID    int64  `json:"ride_id"`
	RatedBy   int64  `json:"rated_by"`
	RatedUser int64  `json:"rated_user"`
	Value     int    `json:"value"`
	Feedback  string `json:"feedback,omitempty"`
}

// Result is the stored rating with the rated user's new reputation.
type Result struct {
	Rating     models.Rating     `json:"rating"`
	Reputation models.Reputation `json:"reputation"`
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// SubmitRating stores one participant's rating of the other for a completed
// ride and recomputes the rated user's reputation in the same transaction.
// A second rating by the same rater for the ride fails with ErrDuplicateRating.
func (s *Service) SubmitRating(ctx context.Context, in NewRating) (Result, error) {
	if in.Value < MinValue || in.Value > MaxValue {
		return Result{}, apperrors.ErrOutOfRangeValue
	}
	if in.RatedBy == in.RatedUser {
		return Result{}, apperrors.Invalid("a user cannot rate themselves")
	}
	var res Result
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.LockRide(ctx, in.RideID)
		if err != nil {
			return err
		}
		if ride.Status != models.RideCompleted {
			return apperrors.ErrRideNotCompleted
		}
		p, err := tx.Participants(ctx, in.RideID)
		if err != nil {
			return err
		}
		if !p.Has(in.RatedBy) || !p.Has(in.RatedUser) {
			return apperrors.ErrNotParticipant
		}
		r := models.Rating{
			RideID:    in.RideID,
			RatedBy:   in.RatedBy,
			RatedUser: in.RatedUser,
			Value:     in.Value,
			Feedback:  strings.TrimSpace(in.Feedback),
		}
		if err := tx.InsertRating(ctx, &r); err != nil {
			return err
		}
		rep, err := tx.RecomputeReputation(ctx, in.RatedUser)
		if err != nil {
			return err
		}
		res = Result{Rating: r, Reputation: rep}
		return nil
	})
	observability.CountConflict("submit_rating", err)
	if err != nil {
		return Result{}, err
	}
	observability.RatingsTotal.Inc()
	s.logger().Info("rating_submitted", "ride_id", in.RideID, "rated_user", in.RatedUser, "value", in.Value, "avg_rating", res.Reputation.AvgRating)
	if s.Notifier != nil {
		s.Notifier.Notify(ctx, in.RatedUser, fmt.Sprintf("You received a %d-star rating for ride %d", in.Value, in.RideID))
	}
	return res, nil
}

func (s *Service) HasRated(ctx context.Context, rideID, raterUserID int64) (bool, error) {
	ok, err := s.Store.HasRated(ctx, rideID, raterUserID)
	return ok, apperrors.Connectivity(err)
}

// RatingsForUser lists the most recent ratings received by userID.
func (s *Service) RatingsForUser(ctx context.Context, userID int64, limit int) ([]models.Rating, error) {
	out, err := s.Store.RatingsForUser(ctx, userID, limit)
	return out, apperrors.Connectivity(err)
}

func (s *Service) Statistics(ctx context.Context, userID int64) (models.RatingStats, error) {
	st, err := s.Store.RatingStats(ctx, userID)
	return st, apperrors.Connectivity(err)
}
