package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// Pusher delivers a stored notification to a connected client.
type Pusher interface {
	Push(userID int64, v any) error
}

// Service appends notifications, incidents and user reports. The engines
// call the best-effort variants after their own transaction has committed.
type Service struct {
	Store storage.Store
	Push  Pusher // optional
	Log   *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Service) CreateNotification(ctx context.Context, userID int64, message string) (models.Notification, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return models.Notification{}, apperrors.Invalid("message is required")
	}
	n := models.Notification{UserID: userID, Message: message}
	if err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertNotification(ctx, &n)
	}); err != nil {
		return models.Notification{}, err
	}
	if s.Push != nil {
		if err := s.Push.Push(userID, n); err != nil && !errors.Is(err, ErrNoSession) {
			s.logger().Warn("notification_push_failed", "user_id", userID, "err", err)
		}
	}
	return n, nil
}

// Notify is CreateNotification for side effects: failures are logged and
// counted, never returned.
func (s *Service) Notify(ctx context.Context, userID int64, message string) {
	if _, err := s.CreateNotification(ctx, userID, message); err != nil {
		observability.NotificationFailuresTotal.Inc()
		s.logger().Error("notification_failed", "user_id", userID, "err", err)
	}
}

// MarkAllRead clears every unread notification and returns how many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.MarkAllRead(ctx, userID)
		return err
	})
	return n, err
}

func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	n, err := s.Store.UnreadCount(ctx, userID)
	return n, apperrors.Connectivity(err)
}

func (s *Service) List(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	out, err := s.Store.Notifications(ctx, userID, limit)
	return out, apperrors.Connectivity(err)
}

// LogIncident records an incident raised by a participant of the ride.
func (s *Service) LogIncident(ctx context.Context, in models.Incident) (models.Incident, error) {
	in.IncidentType = strings.TrimSpace(in.IncidentType)
	if in.IncidentType == "" {
		return models.Incident{}, apperrors.Invalid("incident_type is required")
	}
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.Participants(ctx, in.RideID)
		if err != nil {
			return err
		}
		if !p.Has(in.UserID) {
			return apperrors.ErrNotParticipant
		}
		return tx.InsertIncident(ctx, &in)
	})
	if err != nil {
		return models.Incident{}, err
	}
	return in, nil
}

// RecordIncident is LogIncident for side effects.
func (s *Service) RecordIncident(ctx context.Context, in models.Incident) {
	if _, err := s.LogIncident(ctx, in); err != nil {
		observability.IncidentFailuresTotal.Inc()
		s.logger().Error("incident_failed", "ride_id", in.RideID, "user_id", in.UserID, "err", err)
	}
}

// CreateUserReport lets one participant of a ride report the other.
func (s *Service) CreateUserReport(ctx context.Context, r models.UserReport) (models.UserReport, error) {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return models.UserReport{}, apperrors.Invalid("reason is required")
	}
	if r.ReportedBy == r.ReportedUser {
		return models.UserReport{}, apperrors.Invalid("cannot report yourself")
	}
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.Participants(ctx, r.RideID)
		if err != nil {
			return err
		}
		if !p.Has(r.ReportedBy) || !p.Has(r.ReportedUser) {
			return apperrors.ErrNotParticipant
		}
		return tx.InsertUserReport(ctx, &r)
	})
	if err != nil {
		return models.UserReport{}, err
	}
	return r, nil
}
