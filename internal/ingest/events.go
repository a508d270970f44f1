package ingest

import (
	"context"
	"log/slog"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// Publisher is implemented by KafkaProducer.
type Publisher interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// Emit publishes ev after the change it describes has committed. Failures
// are logged and counted only; p may be nil.
func Emit(ctx context.Context, p Publisher, log *slog.Logger, ev models.RideEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		observability.EventPublishFailuresTotal.Inc()
		if log == nil {
			log = slog.Default()
		}
		log.Warn("ride_event_publish_failed", "type", ev.Type, "ride_id", ev.RideID, "err", err)
	}
}
