package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

var (
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid ride event messages received",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total ride events that could not be applied to redis",
	})
)

func init() {
	prometheus.MustRegister(msgsInvalid, redisErrors)
}

func main() {
	cfg, cfgErr := config.LoadConsumerConfig()
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Error("invalid configuration", "error", cfgErr)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		ev, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := updateRedisWithRetry(ctx, radapter, cfg.RedisGeoKey, &ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "ride_id", ev.RideID, "type", ev.Type, "error", err)
			continue
		}
		observability.EventsConsumedTotal.WithLabelValues(ev.Type).Inc()
		if n, err := radapter.Tracked(ctx, cfg.RedisGeoKey); err == nil {
			observability.RidesTracked.Set(float64(n))
		}
	}
}

func decodeEvent(b []byte) (models.RideEvent, error) {
	var ev models.RideEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return models.RideEvent{}, err
	}
	if ev.RideID <= 0 || ev.Type == "" {
		return models.RideEvent{}, errors.New("event without ride id or type")
	}
	return ev, nil
}

// RedisUpdater is the subset of redis the live projection writes through.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Remove(ctx context.Context, geoKey, member, metaKey string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Remove(ctx context.Context, geoKey, member, metaKey string) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, geoKey, member)
		p.Del(ctx, metaKey)
		return nil
	})
	return err
}

func (r *redisAdapter) Tracked(ctx context.Context, geoKey string) (int64, error) {
	return r.c.ZCard(ctx, geoKey).Result()
}

func rideMember(rideID int64) string { return "ride:" + strconv.FormatInt(rideID, 10) }

func metaKey(rideID int64) string { return "ride:live:" + strconv.FormatInt(rideID, 10) }

// applyEvent projects one ride event. Finished rides leave the projection;
// every other event refreshes the ride's metadata and, when it carries one,
// its position.
func applyEvent(ctx context.Context, rc RedisUpdater, geoKey string, ev *models.RideEvent) error {
	if ev.Status.Terminal() {
		return rc.Remove(ctx, geoKey, rideMember(ev.RideID), metaKey(ev.RideID))
	}
	if ev.Position != nil {
		loc := &redis.GeoLocation{Longitude: ev.Position.Lon, Latitude: ev.Position.Lat, Name: rideMember(ev.RideID)}
		if err := rc.GeoAdd(ctx, geoKey, loc); err != nil {
			return err
		}
	}
	return rc.HSet(ctx, metaKey(ev.RideID), map[string]interface{}{
		"offer_id":       ev.OfferID,
		"status":         string(ev.Status),
		"position_index": ev.PositionIndex,
		"updated_at":     ev.OccurredAt.UTC().Format(time.RFC3339),
	})
}

// updateRedisWithRetry applies ev with exponential backoff between attempts.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, ev *models.RideEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyEvent(ctx, rc, geoKey, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
