package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRelayChannel   = "recount:counts"
	defaultRelayQueueSize = 256
)

var (
	errMissingRedisClient = errors.New("realtime: redis client is required")
	errMissingIngester    = errors.New("realtime: ingester is required")
)

// Ingester indexes counts produced by peer instances.
type Ingester interface {
	Ingest(ctx context.Context, count counts.Count) (bool, error)
}

// RelayConfig wires a Redis relay.
type RelayConfig struct {
	Client    *redis.Client
	Channel   string
	Ingester  Ingester
	QueueSize int
	Logger    *zap.Logger
}

// RedisRelay replicates locally submitted counts to peer instances through a
// Redis channel and ingests the counts those peers announce.
type RedisRelay struct {
	client   *redis.Client
	channel  string
	ingester Ingester
	origin   string
	outbound chan relayMessage
	logger   *zap.Logger
}

type relayMessage struct {
	Origin      string    `json:"origin"`
	CountID     string    `json:"count_id"`
	Sequence    int64     `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
	InventoryID string    `json:"inventory_id"`
	Address     string    `json:"address"`
	Material    string    `json:"material"`
	Quantity    int64     `json:"quantity"`
	SubmittedBy string    `json:"submitted_by"`
}

// NewRedisRelay validates the configuration and constructs a relay.
func NewRedisRelay(cfg RelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Ingester == nil {
		return nil, errMissingIngester
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultRelayChannel
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultRelayQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:   cfg.Client,
		channel:  channel,
		ingester: cfg.Ingester,
		origin:   uuid.NewString(),
		outbound: make(chan relayMessage, queueSize),
		logger:   logger,
	}, nil
}

// Origin identifies this instance on the channel.
func (r *RedisRelay) Origin() string {
	return r.origin
}

// Publish queues the latest count of a locally produced update for replication.
// Replicated updates are skipped so counts never bounce between instances.
func (r *RedisRelay) Publish(event counts.GroupUpdated) {
	if event.Replicated {
		return
	}
	message := messageFromCount(r.origin, event.LatestCount)
	select {
	case r.outbound <- message:
	default:
		r.logger.Warn("relay queue full, count not replicated",
			zap.String("count_id", message.CountID),
			zap.String("inventory_id", message.InventoryID))
	}
}

// Run forwards queued counts and ingests peer counts until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("count relay subscribed",
		zap.String("channel", r.channel),
		zap.String("origin", r.origin))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.forward(groupCtx)
	})
	group.Go(func() error {
		return r.consume(groupCtx, pubsub.Channel())
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *RedisRelay) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-r.outbound:
			payload, err := json.Marshal(message)
			if err != nil {
				r.logger.Error("relay encode failed", zap.String("count_id", message.CountID), zap.Error(err))
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.logger.Error("relay publish failed", zap.String("count_id", message.CountID), zap.Error(err))
			}
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, messages <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(ctx, message.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var message relayMessage
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		r.logger.Warn("relay message malformed", zap.Error(err))
		return
	}
	if message.Origin == r.origin {
		return
	}
	count, err := message.count()
	if err != nil {
		r.logger.Warn("relay message rejected",
			zap.String("count_id", message.CountID),
			zap.String("origin", message.Origin),
			zap.Error(err))
		return
	}
	inserted, err := r.ingester.Ingest(ctx, count)
	if err != nil {
		r.logger.Error("relay ingest failed", zap.String("count_id", message.CountID), zap.Error(err))
		return
	}
	if inserted {
		r.logger.Debug("relay ingested count",
			zap.String("count_id", message.CountID),
			zap.String("origin", message.Origin))
	}
}

func messageFromCount(origin string, count counts.Count) relayMessage {
	return relayMessage{
		Origin:      origin,
		CountID:     count.ID(),
		Sequence:    count.Sequence(),
		CreatedAt:   count.CreatedAt(),
		InventoryID: count.InventoryID().String(),
		Address:     count.Address().String(),
		Material:    count.Material().String(),
		Quantity:    count.Quantity().Int64(),
		SubmittedBy: count.SubmittedBy().String(),
	}
}

func (m relayMessage) count() (counts.Count, error) {
	return counts.NewCount(counts.CountConfig{
		ID:          m.CountID,
		Sequence:    m.Sequence,
		CreatedAt:   m.CreatedAt,
		InventoryID: m.InventoryID,
		Address:     m.Address,
		Material:    m.Material,
		Quantity:    m.Quantity,
		SubmittedBy: m.SubmittedBy,
	})
}
