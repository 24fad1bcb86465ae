package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pulsegate/internal/event"
	platformredis "pulsegate/internal/platform/redis"
	"pulsegate/pkg/resilience"
	"pulsegate/pkg/sentinel"
)

const (
	docKeyPrefix      = "doc:"
	profileKeyPrefix  = "profile:"
	purchaseKeyPrefix = "purchases:"
	healthKey         = "health:processing"

	// Purchase history only needs to outlive the abandonment check window,
	// but keeping a week makes the index useful for support queries.
	purchaseIndexTTL = 7 * 24 * time.Hour
)

// RedisWriter is the production Writer. Writes go through a bounded retry
// with no circuit breaker: the store is the last hop before acknowledging a
// message, so every attempt the budget allows is worth spending.
type RedisWriter struct {
	rdb     *platformredis.Client
	retrier *resilience.Retrier
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewRedisWriter(rdb *platformredis.Client, metrics *Metrics, logger *slog.Logger) *RedisWriter {
	return &RedisWriter{
		rdb: rdb,
		retrier: resilience.NewRetrier(
			resilience.WithMaxAttempts(5),
			resilience.WithBaseDelay(200*time.Millisecond),
			resilience.WithRetryable(sentinel.Transient),
		),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func docKey(partitionKey, id string) string {
	return docKeyPrefix + partitionKey + ":" + id
}

// Write creates the document if absent. When the id is already taken the
// stored payload hash decides whether this is a redelivery or a collision.
// Collisions are dropped but logged loudly; overwriting would destroy the
// evidence.
func (w *RedisWriter) Write(ctx context.Context, doc Document) (Outcome, error) {
	if doc.StoredAt.IsZero() {
		doc.StoredAt = w.now().UTC()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal document: %w", err)
	}

	key := docKey(doc.PartitionKey, doc.ID)
	ttl := time.Duration(doc.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var outcome Outcome
	err = w.retrier.Do(ctx, func(ctx context.Context) error {
		created, err := w.rdb.SetNX(ctx, key, body, ttl).Result()
		if err != nil {
			return classifyRedis(err)
		}
		if created {
			outcome = Created
			return nil
		}

		existing, err := w.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Existing document expired between the two calls; retry
			// takes the create path.
			return fmt.Errorf("%w: document vanished mid-write", sentinel.ErrUnavailable)
		}
		if err != nil {
			return classifyRedis(err)
		}

		var stored Document
		if err := json.Unmarshal([]byte(existing), &stored); err != nil {
			return fmt.Errorf("unmarshal stored document %s: %w", key, err)
		}
		if stored.Event.PayloadHash == doc.Event.PayloadHash {
			outcome = DuplicateIgnored
			return nil
		}

		outcome = CollisionDetected
		w.logger.Error("deduplication id collision",
			"documentId", doc.ID,
			"partitionKey", doc.PartitionKey,
			"storedHash", stored.Event.PayloadHash,
			"incomingHash", doc.Event.PayloadHash,
			"storedEventId", stored.Event.EventID,
			"incomingEventId", doc.Event.EventID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	w.metrics.recordWrite(outcome)
	return outcome, nil
}

func (w *RedisWriter) Get(ctx context.Context, partitionKey, id string) (Document, error) {
	body, err := w.rdb.Get(ctx, docKey(partitionKey, id)).Result()
	if errors.Is(err, redis.Nil) {
		return Document{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Document{}, classifyRedis(err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return Document{}, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// RedisProfiles keeps user aggregates in hashes and purchase history in a
// sorted set scored by purchase time. Hash increments are atomic on the
// server, so concurrent workers never lose counts.
type RedisProfiles struct {
	rdb *platformredis.Client
}

func NewRedisProfiles(rdb *platformredis.Client) *RedisProfiles {
	return &RedisProfiles{rdb: rdb}
}

func (p *RedisProfiles) Apply(ctx context.Context, ev *event.Event) error {
	weight := ev.Type.ScoreWeight()
	if weight == 0 {
		// Zero-weight kinds carry no behavioral signal and leave the
		// profile untouched, eventCount included.
		return nil
	}
	key := profileKeyPrefix + ev.UserID
	pipe := p.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "score", int64(weight))
	pipe.HIncrBy(ctx, key, "eventCount", 1)
	pipe.HSet(ctx, key, "userId", ev.UserID,
		"lastActive", ev.CreatedAt.UTC().Format(time.RFC3339Nano))
	if ev.Type == event.KindPurchase {
		pipe.ZAdd(ctx, purchaseKeyPrefix+ev.UserID, redis.Z{
			Score:  float64(ev.CreatedAt.UnixMilli()),
			Member: ev.EventID,
		})
		pipe.Expire(ctx, purchaseKeyPrefix+ev.UserID, purchaseIndexTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyRedis(err)
	}
	return nil
}

func (p *RedisProfiles) Get(ctx context.Context, userID string) (Profile, error) {
	fields, err := p.rdb.HGetAll(ctx, profileKeyPrefix+userID).Result()
	if err != nil {
		return Profile{}, classifyRedis(err)
	}
	if len(fields) == 0 {
		return Profile{}, sentinel.ErrNotFound
	}
	prof := Profile{UserID: userID}
	if v, err := strconv.ParseInt(fields["score"], 10, 64); err == nil {
		prof.Score = v
	}
	if v, err := strconv.ParseInt(fields["eventCount"], 10, 64); err == nil {
		prof.EventCount = v
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["lastActive"]); err == nil {
		prof.LastActive = t
	}
	return prof, nil
}

func (p *RedisProfiles) HasPurchase(ctx context.Context, userID string, since time.Time) (bool, error) {
	min := strconv.FormatInt(since.UnixMilli(), 10)
	n, err := p.rdb.ZCount(ctx, purchaseKeyPrefix+userID, min, "+inf").Result()
	if err != nil {
		return false, classifyRedis(err)
	}
	return n > 0, nil
}

// RedisHealthStates stores the shared throttle record. No TTL: a stale
// record is the monitor's problem to overwrite, not the store's to expire.
type RedisHealthStates struct {
	rdb *platformredis.Client
}

func NewRedisHealthStates(rdb *platformredis.Client) *RedisHealthStates {
	return &RedisHealthStates{rdb: rdb}
}

func (h *RedisHealthStates) Put(ctx context.Context, state HealthState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal health state: %w", err)
	}
	if err := h.rdb.Set(ctx, healthKey, body, 0).Err(); err != nil {
		return classifyRedis(err)
	}
	return nil
}

func (h *RedisHealthStates) Get(ctx context.Context) (HealthState, bool, error) {
	body, err := h.rdb.Get(ctx, healthKey).Result()
	if errors.Is(err, redis.Nil) {
		return HealthState{}, false, nil
	}
	if err != nil {
		return HealthState{}, false, classifyRedis(err)
	}
	var state HealthState
	if err := json.Unmarshal([]byte(body), &state); err != nil {
		return HealthState{}, false, fmt.Errorf("unmarshal health state: %w", err)
	}
	return state, true, nil
}

// classifyRedis maps driver errors onto the shared sentinels. Anything but
// a context cancellation is treated as the server being briefly away.
func classifyRedis(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", sentinel.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}
}
