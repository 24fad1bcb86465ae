package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/semaphore"

	"pulsegate/internal/platform/config"
	"pulsegate/pkg/sentinel"
)

// Record header keys. The body carries only the event document; everything
// the consumer needs before decoding rides in headers.
const (
	hdrMessageID     = "message-id"
	hdrKind          = "event-type"
	hdrCorrelationID = "correlation-id"
	hdrSchemaVersion = "schema-version"
	hdrUserID        = "user-id"
	hdrSince         = "since"
	hdrScheduledFor  = "scheduled-for"
	hdrAttempt       = "delivery-attempt"

	hdrDLQReason    = "dlq-reason"
	hdrDLQErrorType = "dlq-error-type"
	hdrDLQDetail    = "dlq-error-detail"
	hdrDLQFailedAt  = "dlq-failed-at"
	hdrDLQAttempts  = "dlq-delivery-count"
)

// delaySuffix names the sidecar topic for scheduled messages. Kafka has no
// broker-side delivery delay, so scheduled messages park there until due and
// are then republished to the main topic.
const delaySuffix = ".delayed"

// KafkaPublisher produces to the main topic, routing scheduled messages
// through the delay topic.
type KafkaPublisher struct {
	cl         *kgo.Client
	topic      string
	delayTopic string
	logger     *slog.Logger
	now        func() time.Time
}

// NewKafkaPublisher dials the brokers and verifies connectivity before
// returning.
func NewKafkaPublisher(ctx context.Context, cfg config.KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}
	return &KafkaPublisher{
		cl:         cl,
		topic:      cfg.Topic,
		delayTopic: cfg.Topic + delaySuffix,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	rec := encode(msg, p.topic)
	if !msg.ScheduledFor.IsZero() && msg.ScheduledFor.After(p.now()) {
		rec.Topic = p.delayTopic
	}
	if err := p.cl.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return classifyKafka(err)
	}
	return nil
}

func (p *KafkaPublisher) Close() { p.cl.Close() }

// KafkaConsumer drives the main and delay topics with manual commits.
// Partitions are processed in order; distinct partitions run concurrently,
// bounded by MaxConcurrent.
type KafkaConsumer struct {
	cl            *kgo.Client
	topic         string
	delayTopic    string
	dlqTopic      string
	maxConcurrent int64
	logger        *slog.Logger
	now           func() time.Time
	sched         *scheduler
}

func NewKafkaConsumer(ctx context.Context, cfg config.KafkaConfig, maxConcurrent int, logger *slog.Logger) (*KafkaConsumer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic, cfg.Topic+delaySuffix),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}
	c := &KafkaConsumer{
		cl:            cl,
		topic:         cfg.Topic,
		delayTopic:    cfg.Topic + delaySuffix,
		dlqTopic:      cfg.DeadLetter,
		maxConcurrent: int64(maxConcurrent),
		logger:        logger,
		now:           time.Now,
	}
	c.sched = newScheduler(func(ctx context.Context, msg Message) error {
		return c.cl.ProduceSync(ctx, encode(msg, c.topic)).FirstErr()
	}, c.now, logger)
	return c, nil
}

// Run polls until ctx is done. Handled and dead-lettered records are
// committed; a transient handler failure stops the partition's commit at the
// failed record so it redelivers.
func (c *KafkaConsumer) Run(ctx context.Context, h Handler) error {
	defer c.sched.Wait()
	sem := semaphore.NewWeighted(c.maxConcurrent)
	for {
		fetches := c.cl.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch failed", "topic", topic, "partition", partition, "error", err)
		})

		done := make(chan []*kgo.Record)
		var partitions int
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			partitions++
			recs := p.Records
			go func() {
				if err := sem.Acquire(ctx, 1); err != nil {
					done <- nil
					return
				}
				defer sem.Release(1)
				done <- c.drainPartition(ctx, recs, h)
			}()
		})

		var commit []*kgo.Record
		for i := 0; i < partitions; i++ {
			commit = append(commit, <-done...)
		}
		if len(commit) > 0 {
			if err := c.cl.CommitRecords(ctx, commit...); err != nil {
				c.logger.Error("commit failed", "records", len(commit), "error", err)
			}
		}
	}
}

// drainPartition handles one partition's records in order, returning the
// records safe to commit.
func (c *KafkaConsumer) drainPartition(ctx context.Context, recs []*kgo.Record, h Handler) []*kgo.Record {
	handled := make([]*kgo.Record, 0, len(recs))
	for _, rec := range recs {
		msg := decode(rec)

		// Delay-topic records are handed to the scheduler and committed on
		// receipt; the pending wait must never hold up the poll loop.
		if rec.Topic == c.delayTopic {
			c.sched.Add(ctx, msg)
			handled = append(handled, rec)
			continue
		}

		err := h(ctx, msg)
		if err == nil {
			handled = append(handled, rec)
			continue
		}
		var dle *DeadLetterError
		if !errors.As(err, &dle) {
			c.logger.Warn("handler failed, leaving for redelivery",
				"messageId", msg.ID, "error", err)
			return handled
		}
		if err := c.deadLetter(ctx, msg, dle); err != nil {
			c.logger.Error("dead-letter publish failed", "messageId", msg.ID, "error", err)
			return handled
		}
		handled = append(handled, rec)
	}
	return handled
}

// deadLetter copies the message to the DLQ topic with the forensic headers a
// replay tool needs to triage it.
func (c *KafkaConsumer) deadLetter(ctx context.Context, msg Message, dle *DeadLetterError) error {
	rec := encode(msg, c.dlqTopic)
	detail := ""
	errType := "unknown"
	if dle.Cause != nil {
		detail = dle.Cause.Error()
		errType = fmt.Sprintf("%T", dle.Cause)
	}
	attempts := msg.Attempt
	if dle.Attempts > 0 {
		attempts = dle.Attempts
	}
	rec.Headers = append(rec.Headers,
		kgo.RecordHeader{Key: hdrDLQReason, Value: []byte(dle.Reason)},
		kgo.RecordHeader{Key: hdrDLQErrorType, Value: []byte(errType)},
		kgo.RecordHeader{Key: hdrDLQDetail, Value: []byte(detail)},
		kgo.RecordHeader{Key: hdrDLQFailedAt, Value: []byte(c.now().UTC().Format(time.RFC3339Nano))},
		kgo.RecordHeader{Key: hdrDLQAttempts, Value: []byte(strconv.Itoa(attempts))},
	)
	if err := c.cl.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return classifyKafka(err)
	}
	c.logger.Warn("message dead-lettered",
		"messageId", msg.ID, "reason", dle.Reason, "attempts", attempts)
	return nil
}

func (c *KafkaConsumer) Close() { c.cl.Close() }

// KafkaDepth reports total consumer-group lag across the main topic, which
// stands in for queue depth.
type KafkaDepth struct {
	adm   *kadm.Client
	group string
}

func NewKafkaDepth(ctx context.Context, cfg config.KafkaConfig) (*KafkaDepth, error) {
	cl, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}
	return &KafkaDepth{adm: kadm.NewClient(cl), group: cfg.ConsumerGroup}, nil
}

func (d *KafkaDepth) Depth(ctx context.Context) (int64, error) {
	lags, err := d.adm.Lag(ctx, d.group)
	if err != nil {
		return 0, fmt.Errorf("group lag: %w", err)
	}
	lag, ok := lags[d.group]
	if !ok {
		return 0, nil
	}
	if err := lag.Error(); err != nil {
		return 0, fmt.Errorf("group lag: %w", err)
	}
	return lag.Lag.Total(), nil
}

func (d *KafkaDepth) Close() { d.adm.Close() }

func encode(msg Message, topic string) *kgo.Record {
	attempt := msg.Attempt
	if attempt == 0 {
		attempt = 1
	}
	headers := []kgo.RecordHeader{
		{Key: hdrMessageID, Value: []byte(msg.ID)},
		{Key: hdrKind, Value: []byte(msg.Kind)},
		{Key: hdrCorrelationID, Value: []byte(msg.CorrelationID)},
		{Key: hdrSchemaVersion, Value: []byte(msg.SchemaVersion)},
		{Key: hdrUserID, Value: []byte(msg.UserID)},
		{Key: hdrAttempt, Value: []byte(strconv.Itoa(attempt))},
	}
	if !msg.Since.IsZero() {
		headers = append(headers, kgo.RecordHeader{
			Key: hdrSince, Value: []byte(msg.Since.UTC().Format(time.RFC3339Nano)),
		})
	}
	if !msg.ScheduledFor.IsZero() {
		headers = append(headers, kgo.RecordHeader{
			Key: hdrScheduledFor, Value: []byte(msg.ScheduledFor.UTC().Format(time.RFC3339Nano)),
		})
	}
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	}
}

func decode(rec *kgo.Record) Message {
	msg := Message{
		Key:     string(rec.Key),
		Value:   rec.Value,
		Attempt: 1,
	}
	for _, h := range rec.Headers {
		v := string(h.Value)
		switch h.Key {
		case hdrMessageID:
			msg.ID = v
		case hdrKind:
			msg.Kind = v
		case hdrCorrelationID:
			msg.CorrelationID = v
		case hdrSchemaVersion:
			msg.SchemaVersion = v
		case hdrUserID:
			msg.UserID = v
		case hdrAttempt:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				msg.Attempt = n
			}
		case hdrSince:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				msg.Since = t
			}
		case hdrScheduledFor:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				msg.ScheduledFor = t
			}
		}
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s-%d-%d", rec.Topic, rec.Partition, rec.Offset)
	}
	return msg
}

// classifyKafka maps broker errors onto the shared sentinels so retry and
// breaker policies can tell transient from terminal.
func classifyKafka(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", sentinel.ErrTimeout, err)
	case kerr.IsRetriable(err):
		return fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	default:
		return err
	}
}
