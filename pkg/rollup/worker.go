package rollup

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	appredis "github.com/12313131dBossza/siteproc-fulfillment/pkg/redis"
)

const (
	// DefaultStream is the redis stream carrying rollup retries.
	DefaultStream = "fulfillment:rollups"

	// DefaultConsumerGroup is the worker consumer group.
	DefaultConsumerGroup = "rollup-workers"

	// DefaultBlockTimeout is how long a consume call blocks for messages.
	DefaultBlockTimeout = 5 * time.Second

	// DefaultSweepInterval is how often pending outbox rows are re-applied,
	// catching rollups whose queue publish was itself lost.
	DefaultSweepInterval = 30 * time.Second

	// DefaultBatchSize is the number of messages consumed at once.
	DefaultBatchSize = 10
)

// StreamQueue publishes rollup retries onto a redis stream.
type StreamQueue struct {
	streams *appredis.Streams
	stream  string
}

// NewStreamQueue creates a StreamQueue on the given stream name.
func NewStreamQueue(streams *appredis.Streams, stream string) *StreamQueue {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamQueue{streams: streams, stream: stream}
}

// PublishRollup pushes the rollup onto the retry stream.
func (q *StreamQueue) PublishRollup(ctx context.Context, r *models.ProjectRollup) error {
	_, err := q.streams.Publish(ctx, q.stream, r)
	return err
}

// WorkerConfig holds configuration for the rollup retry worker.
type WorkerConfig struct {
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int64
	BlockTimeout  time.Duration
	SweepInterval time.Duration
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return WorkerConfig{
		Stream:        DefaultStream,
		ConsumerGroup: DefaultConsumerGroup,
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		SweepInterval: DefaultSweepInterval,
	}
}

// Worker drains the retry stream and periodically sweeps pending outbox rows
// so every committed completion eventually reaches its project, even when
// both the inline apply and the queue publish failed.
type Worker struct {
	logger  ectologger.Logger
	store   Store
	streams *appredis.Streams
	cfg     WorkerConfig

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker creates a rollup retry worker.
func NewWorker(logger ectologger.Logger, store Store, streams *appredis.Streams, cfg WorkerConfig) *Worker {
	return &Worker{
		logger:  logger,
		store:   store,
		streams: streams,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins consuming. Blocks until Stop is called or the context ends.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.streams.CreateConsumerGroup(ctx, w.cfg.Stream, w.cfg.ConsumerGroup); err != nil {
		return err
	}

	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()
	defer close(w.doneCh)

	w.logger.WithFields(map[string]any{
		"stream":   w.cfg.Stream,
		"group":    w.cfg.ConsumerGroup,
		"consumer": w.cfg.ConsumerName,
	}).Info("Rollup worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-sweep.C:
			w.sweepPending(ctx)
		default:
		}

		msgs, err := w.streams.Consume(ctx, w.cfg.Stream, w.cfg.ConsumerGroup, w.cfg.ConsumerName, w.cfg.BatchSize, w.cfg.BlockTimeout)
		if err != nil {
			w.logger.WithContext(ctx).WithError(err).Warn("Failed to consume rollup stream")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

// Stop signals the worker to exit and waits for the loop to drain.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) handle(ctx context.Context, msg appredis.StreamMessage) {
	rollupID, _ := msg.Payload["id"].(string)
	companyID, _ := msg.Payload["company_id"].(string)
	if rollupID == "" || companyID == "" {
		w.logger.WithContext(ctx).Warnf("Dropping malformed rollup message %s", msg.ID)
		_ = w.streams.Ack(ctx, w.cfg.Stream, w.cfg.ConsumerGroup, msg.ID)
		return
	}

	if err := w.store.Apply(ctx, companyID, rollupID); err != nil {
		// Leave unacked; redelivery retries it.
		w.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rollup_id": rollupID,
		}).Warn("Rollup retry failed")
		return
	}

	if err := w.streams.Ack(ctx, w.cfg.Stream, w.cfg.ConsumerGroup, msg.ID); err != nil {
		w.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack rollup message %s", msg.ID)
	}
}

func (w *Worker) sweepPending(ctx context.Context) {
	pending, err := w.store.ListPending(ctx, 100)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Warn("Failed to list pending rollups")
		return
	}

	for i := range pending {
		r := &pending[i]
		if err := w.store.Apply(ctx, r.CompanyID, r.ID); err != nil {
			w.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"rollup_id": r.ID,
			}).Warn("Pending rollup sweep failed")
		}
	}
}
