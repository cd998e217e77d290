// Package worker consumes document-uploaded events, extracts the text of each
// document and stores it in the search index.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docindex/internal/apperr"
	"docindex/internal/logger"
	"docindex/internal/messaging"
	"docindex/internal/ocr"
	"docindex/internal/search"
	"docindex/internal/storage"
)

// Stage names the step a delivery failed in.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StageIndex   Stage = "index"
)

// DefaultShutdownTimeout bounds in-flight work after Run's context is cancelled.
const DefaultShutdownTimeout = 30 * time.Second

// ErrIndexRejected is reported when the index answered but did not store the text.
var ErrIndexRejected = errors.New("index did not acknowledge the document")

// Delivery is one document-uploaded event taken from the queue.
type Delivery = messaging.Received[messaging.DocumentUploaded]

// SubscribeFunc opens a fresh subscription to document-uploaded events.
type SubscribeFunc func(ctx context.Context) (messaging.Stream[messaging.DocumentUploaded], error)

// Worker runs the fetch, extract, index and acknowledge loop.
type Worker struct {
	subscribe SubscribeFunc
	blobs     storage.BlobStore
	extractor ocr.Extractor
	index     search.Index
	log       *zap.Logger
	tracer    trace.Tracer

	policy          RejectPolicy
	concurrency     int
	shutdownTimeout time.Duration
	metrics         *Metrics
	newBackOff      func() backoff.BackOff
}

// Option customises a Worker.
type Option func(*Worker)

// WithConcurrency sets how many deliveries are processed at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithRejectPolicy replaces the default never-requeue policy.
func WithRejectPolicy(p RejectPolicy) Option {
	return func(w *Worker) { w.policy = p }
}

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.shutdownTimeout = d
		}
	}
}

// WithMetrics records outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithBackOff sets the resubscribe schedule used after transport failures.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(w *Worker) { w.newBackOff = f }
}

// New builds a worker. log may be nil.
func New(subscribe SubscribeFunc, blobs storage.BlobStore, extractor ocr.Extractor, index search.Index, log *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		subscribe:       subscribe,
		blobs:           blobs,
		extractor:       extractor,
		index:           index,
		log:             logger.OrNop(log),
		tracer:          otel.Tracer("docindex/worker"),
		concurrency:     1,
		shutdownTimeout: DefaultShutdownTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(nil)
	}
	return w
}

// Run consumes until ctx is cancelled and returns nil then. Lost subscriptions
// are reopened with backoff. On cancellation no further deliveries are taken;
// those being processed finish within the shutdown timeout and are settled.
func (w *Worker) Run(ctx context.Context) error {
	work, stop := w.workContext(ctx)
	defer stop()

	b := w.newBackOff()
	for {
		handled, err := w.runOnce(ctx, work)
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}
		if handled > 0 {
			b.Reset()
		}
		if err != nil && !apperr.IsTransient(err) {
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("resubscribe: giving up: %w", err)
		}
		w.log.Warn("subscription lost, resubscribing", zap.Duration("in", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			w.log.Info("worker stopped")
			return nil
		case <-t.C:
		}
	}
}

// workContext returns the context deliveries are processed with. It outlives
// ctx by at most the shutdown timeout.
func (w *Worker) workContext(ctx context.Context) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-ctx.Done():
		case <-work.Done():
			return
		}
		t := time.NewTimer(w.shutdownTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			w.log.Warn("shutdown timeout reached, aborting in-flight deliveries")
			cancel()
		case <-work.Done():
		}
	}()
	return work, cancel
}

// runOnce consumes one subscription until it ends and reports how many deliveries it settled.
func (w *Worker) runOnce(ctx, work context.Context) (int64, error) {
	stream, err := w.subscribe(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			w.log.Warn("close subscription", zap.Error(err))
		}
	}()

	var handled atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				d, err := stream.Next(gctx)
				if err != nil {
					if gctx.Err() != nil || errors.Is(err, messaging.ErrStreamClosed) {
						return nil
					}
					return err
				}
				w.Handle(work, d)
				handled.Add(1)
			}
		})
	}
	err = g.Wait()
	return handled.Load(), err
}

// Handle processes one delivery and settles it exactly once.
func (w *Worker) Handle(ctx context.Context, d *Delivery) {
	start := time.Now()
	defer func() { w.metrics.duration.Observe(time.Since(start).Seconds()) }()
	id := d.Message.DocumentID
	log := w.log.With(
		zap.String("document_id", id.String()),
		zap.Uint64("delivery_tag", d.DeliveryTag()),
		zap.Int("attempt", d.Attempt()),
	)

	ctx, span := w.tracer.Start(ctx, "Worker.Handle", trace.WithAttributes(
		attribute.String("document.id", id.String()),
		attribute.Int("messaging.delivery.attempt", d.Attempt()),
	))
	defer span.End()

	stage, err := w.process(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
	}

	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			log.Error("ack failed", zap.Error(ackErr))
			return
		}
		w.metrics.messages.WithLabelValues(OutcomeAcked).Inc()
		log.Info("document indexed", zap.Duration("took", time.Since(start)))
		return
	}

	w.metrics.stageFailures.WithLabelValues(string(stage)).Inc()
	requeue := w.policy.Requeue(err, d.Attempt(), d.AttemptCounted())
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// shutdown cut the work short; another consumer picks it up
		requeue = true
	}
	log.Error("processing failed", zap.String("stage", string(stage)), zap.Bool("requeue", requeue), zap.Error(err))

	if rejErr := d.Reject(requeue); rejErr != nil {
		log.Error("reject failed", zap.Error(rejErr))
		return
	}
	if requeue {
		w.metrics.messages.WithLabelValues(OutcomeRequeued).Inc()
	} else {
		w.metrics.messages.WithLabelValues(OutcomeRejected).Inc()
	}
}

func (w *Worker) process(ctx context.Context, id uuid.UUID) (Stage, error) {
	file, err := w.blobs.Fetch(ctx, id)
	if err != nil {
		return StageFetch, err
	}
	defer func() { _ = file.Close() }()

	text, err := w.extractor.Extract(ctx, file.Body, file.ContentType)
	if err != nil {
		return StageExtract, err
	}

	ok, err := w.index.Store(ctx, id, text)
	if err != nil {
		return StageIndex, err
	}
	if !ok {
		return StageIndex, ErrIndexRejected
	}
	return "", nil
}
