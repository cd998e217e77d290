package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docindex/internal/apperr"
	"docindex/internal/messaging"
	"docindex/internal/model"
	"docindex/internal/ocr"
	ocrMocks "docindex/internal/ocr/mocks"
	indexMocks "docindex/internal/search/mocks"
	storeMocks "docindex/internal/storage/mocks"
)

type decision struct {
	ack     bool
	requeue bool
}

type recordingAcker struct {
	mu        sync.Mutex
	decisions map[uint64][]decision
}

func newAcker() *recordingAcker {
	return &recordingAcker{decisions: map[uint64][]decision{}}
}

func (a *recordingAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions[tag] = append(a.decisions[tag], decision{ack: true})
	return nil
}

func (a *recordingAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions[tag] = append(a.decisions[tag], decision{requeue: requeue})
	return nil
}

func (a *recordingAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *recordingAcker) get(tag uint64) []decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]decision(nil), a.decisions[tag]...)
}

func (a *recordingAcker) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, d := range a.decisions {
		n += len(d)
	}
	return n
}

func delivery(a amqp.Acknowledger, tag uint64, id uuid.UUID) *Delivery {
	return messaging.NewReceived(messaging.DocumentUploaded{DocumentID: id}, amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  tag,
	})
}

func pdfFile(id uuid.UUID) *model.DocumentFile {
	return &model.DocumentFile{
		ID:          id,
		ContentType: ocr.ContentTypePDF,
		Size:        8,
		Body:        io.NopCloser(strings.NewReader("%PDF-1.7")),
	}
}

type fixture struct {
	blobs     *storeMocks.MockBlobStore
	extractor *ocrMocks.MockExtractor
	index     *indexMocks.MockIndex
	metrics   *Metrics
}

func newFixture() fixture {
	return fixture{
		blobs:     new(storeMocks.MockBlobStore),
		extractor: new(ocrMocks.MockExtractor),
		index:     new(indexMocks.MockIndex),
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
}

func (f fixture) worker(subscribe SubscribeFunc, opts ...Option) *Worker {
	opts = append([]Option{WithMetrics(f.metrics)}, opts...)
	return New(subscribe, f.blobs, f.extractor, f.index, nil, opts...)
}

func TestWorker_Handle(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	tests := []struct {
		name        string
		policy      RejectPolicy
		headers     amqp.Table
		setupMocks  func(f fixture)
		want        decision
		wantOutcome string
		wantStage   Stage
	}{
		{
			name: "indexed and acknowledged",
			setupMocks: func(f fixture) {
				f.blobs.On("Fetch", mock.Anything, id).Return(pdfFile(id), nil)
				f.extractor.On("Extract", mock.Anything, mock.Anything, ocr.ContentTypePDF).Return("Invoice 42", nil)
				f.index.On("Store", mock.Anything, id, "Invoice 42").Return(true, nil)
			},
			want:        decision{ack: true},
			wantOutcome: OutcomeAcked,
		},
		{
			name: "missing blob is rejected without extraction",
			setupMocks: func(f fixture) {
				f.blobs.On("Fetch", mock.Anything, id).Return(nil, apperr.ErrNotFound)
			},
			want:        decision{requeue: false},
			wantOutcome: OutcomeRejected,
			wantStage:   StageFetch,
		},
		{
			name: "extraction failure is rejected without indexing",
			setupMocks: func(f fixture) {
				f.blobs.On("Fetch", mock.Anything, id).Return(pdfFile(id), nil)
				f.extractor.On("Extract", mock.Anything, mock.Anything, ocr.ContentTypePDF).
					Return("", ocr.ErrUnsupportedContentType)
			},
			want:        decision{requeue: false},
			wantOutcome: OutcomeRejected,
			wantStage:   StageExtract,
		},
		{
			name: "index not acknowledging is rejected",
			setupMocks: func(f fixture) {
				f.blobs.On("Fetch", mock.Anything, id).Return(pdfFile(id), nil)
				f.extractor.On("Extract", mock.Anything, mock.Anything, ocr.ContentTypePDF).Return("text", nil)
				f.index.On("Store", mock.Anything, id, "text").Return(false, nil)
			},
			want:        decision{requeue: false},
			wantOutcome: OutcomeRejected,
			wantStage:   StageIndex,
		},
		{
			name: "transient failure is dropped by default",
			setupMocks: func(f fixture) {
				f.blobs.On("Fetch", mock.Anything, id).Return(nil, apperr.ErrTransport)
			},
			want:        decision{requeue: false},
			wantOutcome: OutcomeRejected,
			wantStage:   StageFetch,
		},
		{
			name:   "transient failure is requeued when enabled",
			policy: RejectPolicy{RequeueTransient: true, MaxAttempts: 3},
			setupMocks: func(f fixture) {
				f.blobs.On("Fetch", mock.Anything, id).Return(pdfFile(id), nil)
				f.extractor.On("Extract", mock.Anything, mock.Anything, ocr.ContentTypePDF).Return("text", nil)
				f.index.On("Store", mock.Anything, id, "text").Return(false, apperr.ErrTransport)
			},
			want:        decision{requeue: true},
			wantOutcome: OutcomeRequeued,
			wantStage:   StageIndex,
		},
		{
			name:    "transient failure is dropped after the last attempt",
			policy:  RejectPolicy{RequeueTransient: true, MaxAttempts: 3},
			headers: amqp.Table{"x-delivery-count": int64(2)},
			setupMocks: func(f fixture) {
				f.blobs.On("Fetch", mock.Anything, id).Return(nil, apperr.ErrTransport)
			},
			want:        decision{requeue: false},
			wantOutcome: OutcomeRejected,
			wantStage:   StageFetch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setupMocks(f)
			acker := newAcker()
			d := messaging.NewReceived(messaging.DocumentUploaded{DocumentID: id}, amqp.Delivery{
				Acknowledger: acker,
				DeliveryTag:  7,
				Headers:      tt.headers,
			})

			f.worker(nil, WithRejectPolicy(tt.policy)).Handle(ctx, d)

			assert.Equal(t, []decision{tt.want}, acker.get(7))
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.messages.WithLabelValues(tt.wantOutcome)))
			if tt.wantStage != "" {
				assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.stageFailures.WithLabelValues(string(tt.wantStage))))
			}
			if tt.wantStage == StageFetch {
				f.extractor.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything)
			}
			if tt.wantStage == StageFetch || tt.wantStage == StageExtract {
				f.index.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)
			}
			f.blobs.AssertExpectations(t)
			f.extractor.AssertExpectations(t)
			f.index.AssertExpectations(t)
		})
	}
}

func TestWorker_Handle_ClosesBlob(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	body := &closeRecorder{Reader: strings.NewReader("x")}
	f.blobs.On("Fetch", mock.Anything, id).
		Return(&model.DocumentFile{ID: id, ContentType: ocr.ContentTypeText, Body: body}, nil)
	f.extractor.On("Extract", mock.Anything, body, ocr.ContentTypeText).Return("", errors.New("boom"))

	f.worker(nil).Handle(context.Background(), delivery(newAcker(), 1, id))

	assert.True(t, body.closed.Load())
}

type closeRecorder struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeStream struct {
	items  chan *Delivery
	end    error
	closed atomic.Int32
}

func newFakeStream(items ...*Delivery) *fakeStream {
	s := &fakeStream{items: make(chan *Delivery, len(items))}
	for _, d := range items {
		s.items <- d
	}
	return s
}

func (s *fakeStream) Next(ctx context.Context) (*Delivery, error) {
	select {
	case d, ok := <-s.items:
		if !ok {
			if s.end != nil {
				return nil, s.end
			}
			return nil, messaging.ErrStreamClosed
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return nil
}

func TestWorker_Run_ProcessesUntilCancelled(t *testing.T) {
	f := newFixture()
	acker := newAcker()
	good1, poison, good2 := uuid.New(), uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{good1, good2} {
		f.blobs.On("Fetch", mock.Anything, id).Return(pdfFile(id), nil)
		f.index.On("Store", mock.Anything, id, "scanned").Return(true, nil)
	}
	f.blobs.On("Fetch", mock.Anything, poison).Return(nil, apperr.ErrNotFound)
	f.extractor.On("Extract", mock.Anything, mock.Anything, ocr.ContentTypePDF).Return("scanned", nil)

	stream := newFakeStream(
		delivery(acker, 1, good1),
		delivery(acker, 2, poison),
		delivery(acker, 3, good2),
	)
	var subscribes atomic.Int32
	subscribe := func(context.Context) (messaging.Stream[messaging.DocumentUploaded], error) {
		subscribes.Add(1)
		return stream, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker(subscribe, WithConcurrency(2)).Run(ctx) }()

	require.Eventually(t, func() bool { return acker.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, []decision{{ack: true}}, acker.get(1))
	assert.Equal(t, []decision{{requeue: false}}, acker.get(2))
	assert.Equal(t, []decision{{ack: true}}, acker.get(3))
	assert.Equal(t, int32(1), subscribes.Load())
	assert.Equal(t, int32(1), stream.closed.Load())
}

func TestWorker_Run_ResubscribesAfterTransportError(t *testing.T) {
	f := newFixture()
	acker := newAcker()
	id := uuid.New()
	f.blobs.On("Fetch", mock.Anything, id).Return(pdfFile(id), nil)
	f.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return("text", nil)
	f.index.On("Store", mock.Anything, id, "text").Return(true, nil)

	dropped := newFakeStream()
	dropped.end = apperr.ErrTransport
	close(dropped.items)
	healthy := newFakeStream(delivery(acker, 1, id))

	var calls atomic.Int32
	subscribe := func(context.Context) (messaging.Stream[messaging.DocumentUploaded], error) {
		switch calls.Add(1) {
		case 1:
			return nil, apperr.ErrTransport
		case 2:
			return dropped, nil
		default:
			return healthy, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := f.worker(subscribe, WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return acker.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), dropped.closed.Load())
}

func TestWorker_Run_StopsOnPermanentError(t *testing.T) {
	f := newFixture()
	permanent := errors.New("no queue routed for kind")
	subscribe := func(context.Context) (messaging.Stream[messaging.DocumentUploaded], error) {
		return nil, permanent
	}

	err := f.worker(subscribe).Run(context.Background())

	assert.ErrorIs(t, err, permanent)
}

func TestWorker_ShutdownLetsInFlightWorkFinish(t *testing.T) {
	f := newFixture()
	acker := newAcker()
	id := uuid.New()
	started := make(chan struct{})
	release := make(chan struct{})

	f.blobs.On("Fetch", mock.Anything, id).Return(pdfFile(id), nil)
	f.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return("late text", nil)
	f.index.On("Store", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), id, "late text").
		Return(true, nil)

	stream := newFakeStream(delivery(acker, 1, id))
	subscribe := func(context.Context) (messaging.Stream[messaging.DocumentUploaded], error) {
		return stream, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker(subscribe, WithShutdownTimeout(5*time.Second)).Run(ctx) }()

	<-started
	cancel()
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, []decision{{ack: true}}, acker.get(1))
}

func TestRejectPolicy_Requeue(t *testing.T) {
	limited := RejectPolicy{RequeueTransient: true, MaxAttempts: 3}
	tests := []struct {
		name    string
		policy  RejectPolicy
		err     error
		attempt int
		counted bool
		want    bool
	}{
		{"zero policy never requeues", RejectPolicy{}, apperr.ErrTransport, 1, true, false},
		{"transient under limit", limited, apperr.ErrTransport, 2, true, true},
		{"transient at limit", limited, apperr.ErrTransport, 3, true, false},
		{"uncounted first delivery", limited, apperr.ErrTransport, 1, false, true},
		{"uncounted redelivery counts as exhausted", limited, apperr.ErrTransport, 2, false, false},
		{"no limit", RejectPolicy{RequeueTransient: true}, apperr.ErrTransport, 50, true, true},
		{"not found is permanent", RejectPolicy{RequeueTransient: true}, apperr.ErrNotFound, 1, true, false},
		{"index rejection is permanent", RejectPolicy{RequeueTransient: true}, ErrIndexRejected, 1, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Requeue(tt.err, tt.attempt, tt.counted))
		})
	}
}

func TestWorker_Handle_UncountedRedeliveriesAreBounded(t *testing.T) {
	f := newFixture()
	acker := newAcker()
	id := uuid.New()
	f.blobs.On("Fetch", mock.Anything, id).Return(nil, fmt.Errorf("%w: minio unreachable", apperr.ErrTransport))
	w := f.worker(nil, WithRejectPolicy(RejectPolicy{RequeueTransient: true, MaxAttempts: 3}))

	// a classic queue only flags redeliveries, it never counts them
	for i := 0; i < 10; i++ {
		w.Handle(context.Background(), messaging.NewReceived(messaging.DocumentUploaded{DocumentID: id}, amqp.Delivery{
			Acknowledger: acker,
			DeliveryTag:  uint64(i + 1),
			Redelivered:  i > 0,
		}))
	}

	requeued := 0
	for tag := uint64(1); tag <= 10; tag++ {
		for _, d := range acker.get(tag) {
			if d.requeue {
				requeued++
			}
		}
	}
	assert.Equal(t, 1, requeued)
	assert.Equal(t, []decision{{requeue: true}}, acker.get(1))
	assert.Equal(t, []decision{{requeue: false}}, acker.get(2))
	assert.Equal(t, 10, acker.count())
}

func TestWorker_EndToEndScenario(t *testing.T) {
	f := newFixture()
	acker := newAcker()
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	mock.InOrder(
		f.blobs.On("Fetch", mock.Anything, id).Return(pdfFile(id), nil).Once(),
		f.extractor.On("Extract", mock.Anything, mock.Anything, "application/pdf").Return("hello world", nil).Once(),
		f.index.On("Store", mock.Anything, id, "hello world").Return(true, nil).Once(),
	)

	f.worker(nil).Handle(context.Background(), delivery(acker, 42, id))

	assert.Equal(t, []decision{{ack: true}}, acker.get(42))
	f.blobs.AssertExpectations(t)
	f.extractor.AssertExpectations(t)
	f.index.AssertExpectations(t)
}

func TestWorker_ReprocessingIsIdempotent(t *testing.T) {
	f := newFixture()
	acker := newAcker()
	id := uuid.New()

	f.blobs.On("Fetch", mock.Anything, id).Return(pdfFile(id), nil).Twice()
	f.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return("same text", nil).Twice()
	f.index.On("Store", mock.Anything, id, "same text").Return(true, nil).Twice()

	w := f.worker(nil)
	w.Handle(context.Background(), delivery(acker, 1, id))
	w.Handle(context.Background(), delivery(acker, 2, id))

	assert.Equal(t, []decision{{ack: true}}, acker.get(1))
	assert.Equal(t, []decision{{ack: true}}, acker.get(2))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.messages.WithLabelValues(OutcomeAcked)))
	f.index.AssertExpectations(t)
}
