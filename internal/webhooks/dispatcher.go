package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingProcessor = errors.New("webhooks: processor is required")

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// DeliveryProcessor runs the processing phase of one delivery.
type DeliveryProcessor interface {
	Process(ctx context.Context, delivery Delivery) Report
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Processor DeliveryProcessor
	Workers   int
	QueueSize int
	Metrics   *Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Dispatcher decouples acknowledgement from processing. Submit never blocks:
// deliveries go to a bounded queue served by a fixed worker pool and, when the
// queue is full or the pool is not running, to a detached goroutine.
type Dispatcher struct {
	processor DeliveryProcessor
	queue     chan Delivery
	workers   int
	metrics   *Metrics
	logger    *zap.Logger
	clock     func() time.Time

	mu       sync.RWMutex
	started  bool
	closed   bool
	runCtx   context.Context
	cancel   context.CancelFunc
	pending  inflight
	pool     sync.WaitGroup
	stopOnce sync.Once
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Processor == nil {
		return nil, errMissingProcessor
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		processor: cfg.Processor,
		queue:     make(chan Delivery, queueSize),
		workers:   workers,
		metrics:   cfg.Metrics,
		logger:    logger,
		clock:     clock,
		runCtx:    context.Background(),
	}, nil
}

// Start launches the worker pool. Processing uses a context detached from
// ctx's cancellation so that shutdown drains rather than aborts work.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.runCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for worker := 0; worker < d.workers; worker++ {
		d.pool.Add(1)
		go d.work()
	}
}

// Submit hands a delivery to the processing phase.
func (d *Dispatcher) Submit(delivery Delivery) {
	if delivery.ReceivedAt.IsZero() {
		delivery.ReceivedAt = d.clock().UTC()
	}
	d.metrics.recordDelivery(delivery.Kind)

	d.mu.RLock()
	defer d.mu.RUnlock()
	d.pending.add()
	if d.started && !d.closed {
		select {
		case d.queue <- delivery:
			return
		default:
			d.metrics.recordSpill()
			d.logger.Warn("webhook queue full; processing outside the pool", zap.String("kind", string(delivery.Kind)))
		}
	}
	go d.run(d.runCtx, delivery)
}

// Wait blocks until every submitted delivery has been processed.
func (d *Dispatcher) Wait() {
	<-d.pending.drained()
}

// Shutdown stops accepting pool work, drains what was submitted and stops the
// workers. Deliveries submitted afterwards still run on detached goroutines and
// are covered by Wait, not by this call.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		if d.started {
			close(d.queue)
		}
		d.mu.Unlock()
	})

	drained := make(chan struct{})
	go func() {
		<-d.pending.drained()
		d.pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		d.mu.RLock()
		cancel := d.cancel
		d.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.pool.Done()
	for delivery := range d.queue {
		d.run(d.runCtx, delivery)
	}
}

func (d *Dispatcher) run(ctx context.Context, delivery Delivery) {
	defer d.pending.done()
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("webhook delivery panicked", zap.String("kind", string(delivery.Kind)), zap.Any("panic", recovered))
		}
	}()
	report := d.processor.Process(ctx, delivery)
	d.logger.Debug("webhook delivery done", zap.Stringer("report", report))
}

// inflight counts deliveries between Submit and the end of processing. Unlike
// sync.WaitGroup it allows add to run concurrently with a waiter at zero.
type inflight struct {
	mu    sync.Mutex
	count int
	idle  chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		f.idle = make(chan struct{})
	}
	f.count++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count--
	if f.count == 0 {
		close(f.idle)
	}
}

// drained returns a channel closed once the count next reaches zero.
func (f *inflight) drained() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return f.idle
}
