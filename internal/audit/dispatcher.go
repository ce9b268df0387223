package audit

import (
	"context"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull discards events when the queue is full instead of
	// blocking the request that produced them.
	DropIfFull bool
	Logger     *zap.Logger
}

// Dispatcher hands events to a sink from one background goroutine so that
// slow sinks never sit on the request path.
type Dispatcher struct {
	sink    Sink
	logger  *zap.Logger
	block   bool
	queue   chan Event
	stop    chan struct{}
	drained chan struct{}

	dropped  atomic.Uint64
	panicked atomic.Uint64
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewDispatcher starts delivery. A disabled config yields nil, and every
// method on a nil Dispatcher is a no-op.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}

	d := &Dispatcher{
		sink:    sink,
		logger:  logger.Named("audit"),
		block:   !cfg.DropIfFull,
		queue:   make(chan Event, size),
		stop:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.drained)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver isolates the loop from a misbehaving sink.
func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			d.logger.Error("audit sink panicked",
				zap.String("event_type", ev.EventType),
				zap.Any("panic", r),
			)
		}
	}()
	d.sink.Emit(context.Background(), ev)
}

// Emit queues ev. In blocking mode it waits for room until ctx ends.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.stopped.Load() {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if !d.block {
		select {
		case d.queue <- ev:
		case <-d.stop:
		default:
			d.drop(ev)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- ev:
	case <-d.stop:
	case <-ctx.Done():
		d.drop(ev)
	}
}

// drop counts ev and logs on the 1st, 2nd, 4th, 8th... drop.
func (d *Dispatcher) drop(ev Event) {
	n := d.dropped.Add(1)
	if bits.OnesCount64(n) == 1 {
		d.logger.Warn("audit queue full, dropping events",
			zap.String("event_type", ev.EventType),
			zap.Uint64("dropped_total", n),
		)
	}
}

// Shutdown stops intake and waits for queued events to reach the sink, or
// for ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		close(d.stop)
	})
	select {
	case <-d.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is Shutdown without a deadline.
func (d *Dispatcher) Close() {
	_ = d.Shutdown(context.Background())
}

// Dropped reports events lost to a full queue or an expired context.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// SinkPanics reports deliveries that panicked inside the sink.
func (d *Dispatcher) SinkPanics() uint64 {
	if d == nil {
		return 0
	}
	return d.panicked.Load()
}
