package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/groutine"
)

// MaxCollectorBuffer sets an upper limit on the buffer size to guard against accidental misconfiguration.
const MaxCollectorBuffer uint32 = 1 << 16

// CollectorMetrics provides lock-free counters for a Collector.
type CollectorMetrics struct {
	Processed   int64 // values handed to the sink
	Overwritten int64 // values lost to ring overflow before the sink saw them
	Errors      int64 // sink or buffer errors
}

// SinkFunc consumes one notified value.
type SinkFunc[T any] func(v *T) error

// Collector copies every value a Hub notifies about into an overlapped ring buffer and
// drains it into a sink on its own goroutine. A slow sink loses the oldest values
// rather than stalling the hub.
type Collector[T any] struct {
	hub    *Hub[T]
	buffer mpmc.RichOverlappedRingBuffer[*T]
	sink   SinkFunc[T]
	logger *logrus.Logger

	wake  chan struct{}
	done  chan struct{}
	unsub func()
	stop  context.CancelFunc
	once  sync.Once

	processed   atomic.Int64
	overwritten atomic.Int64
	failed      atomic.Int64
}

// NewCollector creates a collector for h. It does nothing until Start.
func NewCollector[T any](h *Hub[T], bufferSize uint32, sink SinkFunc[T], logger *logrus.Logger) (*Collector[T], error) {
	if h == nil {
		return nil, fmt.Errorf("hub cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxCollectorBuffer {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxCollectorBuffer)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Collector[T]{
		hub:    h,
		buffer: mpmc.NewOverlappedRingBuffer[*T](bufferSize),
		sink:   sink,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Start subscribes to the hub and runs the drain loop until ctx is done or Stop is called.
func (c *Collector[T]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.unsub = c.hub.Subscribe(func() {
		v := c.hub.Load()
		if v == nil {
			return
		}
		overwrites, err := c.buffer.EnqueueM(v)
		if err != nil {
			c.failed.Add(1)
			c.logger.WithError(err).Warn("Collector enqueue failed")
			return
		}
		c.overwritten.Add(int64(overwrites))
		select {
		case c.wake <- struct{}{}:
		default:
		}
	})

	groutine.Go(ctx, "hub-collector", func(ctx context.Context) {
		defer close(c.done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				c.drain()
				return
			case <-c.wake:
				c.drain()
			}
		}
	})

	c.stop = cancel
}

// Stop unsubscribes, flushes what is buffered and waits for the drain loop to exit.
func (c *Collector[T]) Stop() {
	c.once.Do(func() {
		if c.unsub != nil {
			c.unsub()
		}
		if c.stop != nil {
			c.stop()
			<-c.done
		}
	})
}

func (c *Collector[T]) drain() {
	for !c.buffer.IsEmpty() {
		v, err := c.buffer.Dequeue()
		if err != nil {
			// a concurrent enqueue raced the emptiness check
			return
		}
		if err := c.sink(v); err != nil {
			c.failed.Add(1)
			c.logger.WithError(err).Warn("Collector sink failed")
			continue
		}
		c.processed.Add(1)
	}
}

// Metrics returns a copy of the current counters.
func (c *Collector[T]) Metrics() CollectorMetrics {
	return CollectorMetrics{
		Processed:   c.processed.Load(),
		Overwritten: c.overwritten.Load(),
		Errors:      c.failed.Load(),
	}
}
