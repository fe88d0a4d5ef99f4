package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"auth-gateway/internal/models"
)

// Sink receives security events away from the request path
type Sink interface {
	Name() string
	// Accepts filters events, e.g. alert sinks only take HIGH and above
	Accepts(ev models.SecurityEvent) bool
	Write(ctx context.Context, ev models.SecurityEvent) error
	Close() error
}

// AlertsOnly is the filter for sinks that page someone
func AlertsOnly(ev models.SecurityEvent) bool {
	return ev.ThreatLevel >= models.ThreatHigh
}

const defaultWriteTimeout = 5 * time.Second

// Dispatcher fans events out to sinks from a bounded queue. Enqueue never
// blocks; when the queue is full the event is dropped and counted.
type Dispatcher struct {
	queue        chan models.SecurityEvent
	sinks        []Sink
	logger       *zap.Logger
	writeTimeout time.Duration
	dropped      atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex
	done      chan struct{}
}

func NewDispatcher(queueSize int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		queue:        make(chan models.SecurityEvent, queueSize),
		sinks:        sinks,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
	}
}

func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Start launches the delivery loop
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Enqueue hands an event to the delivery loop without blocking
func (d *Dispatcher) Enqueue(ev models.SecurityEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("Audit sink queue full, dropping event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.Int64("dropped_total", n),
		)
		return false
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, sink := range d.sinks {
		if !sink.Accepts(ev) {
			continue
		}
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, ev); err != nil {
				d.logger.Warn("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("event_id", ev.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close drains queued events, then closes every sink
func (d *Dispatcher) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed.Store(true)
		close(d.queue)
		d.mu.Unlock()

		d.Start()
		select {
		case <-d.done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		for _, sink := range d.sinks {
			if cerr := sink.Close(); cerr != nil {
				d.logger.Error("Failed to close audit sink", zap.String("sink", sink.Name()), zap.Error(cerr))
			}
		}
	})
	return err
}
