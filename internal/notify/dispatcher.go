package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sitelicense/license-server/internal/safego"
	"github.com/sitelicense/license-server/internal/telemetry"
)

const defaultSendTimeout = 15 * time.Second

// Dispatcher queues notifications and delivers them to every sink from a fixed pool of
// workers. Notify never blocks: when the queue is full the notification is dropped and counted.
type Dispatcher struct {
	sinks       []Sink
	queue       chan Notification
	workers     int
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before Notify.
func NewDispatcher(sinks []Sink, queueSize, workers int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		sinks:       sinks,
		queue:       make(chan Notification, queueSize),
		workers:     workers,
		sendTimeout: defaultSendTimeout,
	}
}

// Start launches the delivery workers
func (d *Dispatcher) Start() {
	slog.Info("notification dispatcher started", "workers", d.workers, "sinks", d.sinkNames())
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		safego.Go("notify-dispatcher", func() {
			defer d.wg.Done()
			for n := range d.queue {
				d.deliver(n)
			}
		})
	}
}

// Notify enqueues n for delivery
func (d *Dispatcher) Notify(n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		telemetry.NotificationsDroppedTotal.Inc()
		slog.Warn("notification dropped: dispatcher closed", "license_key", n.LicenseKey, "event_kind", n.EventKind)
		return
	}
	select {
	case d.queue <- n:
	default:
		telemetry.NotificationsDroppedTotal.Inc()
		slog.Warn("notification dropped: queue full", "license_key", n.LicenseKey, "event_kind", n.EventKind)
	}
}

// Close stops accepting notifications and waits until the queue drains or ctx expires
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification queue not drained: %w", ctx.Err())
	}
}

// deliver fans n out to every sink; one sink failing does not stop the others
func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			if err := send(ctx, sink, n); err != nil {
				telemetry.NotificationsTotal.WithLabelValues(sink.Name(), "failed").Inc()
				slog.Error("notification delivery failed",
					"sink", sink.Name(), "license_key", n.LicenseKey, "event_kind", n.EventKind, "error", err)
				return err
			}
			telemetry.NotificationsTotal.WithLabelValues(sink.Name(), "sent").Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// send calls sink.Send, converting a panic into an error
func send(ctx context.Context, sink Sink, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in sink: %v", r)
		}
	}()
	return sink.Send(ctx, n)
}

func (d *Dispatcher) sinkNames() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}
