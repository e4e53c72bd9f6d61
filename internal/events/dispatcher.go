package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"throttle-service/internal/metrics"
	"throttle-service/internal/util"
)

var ErrDispatcherFull = errors.New("event dispatcher buffer full")

type DispatcherConfig struct {
	BufferSize     int
	DropIfFull     bool
	PublishTimeout time.Duration
}

// Dispatcher decouples event producers from slow sinks. It delivers events
// from a single goroutine, in order.
type Dispatcher struct {
	cfg       DispatcherConfig
	sink      Publisher
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once

	// mu orders sends against Close: sends hold it shared, Close exclusively.
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(cfg DispatcherConfig, sink Publisher) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = Nop{}
	}

	d := &Dispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan Event, cfg.BufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
	defer cancel()
	if err := d.sink.Publish(ctx, event); err != nil {
		util.Warn("Failed to publish throttle event",
			util.String("event_type", string(event.Type)),
			util.Identity(event.Identity),
			util.Scope(event.Scope),
			util.ErrorField(err))
	}
}

// Publish enqueues the event. With DropIfFull it never blocks.
// Events published after Close are counted as dropped.
func (d *Dispatcher) Publish(ctx context.Context, event Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop()
		return nil
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
			return nil
		default:
			d.drop()
			return ErrDispatcherFull
		}
	}

	select {
	case d.ch <- event:
		return nil
	case <-ctx.Done():
		d.drop()
		return ctx.Err()
	}
}

func (d *Dispatcher) drop() {
	d.dropped.Add(1)
	metrics.EventsDropped.Inc()
}

// Close drains buffered events, then closes the sink.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.done)
		d.mu.Unlock()

		d.wg.Wait()
		err = d.sink.Close()
	})
	return err
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}
