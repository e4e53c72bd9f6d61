package events

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"throttle-service/internal/metrics"
)

// Sink is a named Publisher.
type Sink struct {
	Name      string
	Publisher Publisher
}

// Fanout publishes every event to all sinks concurrently.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) Publish(ctx context.Context, event Event) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range f.sinks {
		s := s
		g.Go(func() error {
			if err := s.Publisher.Publish(ctx, event); err != nil {
				metrics.EventPublishFailures.WithLabelValues(s.Name).Inc()
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
