// Package export streams telemetry events out of the log: line-delimited
// JSON, columnar Parquet, and trace spans. Exporters pull from an
// iterator and never hold the full event set in memory; backpressure
// flows to the source naturally.
package export

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/twinraven/twinraven/pkg/muninn"
)

var (
	// ErrExport covers generic export failures.
	ErrExport = errors.New("export: failed")

	// ErrDestinationExists is returned when the target path exists and
	// overwriting was not requested.
	ErrDestinationExists = errors.New("export: destination exists")
)

// Iterator streams events one at a time. Next returns false when the
// stream is exhausted; an error aborts the export, which commits
// whatever it has written so far.
type Iterator interface {
	Next(ctx context.Context) (muninn.Event, bool, error)
}

// Exporter consumes a stream and returns the number of events written.
type Exporter interface {
	Export(ctx context.Context, events Iterator) (int64, error)
}

// SliceIterator adapts an in-memory slice, mostly for tests and small
// exports.
type SliceIterator struct {
	events []muninn.Event
	pos    int
}

// NewSliceIterator wraps the given events.
func NewSliceIterator(events []muninn.Event) *SliceIterator {
	return &SliceIterator{events: events}
}

func (s *SliceIterator) Next(ctx context.Context) (muninn.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return muninn.Event{}, false, err
	}
	if s.pos >= len(s.events) {
		return muninn.Event{}, false, nil
	}
	e := s.events[s.pos]
	s.pos++
	return e, true, nil
}

// StoreIterator streams a time window out of an EventStore one session
// at a time, in chain order within each session.
type StoreIterator struct {
	store    muninn.EventStore
	since    time.Time
	until    time.Time
	sessions []string
	loaded   bool
	current  []muninn.Event
	pos      int
}

// NewStoreIterator streams every session with activity in [since, until).
func NewStoreIterator(store muninn.EventStore, since, until time.Time) *StoreIterator {
	return &StoreIterator{store: store, since: since, until: until}
}

func (s *StoreIterator) Next(ctx context.Context) (muninn.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return muninn.Event{}, false, err
	}
	if !s.loaded {
		sessions, err := s.store.GetSessions(ctx, s.since, s.until, 1)
		if err != nil {
			return muninn.Event{}, false, err
		}
		s.sessions = sessions
		s.loaded = true
	}

	for s.pos >= len(s.current) {
		if len(s.sessions) == 0 {
			return muninn.Event{}, false, nil
		}
		sessionID := s.sessions[0]
		s.sessions = s.sessions[1:]

		events, err := s.store.GetBySession(ctx, sessionID, muninn.OrderChain)
		if err != nil {
			return muninn.Event{}, false, err
		}
		s.current = events
		s.pos = 0
	}

	e := s.current[s.pos]
	s.pos++
	return e, true, nil
}

// Multi fans one stream out to several exporters, each running on its
// own goroutine fed through a bounded channel. The count returned is the
// number of events read from the source; any exporter error cancels the
// rest.
type Multi struct {
	exporters []Exporter
}

// NewMulti fans out to the given exporters.
func NewMulti(exporters ...Exporter) *Multi {
	return &Multi{exporters: exporters}
}

// chanIterator adapts a channel feed to the Iterator contract.
type chanIterator struct {
	ch <-chan muninn.Event
}

func (c *chanIterator) Next(ctx context.Context) (muninn.Event, bool, error) {
	select {
	case <-ctx.Done():
		return muninn.Event{}, false, ctx.Err()
	case e, ok := <-c.ch:
		if !ok {
			return muninn.Event{}, false, nil
		}
		return e, true, nil
	}
}

func (m *Multi) Export(ctx context.Context, events Iterator) (int64, error) {
	if len(m.exporters) == 0 {
		return 0, nil
	}

	group, ctx := errgroup.WithContext(ctx)
	feeds := make([]chan muninn.Event, len(m.exporters))
	for i, exp := range m.exporters {
		ch := make(chan muninn.Event, 64)
		feeds[i] = ch
		exp := exp
		group.Go(func() error {
			_, err := exp.Export(ctx, &chanIterator{ch: ch})
			// Drain so the feeder never blocks on a failed exporter.
			for range ch {
			}
			return err
		})
	}

	var count int64
	group.Go(func() error {
		defer func() {
			for _, ch := range feeds {
				close(ch)
			}
		}()
		for {
			e, ok, err := events.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			for _, ch := range feeds {
				select {
				case ch <- e:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			count++
		}
	})

	if err := group.Wait(); err != nil {
		return count, err
	}
	return count, nil
}
