// Package events is the escrow audit log. The Journal stamps each event with a
// sequence number and hands it to every registered Sink from a single delivery
// goroutine, so sinks observe events in seq order and never block the publisher.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/escrow/internal/models"
)

// Sink receives published events in sequence order. A failing sink is logged and skipped.
type Sink interface {
	Name() string
	Write(ctx context.Context, e models.Event) error
}

type item struct {
	event models.Event
	flush chan struct{}
}

const (
	// DefaultWriteTimeout bounds a single sink write.
	DefaultWriteTimeout = 5 * time.Second

	// backlogWarn is the pending-delivery size at which the journal starts warning.
	backlogWarn = 1024
)

type Journal struct {
	mu           sync.Mutex
	seq          uint64
	sinks        []Sink
	recent       []models.Event
	keep         int
	now          func() time.Time
	writeTimeout time.Duration
	closed       bool

	// pending is unbounded; Publish never waits on delivery.
	pending []item
	wake    chan struct{}
	done    chan struct{}
	logger  *slog.Logger
}

// NewJournal starts delivery to sinks. It keeps the last keep events in memory for
// reads; keep <= 0 keeps none. Call Close to drain pending deliveries.
func NewJournal(logger *slog.Logger, keep int, sinks ...Sink) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		sinks:        sinks,
		keep:         keep,
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		logger:       logger,
	}
	go j.deliver()
	return j
}

// SetClock replaces the time source used to stamp events.
func (j *Journal) SetClock(now func() time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.now = now
}

// SetWriteTimeout changes the deadline given to each sink write. d <= 0 restores the default.
func (j *Journal) SetWriteTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultWriteTimeout
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.writeTimeout = d
}

// Resume continues numbering after last, the highest seq a previous process stored.
// It never moves the sequence backwards.
func (j *Journal) Resume(last uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if last > j.seq {
		j.seq = last
	}
}

// Publish assigns the next seq and queues e for delivery. The returned event carries seq, id, and time.
func (j *Journal) Publish(_ context.Context, e models.Event) models.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	e.Seq = j.seq
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = j.now().UTC()
	}
	if j.keep > 0 {
		j.recent = append(j.recent, e)
		if len(j.recent) > j.keep {
			j.recent = j.recent[len(j.recent)-j.keep:]
		}
	}
	if j.closed {
		j.logger.Warn("event published after close", "seq", e.Seq, "type", e.Type)
		return e
	}
	// Appending under the lock keeps delivery order equal to seq order.
	j.pending = append(j.pending, item{event: e})
	if n := len(j.pending); n >= backlogWarn && n%backlogWarn == 0 {
		j.logger.Warn("event delivery backlog", "pending", n, "seq", e.Seq)
	}
	j.signal()
	return e
}

func (j *Journal) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *Journal) deliver() {
	defer close(j.done)
	for {
		j.mu.Lock()
		batch := j.pending
		j.pending = nil
		closed := j.closed
		timeout := j.writeTimeout
		j.mu.Unlock()

		for _, it := range batch {
			if it.flush != nil {
				close(it.flush)
				continue
			}
			j.write(it.event, timeout)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-j.wake
	}
}

func (j *Journal) write(e models.Event, timeout time.Duration) {
	for _, s := range j.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := s.Write(ctx, e)
		cancel()
		if err != nil {
			j.logger.Warn("event sink failed", "sink", s.Name(), "seq", e.Seq, "type", e.Type, "error", err)
		}
	}
}

// Flush blocks until every event published so far has been delivered.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	j.pending = append(j.pending, item{flush: ch})
	j.signal()
	j.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting deliveries and waits for the backlog to drain.
func (j *Journal) Close() {
	j.mu.Lock()
	j.closed = true
	j.signal()
	j.mu.Unlock()
	<-j.done
}

// Seq returns the last assigned sequence number.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Recent returns retained events, optionally filtered to one milestone (0 means all).
func (j *Journal) Recent(milestoneID models.MilestoneID) []models.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []models.Event
	for _, e := range j.recent {
		if milestoneID == 0 || e.MilestoneID == milestoneID {
			out = append(out, e)
		}
	}
	return out
}
