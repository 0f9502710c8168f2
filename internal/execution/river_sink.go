package execution

import (
	"context"
	"errors"

	"github.com/inaiurai/escrow/internal/models"
)

// InsertFunc enqueues a delivery job. It is bound after the River client is built.
type InsertFunc func(ctx context.Context, args DeliverEventArgs) error

// RiverSink forwards journal events to the indexer through River jobs.
type RiverSink struct {
	insert InsertFunc
}

func NewRiverSink(insert InsertFunc) *RiverSink {
	return &RiverSink{insert: insert}
}

func (*RiverSink) Name() string { return "river" }

func (s *RiverSink) Write(ctx context.Context, e models.Event) error {
	if s.insert == nil {
		return errors.New("river insert not wired")
	}
	return s.insert(ctx, DeliverEventArgs{ID: e.ID, Seq: e.Seq, Event: e})
}
