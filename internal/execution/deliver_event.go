package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/inaiurai/escrow/internal/models"
)

const QueueEvents = "events"

var errIndexerRejected = errors.New("indexer rejected event")

// DeliverEventArgs carries one journal event to the external indexer.
// Jobs are unique by event id so a replayed event is enqueued once.
type DeliverEventArgs struct {
	ID    uuid.UUID    `json:"id" river:"unique"`
	Seq   uint64       `json:"seq"`
	Event models.Event `json:"event"`
}

func (DeliverEventArgs) Kind() string { return "deliver_event" }

func (DeliverEventArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueEvents,
		MaxAttempts: 12,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

type DeliverEventWorker struct {
	river.WorkerDefaults[DeliverEventArgs]
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewDeliverEventWorker(indexerURL string, logger *slog.Logger) *DeliverEventWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliverEventWorker{
		url:        indexerURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (w *DeliverEventWorker) Timeout(*river.Job[DeliverEventArgs]) time.Duration {
	return 20 * time.Second
}

// Work posts the event. Network errors and 5xx/429 responses are retried;
// other non-2xx responses cancel the job.
func (w *DeliverEventWorker) Work(ctx context.Context, job *river.Job[DeliverEventArgs]) error {
	args := job.Args
	body, err := json.Marshal(args.Event)
	if err != nil {
		return river.JobCancel(fmt.Errorf("encode event %d: %w", args.Seq, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return river.JobCancel(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "escrow-event-"+args.ID.String())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling indexer: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.logger.Debug("event delivered", "seq", args.Seq, "type", args.Event.Type)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("indexer returned status %d for event %d", resp.StatusCode, args.Seq)
	default:
		w.logger.Warn("event dropped by indexer", "seq", args.Seq, "type", args.Event.Type, "status", resp.StatusCode)
		return river.JobCancel(fmt.Errorf("%w: status %d for event %d", errIndexerRejected, resp.StatusCode, args.Seq))
	}
}
