package events

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/escrow/internal/models"
)

// PostgresSink appends events to escrow_events. Rewrites of the same event id are ignored.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (*PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, e models.Event) error {
	data := e.Data
	if data == nil {
		data = map[string]string{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO escrow_events (seq, id, event_type, project_id, milestone_id, old_status, new_status, actor, amount, platform_fee, payee_amount, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, int64(e.Seq), e.ID, e.Type, int64(e.ProjectID), int64(e.MilestoneID), string(e.OldStatus), string(e.NewStatus),
		string(e.Actor), e.Amount, e.PlatformFee, e.PayeeAmount, raw, e.OccurredAt)
	return err
}

// LastSeq returns the highest stored seq, or 0 for an empty table. A new process
// hands it to Journal.Resume so numbering continues across restarts.
func (s *PostgresSink) LastSeq(ctx context.Context) (uint64, error) {
	var last int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM escrow_events`).Scan(&last); err != nil {
		return 0, err
	}
	return uint64(last), nil
}

// List returns stored events for a milestone in seq order.
func (s *PostgresSink) List(ctx context.Context, milestoneID models.MilestoneID) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, event_type, project_id, milestone_id, old_status, new_status, actor, amount, platform_fee, payee_amount, data, occurred_at
		FROM escrow_events WHERE milestone_id = $1 ORDER BY seq
	`, int64(milestoneID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Event
	for rows.Next() {
		var (
			e                    models.Event
			seq, pid, mid        int64
			oldStatus, newStatus string
			actor                string
			raw                  []byte
		)
		if err := rows.Scan(&seq, &e.ID, &e.Type, &pid, &mid, &oldStatus, &newStatus, &actor, &e.Amount, &e.PlatformFee, &e.PayeeAmount, &raw, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.ProjectID = models.ProjectID(pid)
		e.MilestoneID = models.MilestoneID(mid)
		e.OldStatus = models.MilestoneStatus(oldStatus)
		e.NewStatus = models.MilestoneStatus(newStatus)
		e.Actor = models.Address(actor)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Data); err != nil {
				return nil, err
			}
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
