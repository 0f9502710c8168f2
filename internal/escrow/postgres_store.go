package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/escrow/internal/models"
)

const (
	stateSettings = "settings"
	stateRoles    = "roles"
)

// PostgresStore keeps projects, milestones, and disputes as JSONB documents keyed by id.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Persister = (*PostgresStore)(nil)

func (s *PostgresStore) NextID(ctx context.Context, kind string) (uint64, error) {
	var seq string
	switch kind {
	case KindProject:
		seq = "escrow_project_ids"
	case KindMilestone:
		seq = "escrow_milestone_ids"
	default:
		return 0, fmt.Errorf("unknown id kind %q", kind)
	}
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval($1::regclass)`, seq).Scan(&id); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (s *PostgresStore) SaveProject(ctx context.Context, p *models.Project) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO escrow_projects (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
	`, int64(p.ID), doc)
	return err
}

func (s *PostgresStore) SaveMilestone(ctx context.Context, m *models.Milestone, d *models.Dispute) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_milestones (id, project_id, status, doc) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc, updated_at = now()
	`, int64(m.ID), int64(m.ProjectID), string(m.Status), doc)
	if err != nil {
		return err
	}
	if d != nil {
		if err := saveDispute(ctx, tx, d); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SaveDispute(ctx context.Context, d *models.Dispute) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := saveDispute(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func saveDispute(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_disputes (milestone_id, status, doc) VALUES ($1, $2, $3)
		ON CONFLICT (milestone_id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc, updated_at = now()
	`, int64(d.MilestoneID), string(d.Status), doc)
	return err
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings Settings) error {
	return s.saveState(ctx, stateSettings, settings)
}

func (s *PostgresStore) SaveRoles(ctx context.Context, r Roles) error {
	return s.saveState(ctx, stateRoles, r)
}

func (s *PostgresStore) saveState(ctx context.Context, key string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO escrow_state (key, doc) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, key, doc)
	return err
}

func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := loadDocs(ctx, s.pool, `SELECT doc FROM escrow_projects ORDER BY id`, &snap.Projects); err != nil {
		return nil, fmt.Errorf("projects: %w", err)
	}
	if err := loadDocs(ctx, s.pool, `SELECT doc FROM escrow_milestones ORDER BY id`, &snap.Milestones); err != nil {
		return nil, fmt.Errorf("milestones: %w", err)
	}
	if err := loadDocs(ctx, s.pool, `SELECT doc FROM escrow_disputes ORDER BY milestone_id`, &snap.Disputes); err != nil {
		return nil, fmt.Errorf("disputes: %w", err)
	}
	var err error
	if snap.Settings, err = loadState[Settings](ctx, s.pool, stateSettings); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	if snap.Roles, err = loadState[Roles](ctx, s.pool, stateRoles); err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}
	return snap, nil
}

func loadDocs[T any](ctx context.Context, pool *pgxpool.Pool, query string, out *[]*T) error {
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return err
		}
		*out = append(*out, v)
	}
	return rows.Err()
}

func loadState[T any](ctx context.Context, pool *pgxpool.Pool, key string) (*T, error) {
	var raw []byte
	err := pool.QueryRow(ctx, `SELECT doc FROM escrow_state WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}
