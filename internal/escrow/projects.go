package escrow

import (
	"context"
	"strings"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/models"
)

type NewProject struct {
	Payee  models.Address `json:"payee"`
	Title  string         `json:"title"`
	Budget int64          `json:"budget"`
}

// CreateProject registers a project paid for by payer. The current fee rate and
// verification method are captured on the project.
func (s *Service) CreateProject(ctx context.Context, payer models.Address, in NewProject) (p *models.Project, err error) {
	const op = "CreateProject"
	defer func() { err = s.rejected(op, 0, payer, err) }()

	title := strings.TrimSpace(in.Title)
	switch {
	case payer.IsZero():
		return nil, apperr.Authorization(op, "caller is not authenticated")
	case in.Payee.IsZero():
		return nil, apperr.Validation(op, "payee is required")
	case in.Payee == payer:
		return nil, apperr.Validation(op, "payee must differ from payer")
	case in.Budget <= 0:
		return nil, apperr.Validation(op, "budget must be > 0, got %d", in.Budget)
	case title == "":
		return nil, apperr.Validation(op, "title is required")
	}

	settings := s.Settings()
	p, err = s.store.insertProject(ctx, models.Project{
		Payer:              payer,
		Payee:              in.Payee,
		Title:              title,
		Budget:             in.Budget,
		FeeBps:             settings.FeeBps,
		VerificationMethod: settings.Verification.Method,
		Active:             true,
		CreatedAt:          s.now(),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("project created", "project_id", p.ID, "payer", p.Payer, "payee", p.Payee, "budget", p.Budget)
	s.emit(ctx, models.Event{
		Type:      models.EventProjectCreated,
		ProjectID: p.ID,
		Actor:     payer,
		Amount:    p.Budget,
		Data: map[string]string{
			"payee":               string(p.Payee),
			"fee_bps":             itoa(p.FeeBps),
			"verification_method": string(p.VerificationMethod),
		},
	})
	return p, nil
}

func (s *Service) GetProject(_ context.Context, id models.ProjectID) (*models.Project, error) {
	p, ok := s.store.project(id)
	if !ok {
		return nil, apperr.NotFound("GetProject", "project %d", id)
	}
	return p, nil
}

// ListProjectMilestones returns the project's milestones in creation order.
func (s *Service) ListProjectMilestones(_ context.Context, id models.ProjectID) ([]*models.Milestone, error) {
	if _, ok := s.store.project(id); !ok {
		return nil, apperr.NotFound("ListProjectMilestones", "project %d", id)
	}
	return s.store.projectMilestones(id), nil
}
