package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/inaiurai/escrow/internal/models"
)

// store is the arena holding every project, milestone, and dispute by id. Milestones
// refer to their project by id only. Reads return copies; writes store copies.
// With a Persister, every write reaches storage before the arena changes.
type store struct {
	mu            sync.RWMutex
	nextProject   uint64
	nextMilestone uint64
	projects      map[models.ProjectID]*models.Project
	milestones    map[models.MilestoneID]*models.Milestone
	byProject     map[models.ProjectID][]models.MilestoneID
	disputes      map[models.MilestoneID]*models.Dispute

	p Persister
}

func newStore() *store {
	return &store{
		projects:   make(map[models.ProjectID]*models.Project),
		milestones: make(map[models.MilestoneID]*models.Milestone),
		byProject:  make(map[models.ProjectID][]models.MilestoneID),
		disputes:   make(map[models.MilestoneID]*models.Dispute),
	}
}

func (s *store) nextID(ctx context.Context, kind string) (uint64, error) {
	if s.p != nil {
		return s.p.NextID(ctx, kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == KindProject {
		s.nextProject++
		return s.nextProject, nil
	}
	s.nextMilestone++
	return s.nextMilestone, nil
}

func (s *store) insertProject(ctx context.Context, p models.Project) (*models.Project, error) {
	id, err := s.nextID(ctx, KindProject)
	if err != nil {
		return nil, err
	}
	p.ID = models.ProjectID(id)
	if s.p != nil {
		if err := s.p.SaveProject(ctx, &p); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	s.projects[p.ID] = &p
	s.mu.Unlock()
	cp := p
	return &cp, nil
}

func (s *store) project(id models.ProjectID) (*models.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// allocMilestoneID reserves the next id. Ids of milestones that fail to fund are not reused.
func (s *store) allocMilestoneID(ctx context.Context) (models.MilestoneID, error) {
	id, err := s.nextID(ctx, KindMilestone)
	return models.MilestoneID(id), err
}

// saveMilestone persists m, and d when it is not nil, then applies both to the arena.
// On a storage error the arena is left unchanged.
func (s *store) saveMilestone(ctx context.Context, m *models.Milestone, d *models.Dispute) error {
	if s.p != nil {
		if err := s.p.SaveMilestone(ctx, m, d); err != nil {
			return err
		}
	}
	s.applyMilestone(m, d)
	return nil
}

// applyMilestone stores m in the arena only. A new milestone is charged to its
// project allocation; a terminal one releases cancelled allocation and recomputes
// the project's active flag.
func (s *store) applyMilestone(m *models.Milestone, d *models.Dispute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d != nil {
		s.disputes[d.MilestoneID] = d.Clone()
	}
	prev, existed := s.milestones[m.ID]
	s.milestones[m.ID] = m.Clone()
	p, ok := s.projects[m.ProjectID]
	if !existed {
		s.byProject[m.ProjectID] = append(s.byProject[m.ProjectID], m.ID)
		if ok {
			p.Allocated += m.Amount
		}
	}
	if !ok || !m.Status.Terminal() {
		return
	}
	if m.Status == models.MilestoneStatusCancelled && (!existed || prev.Status != models.MilestoneStatusCancelled) {
		p.Allocated -= m.Amount
	}
	s.refreshActive(p)
}

func (s *store) refreshActive(p *models.Project) {
	ids := s.byProject[p.ID]
	active := false
	for _, id := range ids {
		if !s.milestones[id].Status.Terminal() {
			active = true
			break
		}
	}
	p.Active = active || len(ids) == 0
}

func (s *store) milestone(id models.MilestoneID) (*models.Milestone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (s *store) projectMilestones(id models.ProjectID) []*models.Milestone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byProject[id]
	out := make([]*models.Milestone, 0, len(ids))
	for _, mid := range ids {
		out = append(out, s.milestones[mid].Clone())
	}
	return out
}

// openMilestones returns every non-terminal milestone in id order.
func (s *store) openMilestones() []*models.Milestone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Milestone
	for _, m := range s.milestones {
		if !m.Status.Terminal() {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *store) dispute(id models.MilestoneID) (*models.Dispute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// activeDisputes returns every raised or under-review dispute in milestone order.
func (s *store) activeDisputes() []*models.Dispute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Dispute
	for _, d := range s.disputes {
		if d.Active() {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MilestoneID < out[j].MilestoneID })
	return out
}

func (s *store) putDispute(ctx context.Context, d *models.Dispute) error {
	if s.p != nil {
		if err := s.p.SaveDispute(ctx, d); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.MilestoneID] = d.Clone()
	return nil
}

// load replaces the arena with snap. Project allocation and activity are derived
// from the loaded milestones rather than trusted from storage.
func (s *store) load(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = make(map[models.ProjectID]*models.Project, len(snap.Projects))
	s.milestones = make(map[models.MilestoneID]*models.Milestone, len(snap.Milestones))
	s.byProject = make(map[models.ProjectID][]models.MilestoneID)
	s.disputes = make(map[models.MilestoneID]*models.Dispute, len(snap.Disputes))

	for _, p := range snap.Projects {
		cp := *p
		cp.Allocated = 0
		s.projects[cp.ID] = &cp
		if uint64(cp.ID) > s.nextProject {
			s.nextProject = uint64(cp.ID)
		}
	}
	ms := append([]*models.Milestone(nil), snap.Milestones...)
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
	for _, m := range ms {
		s.milestones[m.ID] = m.Clone()
		s.byProject[m.ProjectID] = append(s.byProject[m.ProjectID], m.ID)
		if p, ok := s.projects[m.ProjectID]; ok && m.Status != models.MilestoneStatusCancelled {
			p.Allocated += m.Amount
		}
		if uint64(m.ID) > s.nextMilestone {
			s.nextMilestone = uint64(m.ID)
		}
	}
	for _, p := range s.projects {
		s.refreshActive(p)
	}
	for _, d := range snap.Disputes {
		s.disputes[d.MilestoneID] = d.Clone()
	}
}

func (s *store) counts() (projects, milestones int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects), len(s.milestones)
}
