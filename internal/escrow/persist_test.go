package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/events"
	"github.com/inaiurai/escrow/internal/models"
)

var errStorage = errors.New("storage unavailable")

// memPersister is a Persister that survives a service restart within one test.
type memPersister struct {
	mu         sync.Mutex
	ids        map[string]uint64
	projects   map[models.ProjectID]*models.Project
	milestones map[models.MilestoneID]*models.Milestone
	disputes   map[models.MilestoneID]*models.Dispute
	settings   *Settings
	roles      *Roles

	failMilestones int // fail the next n SaveMilestone calls
}

func newMemPersister() *memPersister {
	return &memPersister{
		ids:        map[string]uint64{},
		projects:   map[models.ProjectID]*models.Project{},
		milestones: map[models.MilestoneID]*models.Milestone{},
		disputes:   map[models.MilestoneID]*models.Dispute{},
	}
}

func (p *memPersister) NextID(_ context.Context, kind string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids[kind]++
	return p.ids[kind], nil
}

func (p *memPersister) SaveProject(_ context.Context, pr *models.Project) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *pr
	p.projects[cp.ID] = &cp
	return nil
}

func (p *memPersister) SaveMilestone(_ context.Context, m *models.Milestone, d *models.Dispute) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failMilestones > 0 {
		p.failMilestones--
		return errStorage
	}
	p.milestones[m.ID] = m.Clone()
	if d != nil {
		p.disputes[d.MilestoneID] = d.Clone()
	}
	return nil
}

func (p *memPersister) SaveDispute(_ context.Context, d *models.Dispute) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disputes[d.MilestoneID] = d.Clone()
	return nil
}

func (p *memPersister) SaveSettings(_ context.Context, s Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = &s
	return nil
}

func (p *memPersister) SaveRoles(_ context.Context, r Roles) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles = &r
	return nil
}

func (p *memPersister) Load(context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := &Snapshot{Settings: p.settings, Roles: p.roles}
	for _, pr := range p.projects {
		cp := *pr
		snap.Projects = append(snap.Projects, &cp)
	}
	for _, m := range p.milestones {
		snap.Milestones = append(snap.Milestones, m.Clone())
	}
	for _, d := range p.disputes {
		snap.Disputes = append(snap.Disputes, d.Clone())
	}
	return snap, nil
}

func (p *memPersister) stored(id models.MilestoneID) (*models.Milestone, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.milestones[id]
	return m, ok
}

// persisted returns a harness whose arena writes go through p.
func persisted(t *testing.T, p Persister, tweaks ...func(*Settings)) *harness {
	t.Helper()
	h := newHarness(t, tweaks...)
	if _, err := h.svc.Restore(context.Background(), p); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	return h
}

// restart builds a fresh service over the same ledger and storage, as a new process would.
func (h *harness) restart(p Persister) (*harness, RestoreReport) {
	h.t.Helper()
	j := events.NewJournal(nil, 1000)
	h.t.Cleanup(j.Close)
	svc, err := NewService(h.ledger, j, defaultSettings(), Roles{
		Admin:     admin,
		Resolvers: []models.Address{resolver},
		Oracles:   []models.Address{oracle},
		Verifiers: []models.Address{verifier},
	}, nil)
	if err != nil {
		h.t.Fatalf("NewService: %v", err)
	}
	svc.Now = h.clock.Now
	report, err := svc.Restore(context.Background(), p)
	if err != nil {
		h.t.Fatalf("Restore: %v", err)
	}
	return &harness{t: h.t, svc: svc, tok: h.tok, ledger: h.ledger, journal: j, clock: h.clock}, report
}

// ---------------------------------------------------------------------------
// Restore
// ---------------------------------------------------------------------------

func TestRestoreContinuesWhereThePreviousProcessStopped(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	h := persisted(t, p)

	proj := h.project(1000)
	open := h.milestone(proj, 300)
	submitted := h.milestone(proj, 200)
	if _, err := h.svc.SubmitDeliverable(ctx, submitted.ID, payee, "H2"); err != nil {
		t.Fatalf("SubmitDeliverable: %v", err)
	}
	disputed := h.submitted(100)
	if _, err := h.svc.RaiseDispute(ctx, disputed.ID, payer, "missing pages"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	cancelled := h.milestone(proj, 50)
	if _, err := h.svc.CancelMilestone(ctx, cancelled.ID, payer); err != nil {
		t.Fatalf("CancelMilestone: %v", err)
	}
	fee := int64(400)
	if _, err := h.svc.UpdateConfig(ctx, admin, ConfigUpdate{FeeBps: &fee}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if err := h.svc.GrantRole(ctx, admin, models.RoleResolver, "resolver-2"); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}

	r, report := h.restart(p)
	if report.Projects != 2 || report.Milestones != 4 || report.Disputes != 1 {
		t.Errorf("report: got %+v", report)
	}
	if report.Repaired != 0 || report.Orphans != 0 {
		t.Errorf("nothing should need repair: %+v", report)
	}

	got, err := r.svc.GetProject(ctx, proj.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Allocated != 500 || !got.Active {
		t.Errorf("project: got allocated %d active %v, want 500 true", got.Allocated, got.Active)
	}
	wantStatus(t, r.get(open.ID), models.MilestoneStatusCreated)
	wantStatus(t, r.get(submitted.ID), models.MilestoneStatusSubmitted)
	wantStatus(t, r.get(disputed.ID), models.MilestoneStatusDisputed)
	wantStatus(t, r.get(cancelled.ID), models.MilestoneStatusCancelled)
	if d, err := r.svc.GetDispute(ctx, disputed.ID); err != nil || d.Reason != "missing pages" {
		t.Errorf("dispute: got %+v, %v", d, err)
	}
	if got := r.svc.Settings().FeeBps; got != 400 {
		t.Errorf("fee bps: got %d, want 400", got)
	}
	if !r.svc.HasRole(models.RoleResolver, "resolver-2") {
		t.Error("granted resolver should survive restart")
	}

	next := r.milestone(proj, 10)
	if next.ID <= cancelled.ID {
		t.Errorf("milestone id %d reused after restart", next.ID)
	}
	done, err := r.svc.Approve(ctx, submitted.ID, payer)
	if err != nil {
		t.Fatalf("Approve after restart: %v", err)
	}
	wantStatus(t, done, models.MilestoneStatusCompleted)
	if _, err := r.svc.ResolveDispute(ctx, disputed.ID, resolver, true, ""); err != nil {
		t.Fatalf("ResolveDispute after restart: %v", err)
	}
	r.reconciled()
}

func TestRestoreRepairsMilestoneWrittenAfterPayout(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	h := persisted(t, p)
	m := h.submitted(1000)

	p.failMilestones = 1
	done, err := h.svc.Approve(ctx, m.ID, payer)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	wantStatus(t, done, models.MilestoneStatusCompleted)
	if stored, _ := p.stored(m.ID); stored.Status != models.MilestoneStatusSubmitted {
		t.Fatalf("stored status: got %s, want the stale submitted row", stored.Status)
	}

	r, report := h.restart(p)
	if report.Repaired != 1 {
		t.Errorf("repaired: got %d, want 1", report.Repaired)
	}
	got := r.get(m.ID)
	wantStatus(t, got, models.MilestoneStatusCompleted)
	if got.PlatformFee == nil || *got.PlatformFee != 25 || *got.PayeeAmount != 975 {
		t.Errorf("settlement: got fee %v payee %v, want 25 975", got.PlatformFee, got.PayeeAmount)
	}
	if stored, _ := p.stored(m.ID); stored.Status != models.MilestoneStatusCompleted {
		t.Errorf("stored status after repair: got %s", stored.Status)
	}
	_, err = r.svc.Release(ctx, m.ID, payer)
	wantKind(t, err, apperr.ErrState)
	r.reconciled()
}

func TestRestoreClosesDisputeSettledBeforeRestart(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	h := persisted(t, p)
	m := h.submitted(400)
	if _, err := h.svc.RaiseDispute(ctx, m.ID, payee, "late review"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}

	p.failMilestones = 1
	if _, err := h.svc.ResolveDispute(ctx, m.ID, resolver, true, "refund"); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}

	r, report := h.restart(p)
	if report.Repaired != 2 {
		t.Errorf("repaired: got %d, want milestone and dispute", report.Repaired)
	}
	wantStatus(t, r.get(m.ID), models.MilestoneStatusCancelled)
	d, err := r.svc.GetDispute(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetDispute: %v", err)
	}
	if d.Active() || d.PayerFavor == nil || !*d.PayerFavor {
		t.Errorf("dispute: got %+v, want resolved for the payer", d)
	}
	if got := h.balance(payer); got != startingBalance {
		t.Errorf("payer: got %d, want %d", got, startingBalance)
	}
}

func TestRestoreRefundsOrphanHold(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	h := persisted(t, p)
	proj := h.project(1000)

	p.failMilestones = 1
	m := h.milestone(proj, 600)
	if _, ok := p.stored(m.ID); ok {
		t.Fatal("milestone row should be missing")
	}
	if got := h.balance(payer); got != startingBalance-600 {
		t.Fatalf("payer after lock: got %d", got)
	}

	r, report := h.restart(p)
	if report.Orphans != 1 {
		t.Errorf("orphans: got %d, want 1", report.Orphans)
	}
	if got := h.balance(payer); got != startingBalance {
		t.Errorf("payer after restart: got %d, want %d", got, startingBalance)
	}
	if got := h.balance(custody); got != 0 {
		t.Errorf("custody after restart: got %d, want 0", got)
	}
	if _, err := r.svc.GetMilestone(ctx, m.ID); err == nil {
		t.Error("orphaned milestone should not be visible")
	}
	if next := r.milestone(proj, 10); next.ID == m.ID {
		t.Error("orphaned milestone id must not be reused")
	}
	r.reconciled()
}

func TestWriteFailureBeforePayoutLeavesMilestone(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	h := persisted(t, p)
	m := h.milestone(h.project(1000), 100)

	p.failMilestones = 1
	_, err := h.svc.SubmitDeliverable(ctx, m.ID, payee, "H1")
	if !errors.Is(err, errStorage) {
		t.Fatalf("got %v, want storage error", err)
	}
	wantStatus(t, h.get(m.ID), models.MilestoneStatusCreated)

	if _, err := h.svc.SubmitDeliverable(ctx, m.ID, payee, "H1"); err != nil {
		t.Fatalf("retry SubmitDeliverable: %v", err)
	}
}
