package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inaiurai/escrow/internal/events"
	"github.com/inaiurai/escrow/internal/ledger"
	"github.com/inaiurai/escrow/internal/models"
	"github.com/inaiurai/escrow/internal/token"
)

const (
	custody  = models.Address("custody")
	treasury = models.Address("treasury")
	admin    = models.Address("admin")
	payer    = models.Address("payer")
	payee    = models.Address("payee")
	resolver = models.Address("resolver")
	oracle   = models.Address("oracle")
	verifier = models.Address("verifier")
	stranger = models.Address("stranger")

	startingBalance = 1_000_000
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t       *testing.T
	svc     *Service
	tok     *token.Memory
	ledger  *ledger.Service
	journal *events.Journal
	clock   *fakeClock
}

func defaultSettings() Settings {
	return Settings{
		FeeBps:        250,
		DisputeWindow: 0,
		FeeRecipient:  treasury,
		Verification: models.VerificationConfig{
			Method:            models.VerificationClientOnly,
			AutoApprovalDelay: 7 * 24 * time.Hour,
			TimeBasedApproval: true,
			MinQualityScore:   80,
		},
	}
}

func newHarness(t *testing.T, tweaks ...func(*Settings)) *harness {
	t.Helper()
	settings := defaultSettings()
	for _, fn := range tweaks {
		fn(&settings)
	}
	tok := token.NewMemory(custody)
	tok.Mint(payer, startingBalance)
	tok.Approve(payer, startingBalance)

	l := ledger.NewService(ledger.NewRepository(), tok, custody, nil)
	j := events.NewJournal(nil, 1000)
	t.Cleanup(j.Close)

	svc, err := NewService(l, j, settings, Roles{
		Admin:     admin,
		Resolvers: []models.Address{resolver},
		Oracles:   []models.Address{oracle},
		Verifiers: []models.Address{verifier},
	}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc.Now = clock.Now
	return &harness{t: t, svc: svc, tok: tok, ledger: l, journal: j, clock: clock}
}

func withMethod(m models.VerificationMethod) func(*Settings) {
	return func(s *Settings) { s.Verification.Method = m }
}

func withDisputeWindow(d time.Duration) func(*Settings) {
	return func(s *Settings) { s.DisputeWindow = d }
}

func (h *harness) project(budget int64) *models.Project {
	h.t.Helper()
	p, err := h.svc.CreateProject(context.Background(), payer, NewProject{Payee: payee, Title: "Website redesign", Budget: budget})
	if err != nil {
		h.t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func (h *harness) milestone(p *models.Project, amount int64) *models.Milestone {
	h.t.Helper()
	m, err := h.svc.CreateMilestone(context.Background(), payer, p.ID, NewMilestone{
		Amount:      amount,
		Description: "Landing page",
		Deadline:    h.clock.Now().Add(30 * 24 * time.Hour),
	})
	if err != nil {
		h.t.Fatalf("CreateMilestone: %v", err)
	}
	return m
}

func (h *harness) submitted(amount int64) *models.Milestone {
	h.t.Helper()
	m := h.milestone(h.project(amount*10), amount)
	m, err := h.svc.SubmitDeliverable(context.Background(), m.ID, payee, "H1")
	if err != nil {
		h.t.Fatalf("SubmitDeliverable: %v", err)
	}
	return m
}

func (h *harness) get(id models.MilestoneID) *models.Milestone {
	h.t.Helper()
	m, err := h.svc.GetMilestone(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetMilestone: %v", err)
	}
	return m
}

func (h *harness) balance(addr models.Address) int64 {
	h.t.Helper()
	b, err := h.tok.BalanceOf(context.Background(), addr)
	if err != nil {
		h.t.Fatalf("BalanceOf: %v", err)
	}
	return b
}

func (h *harness) reconciled() {
	h.t.Helper()
	if _, _, err := h.ledger.Reconcile(context.Background()); err != nil {
		h.t.Fatalf("Reconcile: %v", err)
	}
}

func (h *harness) eventTypes(id models.MilestoneID) []string {
	var out []string
	for _, e := range h.journal.Recent(id) {
		out = append(out, e.Type)
	}
	return out
}

func wantKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("got error %v, want %v", err, kind)
	}
}

func wantStatus(t *testing.T, m *models.Milestone, want models.MilestoneStatus) {
	t.Helper()
	if m.Status != want {
		t.Fatalf("status: got %s, want %s", m.Status, want)
	}
}

func tokenTransfer(from, to models.Address, amount int64) token.Transfer {
	return token.NewTransfer(from, to, amount, "test")
}
