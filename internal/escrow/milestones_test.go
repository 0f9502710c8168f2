package escrow

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/models"
)

// ---------------------------------------------------------------------------
// 1. Manual approval pays out 195 / 5 on a 200 milestone at 250 bps
// ---------------------------------------------------------------------------

func TestManualApprovalDisbursesWithFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.project(1000)
	m := h.milestone(p, 200)
	if got := h.ledger.Held(m.ID); got != 200 {
		t.Fatalf("held after create: got %d, want 200", got)
	}
	if _, err := h.svc.SubmitDeliverable(ctx, m.ID, payee, "H1"); err != nil {
		t.Fatalf("SubmitDeliverable: %v", err)
	}
	m, err := h.svc.Approve(ctx, m.ID, payer)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	wantStatus(t, m, models.MilestoneStatusCompleted)
	if *m.PlatformFee != 5 || *m.PayeeAmount != 195 {
		t.Errorf("split: got fee %d payee %d, want 5 195", *m.PlatformFee, *m.PayeeAmount)
	}
	if got := h.ledger.Held(m.ID); got != 0 {
		t.Errorf("held after completion: got %d, want 0", got)
	}
	if got := h.balance(payee); got != 195 {
		t.Errorf("payee balance: got %d, want 195", got)
	}
	if got := h.balance(treasury); got != 5 {
		t.Errorf("treasury balance: got %d, want 5", got)
	}
	if got := h.balance(custody); got != 0 {
		t.Errorf("custody balance: got %d, want 0", got)
	}
	if m.Verification.ApprovedBy != payer || m.Verification.ApprovedVia != models.VerificationClientOnly {
		t.Errorf("verification: got %+v", m.Verification)
	}
	h.reconciled()

	want := []string{
		models.EventMilestoneCreated,
		models.EventMilestoneSubmitted,
		models.EventMilestoneApproved,
		models.EventMilestoneCompleted,
	}
	if got := h.eventTypes(m.ID); !reflect.DeepEqual(got, want) {
		t.Errorf("events: got %v, want %v", got, want)
	}

	proj, _ := h.svc.GetProject(ctx, p.ID)
	if proj.Active {
		t.Error("project with every milestone completed should be inactive")
	}
}

// ---------------------------------------------------------------------------
// 2. Validation, state, and authorization failures
// ---------------------------------------------------------------------------

func TestCreateMilestoneValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(1000)
	future := h.clock.Now().Add(time.Hour)

	cases := []struct {
		name  string
		actor models.Address
		in    NewMilestone
		kind  error
	}{
		{"zero amount", payer, NewMilestone{Amount: 0, Description: "x", Deadline: future}, apperr.ErrValidation},
		{"negative amount", payer, NewMilestone{Amount: -5, Description: "x", Deadline: future}, apperr.ErrValidation},
		{"over budget", payer, NewMilestone{Amount: 1001, Description: "x", Deadline: future}, apperr.ErrValidation},
		{"no description", payer, NewMilestone{Amount: 10, Description: "  ", Deadline: future}, apperr.ErrValidation},
		{"past deadline", payer, NewMilestone{Amount: 10, Description: "x", Deadline: h.clock.Now().Add(-time.Minute)}, apperr.ErrValidation},
		{"not a party", stranger, NewMilestone{Amount: 10, Description: "x", Deadline: future}, apperr.ErrAuthorization},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateMilestone(ctx, tc.actor, p.ID, tc.in)
			wantKind(t, err, tc.kind)
		})
	}
	if _, err := h.svc.CreateMilestone(ctx, payer, 999, NewMilestone{Amount: 10, Description: "x", Deadline: future}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown project: got %v", err)
	}
	if got := h.balance(custody); got != 0 {
		t.Errorf("custody after rejected creates: got %d, want 0", got)
	}
}

func TestCreateMilestoneByPayeeFundsFromPayer(t *testing.T) {
	h := newHarness(t)
	p := h.project(1000)
	m, err := h.svc.CreateMilestone(context.Background(), payee, p.ID, NewMilestone{
		Amount: 300, Description: "API", Deadline: h.clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateMilestone: %v", err)
	}
	if got := h.balance(payer); got != startingBalance-300 {
		t.Errorf("payer balance: got %d, want %d", got, startingBalance-300)
	}
	if m.Payer != payer || m.Payee != payee {
		t.Errorf("parties: got %s/%s", m.Payer, m.Payee)
	}
}

func TestCreateMilestoneInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.svc.CreateProject(ctx, payer, NewProject{Payee: payee, Title: "Big", Budget: 2 * startingBalance})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	_, err = h.svc.CreateMilestone(ctx, payer, p.ID, NewMilestone{
		Amount: startingBalance + 1, Description: "too much", Deadline: h.clock.Now().Add(time.Hour),
	})
	wantKind(t, err, apperr.ErrTransfer)

	list, _ := h.svc.ListProjectMilestones(ctx, p.ID)
	if len(list) != 0 {
		t.Errorf("milestones after failed funding: got %d, want 0", len(list))
	}
	proj, _ := h.svc.GetProject(ctx, p.ID)
	if proj.Allocated != 0 {
		t.Errorf("allocated: got %d, want 0", proj.Allocated)
	}
	h.reconciled()
}

func TestApproveFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := h.milestone(h.project(1000), 100)
	_, err := h.svc.Approve(ctx, created.ID, payer)
	wantKind(t, err, apperr.ErrState)

	submitted := h.submitted(100)
	_, err = h.svc.Approve(ctx, submitted.ID, payee)
	wantKind(t, err, apperr.ErrAuthorization)
	wantStatus(t, h.get(submitted.ID), models.MilestoneStatusSubmitted)
	if got := h.ledger.Held(submitted.ID); got != 100 {
		t.Errorf("held after rejected approve: got %d, want 100", got)
	}
}

func TestSubmitDeliverableRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.milestone(h.project(1000), 100)

	_, err := h.svc.SubmitDeliverable(ctx, m.ID, payer, "H1")
	wantKind(t, err, apperr.ErrAuthorization)
	_, err = h.svc.SubmitDeliverable(ctx, m.ID, payee, "   ")
	wantKind(t, err, apperr.ErrValidation)

	h.clock.Advance(31 * 24 * time.Hour)
	_, err = h.svc.SubmitDeliverable(ctx, m.ID, payee, "H1")
	wantKind(t, err, apperr.ErrTiming)
	wantStatus(t, h.get(m.ID), models.MilestoneStatusCreated)
}

// ---------------------------------------------------------------------------
// 3. Terminal states
// ---------------------------------------------------------------------------

func TestNoTransitionOutOfTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := h.submitted(100)
	if _, err := h.svc.Approve(ctx, done.ID, payer); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	cancelled := h.milestone(h.project(1000), 100)
	if _, err := h.svc.CancelMilestone(ctx, cancelled.ID, payer); err != nil {
		t.Fatalf("CancelMilestone: %v", err)
	}

	for _, id := range []models.MilestoneID{done.ID, cancelled.ID} {
		before := h.get(id).Status
		attempts := map[string]error{}
		_, attempts["submit"] = h.svc.SubmitDeliverable(ctx, id, payee, "H2")
		_, attempts["approve"] = h.svc.Approve(ctx, id, payer)
		_, attempts["release"] = h.svc.Release(ctx, id, payer)
		_, attempts["cancel"] = h.svc.CancelMilestone(ctx, id, payer)
		_, attempts["dispute"] = h.svc.RaiseDispute(ctx, id, payer, "late")
		_, attempts["oracle"] = h.svc.SubmitOracleResult(ctx, id, oracle, true)
		_, attempts["verify"] = h.svc.SubmitVerification(ctx, id, verifier, models.VerificationReport{Score: 99, Passed: true})
		for name, err := range attempts {
			if !errors.Is(err, apperr.ErrState) {
				t.Errorf("milestone %d %s: got %v, want ErrState", id, name, err)
			}
		}
		wantStatus(t, h.get(id), before)
	}
	h.reconciled()
}

// ---------------------------------------------------------------------------
// 4. Cancellation
// ---------------------------------------------------------------------------

func TestCancelMilestone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(1000)
	m := h.milestone(p, 400)

	_, err := h.svc.CancelMilestone(ctx, m.ID, payee)
	wantKind(t, err, apperr.ErrAuthorization)

	m, err = h.svc.CancelMilestone(ctx, m.ID, payer)
	if err != nil {
		t.Fatalf("CancelMilestone: %v", err)
	}
	wantStatus(t, m, models.MilestoneStatusCancelled)
	if got := h.balance(payer); got != startingBalance {
		t.Errorf("payer balance after refund: got %d, want %d", got, startingBalance)
	}
	proj, _ := h.svc.GetProject(ctx, p.ID)
	if proj.Allocated != 0 || proj.Active {
		t.Errorf("project after cancel: allocated %d active %v", proj.Allocated, proj.Active)
	}
	_, err = h.svc.CreateMilestone(ctx, payer, p.ID, NewMilestone{Amount: 10, Description: "again", Deadline: h.clock.Now().Add(time.Hour)})
	wantKind(t, err, apperr.ErrState)
	h.reconciled()
}

func TestCancelAfterSubmitRejected(t *testing.T) {
	h := newHarness(t)
	m := h.submitted(100)
	_, err := h.svc.CancelMilestone(context.Background(), m.ID, payer)
	wantKind(t, err, apperr.ErrState)
}

// ---------------------------------------------------------------------------
// 5. Dispute window and release
// ---------------------------------------------------------------------------

func TestApprovalHeldDuringDisputeWindow(t *testing.T) {
	h := newHarness(t, withDisputeWindow(24*time.Hour))
	ctx := context.Background()
	m := h.submitted(200)

	m, err := h.svc.Approve(ctx, m.ID, payer)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	wantStatus(t, m, models.MilestoneStatusApproved)
	if got := h.ledger.Held(m.ID); got != 200 {
		t.Errorf("held while window open: got %d, want 200", got)
	}

	_, err = h.svc.Release(ctx, m.ID, stranger)
	wantKind(t, err, apperr.ErrTiming)

	h.clock.Advance(24 * time.Hour)
	_, err = h.svc.RaiseDispute(ctx, m.ID, payer, "changed my mind")
	wantKind(t, err, apperr.ErrTiming)

	m, err = h.svc.Release(ctx, m.ID, stranger)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	wantStatus(t, m, models.MilestoneStatusCompleted)
	if got := h.balance(payee); got != 195 {
		t.Errorf("payee balance: got %d, want 195", got)
	}
	h.reconciled()
}

func TestDisputeWithinWindowAfterApproval(t *testing.T) {
	h := newHarness(t, withDisputeWindow(24*time.Hour))
	ctx := context.Background()
	m := h.submitted(200)
	if _, err := h.svc.Approve(ctx, m.ID, payer); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	h.clock.Advance(time.Hour)

	if _, err := h.svc.RaiseDispute(ctx, m.ID, payer, "defect found"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	wantStatus(t, h.get(m.ID), models.MilestoneStatusDisputed)

	h.clock.Advance(48 * time.Hour)
	_, err := h.svc.Release(ctx, m.ID, stranger)
	wantKind(t, err, apperr.ErrState)
	if got := h.ledger.Held(m.ID); got != 200 {
		t.Errorf("held while disputed: got %d, want 200", got)
	}
}

func TestApproveRollsBackOnTransferFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.submitted(100)

	// drain custody behind the ledger's back so the payout cannot be funded
	if err := h.tok.Transfer(ctx, tokenTransfer(custody, stranger, 100)); err != nil {
		t.Fatalf("drain: %v", err)
	}
	_, err := h.svc.Approve(ctx, m.ID, payer)
	wantKind(t, err, apperr.ErrTransfer)
	wantStatus(t, h.get(m.ID), models.MilestoneStatusSubmitted)
	if got := h.ledger.Held(m.ID); got != 100 {
		t.Errorf("held after failed approve: got %d, want 100", got)
	}
}
