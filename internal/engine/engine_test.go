package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"settleline/internal/config"
	"settleline/internal/db"
	"settleline/internal/domain"
	"settleline/internal/ledger"
	"settleline/internal/migrate"
)

type harness struct {
	eng Engine
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	h := &harness{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h.eng = New(conn, config.Default())
	h.eng.Now = func() time.Time { return h.now }
	h.eng.Ledger.Now = h.eng.Now
	h.eng.Events.Now = h.eng.Now
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) deposit(t *testing.T, party string, amount int64) {
	t.Helper()
	if _, err := h.eng.Ledger.Deposit(context.Background(), party, amount); err != nil {
		t.Fatalf("deposit %s %d: %v", party, amount, err)
	}
}

func (h *harness) balance(t *testing.T, party string) int64 {
	t.Helper()
	acct, err := h.eng.Ledger.Balance(context.Background(), party)
	if err != nil {
		t.Fatalf("balance %s: %v", party, err)
	}
	return acct.Balance
}

func baseOpts() CreateOptions {
	return CreateOptions{
		SellerID:        "alice",
		Total:           1000,
		Stake:           50,
		ResponseWindow:  3600,
		MaxRevisions:    1,
		Shares:          []int64{6000, 4000},
		DeadlineOffsets: []int64{100, 200},
		ActorID:         "alice",
	}
}

func (h *harness) createPaid(t *testing.T) domain.Engagement {
	t.Helper()
	ctx := context.Background()
	h.deposit(t, "alice", 50)
	h.deposit(t, "bob", 1000)
	eng, err := h.eng.Create(ctx, baseOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	eng, err = h.eng.Pay(ctx, eng.ID, "bob", 1000)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	return eng
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", 1000)

	cases := []struct {
		name   string
		mutate func(*CreateOptions)
	}{
		{"missing seller", func(o *CreateOptions) { o.SellerID = "" }},
		{"buyer equals seller", func(o *CreateOptions) { o.BuyerID = "alice" }},
		{"zero total", func(o *CreateOptions) { o.Total = 0 }},
		{"negative stake", func(o *CreateOptions) { o.Stake = -1 }},
		{"negative max revisions", func(o *CreateOptions) { o.MaxRevisions = -1 }},
		{"length mismatch", func(o *CreateOptions) { o.DeadlineOffsets = []int64{100} }},
		{"titles mismatch", func(o *CreateOptions) { o.Titles = []string{"only one"} }},
		{"shares under 10000", func(o *CreateOptions) { o.Shares = []int64{6000, 3000} }},
		{"shares over 10000", func(o *CreateOptions) { o.Shares = []int64{6000, 5000} }},
		{"zero share", func(o *CreateOptions) { o.Shares = []int64{10000, 0} }},
		{"zero offset", func(o *CreateOptions) { o.DeadlineOffsets = []int64{100, 0} }},
		{"no milestones", func(o *CreateOptions) { o.Shares = nil; o.DeadlineOffsets = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := baseOpts()
			tc.mutate(&opts)
			if _, err := h.eng.Create(ctx, opts); !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateMovesStakeIntoCustody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", 80)

	eng, err := h.eng.Create(ctx, baseOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if eng.Status != domain.StatusCreated {
		t.Fatalf("status = %s", eng.Status)
	}
	if got := h.balance(t, "alice"); got != 30 {
		t.Fatalf("seller balance = %d, want 30", got)
	}
	if got := h.balance(t, ledger.CustodyAccount(eng.ID)); got != 50 {
		t.Fatalf("custody = %d, want 50", got)
	}

	_, ms, err := h.eng.Get(ctx, eng.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("milestones = %d", len(ms))
	}
	if ms[0].Amount != 600 || ms[1].Amount != 400 {
		t.Fatalf("amounts = %d,%d, want 600,400", ms[0].Amount, ms[1].Amount)
	}
	if ms[0].Deadline != 0 || ms[1].Deadline != 0 {
		t.Fatal("deadlines must stay unanchored until payment")
	}
}

func TestCreateWithoutStakeFunds(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.Create(context.Background(), baseOpts()); !errors.Is(err, ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
}

func TestMilestoneAmountFloors(t *testing.T) {
	if got := milestoneAmount(1001, 5000); got != 500 {
		t.Fatalf("amount = %d, want 500", got)
	}
	if got := milestoneAmount(999, 3333); got != 332 {
		t.Fatalf("amount = %d, want 332", got)
	}
}

func TestPayAnchorsDeadlinesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if eng.Status != domain.StatusPaid {
		t.Fatalf("status = %s", eng.Status)
	}
	paidAt := h.now.Unix()
	if eng.PaidAt != paidAt {
		t.Fatalf("paid_at = %d, want %d", eng.PaidAt, paidAt)
	}
	_, ms, _ := h.eng.Get(ctx, eng.ID)
	if ms[0].Deadline != paidAt+100 || ms[1].Deadline != paidAt+200 {
		t.Fatalf("deadlines = %d,%d, want offsets from paid_at %d", ms[0].Deadline, ms[1].Deadline, paidAt)
	}
	if got := h.balance(t, ledger.CustodyAccount(eng.ID)); got != 1050 {
		t.Fatalf("custody = %d, want 1050", got)
	}
	if got := h.balance(t, "bob"); got != 0 {
		t.Fatalf("buyer balance = %d, want 0", got)
	}
}

func TestPayRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", 50)
	h.deposit(t, "bob", 2000)
	h.deposit(t, "mallory", 2000)

	eng, err := h.eng.Create(ctx, baseOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := h.eng.Pay(ctx, eng.ID, "bob", 999); !errors.Is(err, ErrValidation) {
		t.Fatalf("partial payment err = %v, want ErrValidation", err)
	}
	if _, err := h.eng.Pay(ctx, eng.ID, "bob", 1001); !errors.Is(err, ErrValidation) {
		t.Fatalf("overpayment err = %v, want ErrValidation", err)
	}
	if _, err := h.eng.Pay(ctx, eng.ID, "alice", 1000); !errors.Is(err, ErrValidation) {
		t.Fatalf("self-funding err = %v, want ErrValidation", err)
	}
	if _, err := h.eng.Pay(ctx, eng.ID, "bob", 1000); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := h.eng.Pay(ctx, eng.ID, "mallory", 1000); !errors.Is(err, ErrState) {
		t.Fatalf("double pay err = %v, want ErrState", err)
	}
}

func TestPayBoundBuyerEnforced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", 50)
	h.deposit(t, "mallory", 1000)

	opts := baseOpts()
	opts.BuyerID = "bob"
	eng, err := h.eng.Create(ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.eng.Pay(ctx, eng.ID, "mallory", 1000); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestOpenEngagementBindsFirstPayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", 50)
	h.deposit(t, "carol", 1000)

	eng, err := h.eng.Create(ctx, baseOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !eng.Open() {
		t.Fatal("engagement should be open")
	}
	eng, err = h.eng.Pay(ctx, eng.ID, "carol", 1000)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if eng.BuyerID != "carol" {
		t.Fatalf("buyer = %s, want carol", eng.BuyerID)
	}
}

func TestPayInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", 50)
	h.deposit(t, "bob", 999)

	eng, err := h.eng.Create(ctx, baseOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.eng.Pay(ctx, eng.ID, "bob", 1000); !errors.Is(err, ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
	if got := h.balance(t, "bob"); got != 999 {
		t.Fatalf("failed payment must not move funds, buyer = %d", got)
	}
}

func TestSubmitApproveHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	m, err := h.eng.Submit(ctx, eng.ID, "alice", 0, "first deliverable")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.Status != domain.MilestoneSubmitted || m.SubmittedAt != h.now.Unix() {
		t.Fatalf("milestone = %+v", m)
	}
	got, _ := h.eng.Repo.GetEngagement(ctx, eng.ID)
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}

	eng2, err := h.eng.Approve(ctx, eng.ID, "bob", 0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if eng2.CurrentIdx != 1 || eng2.Status != domain.StatusInProgress {
		t.Fatalf("after first approve: %+v", eng2)
	}
	if got := h.balance(t, "alice"); got != 600 {
		t.Fatalf("seller = %d, want 600", got)
	}

	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 1, "second"); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	eng3, err := h.eng.Approve(ctx, eng.ID, "bob", 1)
	if err != nil {
		t.Fatalf("approve 1: %v", err)
	}
	if eng3.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", eng3.Status)
	}
	if !eng3.StakeReleased {
		t.Fatal("stake must return on completion")
	}
	if got := h.balance(t, "alice"); got != 1050 {
		t.Fatalf("seller = %d, want 1050 (milestones + stake)", got)
	}
	if got := h.balance(t, ledger.CustodyAccount(eng.ID)); got != 0 {
		t.Fatalf("custody = %d, want 0", got)
	}

	evts, err := h.eng.Repo.ListEvents(ctx, eng.ID, 0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	want := []string{
		"engagement.created", "engagement.paid",
		"milestone.submitted", "milestone.approved", "milestone.released",
		"milestone.submitted", "milestone.approved", "milestone.released",
		"engagement.completed",
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}
}

func TestSubmitRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.Submit(ctx, eng.ID, "bob", 0, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer submit err = %v, want ErrUnauthorized", err)
	}
	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 1, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("wrong index err = %v, want ErrValidation", err)
	}
	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, "ok"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, "again"); !errors.Is(err, ErrState) {
		t.Fatalf("double submit err = %v, want ErrState", err)
	}
}

func TestSubmitAfterDeadlineRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	h.advance(101 * time.Second)
	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, "late"); !errors.Is(err, ErrTiming) {
		t.Fatalf("err = %v, want ErrTiming", err)
	}
}

func TestApproveRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.Approve(ctx, eng.ID, "bob", 0); !errors.Is(err, ErrState) {
		t.Fatalf("approve before submit err = %v, want ErrState", err)
	}
	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.eng.Approve(ctx, eng.ID, "alice", 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller approve err = %v, want ErrUnauthorized", err)
	}
	if _, err := h.eng.Approve(ctx, eng.ID, "bob", 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("wrong index err = %v, want ErrValidation", err)
	}
}

func TestAutoReleaseAfterWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.eng.AutoRelease(ctx, eng.ID, "watcher"); !errors.Is(err, ErrTiming) {
		t.Fatalf("early auto-release err = %v, want ErrTiming", err)
	}

	h.advance(3600 * time.Second)
	eng2, err := h.eng.AutoRelease(ctx, eng.ID, "watcher")
	if err != nil {
		t.Fatalf("auto-release: %v", err)
	}
	if eng2.CurrentIdx != 1 {
		t.Fatalf("current_idx = %d, want 1", eng2.CurrentIdx)
	}
	if got := h.balance(t, "alice"); got != 600 {
		t.Fatalf("seller = %d, want 600", got)
	}
}

func TestAutoReleaseRequiresSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	h.advance(10 * 3600 * time.Second)
	if _, err := h.eng.AutoRelease(ctx, eng.ID, "watcher"); !errors.Is(err, ErrState) {
		t.Fatalf("err = %v, want ErrState (nothing submitted)", err)
	}
}

func TestClaimRefundAfterMissedDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.ClaimRefund(ctx, eng.ID, "bob"); !errors.Is(err, ErrTiming) {
		t.Fatalf("early claim err = %v, want ErrTiming", err)
	}

	h.advance(100 * time.Second)
	eng2, err := h.eng.ClaimRefund(ctx, eng.ID, "anyone")
	if err != nil {
		t.Fatalf("claim refund: %v", err)
	}
	if eng2.Status != domain.StatusRefunded {
		t.Fatalf("status = %s, want refunded", eng2.Status)
	}
	// 1000 in unreleased milestones plus the 50 stake.
	if got := h.balance(t, "bob"); got != 1050 {
		t.Fatalf("buyer = %d, want 1050", got)
	}
	if got := h.balance(t, ledger.CustodyAccount(eng.ID)); got != 0 {
		t.Fatalf("custody = %d, want 0", got)
	}
}

func TestClaimRefundAfterPartialRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.eng.Approve(ctx, eng.ID, "bob", 0); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Milestone 1 deadline is paid_at+200; let it lapse unsubmitted.
	h.advance(200 * time.Second)
	eng2, err := h.eng.ClaimRefund(ctx, eng.ID, "bob")
	if err != nil {
		t.Fatalf("claim refund: %v", err)
	}
	if eng2.Status != domain.StatusRefunded {
		t.Fatalf("status = %s", eng2.Status)
	}
	// Only milestone 1 (400) plus stake (50) remains refundable.
	if got := h.balance(t, "bob"); got != 450 {
		t.Fatalf("buyer = %d, want 450", got)
	}
	if got := h.balance(t, "alice"); got != 600 {
		t.Fatalf("seller keeps released milestone, got %d", got)
	}
}

func TestClaimRefundCoversStandingSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, "late work"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Deadline passes while the submission sits unapproved; the claim still
	// goes through and the submitted amount counts toward the refund.
	h.advance(1000 * time.Second)
	eng2, err := h.eng.ClaimRefund(ctx, eng.ID, "bob")
	if err != nil {
		t.Fatalf("claim refund over submitted milestone: %v", err)
	}
	if eng2.Status != domain.StatusRefunded {
		t.Fatalf("status = %s, want refunded", eng2.Status)
	}
	// Submitted 600 + pending 400 + stake 50.
	if got := h.balance(t, "bob"); got != 1050 {
		t.Fatalf("buyer = %d, want 1050", got)
	}
	if got := h.balance(t, ledger.CustodyAccount(eng.ID)); got != 0 {
		t.Fatalf("custody = %d, want 0", got)
	}
}

func TestRevisionCycleAndCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.RequestRevision(ctx, eng.ID, "bob", 0, "x"); !errors.Is(err, ErrState) {
		t.Fatalf("revision before submit err = %v, want ErrState", err)
	}
	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, "v1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.eng.RequestRevision(ctx, eng.ID, "alice", 0, "x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller revision err = %v, want ErrUnauthorized", err)
	}

	m, err := h.eng.RequestRevision(ctx, eng.ID, "bob", 0, "needs work")
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if m.Revisions != 1 {
		t.Fatalf("revisions = %d, want 1", m.Revisions)
	}
	if m.Status != domain.MilestoneSubmitted {
		t.Fatalf("revision must not reset status, got %s", m.Status)
	}
	left, err := h.eng.RemainingRevisions(ctx, eng.ID, 0)
	if err != nil || left != 0 {
		t.Fatalf("remaining = %d (%v), want 0", left, err)
	}

	// Cap reached (max is 1); further requests are refused.
	if _, err := h.eng.RequestRevision(ctx, eng.ID, "bob", 0, "more"); !errors.Is(err, ErrState) {
		t.Fatalf("over-cap revision err = %v, want ErrState", err)
	}

	// The seller may resubmit after a revision request.
	m2, err := h.eng.Submit(ctx, eng.ID, "alice", 0, "v2")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if m2.Note != "v2" {
		t.Fatalf("note = %q", m2.Note)
	}
	// And the buyer can still approve the reworked submission.
	if _, err := h.eng.Approve(ctx, eng.ID, "bob", 0); err != nil {
		t.Fatalf("approve after revision: %v", err)
	}

	evts, _ := h.eng.Repo.ListEvents(ctx, eng.ID, 0, 0)
	var sawCap bool
	for _, e := range evts {
		if e.Type == "milestone.revision_cap" {
			sawCap = true
		}
	}
	if !sawCap {
		t.Fatal("expected milestone.revision_cap event")
	}
}

func TestProposeCancelGatedByRevisionCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.eng.ProposeCancel(ctx, eng.ID, "bob", 0); !errors.Is(err, ErrState) {
		t.Fatalf("pre-cap propose err = %v, want ErrState", err)
	}
	if _, err := h.eng.RequestRevision(ctx, eng.ID, "bob", 0, "no"); err != nil {
		t.Fatalf("revision: %v", err)
	}
	if _, err := h.eng.ProposeCancel(ctx, eng.ID, "mallory", 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider propose err = %v, want ErrUnauthorized", err)
	}

	m, err := h.eng.ProposeCancel(ctx, eng.ID, "alice", 0)
	if err != nil {
		t.Fatalf("seller propose: %v", err)
	}
	if m.Consent != domain.ConsentSeller {
		t.Fatalf("consent = %s, want seller", m.Consent)
	}

	// Re-proposal by the same side is idempotent.
	m, err = h.eng.ProposeCancel(ctx, eng.ID, "alice", 0)
	if err != nil || m.Consent != domain.ConsentSeller {
		t.Fatalf("idempotent re-propose: consent = %s, err = %v", m.Consent, err)
	}

	m, err = h.eng.ProposeCancel(ctx, eng.ID, "bob", 0)
	if err != nil {
		t.Fatalf("buyer propose: %v", err)
	}
	if m.Consent != domain.ConsentBoth {
		t.Fatalf("consent = %s, want both", m.Consent)
	}
	got, _ := h.eng.Repo.GetEngagement(ctx, eng.ID)
	if got.Status != domain.StatusRefunded {
		t.Fatalf("status = %s, want refunded", got.Status)
	}
	// All 1000 is unreleased plus the 50 stake.
	if bal := h.balance(t, "bob"); bal != 1050 {
		t.Fatalf("buyer = %d, want 1050", bal)
	}
}

func TestProposeCancelBuyerFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.eng.RequestRevision(ctx, eng.ID, "bob", 0, "no"); err != nil {
		t.Fatalf("revision: %v", err)
	}
	m, err := h.eng.ProposeCancel(ctx, eng.ID, "bob", 0)
	if err != nil || m.Consent != domain.ConsentBuyer {
		t.Fatalf("buyer-first consent = %s, err = %v", m.Consent, err)
	}
	m, err = h.eng.ProposeCancel(ctx, eng.ID, "alice", 0)
	if err != nil || m.Consent != domain.ConsentBoth {
		t.Fatalf("completing consent = %s, err = %v", m.Consent, err)
	}
}

func TestCancelBySellerBeforePayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", 50)

	eng, err := h.eng.Create(ctx, baseOpts())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.eng.CancelBySeller(ctx, eng.ID, "bob"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-seller cancel err = %v, want ErrUnauthorized", err)
	}
	eng2, err := h.eng.CancelBySeller(ctx, eng.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if eng2.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", eng2.Status)
	}
	if got := h.balance(t, "alice"); got != 50 {
		t.Fatalf("stake must return before payment, seller = %d", got)
	}
}

func TestCancelBySellerAfterPaymentForfeitsStake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	eng2, err := h.eng.CancelBySeller(ctx, eng.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if eng2.Status != domain.StatusRefunded {
		t.Fatalf("status = %s, want refunded", eng2.Status)
	}
	if got := h.balance(t, "bob"); got != 1050 {
		t.Fatalf("buyer = %d, want total + forfeited stake", got)
	}
	if got := h.balance(t, "alice"); got != 0 {
		t.Fatalf("seller = %d, want 0", got)
	}
}

func TestCancelBySellerBlockedOnceInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.eng.CancelBySeller(ctx, eng.ID, "alice"); !errors.Is(err, ErrState) {
		t.Fatalf("err = %v, want ErrState", err)
	}
}

func TestReentryFailsFast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	eng := h.createPaid(t)

	unlock, err := h.eng.locks.acquire(eng.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer unlock()

	if _, err := h.eng.Submit(ctx, eng.ID, "alice", 0, ""); !errors.Is(err, ErrState) {
		t.Fatalf("err = %v, want ErrState (busy)", err)
	}
}

func TestResponseWindowNormalizedAtConstruction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", 100)

	opts := baseOpts()
	opts.ResponseWindow = 0
	eng, err := h.eng.Create(ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if eng.ResponseWindow != 604800 {
		t.Fatalf("response_window = %d, want 604800", eng.ResponseWindow)
	}
}

func TestMaxRevisionsDefaultedAtConstruction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "alice", 100)

	opts := baseOpts()
	opts.MaxRevisions = 0
	eng, err := h.eng.Create(ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The workspace default (2) applies, so the cancellation gate is not
	// trivially open on a fresh milestone.
	if eng.MaxRevisions != 2 {
		t.Fatalf("max_revisions = %d, want 2", eng.MaxRevisions)
	}
}
