package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"settleline/internal/config"
	"settleline/internal/domain"
	"settleline/internal/events"
	"settleline/internal/ledger"
	"settleline/internal/repo"
)

const defaultResponseWindow = 7 * 24 * 60 * 60 // seconds

// Engine arbitrates the engagement lifecycle. Every mutating operation runs
// under the engagement's exclusive lock and inside a single transaction:
// load, validate, mutate, move funds, append events, commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *lockTable
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Ledger{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  &lockTable{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) lock(engagementID string) (func(), error) {
	if e.locks == nil {
		return func() {}, nil
	}
	return e.locks.acquire(engagementID)
}

// CreateOptions are parameters for constructing an engagement. Shares and
// DeadlineOffsets are parallel arrays; Titles and Descriptions may be empty
// or parallel to them.
type CreateOptions struct {
	ID              string
	SellerID        string
	BuyerID         string
	Title           string
	Total           int64
	Stake           int64
	ResponseWindow  int64
	MaxRevisions    int
	Shares          []int64
	DeadlineOffsets []int64
	Titles          []string
	Descriptions    []string
	ActorID         string
}

// Create constructs an engagement with its full milestone sequence and moves
// the seller's stake into custody.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Engagement, error) {
	if opts.SellerID == "" {
		return domain.Engagement{}, fmt.Errorf("%w: seller_id is required", ErrValidation)
	}
	if opts.BuyerID == opts.SellerID && opts.BuyerID != "" {
		return domain.Engagement{}, fmt.Errorf("%w: buyer and seller must differ", ErrValidation)
	}
	if opts.Total <= 0 {
		return domain.Engagement{}, fmt.Errorf("%w: total must be > 0, got %d", ErrValidation, opts.Total)
	}
	if opts.Stake < 0 {
		return domain.Engagement{}, fmt.Errorf("%w: stake must be >= 0, got %d", ErrValidation, opts.Stake)
	}
	if opts.MaxRevisions < 0 {
		return domain.Engagement{}, fmt.Errorf("%w: max_revisions must be >= 0, got %d", ErrValidation, opts.MaxRevisions)
	}
	if len(opts.Shares) != len(opts.DeadlineOffsets) {
		return domain.Engagement{}, fmt.Errorf("%w: shares and deadline offsets must have equal length", ErrValidation)
	}
	if len(opts.Titles) != 0 && len(opts.Titles) != len(opts.Shares) {
		return domain.Engagement{}, fmt.Errorf("%w: milestone titles must match shares length", ErrValidation)
	}
	if len(opts.Descriptions) != 0 && len(opts.Descriptions) != len(opts.Shares) {
		return domain.Engagement{}, fmt.Errorf("%w: milestone descriptions must match shares length", ErrValidation)
	}
	if err := validateShares(opts.Shares); err != nil {
		return domain.Engagement{}, err
	}
	if err := validateOffsets(opts.DeadlineOffsets); err != nil {
		return domain.Engagement{}, err
	}

	window := opts.ResponseWindow
	if window < 0 {
		return domain.Engagement{}, fmt.Errorf("%w: response_window must be >= 0, got %d", ErrValidation, window)
	}
	if window == 0 && e.Config != nil {
		window = e.Config.Defaults.ResponseWindowSeconds
	}
	if window == 0 {
		window = defaultResponseWindow
	}
	maxRevisions := opts.MaxRevisions
	if maxRevisions == 0 && e.Config != nil {
		maxRevisions = e.Config.Defaults.MaxRevisions
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	eng := domain.Engagement{
		ID:             id,
		SellerID:       opts.SellerID,
		BuyerID:        opts.BuyerID,
		Title:          opts.Title,
		Total:          opts.Total,
		Stake:          opts.Stake,
		Status:         domain.StatusCreated,
		ResponseWindow: window,
		MaxRevisions:   maxRevisions,
		CreatedAt:      e.now().Unix(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEngagementTx(ctx, tx, eng); err != nil {
		return domain.Engagement{}, fmt.Errorf("insert engagement: %w", err)
	}
	for i, bp := range opts.Shares {
		m := domain.Milestone{
			EngagementID:   id,
			Idx:            i,
			ShareBP:        bp,
			Amount:         milestoneAmount(opts.Total, bp),
			Status:         domain.MilestonePending,
			DeadlineOffset: opts.DeadlineOffsets[i],
			Consent:        domain.ConsentNone,
		}
		if len(opts.Titles) > 0 {
			m.Title = opts.Titles[i]
		}
		if len(opts.Descriptions) > 0 {
			m.Description = opts.Descriptions[i]
		}
		if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
			return domain.Engagement{}, fmt.Errorf("insert milestone %d: %w", i, err)
		}
	}
	if eng.Stake > 0 {
		if err := e.Ledger.TransferTx(ctx, tx, eng.SellerID, ledger.CustodyAccount(id), eng.Stake); err != nil {
			return domain.Engagement{}, transferErr(err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.EngagementCreated, id, "engagement", id, opts.ActorID, events.EventPayload{
		"seller_id":  eng.SellerID,
		"buyer_id":   eng.BuyerID,
		"total":      eng.Total,
		"stake":      eng.Stake,
		"milestones": len(opts.Shares),
	}); err != nil {
		return domain.Engagement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// Pay funds the engagement in full. An open engagement binds the payer as
// buyer; paying anchors every milestone deadline exactly once.
func (e Engine) Pay(ctx context.Context, id, caller string, amount int64) (domain.Engagement, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err != nil {
		return domain.Engagement{}, err
	}
	if eng.Status != domain.StatusCreated {
		return domain.Engagement{}, fmt.Errorf("%w: engagement %s is %s, expected created", ErrState, id, eng.Status)
	}
	if caller == eng.SellerID {
		return domain.Engagement{}, fmt.Errorf("%w: seller cannot fund own engagement", ErrValidation)
	}
	if !eng.Open() && caller != eng.BuyerID {
		return domain.Engagement{}, fmt.Errorf("%w: engagement %s is bound to another buyer", ErrUnauthorized, id)
	}
	if amount != eng.Total {
		return domain.Engagement{}, fmt.Errorf("%w: payment must equal total %d, got %d", ErrValidation, eng.Total, amount)
	}

	if err := e.Ledger.TransferTx(ctx, tx, caller, ledger.CustodyAccount(id), amount); err != nil {
		return domain.Engagement{}, transferErr(err)
	}
	now := e.now().Unix()
	eng.BuyerID = caller
	eng.Status = domain.StatusPaid
	eng.PaidAt = now
	if err := e.Repo.UpdateEngagementTx(ctx, tx, eng); err != nil {
		return domain.Engagement{}, err
	}
	if err := e.Repo.AnchorDeadlinesTx(ctx, tx, id, now); err != nil {
		return domain.Engagement{}, fmt.Errorf("anchor deadlines: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.EngagementPaid, id, "engagement", id, caller, events.EventPayload{
		"amount":  amount,
		"paid_at": now,
	}); err != nil {
		return domain.Engagement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// Submit records the seller's deliverable for the current milestone. A
// milestone with a requested revision may be submitted again; each submission
// restarts the buyer's response window.
func (e Engine) Submit(ctx context.Context, id, caller string, idx int, note string) (domain.Milestone, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	if eng.Status != domain.StatusPaid && eng.Status != domain.StatusInProgress {
		return domain.Milestone{}, fmt.Errorf("%w: engagement %s is %s, expected paid or in_progress", ErrState, id, eng.Status)
	}
	if caller != eng.SellerID {
		return domain.Milestone{}, fmt.Errorf("%w: only the seller may submit", ErrUnauthorized)
	}
	if idx != eng.CurrentIdx {
		return domain.Milestone{}, fmt.Errorf("%w: milestone %d is not current (current is %d)", ErrValidation, idx, eng.CurrentIdx)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, id, idx)
	if err != nil {
		return domain.Milestone{}, err
	}
	resubmission := m.Status == domain.MilestoneSubmitted && m.Revisions > 0
	if m.Status != domain.MilestonePending && !resubmission {
		return domain.Milestone{}, fmt.Errorf("%w: milestone %d is %s", ErrState, idx, m.Status)
	}
	now := e.now().Unix()
	if now > m.Deadline {
		return domain.Milestone{}, fmt.Errorf("%w: milestone %d deadline passed at %d", ErrTiming, idx, m.Deadline)
	}

	m.Status = domain.MilestoneSubmitted
	m.SubmittedAt = now
	m.Note = note
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if eng.Status == domain.StatusPaid {
		eng.Status = domain.StatusInProgress
		if err := e.Repo.UpdateEngagementTx(ctx, tx, eng); err != nil {
			return domain.Milestone{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneSubmitted, id, "milestone", strconv.Itoa(idx), caller, events.EventPayload{
		"idx":          idx,
		"note":         note,
		"submitted_at": now,
		"resubmission": resubmission,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// Approve releases the current milestone's funds to the seller and advances
// the sequence. Approving the last milestone completes the engagement and
// returns the stake.
func (e Engine) Approve(ctx context.Context, id, caller string, idx int) (domain.Engagement, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err != nil {
		return domain.Engagement{}, err
	}
	if caller != eng.BuyerID {
		return domain.Engagement{}, fmt.Errorf("%w: only the buyer may approve", ErrUnauthorized)
	}
	if eng.Status != domain.StatusInProgress {
		return domain.Engagement{}, fmt.Errorf("%w: engagement %s is %s, expected in_progress", ErrState, id, eng.Status)
	}
	if idx != eng.CurrentIdx {
		return domain.Engagement{}, fmt.Errorf("%w: milestone %d is not current (current is %d)", ErrValidation, idx, eng.CurrentIdx)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, id, idx)
	if err != nil {
		return domain.Engagement{}, err
	}
	if m.Status != domain.MilestoneSubmitted {
		return domain.Engagement{}, fmt.Errorf("%w: milestone %d is %s, expected submitted", ErrState, idx, m.Status)
	}

	if err := e.Events.Append(ctx, tx, events.MilestoneApproved, id, "milestone", strconv.Itoa(idx), caller, events.EventPayload{
		"idx": idx,
	}); err != nil {
		return domain.Engagement{}, err
	}
	eng, err = e.releaseCurrent(ctx, tx, eng, m, caller)
	if err != nil {
		return domain.Engagement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// releaseCurrent pays out the current milestone and advances or completes the
// engagement. Shared by Approve and AutoRelease; caller holds the lock and tx.
func (e Engine) releaseCurrent(ctx context.Context, tx *sql.Tx, eng domain.Engagement, m domain.Milestone, actorID string) (domain.Engagement, error) {
	if err := e.Ledger.TransferTx(ctx, tx, ledger.CustodyAccount(eng.ID), eng.SellerID, m.Amount); err != nil {
		return domain.Engagement{}, transferErr(err)
	}
	m.Status = domain.MilestoneReleased
	m.Consent = domain.ConsentNone
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Engagement{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneReleased, eng.ID, "milestone", strconv.Itoa(m.Idx), actorID, events.EventPayload{
		"idx":    m.Idx,
		"amount": m.Amount,
	}); err != nil {
		return domain.Engagement{}, err
	}

	all, err := e.Repo.ListMilestonesTx(ctx, tx, eng.ID)
	if err != nil {
		return domain.Engagement{}, err
	}
	eng.CurrentIdx++
	if eng.CurrentIdx >= len(all) {
		eng.Status = domain.StatusCompleted
		payload := events.EventPayload{"released": len(all)}
		if eng.Stake > 0 && !eng.StakeReleased {
			if err := e.Ledger.TransferTx(ctx, tx, ledger.CustodyAccount(eng.ID), eng.SellerID, eng.Stake); err != nil {
				return domain.Engagement{}, transferErr(err)
			}
			eng.StakeReleased = true
			payload["stake_returned"] = eng.Stake
		}
		if err := e.Events.Append(ctx, tx, events.EngagementCompleted, eng.ID, "engagement", eng.ID, actorID, payload); err != nil {
			return domain.Engagement{}, err
		}
	}
	if err := e.Repo.UpdateEngagementTx(ctx, tx, eng); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// RequestRevision records the buyer's rejection of the current submission.
// The submission stays approvable and may be submitted again; when the
// counter hits the cap the mutual cancellation gate opens.
func (e Engine) RequestRevision(ctx context.Context, id, caller string, idx int, reason string) (domain.Milestone, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	if caller != eng.BuyerID {
		return domain.Milestone{}, fmt.Errorf("%w: only the buyer may request a revision", ErrUnauthorized)
	}
	if eng.Status != domain.StatusInProgress {
		return domain.Milestone{}, fmt.Errorf("%w: engagement %s is %s, expected in_progress", ErrState, id, eng.Status)
	}
	if idx != eng.CurrentIdx {
		return domain.Milestone{}, fmt.Errorf("%w: milestone %d is not current (current is %d)", ErrValidation, idx, eng.CurrentIdx)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, id, idx)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.Status != domain.MilestoneSubmitted {
		return domain.Milestone{}, fmt.Errorf("%w: milestone %d is %s, expected submitted", ErrState, idx, m.Status)
	}
	if m.Revisions >= eng.MaxRevisions {
		return domain.Milestone{}, fmt.Errorf("%w: milestone %d revision cap %d reached", ErrState, idx, eng.MaxRevisions)
	}

	m.Revisions++
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RevisionRequested, id, "milestone", strconv.Itoa(idx), caller, events.EventPayload{
		"idx":       idx,
		"reason":    reason,
		"revisions": m.Revisions,
		"max":       eng.MaxRevisions,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if m.Revisions == eng.MaxRevisions {
		if err := e.Events.Append(ctx, tx, events.RevisionCapReached, id, "milestone", strconv.Itoa(idx), caller, events.EventPayload{
			"idx": idx,
			"max": eng.MaxRevisions,
		}); err != nil {
			return domain.Milestone{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// AutoRelease substitutes for a silent buyer: once the response window after
// submission has elapsed, anyone may trigger the same payout an approval
// would have produced.
func (e Engine) AutoRelease(ctx context.Context, id, caller string) (domain.Engagement, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err != nil {
		return domain.Engagement{}, err
	}
	if eng.Status != domain.StatusInProgress {
		return domain.Engagement{}, fmt.Errorf("%w: engagement %s is %s, expected in_progress", ErrState, id, eng.Status)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, id, eng.CurrentIdx)
	if err != nil {
		return domain.Engagement{}, err
	}
	if m.Status != domain.MilestoneSubmitted {
		return domain.Engagement{}, fmt.Errorf("%w: milestone %d is %s, expected submitted", ErrState, m.Idx, m.Status)
	}
	releaseAt := m.SubmittedAt + eng.ResponseWindow
	if now := e.now().Unix(); now < releaseAt {
		return domain.Engagement{}, fmt.Errorf("%w: response window open until %d, now %d", ErrTiming, releaseAt, now)
	}

	eng, err = e.releaseCurrent(ctx, tx, eng, m, caller)
	if err != nil {
		return domain.Engagement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// ClaimRefund returns custody to the buyer once the current milestone's
// deadline has lapsed. Anyone may trigger it; the refund covers all pending
// and submitted milestone amounts plus the stake. A standing submission does
// not block the claim: the buyer keeps the remedy even while a late delivery
// sits unapproved.
func (e Engine) ClaimRefund(ctx context.Context, id, caller string) (domain.Engagement, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err != nil {
		return domain.Engagement{}, err
	}
	if eng.Status != domain.StatusPaid && eng.Status != domain.StatusInProgress {
		return domain.Engagement{}, fmt.Errorf("%w: engagement %s is %s, expected paid or in_progress", ErrState, id, eng.Status)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, id, eng.CurrentIdx)
	if err != nil {
		return domain.Engagement{}, err
	}
	if now := e.now().Unix(); now < m.Deadline {
		return domain.Engagement{}, fmt.Errorf("%w: milestone %d deadline at %d, now %d", ErrTiming, m.Idx, m.Deadline, now)
	}

	eng, err = e.refundRemaining(ctx, tx, eng, caller, "deadline_missed")
	if err != nil {
		return domain.Engagement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// refundRemaining moves the unreleased milestone sum plus the stake to the
// buyer and terminates the engagement as refunded. Remaining amount is
// recomputed from rows at every call. Caller holds the lock and tx.
func (e Engine) refundRemaining(ctx context.Context, tx *sql.Tx, eng domain.Engagement, actorID, cause string) (domain.Engagement, error) {
	remaining, err := e.Repo.RemainingAmountTx(ctx, tx, eng.ID)
	if err != nil {
		return domain.Engagement{}, err
	}
	refund := remaining
	if eng.Stake > 0 && !eng.StakeReleased {
		refund += eng.Stake
		eng.StakeReleased = true
	}
	if err := e.Ledger.TransferTx(ctx, tx, ledger.CustodyAccount(eng.ID), eng.BuyerID, refund); err != nil {
		return domain.Engagement{}, transferErr(err)
	}
	eng.Status = domain.StatusRefunded
	if err := e.Repo.UpdateEngagementTx(ctx, tx, eng); err != nil {
		return domain.Engagement{}, err
	}
	if err := e.Events.Append(ctx, tx, events.EngagementRefunded, eng.ID, "engagement", eng.ID, actorID, events.EventPayload{
		"amount": refund,
		"cause":  cause,
	}); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// ProposeCancel records one party's consent to cancel. The gate opens only
// once the current milestone's revision counter has reached the cap; when
// both sides have consented the engagement refunds immediately.
func (e Engine) ProposeCancel(ctx context.Context, id, caller string, idx int) (domain.Milestone, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	side, err := consentSide(eng, caller)
	if err != nil {
		return domain.Milestone{}, err
	}
	if eng.Status != domain.StatusInProgress {
		return domain.Milestone{}, fmt.Errorf("%w: engagement %s is %s, expected in_progress", ErrState, id, eng.Status)
	}
	if idx != eng.CurrentIdx {
		return domain.Milestone{}, fmt.Errorf("%w: milestone %d is not current (current is %d)", ErrValidation, idx, eng.CurrentIdx)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, id, idx)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.Revisions < eng.MaxRevisions {
		return domain.Milestone{}, fmt.Errorf("%w: cancellation requires the revision cap (%d of %d used)", ErrState, m.Revisions, eng.MaxRevisions)
	}

	m.Consent = applyConsent(m.Consent, side)
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CancelProposed, id, "milestone", strconv.Itoa(idx), caller, events.EventPayload{
		"idx":     idx,
		"side":    side,
		"consent": m.Consent,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if m.Consent == domain.ConsentBoth {
		if err := e.Events.Append(ctx, tx, events.CancelConfirmed, id, "milestone", strconv.Itoa(idx), caller, events.EventPayload{
			"idx": idx,
		}); err != nil {
			return domain.Milestone{}, err
		}
		if _, err := e.refundRemaining(ctx, tx, eng, caller, "mutual_cancel"); err != nil {
			return domain.Milestone{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// CancelBySeller withdraws an engagement before work starts. Before payment
// the stake simply returns; after payment the remaining funds go back to the
// buyer and the stake is forfeited to them.
func (e Engine) CancelBySeller(ctx context.Context, id, caller string) (domain.Engagement, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err != nil {
		return domain.Engagement{}, err
	}
	if caller != eng.SellerID {
		return domain.Engagement{}, fmt.Errorf("%w: only the seller may cancel", ErrUnauthorized)
	}
	switch eng.Status {
	case domain.StatusCreated:
		if eng.Stake > 0 && !eng.StakeReleased {
			if err := e.Ledger.TransferTx(ctx, tx, ledger.CustodyAccount(id), eng.SellerID, eng.Stake); err != nil {
				return domain.Engagement{}, transferErr(err)
			}
			eng.StakeReleased = true
		}
		eng.Status = domain.StatusCancelled
		if err := e.Repo.UpdateEngagementTx(ctx, tx, eng); err != nil {
			return domain.Engagement{}, err
		}
		if err := e.Events.Append(ctx, tx, events.EngagementCancelled, id, "engagement", id, caller, nil); err != nil {
			return domain.Engagement{}, err
		}
	case domain.StatusPaid:
		// Stake travels with the refund: walking away from funded work
		// forfeits it to the buyer.
		if eng, err = e.refundRemaining(ctx, tx, eng, caller, "seller_cancel"); err != nil {
			return domain.Engagement{}, err
		}
	default:
		return domain.Engagement{}, fmt.Errorf("%w: engagement %s is %s, expected created or paid", ErrState, id, eng.Status)
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// Get returns the engagement with its full milestone sequence.
func (e Engine) Get(ctx context.Context, id string) (domain.Engagement, []domain.Milestone, error) {
	eng, err := e.Repo.GetEngagement(ctx, id)
	if err != nil {
		return domain.Engagement{}, nil, err
	}
	ms, err := e.Repo.ListMilestones(ctx, id)
	if err != nil {
		return domain.Engagement{}, nil, err
	}
	return eng, ms, nil
}

// Milestone returns a single milestone's state.
func (e Engine) Milestone(ctx context.Context, id string, idx int) (domain.Milestone, error) {
	return e.Repo.GetMilestone(ctx, id, idx)
}

// RemainingRevisions reports how many revision requests the buyer has left on
// a milestone.
func (e Engine) RemainingRevisions(ctx context.Context, id string, idx int) (int, error) {
	eng, err := e.Repo.GetEngagement(ctx, id)
	if err != nil {
		return 0, err
	}
	m, err := e.Repo.GetMilestone(ctx, id, idx)
	if err != nil {
		return 0, err
	}
	left := eng.MaxRevisions - m.Revisions
	if left < 0 {
		left = 0
	}
	return left, nil
}

func transferErr(err error) error {
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	return err
}
