package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"settleline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const engagementCols = `id,seller_id,COALESCE(buyer_id,'') AS buyer_id,COALESCE(title,'') AS title,total,stake,stake_released,status,response_window,max_revisions,current_idx,created_at,paid_at`

func scanEngagement(row *sql.Row) (domain.Engagement, error) {
	var e domain.Engagement
	var stakeReleased int
	err := row.Scan(&e.ID, &e.SellerID, &e.BuyerID, &e.Title, &e.Total, &e.Stake, &stakeReleased,
		&e.Status, &e.ResponseWindow, &e.MaxRevisions, &e.CurrentIdx, &e.CreatedAt, &e.PaidAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.StakeReleased = stakeReleased != 0
	return e, err
}

func (r Repo) InsertEngagementTx(ctx context.Context, tx *sql.Tx, e domain.Engagement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO engagements(id,seller_id,buyer_id,title,total,stake,stake_released,status,response_window,max_revisions,current_idx,created_at,paid_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SellerID, nullable(e.BuyerID), nullable(e.Title), e.Total, e.Stake, boolInt(e.StakeReleased),
		e.Status, e.ResponseWindow, e.MaxRevisions, e.CurrentIdx, e.CreatedAt, e.PaidAt)
	return err
}

func (r Repo) GetEngagement(ctx context.Context, id string) (domain.Engagement, error) {
	return scanEngagement(r.DB.QueryRowContext(ctx, `SELECT `+engagementCols+` FROM engagements WHERE id=?`, id))
}

// GetEngagementTx reads an engagement inside the operation's transaction so
// validation and mutation see the same snapshot.
func (r Repo) GetEngagementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Engagement, error) {
	return scanEngagement(tx.QueryRowContext(ctx, `SELECT `+engagementCols+` FROM engagements WHERE id=?`, id))
}

func (r Repo) UpdateEngagementTx(ctx context.Context, tx *sql.Tx, e domain.Engagement) error {
	res, err := tx.ExecContext(ctx, `UPDATE engagements SET buyer_id=?, status=?, stake_released=?, current_idx=?, paid_at=? WHERE id=?`,
		nullable(e.BuyerID), e.Status, boolInt(e.StakeReleased), e.CurrentIdx, e.PaidAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEngagements returns engagements where the party is seller, buyer or
// either. Role is "seller", "buyer" or "" for both sides.
func (r Repo) ListEngagements(ctx context.Context, partyID, role string) ([]domain.Engagement, error) {
	var (
		where string
		args  []any
	)
	switch role {
	case "seller":
		where = `WHERE seller_id=?`
		args = []any{partyID}
	case "buyer":
		where = `WHERE buyer_id=?`
		args = []any{partyID}
	case "":
		if partyID != "" {
			where = `WHERE seller_id=? OR buyer_id=?`
			args = []any{partyID, partyID}
		}
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	query := `SELECT ` + engagementCols + ` FROM engagements ` + where + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Engagement
	for rows.Next() {
		var e domain.Engagement
		var stakeReleased int
		if err := rows.Scan(&e.ID, &e.SellerID, &e.BuyerID, &e.Title, &e.Total, &e.Stake, &stakeReleased,
			&e.Status, &e.ResponseWindow, &e.MaxRevisions, &e.CurrentIdx, &e.CreatedAt, &e.PaidAt); err != nil {
			return nil, err
		}
		e.StakeReleased = stakeReleased != 0
		res = append(res, e)
	}
	return res, rows.Err()
}

const milestoneCols = `engagement_id,idx,share_bp,amount,status,deadline_offset,deadline,submitted_at,COALESCE(note,'') AS note,revisions,consent,COALESCE(title,'') AS title,COALESCE(description,'') AS description`

func scanMilestone(row *sql.Row) (domain.Milestone, error) {
	var m domain.Milestone
	err := row.Scan(&m.EngagementID, &m.Idx, &m.ShareBP, &m.Amount, &m.Status, &m.DeadlineOffset,
		&m.Deadline, &m.SubmittedAt, &m.Note, &m.Revisions, &m.Consent, &m.Title, &m.Description)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(engagement_id,idx,share_bp,amount,status,deadline_offset,deadline,submitted_at,note,revisions,consent,title,description)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.EngagementID, m.Idx, m.ShareBP, m.Amount, m.Status, m.DeadlineOffset, m.Deadline,
		m.SubmittedAt, nullable(m.Note), m.Revisions, m.Consent, nullable(m.Title), nullable(m.Description))
	return err
}

func (r Repo) GetMilestone(ctx context.Context, engagementID string, idx int) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE engagement_id=? AND idx=?`, engagementID, idx))
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, engagementID string, idx int) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE engagement_id=? AND idx=?`, engagementID, idx))
}

func (r Repo) UpdateMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET status=?, deadline=?, submitted_at=?, note=?, revisions=?, consent=? WHERE engagement_id=? AND idx=?`,
		m.Status, m.Deadline, m.SubmittedAt, nullable(m.Note), m.Revisions, m.Consent, m.EngagementID, m.Idx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMilestones(ctx context.Context, engagementID string) ([]domain.Milestone, error) {
	return listMilestones(ctx, r.DB.QueryContext, engagementID)
}

func (r Repo) ListMilestonesTx(ctx context.Context, tx *sql.Tx, engagementID string) ([]domain.Milestone, error) {
	return listMilestones(ctx, tx.QueryContext, engagementID)
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func listMilestones(ctx context.Context, query queryFn, engagementID string) ([]domain.Milestone, error) {
	rows, err := query(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE engagement_id=? ORDER BY idx ASC`, engagementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		if err := rows.Scan(&m.EngagementID, &m.Idx, &m.ShareBP, &m.Amount, &m.Status, &m.DeadlineOffset,
			&m.Deadline, &m.SubmittedAt, &m.Note, &m.Revisions, &m.Consent, &m.Title, &m.Description); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// RemainingAmountTx sums the amounts of milestones not yet released. Every
// refund site recomputes this from rows rather than trusting a cached figure.
func (r Repo) RemainingAmountTx(ctx context.Context, tx *sql.Tx, engagementID string) (int64, error) {
	var sum int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM milestones WHERE engagement_id=? AND status IN ('pending','submitted')`,
		engagementID).Scan(&sum)
	return sum, err
}

// AnchorDeadlinesTx stamps every milestone's absolute deadline from its
// relative offset. Called exactly once, when the engagement is paid.
func (r Repo) AnchorDeadlinesTx(ctx context.Context, tx *sql.Tx, engagementID string, paidAt int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE milestones SET deadline = ? + deadline_offset WHERE engagement_id=?`, paidAt, engagementID)
	return err
}

const eventCols = `id,ts,type,COALESCE(engagement_id,'') AS engagement_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json`

// ListEvents returns events for an engagement in append order, optionally
// only those after a cursor id.
func (r Repo) ListEvents(ctx context.Context, engagementID string, afterID int64, limit int) ([]domain.Event, error) {
	clauses := []string{"engagement_id=?"}
	args := []any{engagementID}
	if afterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, afterID)
	}
	query := `SELECT ` + eventCols + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events across all engagements with id greater than
// afterID. The webhook dispatcher uses this as its polling cursor.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE id > ? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// LatestEvents returns the most recent n events in append order, optionally
// filtered by engagement and event type.
func (r Repo) LatestEvents(ctx context.Context, n int, engagementID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if engagementID != "" {
		clauses = append(clauses, "engagement_id=?")
		args = append(args, engagementID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT ` + eventCols + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	events, err := r.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EngagementID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
