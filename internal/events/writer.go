package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the settlement engine. The events table is the only
// audit trail; every state change writes at least one row in the same tx.
const (
	EngagementCreated   = "engagement.created"
	EngagementPaid      = "engagement.paid"
	EngagementCompleted = "engagement.completed"
	EngagementRefunded  = "engagement.refunded"
	EngagementCancelled = "engagement.cancelled"
	MilestoneSubmitted  = "milestone.submitted"
	MilestoneApproved   = "milestone.approved"
	MilestoneReleased   = "milestone.released"
	RevisionRequested   = "milestone.revision_requested"
	RevisionCapReached  = "milestone.revision_cap"
	CancelProposed      = "cancel.proposed"
	CancelConfirmed     = "cancel.confirmed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, engagementID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,engagement_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(engagementID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
