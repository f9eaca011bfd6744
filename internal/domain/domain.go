package domain

// Engagement statuses. A "disputed" variant existed in an earlier revision of
// the wire contract but no transition ever produced it, so it is gone.
const (
	StatusCreated    = "created"
	StatusPaid       = "paid"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusRefunded   = "refunded"
	StatusCancelled  = "cancelled"
)

// Milestone statuses.
const (
	MilestonePending   = "pending"
	MilestoneSubmitted = "submitted"
	MilestoneReleased  = "released"
)

// Cancellation consent states. The 2-of-2 protocol is a tiny per-milestone
// state machine rather than two independent flags, so a half-collected consent
// is always visible as an explicit state.
const (
	ConsentNone   = "none"
	ConsentSeller = "seller"
	ConsentBuyer  = "buyer"
	ConsentBoth   = "both"
)

// Engagement is one seller-buyer milestone contract. Amounts are integers in
// the smallest currency unit; timestamps are unix seconds.
type Engagement struct {
	ID             string `json:"id"`
	SellerID       string `json:"seller_id"`
	BuyerID        string `json:"buyer_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Total          int64  `json:"total"`
	Stake          int64  `json:"stake"`
	StakeReleased  bool   `json:"stake_released"`
	Status         string `json:"status" enum:"created,paid,in_progress,completed,refunded,cancelled"`
	ResponseWindow int64  `json:"response_window"`
	MaxRevisions   int    `json:"max_revisions"`
	CurrentIdx     int    `json:"current_idx"`
	CreatedAt      int64  `json:"created_at"`
	PaidAt         int64  `json:"paid_at"`
}

// Open reports whether the engagement still accepts its first payer as buyer.
func (e Engagement) Open() bool { return e.BuyerID == "" }

// Milestone is one element of an engagement's fixed, index-addressed sequence.
// DeadlineOffset is always a relative duration in seconds; Deadline is the
// absolute timestamp written exactly once when the engagement is paid.
type Milestone struct {
	EngagementID   string `json:"engagement_id"`
	Idx            int    `json:"idx"`
	ShareBP        int64  `json:"share_bp"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status" enum:"pending,submitted,released"`
	DeadlineOffset int64  `json:"deadline_offset"`
	Deadline       int64  `json:"deadline"`
	SubmittedAt    int64  `json:"submitted_at"`
	Note           string `json:"note,omitempty"`
	Revisions      int    `json:"revisions"`
	Consent        string `json:"consent" enum:"none,seller,buyer,both"`
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Account is a ledger balance for a party or an engagement custody pool.
type Account struct {
	PartyID   string `json:"party_id"`
	Balance   int64  `json:"balance"`
	UpdatedAt int64  `json:"updated_at"`
}

// Event is one audit-trail entry.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	EngagementID string `json:"engagement_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
