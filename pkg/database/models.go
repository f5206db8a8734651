package database

import (
	"time"
)

// CallRecord is the summary row kept for each (call, mode) pair. The full
// report is stored alongside as JSON.
type CallRecord struct {
	ID                string    `db:"id" json:"id"`
	CallID            string    `db:"call_id" json:"call_id"`
	Mode              string    `db:"mode" json:"mode"`
	CorrelationID     string    `db:"correlation_id" json:"correlation_id,omitempty"`
	Violation         bool      `db:"violation" json:"violation"`
	Reason            string    `db:"reason" json:"reason,omitempty"`
	OvertalkPct       float64   `db:"overtalk_pct" json:"overtalk_pct"`
	SilencePct        float64   `db:"silence_pct" json:"silence_pct"`
	AgentProfanity    bool      `db:"agent_profanity" json:"agent_profanity"`
	BorrowerProfanity bool      `db:"borrower_profanity" json:"borrower_profanity"`
	AnalyzedAt        time.Time `db:"analyzed_at" json:"analyzed_at"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// CallFilters narrows ListCalls
type CallFilters struct {
	Mode           string `json:"mode,omitempty"`
	ViolationsOnly bool   `json:"violations_only,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}
