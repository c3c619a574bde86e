package models

import (
	"time"
)

// Issue state values as reported by GitHub.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Timeline event types. The set is open-ended; unknown types are stored
// verbatim so they survive round-trips even if we never interpret them.
const (
	EventClosed       = "closed"
	EventReopened     = "reopened"
	EventLabeled      = "labeled"
	EventUnlabeled    = "unlabeled"
	EventAssigned     = "assigned"
	EventUnassigned   = "unassigned"
	EventCommented    = "commented"
	EventMilestoned   = "milestoned"
	EventDemilestoned = "demilestoned"
	EventLocked       = "locked"
	EventUnlocked     = "unlocked"
	EventRenamed      = "renamed"
	EventTransferred  = "transferred"
)

// Issue represents a GitHub issue row. An upsert replaces the full row;
// the remote updated_at is the source of truth.
type Issue struct {
	ID           int64
	Number       int
	Title        string
	State        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedAt     *time.Time
	Repository   string
	Organization string
	Author       string
	Assignee     string
}

// Event represents a single timeline event for an issue. Events are
// immutable facts: inserted if absent, never updated. The ID comes from
// GitHub; events without one are excluded upstream rather than given a
// synthetic id.
//
// Exactly the context fields relevant to Type are set; the rest are empty.
type Event struct {
	ID        int64
	IssueID   int64
	Type      string
	CreatedAt time.Time
	Actor     string

	// Set only for labeled/unlabeled events.
	LabelName string
	// Set only for assigned/unassigned events.
	AssigneeName string
	// Set only for commented events.
	CommentAuthor string
	CommentBody   string
}

// Span is a derived time interval during which an issue was in one phase.
// Spans are never persisted; they are recomputed from Issue and Event rows
// on each analysis run.
type Span struct {
	IssueID int64
	// Phase is "open", "closed", "labeled:<name>" or "assigned:<name>".
	Phase   string
	StartAt time.Time
	EndAt   time.Time
}

// Duration returns the span length, clamped to zero.
func (s Span) Duration() time.Duration {
	d := s.EndAt.Sub(s.StartAt)
	if d < 0 {
		return 0
	}
	return d
}

// SyncResult summarizes one repository's sync run.
type SyncResult struct {
	Organization string
	Repository   string
	Pages        int
	Issues       int
	Events       int
	Skipped      int
	Duration     time.Duration
	Err          error
}
