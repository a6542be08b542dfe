package calllog

import "time"

// Entry is one append-only row in the communication log.
//
// Invariants:
// - Entries are never updated or deleted.
// - DurationSeconds is nil when the call never connected.
// - Writes are best-effort; callers never block a call on them.
type Entry struct {
	ID string `json:"id" db:"id"`

	Direction Direction `json:"direction" db:"direction"`

	DurationSeconds *int `json:"duration_seconds,omitempty" db:"duration_seconds"`

	// Outcome is a free-form tag shown in the candidate timeline.
	Outcome string `json:"outcome" db:"outcome"`

	Description string `json:"description" db:"description"`

	// ApplicationID links the entry to a pipeline record when the caller was resolved.
	ApplicationID string `json:"application_id,omitempty" db:"application_id"`
	PersonID      string `json:"person_id,omitempty" db:"person_id"`

	AuthorID string `json:"author_id" db:"author_id"`

	RemoteNumber string `json:"remote_number" db:"remote_number"`
	ProviderSID  string `json:"provider_sid,omitempty" db:"provider_sid"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Outcome tags as they appear in the recruiting timeline.
const (
	OutcomeCompleted = "gennemført"
	OutcomeAnswered  = "besvaret"
	OutcomeRejected  = "afvist"
	OutcomeMissed    = "ubesvaret"
	OutcomeFailed    = "fejlet"
)

// Outcome describes how a call ended, before it is turned into an Entry.
type Outcome struct {
	Direction Direction
	Tag       string

	RemoteNumber string
	ProviderSID  string

	// StartedAt is zero when the call never became active.
	StartedAt time.Time
	EndedAt   time.Time

	CallerName    string
	PersonID      string
	ApplicationID string

	AuthorID string
}
