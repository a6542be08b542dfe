package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"recruit-voice/internal/callers"
	"recruit-voice/internal/calllog"
	"recruit-voice/pkg/utils"
)

// NOTE: This store assumes the following tables exist:
// - persons (id, full_name, phone, updated_at)
// - applications (id, person_id, role, stage, created_at, last_contacted_at)
// - communication_log (append-only)
//
// Phone numbers are stored as entered; matching happens on the last digits.

// Store is the data-store boundary used by caller resolution and the call log.
type Store struct {
	db *sql.DB
}

var (
	_ callers.Directory  = (*Store)(nil)
	_ calllog.Repository = (*Store)(nil)
)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) FindPersonByPhoneSuffix(ctx context.Context, suffix string) (callers.Person, bool, error) {
	if suffix == "" {
		return callers.Person{}, false, nil
	}
	const q = `
SELECT id, full_name, phone
FROM persons
WHERE right(regexp_replace(phone, '\D', '', 'g'), $2) = $1
ORDER BY updated_at DESC
LIMIT 1
`
	var p callers.Person
	if err := s.db.QueryRowContext(ctx, q, suffix, len(suffix)).Scan(
		&p.ID,
		&p.Name,
		&p.Phone,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return callers.Person{}, false, nil
		}
		return callers.Person{}, false, fmt.Errorf("directory: find person: %w", err)
	}
	return p, true, nil
}

func (s *Store) LatestApplicationForPerson(ctx context.Context, personID string) (callers.Application, bool, error) {
	const q = `
SELECT id, person_id, role, stage, created_at
FROM applications
WHERE person_id = $1
ORDER BY created_at DESC
LIMIT 1
`
	var a callers.Application
	if err := s.db.QueryRowContext(ctx, q, personID).Scan(
		&a.ID,
		&a.PersonID,
		&a.Role,
		&a.Stage,
		&a.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return callers.Application{}, false, nil
		}
		return callers.Application{}, false, fmt.Errorf("directory: latest application: %w", err)
	}
	return a, true, nil
}

// AppendCallLog inserts e and, when it is linked to an application, stamps
// the application's last contact in the same transaction.
func (s *Store) AppendCallLog(ctx context.Context, e calllog.Entry) error {
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const ins = `
INSERT INTO communication_log
  (id, channel, direction, duration_seconds, outcome, description,
   application_id, person_id, author_id, remote_number, provider_sid, created_at)
VALUES ($1, 'phone', $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
		if _, err := tx.ExecContext(ctx, ins, insertArgs(e)...); err != nil {
			return fmt.Errorf("directory: insert call log: %w", err)
		}
		if e.ApplicationID == "" {
			return nil
		}

		const touch = `
UPDATE applications
SET last_contacted_at = GREATEST(COALESCE(last_contacted_at, $2), $2)
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, touch, e.ApplicationID, e.CreatedAt); err != nil {
			return fmt.Errorf("directory: touch application: %w", err)
		}
		return nil
	})
}

func insertArgs(e calllog.Entry) []any {
	var duration sql.NullInt64
	if e.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*e.DurationSeconds), Valid: true}
	}
	return []any{
		e.ID,
		string(e.Direction),
		duration,
		e.Outcome,
		e.Description,
		nullString(e.ApplicationID),
		nullString(e.PersonID),
		nullString(e.AuthorID),
		e.RemoteNumber,
		nullString(e.ProviderSID),
		e.CreatedAt,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
