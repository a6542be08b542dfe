package callers

import (
	"context"
	"strings"
	"time"

	"recruit-voice/pkg/logger"
)

// UnknownName is shown when a number matches no person.
const UnknownName = "Ukendt nummer"

// SuffixLength is how many trailing digits are compared. It absorbs country
// code and formatting differences between caller ID and stored numbers.
const SuffixLength = 8

// Identity is what the phone shows for an inbound caller.
type Identity struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`

	PersonID      string `json:"person_id,omitempty"`
	ApplicationID string `json:"application_id,omitempty"`
	// Role is the position or pipeline stage of the latest application.
	Role string `json:"role,omitempty"`

	Known bool `json:"known"`
}

type Person struct {
	ID    string
	Name  string
	Phone string
}

type Application struct {
	ID        string
	PersonID  string
	Role      string
	Stage     string
	CreatedAt time.Time
}

// Directory is the data-store lookup surface used for caller resolution.
// Lookups return (zero, false, nil) when nothing matches.
type Directory interface {
	FindPersonByPhoneSuffix(ctx context.Context, suffix string) (Person, bool, error)
	LatestApplicationForPerson(ctx context.Context, personID string) (Application, bool, error)
}

// Resolver maps inbound numbers to people.
type Resolver struct {
	dir   Directory
	cache Cache
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// WithCache enables result caching. A nil cache disables it.
func (r *Resolver) WithCache(c Cache) *Resolver {
	r.cache = c
	return r
}

// Resolve never fails: lookup errors degrade to an unknown caller. The error
// is returned alongside so callers can log it.
func (r *Resolver) Resolve(ctx context.Context, number string) (Identity, error) {
	unknown := Identity{Name: UnknownName, Phone: number}

	suffix := Suffix(number)
	if suffix == "" || r.dir == nil {
		return unknown, nil
	}

	if r.cache != nil {
		if id, ok := r.cache.Get(ctx, suffix); ok {
			id.Phone = number
			return id, nil
		}
	}

	p, ok, err := r.dir.FindPersonByPhoneSuffix(ctx, suffix)
	if err != nil {
		return unknown, err
	}
	if !ok {
		return unknown, nil
	}

	id := Identity{Name: p.Name, Phone: number, PersonID: p.ID, Known: true}
	if id.Name == "" {
		id.Name = number
	}

	app, ok, err := r.dir.LatestApplicationForPerson(ctx, p.ID)
	if err != nil {
		// The person is still worth showing without enrichment.
		logger.From(ctx).Warn("latest application lookup failed", "person_id", p.ID, "err", err)
	} else if ok {
		id.ApplicationID = app.ID
		id.Role = app.Role
	}

	if r.cache != nil {
		r.cache.Set(ctx, suffix, id)
	}
	return id, nil
}

// Normalize keeps only the digits of a phone number.
func Normalize(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Suffix returns the last SuffixLength digits, or all digits if fewer.
func Suffix(number string) string {
	d := Normalize(number)
	if len(d) > SuffixLength {
		return d[len(d)-SuffixLength:]
	}
	return d
}
