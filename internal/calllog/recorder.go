package calllog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"recruit-voice/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for the communication log.
//
// It MUST be append-only.
type Repository interface {
	AppendCallLog(ctx context.Context, e Entry) error
}

var ErrInvalidOutcome = errors.New("calllog: invalid outcome")

// Recorder turns call outcomes into log entries.
//
// Failures are logged and swallowed: a failed write must never change how
// the call looks to the user.
type Recorder struct {
	repo  Repository
	clock func() time.Time

	// OnFailure is called after a failed write, for metrics.
	OnFailure func(err error)
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, clock: time.Now}
}

// Record writes one entry for o. It never returns an error.
func (r *Recorder) Record(ctx context.Context, o Outcome) {
	log := logger.From(ctx)

	e, err := r.Build(o)
	if err == nil {
		if r.repo == nil {
			err = errors.New("calllog: repository not configured")
		} else {
			err = r.repo.AppendCallLog(ctx, e)
		}
	}
	if err != nil {
		log.Warn("call log write failed",
			"err", err,
			"direction", o.Direction,
			"outcome", o.Tag,
			"provider_sid", o.ProviderSID,
		)
		if r.OnFailure != nil {
			r.OnFailure(err)
		}
		return
	}
	log.Debug("call logged", slog.String("id", e.ID), slog.String("outcome", e.Outcome))
}

// Build converts an outcome into an Entry without writing it.
func (r *Recorder) Build(o Outcome) (Entry, error) {
	if o.Direction != DirectionInbound && o.Direction != DirectionOutbound {
		return Entry{}, ErrInvalidOutcome
	}
	if o.Tag == "" {
		return Entry{}, ErrInvalidOutcome
	}

	now := r.clock().UTC()
	ended := o.EndedAt
	if ended.IsZero() {
		ended = now
	}

	e := Entry{
		ID:            uuid.NewString(),
		Direction:     o.Direction,
		Outcome:       o.Tag,
		Description:   describe(o),
		ApplicationID: o.ApplicationID,
		PersonID:      o.PersonID,
		AuthorID:      o.AuthorID,
		RemoteNumber:  o.RemoteNumber,
		ProviderSID:   o.ProviderSID,
		CreatedAt:     now,
	}
	if !o.StartedAt.IsZero() {
		d := DurationSeconds(o.StartedAt, ended)
		e.DurationSeconds = &d
	}
	return e, nil
}

// DurationSeconds rounds the elapsed time to whole seconds, never negative.
func DurationSeconds(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds()))
}

func describe(o Outcome) string {
	who := o.RemoteNumber
	if o.CallerName != "" {
		who = o.CallerName
	}
	switch o.Direction {
	case DirectionOutbound:
		return fmt.Sprintf("Udgående opkald til %s (%s)", who, o.Tag)
	default:
		return fmt.Sprintf("Indgående opkald fra %s (%s)", who, o.Tag)
	}
}
