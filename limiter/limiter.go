// Package limiter admits or denies task requests against a user's daily
// quota, bonus balance and ban flag.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eduhelper/db"
)

// DefaultDailyLimit applies when no limit is configured.
const DefaultDailyLimit = 20

var (
	// ErrDailyLimitExceeded matches a *QuotaError.
	ErrDailyLimitExceeded = errors.New("daily request limit exceeded")
	ErrBanned             = errors.New("user is banned")
)

// QuotaError reports an exhausted daily quota with no bonus left.
type QuotaError struct {
	Limit int
	Used  int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily request limit exceeded (%d/%d)", e.Used, e.Limit)
}

func (e *QuotaError) Is(target error) bool { return target == ErrDailyLimitExceeded }

// Source tells which allowance admitted a task.
type Source string

const (
	SourceNone  Source = ""
	SourceDaily Source = "daily"
	SourceBonus Source = "bonus"
)

// Admission is the result of TryAdmit.
type Admission struct {
	Source Source
}

// Store is the usage persistence the limiter needs.
type Store interface {
	GetUsage(ctx context.Context, userID string) (*db.UsageRecord, error)
	UpdateUsage(ctx context.Context, userID string, fn func(rec *db.UsageRecord) error) (*db.UsageRecord, error)
}

// Options configures a Limiter.
type Options struct {
	DefaultDailyLimit int
	// Location defines calendar days. Nil means UTC.
	Location *time.Location
	Now      func() time.Time
}

// Limiter enforces usage limits.
type Limiter struct {
	store Store
	limit int
	loc   *time.Location
	now   func() time.Time
}

// New creates a limiter.
func New(store Store, opts Options) *Limiter {
	l := &Limiter{store: store, limit: opts.DefaultDailyLimit, loc: opts.Location, now: opts.Now}
	if l.limit <= 0 {
		l.limit = DefaultDailyLimit
	}
	if l.loc == nil {
		l.loc = time.UTC
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Day returns the calendar day of t in the limiter's timezone.
func (l *Limiter) Day(t time.Time) string {
	return t.In(l.loc).Format(time.DateOnly)
}

// Today returns the current calendar day.
func (l *Limiter) Today() string {
	return l.Day(l.now())
}

// DayStart returns the start of t's calendar day.
func (l *Limiter) DayStart(t time.Time) time.Time {
	t = t.In(l.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, l.loc)
}

// Limit returns the daily limit that applies to rec.
func (l *Limiter) Limit(rec *db.UsageRecord) int {
	if rec.CustomDailyLimit != nil {
		return *rec.CustomDailyLimit
	}
	return l.limit
}

// resetDay zeroes RequestsToday when rec refers to an earlier day.
func (l *Limiter) resetDay(rec *db.UsageRecord) {
	today := l.Today()
	if rec.UsageDay != today {
		rec.RequestsToday = 0
		rec.UsageDay = today
	}
}

// TryAdmit admits a new task. The daily allowance is used first; once it
// is exhausted exactly one bonus request is drawn.
func (l *Limiter) TryAdmit(ctx context.Context, userID string) (Admission, error) {
	var adm Admission
	_, err := l.store.UpdateUsage(ctx, userID, func(rec *db.UsageRecord) error {
		adm = Admission{}
		if rec.IsBanned {
			return ErrBanned
		}
		l.resetDay(rec)
		limit := l.Limit(rec)
		if rec.RequestsToday < limit {
			adm.Source = SourceDaily
			return nil
		}
		if rec.BonusRequests > 0 {
			rec.BonusRequests--
			adm.Source = SourceBonus
			return nil
		}
		return &QuotaError{Limit: limit, Used: rec.RequestsToday}
	})
	if err != nil {
		return Admission{}, err
	}
	return adm, nil
}

// Check re-validates a user at a later stage without changing anything.
// A held bonus admission stays valid; held may be the zero Admission.
func (l *Limiter) Check(ctx context.Context, userID string, held Admission) error {
	rec, err := l.store.GetUsage(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to check usage: %w", err)
	}
	if rec.IsBanned {
		return ErrBanned
	}
	if held.Source == SourceBonus {
		return nil
	}
	used := rec.RequestsToday
	if rec.UsageDay != l.Today() {
		used = 0
	}
	limit := l.Limit(rec)
	if used < limit || rec.BonusRequests > 0 {
		return nil
	}
	return &QuotaError{Limit: limit, Used: used}
}

// Release returns a bonus admission of a task that ended without a
// completion. Daily admissions cost nothing until completion.
func (l *Limiter) Release(ctx context.Context, userID string, adm Admission) error {
	if adm.Source != SourceBonus {
		return nil
	}
	_, err := l.store.UpdateUsage(ctx, userID, func(rec *db.UsageRecord) error {
		rec.BonusRequests++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release bonus request: %w", err)
	}
	return nil
}

// Usage returns the user's record with RequestsToday reset if it refers
// to an earlier day.
func (l *Limiter) Usage(ctx context.Context, userID string) (*db.UsageRecord, error) {
	rec, err := l.store.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.UsageDay != l.Today() {
		rec.RequestsToday = 0
		rec.UsageDay = l.Today()
	}
	return rec, nil
}

// SetBanned bans or unbans a user.
func (l *Limiter) SetBanned(ctx context.Context, userID string, banned bool) error {
	_, err := l.store.UpdateUsage(ctx, userID, func(rec *db.UsageRecord) error {
		rec.IsBanned = banned
		return nil
	})
	return err
}

// GrantBonus adds n bonus requests.
func (l *Limiter) GrantBonus(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("bonus must be positive, got %d", n)
	}
	_, err := l.store.UpdateUsage(ctx, userID, func(rec *db.UsageRecord) error {
		rec.BonusRequests += n
		return nil
	})
	return err
}

// SetCustomLimit overrides the daily limit for a user; nil restores the default.
func (l *Limiter) SetCustomLimit(ctx context.Context, userID string, limit *int) error {
	if limit != nil && *limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", *limit)
	}
	_, err := l.store.UpdateUsage(ctx, userID, func(rec *db.UsageRecord) error {
		rec.CustomDailyLimit = limit
		return nil
	})
	return err
}
