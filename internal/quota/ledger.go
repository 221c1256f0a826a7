// Package quota enforces a per-user sliding-window download limit.
//
// The Ledger holds no state between calls: every check loads the user's
// spend timestamps from a Store, prunes the ones outside the window and
// decides. Stores serialize the whole read-modify-write cycle.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultWindow is the sliding window of the ledger.
const DefaultWindow = 24 * time.Hour

var ErrStoreLocked = errors.New("quota: store lock not acquired")

// UpdateFunc receives the stored timestamps and returns the new record and
// whether it must be written back.
type UpdateFunc func(stamps []time.Time) ([]time.Time, bool)

// Store persists spend records and the whitelist.
type Store interface {
	// Update runs fn over userID's record while holding the store lock.
	Update(ctx context.Context, userID int64, fn UpdateFunc) error
	Whitelisted(ctx context.Context, userID int64) (bool, error)
	AddWhitelist(ctx context.Context, userID int64) error
	RemoveWhitelist(ctx context.Context, userID int64) error
	Whitelist(ctx context.Context) ([]int64, error)
}

// Ledger is the quota gate consulted before every download.
type Ledger struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// Option configures Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithWindow overrides the 24h window.
func WithWindow(d time.Duration) Option {
	return func(l *Ledger) { l.window = d }
}

func NewLedger(store Store, limit int, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		limit:  limit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Limit() int { return l.limit }

// Store exposes the backing store for whitelist administration.
func (l *Ledger) Store() Store { return l.store }

// TrySpend records one download for userID. It returns false, leaving the
// record unappended, when the user already spent limit times in the window.
// Whitelisted users always pass and are never recorded.
func (l *Ledger) TrySpend(ctx context.Context, userID int64) (bool, error) {
	ok, err := l.store.Whitelisted(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("quota: whitelist lookup: %w", err)
	}
	if ok {
		return true, nil
	}

	now := l.now().UTC()
	allowed := false
	err = l.store.Update(ctx, userID, func(stamps []time.Time) ([]time.Time, bool) {
		kept := Prune(stamps, now, l.window)
		pruned := len(kept) != len(stamps)
		if len(kept) >= l.limit {
			return kept, pruned
		}
		allowed = true
		return append(kept, now), true
	})
	if err != nil {
		return false, fmt.Errorf("quota: spend for %d: %w", userID, err)
	}
	return allowed, nil
}

// Remaining reports how many spends userID has left in the current window.
// Whitelisted users report the full limit.
func (l *Ledger) Remaining(ctx context.Context, userID int64) (int, error) {
	ok, err := l.store.Whitelisted(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("quota: whitelist lookup: %w", err)
	}
	if ok {
		return l.limit, nil
	}
	now := l.now().UTC()
	used := 0
	err = l.store.Update(ctx, userID, func(stamps []time.Time) ([]time.Time, bool) {
		kept := Prune(stamps, now, l.window)
		used = len(kept)
		return kept, len(kept) != len(stamps)
	})
	if err != nil {
		return 0, fmt.Errorf("quota: remaining for %d: %w", userID, err)
	}
	if rem := l.limit - used; rem > 0 {
		return rem, nil
	}
	return 0, nil
}

// Prune keeps the timestamps strictly younger than window, in order.
func Prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := make([]time.Time, 0, len(stamps))
	for _, ts := range stamps {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	return kept
}
