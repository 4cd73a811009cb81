package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"execgate/internal/kv"
)

const (
	stateKey   = "circuit_breaker:state"
	historyKey = "circuit_breaker:trip_history"
	historyCap = 1000

	// DefaultQuietPeriod is the cooldown after a reset before trading
	// fully resumes.
	DefaultQuietPeriod = 300 * time.Second
)

var (
	// ErrNotTripped reports a reset while the breaker is not tripped.
	ErrNotTripped = errors.New("breaker: not tripped")
	// ErrStateUnreadable reports a missing or unparsable state record after
	// initialization. Callers must fail closed.
	ErrStateUnreadable = errors.New("breaker: state record missing or unreadable")
)

// State is the breaker position.
type State string

const (
	StateOpen        State = "OPEN"
	StateTripped     State = "TRIPPED"
	StateQuietPeriod State = "QUIET_PERIOD"
)

// Status is the persisted breaker record.
type Status struct {
	State          State          `json:"state"`
	TrippedAt      *time.Time     `json:"tripped_at,omitempty"`
	TripReason     string         `json:"trip_reason,omitempty"`
	TripDetails    map[string]any `json:"trip_details,omitempty"`
	ResetAt        *time.Time     `json:"reset_at,omitempty"`
	ResetBy        string         `json:"reset_by,omitempty"`
	TripCountToday int            `json:"trip_count_today"`
}

// HistoryEntry is one audit record of a trip.
type HistoryEntry struct {
	ID      string         `json:"id"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// Breaker is the automatic trading halt. External risk monitoring decides
// when to trip; the breaker only owns the state machine
// OPEN -> TRIPPED -> QUIET_PERIOD -> OPEN, with the final transition applied
// lazily on read once the quiet period has elapsed.
type Breaker struct {
	store       kv.Store
	quietPeriod time.Duration
	now         func() time.Time
	initialized atomic.Bool
}

// New creates a breaker on the shared store.
func New(store kv.Store) *Breaker {
	return &Breaker{store: store, quietPeriod: DefaultQuietPeriod, now: time.Now}
}

// GetState returns the current state, applying the QUIET_PERIOD -> OPEN
// transition when the quiet period has elapsed. The transition runs as an
// optimistic transaction so two concurrent readers cannot double-apply it.
func (b *Breaker) GetState(ctx context.Context) (State, error) {
	st, err := b.load(ctx)
	if err != nil {
		return "", err
	}
	if !b.quietPeriodElapsed(st) {
		return st.State, nil
	}

	applied := false
	err = b.store.Update(ctx, stateKey, func(current string, exists bool) (string, error) {
		applied = false
		cur, err := b.decode(current, exists)
		if err != nil {
			return "", err
		}
		// Re-check inside the transaction: a concurrent trip or an
		// already-applied expiry leaves nothing to do here.
		if !b.quietPeriodElapsed(cur) {
			return "", kv.ErrSkipUpdate
		}
		applied = true
		cur.State = StateOpen
		cur.TrippedAt = nil
		cur.TripReason = ""
		cur.TripDetails = nil
		return encode(cur)
	})
	if err != nil {
		return "", err
	}
	if applied {
		logs.Info("circuit breaker quiet period elapsed, back to OPEN")
	}

	st, err = b.load(ctx)
	if err != nil {
		return "", err
	}
	return st.State, nil
}

// IsTripped reports whether trading is halted by the breaker.
func (b *Breaker) IsTripped(ctx context.Context) (bool, error) {
	state, err := b.GetState(ctx)
	if err != nil {
		return false, err
	}
	return state == StateTripped, nil
}

/// Trip halts trading with a reason. Idempotent: a trip while already tripped
// keeps the original reason and count and only logs a warning. Tripping
// during the quiet period re-trips immediately.
func (b *Breaker) Trip(ctx context.Context, reason string, details map[string]any) error {
	at := b.now().UTC()
	alreadyTripped := false
	err := b.store.Update(ctx, stateKey, func(current string, exists bool) (string, error) {
		st, err := b.decode(current, exists)
		if err != nil {
			return "", err
		}
		if st.State == StateTripped {
			alreadyTripped = true
			return "", kv.ErrSkipUpdate
		}
		st.State = StateTripped
		st.TrippedAt = &at
		st.TripReason = reason
		st.TripDetails = details
		st.ResetAt = nil
		st.ResetBy = ""
		st.TripCountToday++
		return encode(st)
	})
	if err != nil {
		return err
	}
	b.initialized.Store(true)
	if alreadyTripped {
		logs.Warnf("circuit breaker already tripped, ignoring trip: %s", reason)
		return nil
	}
	logs.Warnf("circuit breaker tripped: %s", reason)

	b.appendHistory(ctx, HistoryEntry{Reason: reason, Details: details, At: at})
	return nil
}

// Reset moves a tripped breaker into the quiet period.
func (b *Breaker) Reset(ctx context.Context, resetBy string) error {
	at := b.now().UTC()
	err := b.store.Update(ctx, stateKey, func(current string, exists bool) (string, error) {
		st, err := b.decode(current, exists)
		if err != nil {
			return "", err
		}
		if st.State != StateTripped {
			return "", ErrNotTripped
		}
		st.State = StateQuietPeriod
		st.ResetAt = &at
		st.ResetBy = resetBy
		return encode(st)
	})
	if err != nil {
		return err
	}
	b.initialized.Store(true)
	logs.Infof("circuit breaker reset by %s, quiet period %s", resetBy, b.quietPeriod)
	return nil
}

// GetTripReason returns the trip reason, empty outside TRIPPED.
func (b *Breaker) GetTripReason(ctx context.Context) (string, error) {
	st, err := b.statusAfterExpiry(ctx)
	if err != nil {
		return "", err
	}
	if st.State != StateTripped {
		return "", nil
	}
	return st.TripReason, nil
}

// GetTripDetails returns the trip details, nil outside TRIPPED.
func (b *Breaker) GetTripDetails(ctx context.Context) (map[string]any, error) {
	st, err := b.statusAfterExpiry(ctx)
	if err != nil {
		return nil, err
	}
	if st.State != StateTripped {
		return nil, nil
	}
	return st.TripDetails, nil
}

// GetStatus returns the full current record after the expiry check.
func (b *Breaker) GetStatus(ctx context.Context) (Status, error) {
	return b.statusAfterExpiry(ctx)
}

// GetHistory returns up to limit trip entries, most recent first.
func (b *Breaker) GetHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = historyCap
	}
	raw, err := b.store.ZRevRange(ctx, historyKey, 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, member := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			logs.Errorf("circuit breaker: skip unreadable history entry: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (b *Breaker) statusAfterExpiry(ctx context.Context) (Status, error) {
	if _, err := b.GetState(ctx); err != nil {
		return Status{}, err
	}
	return b.load(ctx)
}

func (b *Breaker) quietPeriodElapsed(st Status) bool {
	return st.State == StateQuietPeriod &&
		st.ResetAt != nil &&
		b.now().UTC().Sub(*st.ResetAt) > b.quietPeriod
}

// load reads the record, creating the OPEN default only on the very first
// access of a fresh deployment.
func (b *Breaker) load(ctx context.Context) (Status, error) {
	raw, found, err := b.store.Get(ctx, stateKey)
	if err != nil {
		return Status{}, err
	}
	if !found {
		if b.initialized.Load() {
			return Status{}, ErrStateUnreadable
		}
		st := Status{State: StateOpen}
		encoded, err := encode(st)
		if err != nil {
			return Status{}, err
		}
		wrote, err := b.store.SetNX(ctx, stateKey, encoded, 0)
		if err != nil {
			return Status{}, err
		}
		if !wrote {
			raw, found, err = b.store.Get(ctx, stateKey)
			if err != nil {
				return Status{}, err
			}
			if !found {
				return Status{}, ErrStateUnreadable
			}
			return b.parse(raw)
		}
		b.initialized.Store(true)
		return st, nil
	}
	return b.parse(raw)
}

func (b *Breaker) parse(raw string) (Status, error) {
	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return Status{}, ErrStateUnreadable
	}
	b.initialized.Store(true)
	return st, nil
}

func (b *Breaker) decode(current string, exists bool) (Status, error) {
	if !exists {
		if b.initialized.Load() {
			return Status{}, ErrStateUnreadable
		}
		return Status{State: StateOpen}, nil
	}
	var st Status
	if err := json.Unmarshal([]byte(current), &st); err != nil {
		return Status{}, ErrStateUnreadable
	}
	return st, nil
}

func (b *Breaker) appendHistory(ctx context.Context, entry HistoryEntry) {
	entry.ID = uuid.NewString()
	encoded, err := json.Marshal(entry)
	if err != nil {
		logs.Errorf("circuit breaker: encode history entry: %v", err)
		return
	}
	if err := b.store.ZAdd(ctx, historyKey, float64(entry.At.UnixNano()), string(encoded)); err != nil {
		logs.Errorf("circuit breaker: append history: %v", err)
		return
	}
	if err := b.store.ZRemRangeByRank(ctx, historyKey, 0, -(historyCap + 1)); err != nil {
		logs.Errorf("circuit breaker: trim history: %v", err)
	}
}

func encode(st Status) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
