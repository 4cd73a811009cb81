package killswitch

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
	stateKey   = "kill_switch:state"
	historyKey = "kill_switch:history"
	historyCap = 1000
)

var (
	// ErrAlreadyEngaged reports an engage while the switch is engaged.
	ErrAlreadyEngaged = errors.New("killswitch: already engaged")
	// ErrNotEngaged reports a disengage while the switch is active.
	ErrNotEngaged = errors.New("killswitch: not engaged")
	// ErrStateUnreadable reports a missing or unparsable state record after
	// the switch has been initialized. Callers must fail closed: an engaged
	// flag lost to infra trouble is not permission to trade.
	ErrStateUnreadable = errors.New("killswitch: state record missing or unreadable")
)

// State is the binary switch position.
type State string

const (
	StateActive  State = "ACTIVE"
	StateEngaged State = "ENGAGED"
)

// Status is the persisted switch record.
type Status struct {
	State                State          `json:"state"`
	EngagedAt            *time.Time     `json:"engaged_at,omitempty"`
	EngagedBy            string         `json:"engaged_by,omitempty"`
	EngagementReason     string         `json:"engagement_reason,omitempty"`
	EngagementDetails    map[string]any `json:"engagement_details,omitempty"`
	DisengagedAt         *time.Time     `json:"disengaged_at,omitempty"`
	DisengagedBy         string         `json:"disengaged_by,omitempty"`
	DisengagementNotes   string         `json:"disengagement_notes,omitempty"`
	EngagementCountToday int            `json:"engagement_count_today"`
}

// HistoryEntry is one audit record of an engage or disengage.
type HistoryEntry struct {
	ID       string         `json:"id"`
	Action   State          `json:"action"`
	Operator string         `json:"operator"`
	Reason   string         `json:"reason,omitempty"`
	Notes    string         `json:"notes,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"at"`
}

// Switch is the operator-controlled emergency halt. One record is shared by
// every process through the store; the switch holds no in-process locks.
type Switch struct {
	store       kv.Store
	now         func() time.Time
	initialized atomic.Bool
}

// New creates a switch on the shared store.
func New(store kv.Store) *Switch {
	return &Switch{store: store, now: time.Now}
}

// IsEngaged reports whether trading is halted by the switch.
func (s *Switch) IsEngaged(ctx context.Context) (bool, error) {
	st, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	return st.State == StateEngaged, nil
}

// GetStatus returns the full current record.
func (s *Switch) GetStatus(ctx context.Context) (Status, error) {
	return s.load(ctx)
}

// Engage halts all trading. The state transition and the daily counter
// increment commit as one atomic write; the audit entry follows best-effort.
func (s *Switch) Engage(ctx context.Context, reason, operator string, details map[string]any) error {
	at := s.now().UTC()
	err := s.store.Update(ctx, stateKey, func(current string, exists bool) (string, error) {
		st, err := s.decode(current, exists)
		if err != nil {
			return "", err
		}
		if st.State == StateEngaged {
			return "", ErrAlreadyEngaged
		}
		st.State = StateEngaged
		st.EngagedAt = &at
		st.EngagedBy = operator
		st.EngagementReason = reason
		st.EngagementDetails = details
		st.EngagementCountToday++
		return encode(st)
	})
	if err != nil {
		return err
	}
	s.initialized.Store(true)
	logs.Warnf("kill switch engaged by %s: %s", operator, reason)

	s.appendHistory(ctx, HistoryEntry{
		Action:   StateEngaged,
		Operator: operator,
		Reason:   reason,
		Details:  details,
		At:       at,
	})
	return nil
}

// Disengage resumes trading. Clears the currently-engaged markers but keeps
// the last-disengage fields as history.
func (s *Switch) Disengage(ctx context.Context, operator, notes string) error {
	at := s.now().UTC()
	err := s.store.Update(ctx, stateKey, func(current string, exists bool) (string, error) {
		st, err := s.decode(current, exists)
		if err != nil {
			return "", err
		}
		if st.State != StateEngaged {
			return "", ErrNotEngaged
		}
		st.State = StateActive
		st.EngagedAt = nil
		st.EngagedBy = ""
		st.EngagementReason = ""
		st.EngagementDetails = nil
		st.DisengagedAt = &at
		st.DisengagedBy = operator
		st.DisengagementNotes = notes
		return encode(st)
	})
	if err != nil {
		return err
	}
	s.initialized.Store(true)
	logs.Infof("kill switch disengaged by %s", operator)

	s.appendHistory(ctx, HistoryEntry{
		Action:   StateActive,
		Operator: operator,
		Notes:    notes,
		At:       at,
	})
	return nil
}

// GetHistory returns up to limit audit entries, most recent first.
func (s *Switch) GetHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = historyCap
	}
	raw, err := s.store.ZRevRange(ctx, historyKey, 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, member := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			logs.Errorf("kill switch: skip unreadable history entry: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// load reads the record, creating the ACTIVE default only on the very first
// access of a fresh deployment. Once initialized, a missing record is an
// infrastructure error, never a silent ACTIVE.
func (s *Switch) load(ctx context.Context) (Status, error) {
	raw, found, err := s.store.Get(ctx, stateKey)
	if err != nil {
		return Status{}, err
	}
	if !found {
		if s.initialized.Load() {
			return Status{}, ErrStateUnreadable
		}
		st := Status{State: StateActive}
		encoded, err := encode(st)
		if err != nil {
			return Status{}, err
		}
		wrote, err := s.store.SetNX(ctx, stateKey, encoded, 0)
		if err != nil {
			return Status{}, err
		}
		if !wrote {
			// Another process created the record first; read theirs.
			raw, found, err = s.store.Get(ctx, stateKey)
			if err != nil {
				return Status{}, err
			}
			if !found {
				return Status{}, ErrStateUnreadable
			}
			return s.parse(raw)
		}
		s.initialized.Store(true)
		return st, nil
	}
	return s.parse(raw)
}

func (s *Switch) parse(raw string) (Status, error) {
	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return Status{}, ErrStateUnreadable
	}
	s.initialized.Store(true)
	return st, nil
}

// decode interprets the value seen inside an optimistic transaction.
func (s *Switch) decode(current string, exists bool) (Status, error) {
	if !exists {
		if s.initialized.Load() {
			return Status{}, ErrStateUnreadable
		}
		return Status{State: StateActive}, nil
	}
	var st Status
	if err := json.Unmarshal([]byte(current), &st); err != nil {
		return Status{}, ErrStateUnreadable
	}
	return st, nil
}

// appendHistory writes an audit entry and trims the log. Failures are logged
// only: the committed state transition is the source of truth.
func (s *Switch) appendHistory(ctx context.Context, entry HistoryEntry) {
	entry.ID = uuid.NewString()
	encoded, err := json.Marshal(entry)
	if err != nil {
		logs.Errorf("kill switch: encode history entry: %v", err)
		return
	}
	if err := s.store.ZAdd(ctx, historyKey, float64(entry.At.UnixNano()), string(encoded)); err != nil {
		logs.Errorf("kill switch: append history: %v", err)
		return
	}
	if err := s.store.ZRemRangeByRank(ctx, historyKey, 0, -(historyCap + 1)); err != nil {
		logs.Errorf("kill switch: trim history: %v", err)
	}
}

func encode(st Status) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
