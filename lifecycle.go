package coffer

import (
	"fmt"
	"time"
)

// LifecycleStatus represents the lifecycle state of a key in the registry.
// The state set and the legal transitions between states follow the NIST
// SP 800-57 key state model.
type LifecycleStatus string

const (
	// StatusPreActivation - the key exists but has not yet protected any vault
	StatusPreActivation LifecycleStatus = "pre_activation"

	// StatusActive - the key currently protects at least one vault
	StatusActive LifecycleStatus = "active"

	// StatusSuspended - the key is temporarily out of use but may return to active
	StatusSuspended LifecycleStatus = "suspended"

	// StatusDeactivated - the key has been retired; only destruction remains
	StatusDeactivated LifecycleStatus = "deactivated"

	// StatusDestroyed - terminal state, the key material is gone
	StatusDestroyed LifecycleStatus = "destroyed"

	// StatusCompromised - the key is known or suspected to be exposed
	StatusCompromised LifecycleStatus = "compromised"
)

// ValidStatuses returns all lifecycle statuses in their canonical order.
func ValidStatuses() []LifecycleStatus {
	return []LifecycleStatus{
		StatusPreActivation,
		StatusActive,
		StatusSuspended,
		StatusDeactivated,
		StatusDestroyed,
		StatusCompromised,
	}
}

// IsValidStatus reports whether s is a known lifecycle status.
func IsValidStatus(s LifecycleStatus) bool {
	switch s {
	case StatusPreActivation, StatusActive, StatusSuspended,
		StatusDeactivated, StatusDestroyed, StatusCompromised:
		return true
	}
	return false
}

// IsTerminal reports whether s admits no outgoing transitions.
func IsTerminal(s LifecycleStatus) bool {
	return s == StatusDestroyed
}

// lifecycleTransitions is the legal transition table. Compromised is not
// listed as a target here: any non-terminal state may move to Compromised,
// which CanTransition handles explicitly.
var lifecycleTransitions = map[LifecycleStatus][]LifecycleStatus{
	StatusPreActivation: {StatusActive, StatusDestroyed},
	StatusActive:        {StatusSuspended, StatusDeactivated},
	StatusSuspended:     {StatusActive, StatusDeactivated},
	StatusDeactivated:   {StatusDestroyed},
	StatusCompromised:   {StatusDestroyed},
	StatusDestroyed:     {},
}

// CanTransition reports whether a key may move from one lifecycle status to
// another. A compromise can be declared from any state except Destroyed;
// everything else follows the transition table. Same-state is not a
// transition and returns false here; RequestTransition treats it as an
// idempotent success instead.
func CanTransition(from, to LifecycleStatus) bool {
	if from == to {
		return false
	}
	if to == StatusCompromised {
		return from != StatusDestroyed
	}
	for _, allowed := range lifecycleTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError represents a rejected lifecycle transition request
type TransitionError struct {
	KeyID string
	From  LifecycleStatus
	To    LifecycleStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("illegal lifecycle transition for key %s: %s -> %s",
		e.KeyID, e.From, e.To)
}

// StatusHistoryEntry records a single lifecycle status change on a key.
// History is append-only and ordered oldest first.
type StatusHistoryEntry struct {
	Status    LifecycleStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
	ChangedBy string          `json:"changed_by,omitempty"`
}

// RequestTransition moves the key to the target lifecycle status.
//
// The request is idempotent: asking for the status the key already holds
// succeeds without appending a history entry, so retried operations and
// replayed reconciliations never inflate the audit trail. An illegal
// transition returns a TransitionError and leaves the entry untouched;
// callers distinguish rejection from storage failure by type.
//
// On a successful change the entry's status is updated and a history entry
// is appended with the supplied reason and actor. The caller owns
// persistence; this method only mutates the in-memory entry.
//
// Returns:
// - changed: true if the status actually moved.
// - An error if the transition is not legal from the current status.
func (e *KeyRegistryEntry) RequestTransition(target LifecycleStatus, reason, changedBy string) (bool, error) {
	if !IsValidStatus(target) {
		return false, fmt.Errorf("unknown lifecycle status: %s", target)
	}

	if e.LifecycleStatus == target {
		// Already there; nothing to record
		return false, nil
	}

	if !CanTransition(e.LifecycleStatus, target) {
		return false, TransitionError{KeyID: e.KeyID, From: e.LifecycleStatus, To: target}
	}

	e.LifecycleStatus = target
	e.StatusHistory = append(e.StatusHistory, StatusHistoryEntry{
		Status:    target,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		ChangedBy: changedBy,
	})
	return true, nil
}

// MigrateLegacy assigns a lifecycle status to an entry imported from a
// registry written before lifecycle tracking existed. The assignment is
// inferred from what the entry shows about its past:
//
// - entries still protecting at least one vault become Active
// - entries with usage history but no remaining vaults become Suspended
// - entries with neither become PreActivation
//
// Entries that already carry a status are left alone. Returns true if a
// status was assigned.
func (e *KeyRegistryEntry) MigrateLegacy() bool {
	if e.LifecycleStatus != "" {
		return false
	}

	switch {
	case len(e.VaultAssociations) > 0:
		e.LifecycleStatus = StatusActive
	case len(e.StatusHistory) > 0 || e.LastUsed != nil:
		e.LifecycleStatus = StatusSuspended
	default:
		e.LifecycleStatus = StatusPreActivation
	}

	e.StatusHistory = append(e.StatusHistory, StatusHistoryEntry{
		Status:    e.LifecycleStatus,
		Timestamp: time.Now().UTC(),
		Reason:    "migrated from legacy registry",
	})
	return true
}
