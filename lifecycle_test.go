package coffer

import (
	"errors"
	"testing"
	"time"
)

func TestLifecycle(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"TransitionTable", TestTransitionTable},
		{"CompromiseFromAnyLiveState", TestCompromiseFromAnyLiveState},
		{"DestroyedIsTerminal", TestDestroyedIsTerminal},
		{"RequestTransitionRecordsHistory", TestRequestTransitionRecordsHistory},
		{"RequestTransitionIdempotent", TestRequestTransitionIdempotent},
		{"RequestTransitionRejectsIllegal", TestRequestTransitionRejectsIllegal},
		{"RequestTransitionRejectsUnknown", TestRequestTransitionRejectsUnknown},
		{"MigrateLegacy", TestMigrateLegacy},
		{"StatusPredicates", TestStatusPredicates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to LifecycleStatus }{
		{StatusPreActivation, StatusActive},
		{StatusPreActivation, StatusDestroyed},
		{StatusActive, StatusSuspended},
		{StatusActive, StatusDeactivated},
		{StatusSuspended, StatusActive},
		{StatusSuspended, StatusDeactivated},
		{StatusDeactivated, StatusDestroyed},
		{StatusCompromised, StatusDestroyed},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("Expected %s -> %s to be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to LifecycleStatus }{
		{StatusPreActivation, StatusSuspended},
		{StatusPreActivation, StatusDeactivated},
		{StatusActive, StatusDestroyed},
		{StatusActive, StatusPreActivation},
		{StatusSuspended, StatusDestroyed},
		{StatusDeactivated, StatusActive},
		{StatusDeactivated, StatusSuspended},
		{StatusCompromised, StatusActive},
	}
	for _, tr := range denied {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("Expected %s -> %s to be denied", tr.from, tr.to)
		}
	}
}

func TestCompromiseFromAnyLiveState(t *testing.T) {
	for _, from := range ValidStatuses() {
		want := from != StatusDestroyed && from != StatusCompromised
		if got := CanTransition(from, StatusCompromised); got != want {
			t.Errorf("CanTransition(%s, compromised) = %v, want %v", from, got, want)
		}
	}
}

func TestDestroyedIsTerminal(t *testing.T) {
	for _, to := range ValidStatuses() {
		if CanTransition(StatusDestroyed, to) {
			t.Errorf("Expected no transition out of destroyed, got destroyed -> %s", to)
		}
	}
}

func TestRequestTransitionRecordsHistory(t *testing.T) {
	entry := &KeyRegistryEntry{
		KeyID:           "key-1",
		Kind:            KeyKindPassphrase,
		LifecycleStatus: StatusPreActivation,
	}

	changed, err := entry.RequestTransition(StatusActive, "first vault attached", "alice")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !changed {
		t.Error("Expected transition to report a change")
	}
	if entry.LifecycleStatus != StatusActive {
		t.Errorf("Expected active status, got %s", entry.LifecycleStatus)
	}

	if len(entry.StatusHistory) != 1 {
		t.Fatalf("Expected one history entry, got %d", len(entry.StatusHistory))
	}
	h := entry.StatusHistory[0]
	if h.Status != StatusActive {
		t.Errorf("Expected history status active, got %s", h.Status)
	}
	if h.Reason != "first vault attached" {
		t.Errorf("Expected reason to be recorded, got %q", h.Reason)
	}
	if h.ChangedBy != "alice" {
		t.Errorf("Expected actor to be recorded, got %q", h.ChangedBy)
	}
	if h.Timestamp.IsZero() {
		t.Error("Expected history timestamp to be set")
	}
}

func TestRequestTransitionIdempotent(t *testing.T) {
	entry := &KeyRegistryEntry{
		KeyID:           "key-1",
		LifecycleStatus: StatusActive,
	}

	changed, err := entry.RequestTransition(StatusActive, "retry", "")
	if err != nil {
		t.Fatalf("Expected same-state request to succeed, got: %v", err)
	}
	if changed {
		t.Error("Expected same-state request to report no change")
	}
	if len(entry.StatusHistory) != 0 {
		t.Errorf("Expected no history entry for a no-op, got %d", len(entry.StatusHistory))
	}
}

func TestRequestTransitionRejectsIllegal(t *testing.T) {
	entry := &KeyRegistryEntry{
		KeyID:           "key-1",
		LifecycleStatus: StatusActive,
	}

	changed, err := entry.RequestTransition(StatusDestroyed, "", "")
	if err == nil {
		t.Fatal("Expected active -> destroyed to be rejected")
	}
	if changed {
		t.Error("Expected rejected transition to report no change")
	}

	var te TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("Expected a TransitionError, got %T: %v", err, err)
	}
	if te.From != StatusActive || te.To != StatusDestroyed {
		t.Errorf("TransitionError carries wrong states: %s -> %s", te.From, te.To)
	}

	if entry.LifecycleStatus != StatusActive {
		t.Errorf("Expected entry left untouched, got status %s", entry.LifecycleStatus)
	}
	if len(entry.StatusHistory) != 0 {
		t.Error("Expected no history entry for a rejected transition")
	}
}

func TestRequestTransitionRejectsUnknown(t *testing.T) {
	entry := &KeyRegistryEntry{KeyID: "key-1", LifecycleStatus: StatusActive}

	if _, err := entry.RequestTransition("retired", "", ""); err == nil {
		t.Error("Expected unknown target status to be rejected")
	}
}

func TestMigrateLegacy(t *testing.T) {
	// Entry still protecting vaults becomes active
	withVaults := &KeyRegistryEntry{KeyID: "k1", VaultAssociations: []string{"vault-a"}}
	if !withVaults.MigrateLegacy() {
		t.Error("Expected migration to assign a status")
	}
	if withVaults.LifecycleStatus != StatusActive {
		t.Errorf("Expected active, got %s", withVaults.LifecycleStatus)
	}

	// Entry with past usage but no vaults becomes suspended
	used := time.Now().UTC()
	withUsage := &KeyRegistryEntry{KeyID: "k2", LastUsed: &used}
	withUsage.MigrateLegacy()
	if withUsage.LifecycleStatus != StatusSuspended {
		t.Errorf("Expected suspended, got %s", withUsage.LifecycleStatus)
	}

	// Entry with neither becomes pre-activation
	fresh := &KeyRegistryEntry{KeyID: "k3"}
	fresh.MigrateLegacy()
	if fresh.LifecycleStatus != StatusPreActivation {
		t.Errorf("Expected pre_activation, got %s", fresh.LifecycleStatus)
	}
	if len(fresh.StatusHistory) != 1 {
		t.Errorf("Expected migration to leave a history entry, got %d", len(fresh.StatusHistory))
	}

	// Entries that already carry a status are left alone
	settled := &KeyRegistryEntry{KeyID: "k4", LifecycleStatus: StatusDeactivated}
	if settled.MigrateLegacy() {
		t.Error("Expected no migration for an entry with a status")
	}
	if settled.LifecycleStatus != StatusDeactivated {
		t.Errorf("Expected status preserved, got %s", settled.LifecycleStatus)
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range ValidStatuses() {
		if !IsValidStatus(s) {
			t.Errorf("Expected %s to be a valid status", s)
		}
	}
	if IsValidStatus("archived") {
		t.Error("Expected unknown status to be invalid")
	}

	if !IsTerminal(StatusDestroyed) {
		t.Error("Expected destroyed to be terminal")
	}
	for _, s := range []LifecycleStatus{StatusPreActivation, StatusActive, StatusSuspended, StatusDeactivated, StatusCompromised} {
		if IsTerminal(s) {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
}
