package coffer

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/persist"
)

func TestConflictResolution(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"AdoptWhenNoLocalManifest", TestAdoptWhenNoLocalManifest},
		{"HigherRevisionWins", TestHigherRevisionWins},
		{"LowerRevisionWarnsRollback", TestLowerRevisionWarnsRollback},
		{"EqualRevisionTimestampTieBreak", TestEqualRevisionTimestampTieBreak},
		{"EqualRevisionEqualTimeKeepsLocal", TestEqualRevisionEqualTimeKeepsLocal},
		{"BackupCreatedReflectsSnapshotResult", TestBackupCreatedReflectsSnapshotResult},
		{"ResolveRejectsInvalidIncoming", TestResolveRejectsInvalidIncoming},
		{"OutcomeMessages", TestOutcomeMessages},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

func TestAdoptWhenNoLocalManifest(t *testing.T) {
	c := newTestCoffer(t)

	incoming := testManifest(t, "vault-new")
	incoming.Revision = 3

	outcome, err := c.Conflicts().Resolve(incoming)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	if outcome.Winner != WinnerIncoming {
		t.Errorf("Expected incoming to win, got %s", outcome.Winner)
	}
	if outcome.BackupCreated {
		t.Error("Expected no backup when there was nothing to back up")
	}
	if !outcome.NeedsReconcile {
		t.Error("Expected reconcile to be requested after adoption")
	}
	if outcome.LocalRevision != 0 || outcome.IncomingRevision != 3 {
		t.Errorf("Outcome revisions wrong: local=%d incoming=%d", outcome.LocalRevision, outcome.IncomingRevision)
	}

	persisted, err := c.Manifests().Load("vault-new")
	if err != nil {
		t.Fatalf("Expected adopted manifest on disk: %v", err)
	}
	if persisted.Revision != 3 {
		t.Errorf("Adopted wrong manifest revision: %d", persisted.Revision)
	}
}

func TestHigherRevisionWins(t *testing.T) {
	c := newTestCoffer(t)

	local := testManifest(t, "vault-sync")
	local.Revision = 2
	local.Description = "local state"
	if err := c.Manifests().Save(local); err != nil {
		t.Fatalf("Failed to save local manifest: %v", err)
	}

	incoming := local.Clone()
	incoming.Revision = 4
	incoming.Description = "remote state"

	outcome, err := c.Conflicts().Resolve(incoming)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	if outcome.Winner != WinnerIncoming {
		t.Errorf("Expected incoming to win, got %s", outcome.Winner)
	}
	if !outcome.BackupCreated {
		t.Error("Expected the replaced local manifest to be backed up")
	}
	if !outcome.NeedsReconcile {
		t.Error("Expected reconcile to be requested")
	}
	if outcome.Warning != "" {
		t.Errorf("Expected no warning, got %q", outcome.Warning)
	}

	persisted, err := c.Manifests().Load("vault-sync")
	if err != nil {
		t.Fatalf("Failed to load manifest: %v", err)
	}
	if persisted.Revision != 4 || persisted.Description != "remote state" {
		t.Errorf("Expected incoming manifest persisted, got rev %d %q", persisted.Revision, persisted.Description)
	}

	// The losing local state is recoverable through retention
	snapshots, err := c.Retention().ListSnapshots("vault-sync")
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}
	if len(snapshots) == 0 {
		t.Fatal("Expected a snapshot of the replaced manifest")
	}
	restored, err := c.Retention().Restore("vault-sync", snapshots[0].Timestamp)
	if err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}
	if restored.Revision != 2 || restored.Description != "local state" {
		t.Errorf("Snapshot holds wrong state: rev %d %q", restored.Revision, restored.Description)
	}
}

func TestLowerRevisionWarnsRollback(t *testing.T) {
	c := newTestCoffer(t)

	local := testManifest(t, "vault-sync")
	local.Revision = 5
	local.Description = "local state"
	if err := c.Manifests().Save(local); err != nil {
		t.Fatalf("Failed to save local manifest: %v", err)
	}

	incoming := local.Clone()
	incoming.Revision = 2

	outcome, err := c.Conflicts().Resolve(incoming)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	if outcome.Winner != WinnerLocal {
		t.Errorf("Expected local to win, got %s", outcome.Winner)
	}
	if outcome.Warning == "" {
		t.Fatal("Expected a rollback warning")
	}
	if !strings.Contains(outcome.Warning, "possible rollback") {
		t.Errorf("Warning does not mention rollback: %q", outcome.Warning)
	}
	if !strings.Contains(outcome.Warning, "revision 2") || !strings.Contains(outcome.Warning, "revision 5") {
		t.Errorf("Warning does not name both revisions: %q", outcome.Warning)
	}
	if outcome.BackupCreated {
		t.Error("Expected no backup when local is kept")
	}
	if outcome.NeedsReconcile {
		t.Error("Expected no reconcile when nothing was persisted")
	}

	// Nothing was persisted: no new snapshot, local manifest intact
	persisted, err := c.Manifests().Load("vault-sync")
	if err != nil {
		t.Fatalf("Failed to load manifest: %v", err)
	}
	if persisted.Revision != 5 {
		t.Errorf("Expected local manifest untouched, got revision %d", persisted.Revision)
	}
	snapshots, err := c.Retention().ListSnapshots("vault-sync")
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}
	if len(snapshots) != 0 {
		t.Errorf("Expected no snapshots written, got %d", len(snapshots))
	}
}

func TestEqualRevisionTimestampTieBreak(t *testing.T) {
	c := newTestCoffer(t)

	earlier := time.Now().UTC().Add(-time.Hour)
	later := time.Now().UTC()

	local := testManifest(t, "vault-tie")
	local.Revision = 3
	local.LastEncryptedAt = &earlier
	if err := c.Manifests().Save(local); err != nil {
		t.Fatalf("Failed to save local manifest: %v", err)
	}

	incoming := local.Clone()
	incoming.LastEncryptedAt = &later
	incoming.Description = "later writer"

	outcome, err := c.Conflicts().Resolve(incoming)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	if outcome.Winner != WinnerIncoming {
		t.Errorf("Expected strictly later timestamp to win, got %s", outcome.Winner)
	}
	if !outcome.BackupCreated || !outcome.NeedsReconcile {
		t.Error("Expected backup and reconcile on replacement")
	}

	persisted, err := c.Manifests().Load("vault-tie")
	if err != nil {
		t.Fatalf("Failed to load manifest: %v", err)
	}
	if persisted.Description != "later writer" {
		t.Error("Expected the later writer's manifest to be persisted")
	}

	// An incoming manifest with an earlier timestamp loses the tie
	stale := local.Clone()
	staleTime := earlier.Add(-time.Hour)
	stale.LastEncryptedAt = &staleTime

	outcome, err = c.Conflicts().Resolve(stale)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if outcome.Winner != WinnerLocal {
		t.Errorf("Expected local to keep the tie, got %s", outcome.Winner)
	}
}

func TestEqualRevisionEqualTimeKeepsLocal(t *testing.T) {
	c := newTestCoffer(t)

	ts := time.Now().UTC()
	local := testManifest(t, "vault-same")
	local.Revision = 3
	local.LastEncryptedAt = &ts
	if err := c.Manifests().Save(local); err != nil {
		t.Fatalf("Failed to save local manifest: %v", err)
	}

	incoming := local.Clone()

	outcome, err := c.Conflicts().Resolve(incoming)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	if outcome.Winner != WinnerLocal {
		t.Errorf("Expected same write observed twice to keep local, got %s", outcome.Winner)
	}
	if outcome.BackupCreated || outcome.NeedsReconcile {
		t.Error("Expected no writes for an identical observation")
	}
	if outcome.Warning != "" {
		t.Errorf("Expected no warning for an identical observation, got %q", outcome.Warning)
	}

	snapshots, err := c.Retention().ListSnapshots("vault-same")
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}
	if len(snapshots) != 0 {
		t.Errorf("Expected no snapshots, got %d", len(snapshots))
	}
}

// snapshotFailStore wraps a working store but rejects snapshot writes.
type snapshotFailStore struct {
	persist.Store
}

func (s *snapshotFailStore) SaveSnapshot(vaultID string, ts time.Time, data []byte) error {
	return fmt.Errorf("snapshot storage unavailable")
}

func TestBackupCreatedReflectsSnapshotResult(t *testing.T) {
	store := &snapshotFailStore{Store: newTestStore(t)}
	logger := audit.NewNoOpLogger()
	retention := NewRetentionManager(store, logger, 5)
	manifests := NewManifestStore(store, retention, logger)
	resolver := NewConflictResolver(manifests, logger)

	local := testManifest(t, "vault-flaky")
	local.Revision = 2
	if err := manifests.Save(local); err != nil {
		t.Fatalf("Failed to save local manifest: %v", err)
	}

	incoming := local.Clone()
	incoming.Revision = 4

	outcome, err := resolver.Resolve(incoming)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	if outcome.Winner != WinnerIncoming {
		t.Errorf("Expected incoming to win, got %s", outcome.Winner)
	}
	if outcome.BackupCreated {
		t.Error("Expected no backup to be reported when the snapshot write failed")
	}

	// The winning manifest still lands; only the backup report changes
	persisted, err := manifests.Load("vault-flaky")
	if err != nil {
		t.Fatalf("Expected winning manifest on disk: %v", err)
	}
	if persisted.Revision != 4 {
		t.Errorf("Wrong manifest revision after resolve: %d", persisted.Revision)
	}
}

func TestResolveRejectsInvalidIncoming(t *testing.T) {
	c := newTestCoffer(t)

	if _, err := c.Conflicts().Resolve(nil); err == nil {
		t.Error("Expected nil incoming manifest to be rejected")
	}

	bad := testManifest(t, "vault-bad")
	bad.Revision = 0
	if _, err := c.Conflicts().Resolve(bad); err == nil {
		t.Error("Expected invalid incoming manifest to be rejected")
	}
}

func TestOutcomeMessages(t *testing.T) {
	adopted := Outcome{Winner: WinnerIncoming, IncomingRevision: 3}
	if got := adopted.Message(); !strings.Contains(got, "adopted") {
		t.Errorf("Unexpected adoption message: %q", got)
	}

	updated := Outcome{Winner: WinnerIncoming, IncomingRevision: 4, LocalRevision: 2}
	if got := updated.Message(); !strings.Contains(got, "revision 2 to 4") {
		t.Errorf("Unexpected update message: %q", got)
	}

	kept := Outcome{Winner: WinnerLocal, IncomingRevision: 3, LocalRevision: 3}
	if got := kept.Message(); !strings.Contains(got, "kept local") {
		t.Errorf("Unexpected keep message: %q", got)
	}

	warned := Outcome{Winner: WinnerLocal, Warning: "possible rollback: details"}
	if got := warned.Message(); got != "possible rollback: details" {
		t.Errorf("Expected warning to take precedence, got %q", got)
	}
}
