package coffer

import (
	"testing"
	"time"

	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/persist"
)

func TestRetention(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"SnapshotAndRestore", TestSnapshotAndRestore},
		{"RetentionCapDefaultsToFive", TestRetentionCapDefaultsToFive},
		{"SnapshotEnforcesCap", TestSnapshotEnforcesCap},
		{"PruneRemovesOldestFirst", TestPruneRemovesOldestFirst},
		{"RestoreIsSideEffectFree", TestRestoreIsSideEffectFree},
		{"RestoreMissingSnapshot", TestRestoreMissingSnapshot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	c := newTestCoffer(t)

	m := testManifest(t, "vault-docs")
	m.Description = "before the change"
	if err := c.Retention().Snapshot(m); err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}

	snapshots, err := c.Retention().ListSnapshots("vault-docs")
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("Expected one snapshot, got %d", len(snapshots))
	}

	info := snapshots[0]
	if info.VaultID != "vault-docs" {
		t.Errorf("Snapshot carries wrong vault ID: %s", info.VaultID)
	}
	if info.FileSize == 0 || info.Checksum == "" {
		t.Error("Expected snapshot size and checksum to be recorded")
	}

	restored, err := c.Retention().Restore("vault-docs", info.Timestamp)
	if err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}
	if restored.Description != "before the change" {
		t.Errorf("Restored wrong manifest content: %q", restored.Description)
	}
}

func TestRetentionCapDefaultsToFive(t *testing.T) {
	c := newTestCoffer(t)
	if got := c.Retention().MaxKeep(); got != 5 {
		t.Errorf("Expected default cap of 5, got %d", got)
	}

	custom, err := New(Options{BasePath: t.TempDir(), MaxSnapshots: 2})
	if err != nil {
		t.Fatalf("Failed to open coffer: %v", err)
	}
	defer custom.Close()
	if got := custom.Retention().MaxKeep(); got != 2 {
		t.Errorf("Expected cap of 2, got %d", got)
	}
}

func TestSnapshotEnforcesCap(t *testing.T) {
	c, err := New(Options{BasePath: t.TempDir(), MaxSnapshots: 3})
	if err != nil {
		t.Fatalf("Failed to open coffer: %v", err)
	}
	defer c.Close()

	m := testManifest(t, "vault-docs")
	for i := 0; i < 6; i++ {
		m.Revision = uint32(i + 1)
		if err = c.Retention().Snapshot(m); err != nil {
			t.Fatalf("Failed to snapshot revision %d: %v", m.Revision, err)
		}
		// Snapshot names carry their timestamp; keep them strictly ordered
		time.Sleep(time.Millisecond)
	}

	snapshots, err := c.Retention().ListSnapshots("vault-docs")
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}
	if len(snapshots) != 3 {
		t.Fatalf("Expected cap of 3 enforced, got %d snapshots", len(snapshots))
	}

	// Newest first; the survivors are the three most recent revisions
	first, err := c.Retention().Restore("vault-docs", snapshots[0].Timestamp)
	if err != nil {
		t.Fatalf("Failed to restore newest snapshot: %v", err)
	}
	if first.Revision != 6 {
		t.Errorf("Expected newest snapshot at revision 6, got %d", first.Revision)
	}
	last, err := c.Retention().Restore("vault-docs", snapshots[2].Timestamp)
	if err != nil {
		t.Fatalf("Failed to restore oldest survivor: %v", err)
	}
	if last.Revision != 4 {
		t.Errorf("Expected oldest survivor at revision 4, got %d", last.Revision)
	}
}

func TestPruneRemovesOldestFirst(t *testing.T) {
	store := newTestStore(t)

	// Write snapshots directly so pruning is the only retention at work
	m := testManifest(t, "vault-docs")
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		m.Revision = uint32(i + 1)
		data, err := m.Encode()
		if err != nil {
			t.Fatalf("Failed to encode manifest: %v", err)
		}
		if err = store.SaveSnapshot("vault-docs", base.Add(time.Duration(i)*time.Minute), data); err != nil {
			t.Fatalf("Failed to save snapshot: %v", err)
		}
	}

	rm := NewRetentionManager(store, audit.NewNoOpLogger(), 5)

	removed, err := rm.Prune("vault-docs")
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 snapshots removed, got %d", removed)
	}

	snapshots, err := rm.ListSnapshots("vault-docs")
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}
	if len(snapshots) != 5 {
		t.Fatalf("Expected 5 survivors, got %d", len(snapshots))
	}
	oldest := snapshots[len(snapshots)-1]
	restored, err := rm.Restore("vault-docs", oldest.Timestamp)
	if err != nil {
		t.Fatalf("Failed to restore oldest survivor: %v", err)
	}
	if restored.Revision != 3 {
		t.Errorf("Expected revisions 1 and 2 pruned, oldest survivor is %d", restored.Revision)
	}

	// Under the cap, prune is a no-op
	removed, err = rm.Prune("vault-docs")
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if removed != 0 {
		t.Errorf("Expected no-op prune, removed %d", removed)
	}
}

func TestRestoreIsSideEffectFree(t *testing.T) {
	c := newTestCoffer(t)

	old := testManifest(t, "vault-docs")
	if err := c.Retention().Snapshot(old); err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}

	current := old.Clone()
	current.Revision = 5
	if err := c.Manifests().Save(current); err != nil {
		t.Fatalf("Failed to save manifest: %v", err)
	}

	snapshots, err := c.Retention().ListSnapshots("vault-docs")
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}

	if _, err = c.Retention().Restore("vault-docs", snapshots[0].Timestamp); err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}

	// The current manifest must not have been touched by the restore
	loaded, err := c.Manifests().Load("vault-docs")
	if err != nil {
		t.Fatalf("Failed to load manifest: %v", err)
	}
	if loaded.Revision != 5 {
		t.Errorf("Expected current manifest untouched at revision 5, got %d", loaded.Revision)
	}

	after, err := c.Retention().ListSnapshots("vault-docs")
	if err != nil {
		t.Fatalf("Failed to list snapshots: %v", err)
	}
	if len(after) != len(snapshots) {
		t.Errorf("Expected snapshot set unchanged, had %d now %d", len(snapshots), len(after))
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	c := newTestCoffer(t)

	_, err := c.Retention().Restore("vault-docs", time.Now().UTC())
	if err == nil {
		t.Fatal("Expected error for missing snapshot")
	}
	if !persist.IsNotFound(err) {
		t.Errorf("Expected a not-found error, got: %v", err)
	}
}
