package coffer

import (
	"fmt"
	"time"

	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/internal/misc"
	"southwinds.dev/coffer/persist"
)

// RetentionManager keeps a bounded history of manifest snapshots per vault.
// Snapshots are immutable point-in-time copies taken before a manifest is
// replaced; they exist so a bad sync or merge can be undone. Snapshotting
// is best-effort throughout: a failed snapshot is logged but never blocks
// the save that triggered it.
type RetentionManager struct {
	store    persist.Store
	auditLog audit.Logger
	maxKeep  int
}

// NewRetentionManager returns a manager that keeps at most maxKeep snapshots
// per vault. A non-positive maxKeep falls back to the default of 5.
func NewRetentionManager(store persist.Store, auditLog audit.Logger, maxKeep int) *RetentionManager {
	if maxKeep <= 0 {
		maxKeep = misc.DefaultMaxSnapshots
	}
	return &RetentionManager{
		store:    store,
		auditLog: auditLog,
		maxKeep:  maxKeep,
	}
}

// MaxKeep returns the per-vault snapshot cap.
func (rm *RetentionManager) MaxKeep() int {
	return rm.maxKeep
}

// Snapshot stores an immutable copy of the manifest and prunes the vault's
// snapshot history down to the retention cap. The snapshot is named by the
// moment it is taken, so repeated snapshots of the same revision coexist.
func (rm *RetentionManager) Snapshot(m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode manifest for snapshot: %w", err)
	}

	ts := time.Now().UTC()
	if err = rm.store.SaveSnapshot(m.VaultID, ts, data); err != nil {
		_ = rm.auditLog.Log("manifest_snapshot", false, map[string]interface{}{
			"vault_id": m.VaultID,
			"revision": m.Revision,
			"error":    err.Error(),
		})
		return fmt.Errorf("failed to save snapshot for vault %s: %w", m.VaultID, err)
	}

	_ = rm.auditLog.Log("manifest_snapshot", true, map[string]interface{}{
		"vault_id": m.VaultID,
		"revision": m.Revision,
	})

	// Pruning failure does not undo the snapshot that was just taken
	if _, err = rm.Prune(m.VaultID); err != nil {
		_ = rm.auditLog.Log("snapshot_prune", false, map[string]interface{}{
			"vault_id": m.VaultID,
			"error":    err.Error(),
		})
	}
	return nil
}

// Prune deletes the oldest snapshots of a vault beyond the retention cap
// and returns how many were removed.
func (rm *RetentionManager) Prune(vaultID string) (int, error) {
	snapshots, err := rm.store.ListSnapshots(vaultID)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots for vault %s: %w", vaultID, err)
	}

	if len(snapshots) <= rm.maxKeep {
		return 0, nil
	}

	// ListSnapshots returns newest first; everything past maxKeep goes
	removed := 0
	for _, snap := range snapshots[rm.maxKeep:] {
		if err = rm.store.DeleteSnapshot(vaultID, snap.Timestamp); err != nil {
			return removed, fmt.Errorf("failed to delete snapshot %s: %w", snap.StorePath, err)
		}
		removed++
	}

	if removed > 0 {
		_ = rm.auditLog.Log("snapshot_prune", true, map[string]interface{}{
			"vault_id": vaultID,
			"removed":  removed,
			"kept":     rm.maxKeep,
		})
	}
	return removed, nil
}

// ListSnapshots returns snapshot info for a vault, newest first.
func (rm *RetentionManager) ListSnapshots(vaultID string) ([]persist.SnapshotInfo, error) {
	return rm.store.ListSnapshots(vaultID)
}

// Restore reads the snapshot of a vault taken at ts and returns the parsed
// manifest. The read is side-effect free: nothing is promoted or rewritten,
// the caller decides what to do with the recovered manifest.
func (rm *RetentionManager) Restore(vaultID string, ts time.Time) (*Manifest, error) {
	data, err := rm.store.LoadSnapshot(vaultID, ts)
	if err != nil {
		return nil, err
	}

	m, err := ParseManifest(data.Data)
	if err != nil {
		return nil, fmt.Errorf("snapshot of vault %s at %s is not a valid manifest: %w",
			vaultID, ts.UTC().Format(time.RFC3339), err)
	}

	_ = rm.auditLog.Log("snapshot_restore", true, map[string]interface{}{
		"vault_id":  vaultID,
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
		"revision":  m.Revision,
	})
	return m, nil
}
