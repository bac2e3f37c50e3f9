package coffer

import (
	"fmt"
	"time"

	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/internal/debug"
	"southwinds.dev/coffer/persist"
)

// ManifestStore is the versioned read/write surface for vault manifests.
//
// Every save goes through the persistence layer's atomic write cycle, and
// every save of an existing vault first snapshots the manifest being
// replaced. The snapshot is best-effort: the save proceeds even when the
// snapshot fails, because a stale backup is a smaller problem than a lost
// write. Revision bookkeeping is explicit and pure: IncrementRevision
// returns an updated copy and persists nothing, so callers control exactly
// which revision lands on disk and when.
type ManifestStore struct {
	store     persist.Store
	retention *RetentionManager
	auditLog  audit.Logger
}

// NewManifestStore wires a manifest store over the given backend.
func NewManifestStore(store persist.Store, retention *RetentionManager, auditLog audit.Logger) *ManifestStore {
	return &ManifestStore{
		store:     store,
		retention: retention,
		auditLog:  auditLog,
	}
}

// Load reads and parses the manifest of the given vault.
// Returns a persist.NotFoundError when the vault has no manifest.
func (ms *ManifestStore) Load(vaultID string) (*Manifest, error) {
	data, err := ms.store.LoadManifest(vaultID)
	if err != nil {
		return nil, err
	}

	m, err := ParseManifest(data.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest for vault %s: %w", vaultID, err)
	}
	return m, nil
}

// Save persists the manifest. When the vault already has a manifest on disk,
// that manifest is snapshotted first so the state being replaced stays
// recoverable. The first save of a vault has nothing to snapshot and skips
// the step.
func (ms *ManifestStore) Save(m *Manifest) error {
	_, err := ms.save(m)
	return err
}

// save persists the manifest and reports whether a pre-save snapshot of the
// previous manifest was actually written. The first save of a vault, and a
// save whose best-effort snapshot failed, both report false.
func (ms *ManifestStore) save(m *Manifest) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("manifest cannot be nil")
	}

	data, err := m.Encode()
	if err != nil {
		return false, fmt.Errorf("failed to encode manifest: %w", err)
	}

	// Implicit pre-save snapshot of whatever is currently on disk
	snapshotted := false
	if previous, loadErr := ms.Load(m.VaultID); loadErr == nil {
		if snapErr := ms.retention.Snapshot(previous); snapErr != nil {
			// Snapshot failure never aborts the save
			debug.Print("Save: pre-save snapshot failed for %s: %v\n", m.VaultID, snapErr)
		} else {
			snapshotted = true
		}
	} else if !persist.IsNotFound(loadErr) {
		debug.Print("Save: could not read previous manifest for %s: %v\n", m.VaultID, loadErr)
	}

	if err = ms.store.SaveManifest(m.VaultID, data); err != nil {
		_ = ms.auditLog.Log("manifest_save", false, map[string]interface{}{
			"vault_id": m.VaultID,
			"revision": m.Revision,
			"error":    err.Error(),
		})
		return snapshotted, fmt.Errorf("failed to save manifest for vault %s: %w", m.VaultID, err)
	}

	_ = ms.auditLog.Log("manifest_save", true, map[string]interface{}{
		"vault_id": m.VaultID,
		"revision": m.Revision,
	})
	return snapshotted, nil
}

// IncrementRevision returns a copy of the manifest with the revision
// advanced by one and the last-encrypted stamp set to now and to the given
// device. The input manifest is not modified and nothing is persisted;
// callers save the returned copy explicitly once the operation it describes
// has succeeded.
func (ms *ManifestStore) IncrementRevision(m *Manifest, identity DeviceIdentity) *Manifest {
	next := m.Clone()
	next.Revision++

	now := time.Now().UTC()
	next.LastEncryptedAt = &now
	next.LastEncryptedBy = &LastEncryptedBy{
		MachineID:    identity.MachineID,
		MachineLabel: identity.MachineLabel,
	}
	return next
}

// Exists checks whether a manifest is present for the vault.
func (ms *ManifestStore) Exists(vaultID string) (bool, error) {
	return ms.store.ManifestExists(vaultID)
}

// Delete removes the manifest of a vault. Snapshots are kept; they are the
// only way back after an accidental delete.
func (ms *ManifestStore) Delete(vaultID string) error {
	if err := ms.store.DeleteManifest(vaultID); err != nil {
		return err
	}
	_ = ms.auditLog.Log("manifest_delete", true, map[string]interface{}{
		"vault_id": vaultID,
	})
	return nil
}

// List loads every manifest the store can see. Vaults whose manifests are
// unreadable or corrupted are skipped, each producing a warning string; a
// single damaged file never hides the healthy vaults.
func (ms *ManifestStore) List() ([]*Manifest, []string, error) {
	vaultIDs, err := ms.store.ListVaults()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list vaults: %w", err)
	}

	var manifests []*Manifest
	var warnings []string
	for _, vaultID := range vaultIDs {
		m, err := ms.Load(vaultID)
		if err != nil {
			warning := fmt.Sprintf("skipping vault %s: %v", vaultID, err)
			warnings = append(warnings, warning)
			debug.Print("List: %s\n", warning)
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, warnings, nil
}
