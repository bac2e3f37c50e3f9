package coffer

import (
	"fmt"
	"sort"
	"time"

	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/persist"
)

// Reconciler keeps the key registry consistent with the manifests, which
// are the source of truth for which keys protect which vaults. All merging
// is additive: reconciliation creates entries and grows association sets,
// it never deletes an entry or removes an association. Removal is an
// explicit user action (Registry.Detach), not something a background merge
// is allowed to decide.
type Reconciler struct {
	store     persist.Store
	manifests *ManifestStore
	auditLog  audit.Logger
}

// NewReconciler wires a reconciler over the given store.
func NewReconciler(store persist.Store, manifests *ManifestStore, auditLog audit.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		manifests: manifests,
		auditLog:  auditLog,
	}
}

// LoadRegistry reads the registry from the store, returning a fresh empty
// registry when none has been written yet.
func (rc *Reconciler) LoadRegistry() (*Registry, error) {
	data, err := rc.store.LoadRegistry()
	if err != nil {
		if persist.IsNotFound(err) {
			return NewRegistry(), nil
		}
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	registry, err := ParseRegistry(data.Data)
	if err != nil {
		return nil, err
	}
	return registry, nil
}

// SaveRegistry persists the registry.
func (rc *Reconciler) SaveRegistry(registry *Registry) error {
	data, err := registry.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	if err = rc.store.SaveRegistry(data); err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	return nil
}

// transitionAction names the audit action for a lifecycle transition target.
// Deactivation, destruction and compromise carry their own actions; every
// other target logs as a plain transition.
func transitionAction(target LifecycleStatus) string {
	switch target {
	case StatusDeactivated:
		return "key_deactivate"
	case StatusDestroyed:
		return "key_destroy"
	case StatusCompromised:
		return "key_compromise"
	default:
		return "lifecycle_transition"
	}
}

// TransitionKey requests a lifecycle transition for a registered key and
// persists the registry when the status moved. A same-state request is an
// idempotent success that writes and logs nothing. Every request that moves
// a key, and every rejected one, lands in the audit trail with the key ID
// and both statuses.
func (rc *Reconciler) TransitionKey(keyID string, target LifecycleStatus, reason, changedBy string) (bool, error) {
	registry, err := rc.LoadRegistry()
	if err != nil {
		return false, err
	}

	entry := registry.Entry(keyID)
	if entry == nil {
		return false, fmt.Errorf("key %s not found in registry", keyID)
	}
	from := entry.LifecycleStatus

	changed, err := entry.RequestTransition(target, reason, changedBy)
	if err != nil {
		_ = rc.auditLog.Log(transitionAction(target), false, map[string]interface{}{
			"key_id": keyID,
			"from":   string(from),
			"to":     string(target),
			"error":  err.Error(),
		})
		return false, err
	}
	if !changed {
		return false, nil
	}

	if err = rc.SaveRegistry(registry); err != nil {
		return false, err
	}

	_ = rc.auditLog.Log(transitionAction(target), true, map[string]interface{}{
		"key_id": keyID,
		"from":   string(from),
		"to":     string(target),
		"reason": reason,
	})
	return true, nil
}

// DeactivateKey retires a key, keeping it restorable until destruction.
func (rc *Reconciler) DeactivateKey(keyID, reason string) error {
	_, err := rc.TransitionKey(keyID, StatusDeactivated, reason, "")
	return err
}

// RestoreKey returns a deactivated key to the status it held before
// deactivation and persists the registry. The restored status is returned
// for display.
func (rc *Reconciler) RestoreKey(keyID string) (LifecycleStatus, error) {
	registry, err := rc.LoadRegistry()
	if err != nil {
		return "", err
	}

	if err = registry.Restore(keyID); err != nil {
		_ = rc.auditLog.Log("key_restore", false, map[string]interface{}{
			"key_id": keyID,
			"error":  err.Error(),
		})
		return "", err
	}
	restored := registry.Entry(keyID).LifecycleStatus

	if err = rc.SaveRegistry(registry); err != nil {
		return "", err
	}

	_ = rc.auditLog.Log("key_restore", true, map[string]interface{}{
		"key_id":      keyID,
		"restored_to": string(restored),
	})
	return restored, nil
}

// AttachKey associates a key with a vault and persists the registry. An
// activation caused by the attach is logged as a lifecycle transition.
func (rc *Reconciler) AttachKey(keyID, vaultID string) error {
	registry, err := rc.LoadRegistry()
	if err != nil {
		return err
	}

	entry := registry.Entry(keyID)
	if entry == nil {
		return fmt.Errorf("key %s not found in registry", keyID)
	}
	from := entry.LifecycleStatus

	if err = registry.Attach(keyID, vaultID); err != nil {
		return err
	}
	if err = rc.SaveRegistry(registry); err != nil {
		return err
	}

	if entry.LifecycleStatus != from {
		_ = rc.auditLog.Log("lifecycle_transition", true, map[string]interface{}{
			"key_id":   keyID,
			"vault_id": vaultID,
			"from":     string(from),
			"to":       string(entry.LifecycleStatus),
			"reason":   "attached to vault",
		})
	}
	return nil
}

// DetachKey removes a key's association with a vault and persists the
// registry. A suspension caused by detaching the last vault is logged as a
// lifecycle transition.
func (rc *Reconciler) DetachKey(keyID, vaultID string) error {
	registry, err := rc.LoadRegistry()
	if err != nil {
		return err
	}

	entry := registry.Entry(keyID)
	if entry == nil {
		return fmt.Errorf("key %s not found in registry", keyID)
	}
	from := entry.LifecycleStatus

	if err = registry.Detach(keyID, vaultID); err != nil {
		return err
	}
	if err = rc.SaveRegistry(registry); err != nil {
		return err
	}

	if entry.LifecycleStatus != from {
		_ = rc.auditLog.Log("lifecycle_transition", true, map[string]interface{}{
			"key_id":   keyID,
			"vault_id": vaultID,
			"from":     string(from),
			"to":       string(entry.LifecycleStatus),
			"reason":   "detached from last vault",
		})
	}
	return nil
}

// Reconcile merges the recipients of the given manifests into the registry
// in place and reports whether anything changed.
//
// The merge is deterministic and idempotent: manifests are processed in
// vault ID order and recipients in key ID order, so reconciling the same
// inputs twice produces a byte-identical registry and reports no change the
// second time. For each recipient the merge
//
// - creates a missing registry entry, imported as Active since the manifest
//   proves the key protects a vault,
// - adds the vault to the entry's association set,
// - promotes a PreActivation or Suspended entry back to Active when a new
//   association appears.
//
// Entries in Deactivated, Destroyed or Compromised states keep their status;
// the association is still recorded so the registry reflects reality, but a
// background merge never resurrects a retired key.
func (rc *Reconciler) Reconcile(manifests []*Manifest, registry *Registry) bool {
	sorted := append([]*Manifest(nil), manifests...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].VaultID < sorted[j].VaultID
	})

	changed := false
	for _, m := range sorted {
		recipients := append([]RecipientInfo(nil), m.Recipients...)
		sort.Slice(recipients, func(i, j int) bool {
			return recipients[i].KeyID < recipients[j].KeyID
		})

		for _, recipient := range recipients {
			if rc.mergeRecipient(registry, recipient, m.VaultID) {
				changed = true
			}
		}
	}
	return changed
}

// mergeRecipient folds one manifest recipient into the registry.
func (rc *Reconciler) mergeRecipient(registry *Registry, recipient RecipientInfo, vaultID string) bool {
	changed := false

	entry, ok := registry.Keys[recipient.KeyID]
	if !ok {
		entry = entryFromRecipient(recipient)
		registry.Keys[recipient.KeyID] = entry
		changed = true
	}

	// Additive parameter backfill; existing values are never overwritten
	if entry.Label == "" && recipient.Label != "" {
		entry.Label = recipient.Label
		changed = true
	}
	if entry.Passphrase == nil && recipient.Passphrase != nil {
		p := *recipient.Passphrase
		entry.Passphrase = &p
		changed = true
	}
	if entry.Token == nil && recipient.Token != nil {
		t := *recipient.Token
		entry.Token = &t
		changed = true
	}

	if !entry.AssociatedWith(vaultID) {
		if err := registry.Attach(recipient.KeyID, vaultID); err != nil {
			// Retired keys keep their status; the association is still added
			_ = rc.auditLog.Log("registry_reconcile", false, map[string]interface{}{
				"key_id":   recipient.KeyID,
				"vault_id": vaultID,
				"error":    err.Error(),
			})
		}
		changed = true
	}

	return changed
}

// entryFromRecipient builds a registry entry for a key first seen in a
// manifest. The manifest proves the key protects a vault, so the entry is
// imported as Active.
func entryFromRecipient(recipient RecipientInfo) *KeyRegistryEntry {
	entry := &KeyRegistryEntry{
		KeyID:           recipient.KeyID,
		Kind:            recipient.Kind,
		Label:           recipient.Label,
		CreatedAt:       recipient.CreatedAt,
		LifecycleStatus: StatusActive,
		StatusHistory: []StatusHistoryEntry{{
			Status:    StatusActive,
			Timestamp: time.Now().UTC(),
			Reason:    "imported from vault manifest",
		}},
	}
	if recipient.Passphrase != nil {
		p := *recipient.Passphrase
		entry.Passphrase = &p
	}
	if recipient.Token != nil {
		t := *recipient.Token
		entry.Token = &t
	}
	return entry
}

// Bootstrap rebuilds the registry from every manifest visible to the store.
// It is the self-healing path run at startup: a deleted or corrupted
// registry file is reconstructed from the manifests, which never stop being
// authoritative. Corrupt manifests are skipped with a warning and do not
// abort the scan. The merged registry is persisted before returning.
func (rc *Reconciler) Bootstrap() (*Registry, []string, error) {
	manifests, warnings, err := rc.manifests.List()
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap scan failed: %w", err)
	}

	registry, err := rc.LoadRegistry()
	if err != nil {
		// A registry that cannot even be parsed is rebuilt from scratch
		warnings = append(warnings, fmt.Sprintf("registry unreadable, rebuilding: %v", err))
		registry = NewRegistry()
	}

	changed := rc.Reconcile(manifests, registry)

	if err = rc.SaveRegistry(registry); err != nil {
		return nil, warnings, err
	}

	_ = rc.auditLog.Log("registry_bootstrap", true, map[string]interface{}{
		"manifests": len(manifests),
		"skipped":   len(warnings),
		"keys":      len(registry.Keys),
		"changed":   changed,
	})
	return registry, warnings, nil
}

// NoteObservedToken records a hardware token seen connected to this device.
// The token flows through the same additive merge as manifest recipients: an
// unknown token gains a PreActivation entry (nothing proves it protects a
// vault yet), a known one only has its last-used stamp refreshed. The
// updated registry is persisted.
func (rc *Reconciler) NoteObservedToken(label string, params TokenParams) (*KeyRegistryEntry, error) {
	if params.Serial == "" {
		return nil, fmt.Errorf("token serial is required")
	}

	registry, err := rc.LoadRegistry()
	if err != nil {
		return nil, err
	}

	keyID := tokenKeyID(params.Serial, params.Slot)
	now := time.Now().UTC()

	entry, ok := registry.Keys[keyID]
	if !ok {
		entry = &KeyRegistryEntry{
			KeyID:           keyID,
			Kind:            KeyKindToken,
			Label:           label,
			CreatedAt:       now,
			LifecycleStatus: StatusPreActivation,
			StatusHistory: []StatusHistoryEntry{{
				Status:    StatusPreActivation,
				Timestamp: now,
				Reason:    "token observed on device",
			}},
			Token: &params,
		}
		registry.Keys[keyID] = entry
	} else {
		if entry.Token == nil {
			entry.Token = &params
		} else if entry.Token.FirmwareVersion == "" && params.FirmwareVersion != "" {
			entry.Token.FirmwareVersion = params.FirmwareVersion
		}
	}
	entry.LastUsed = &now

	if err = rc.SaveRegistry(registry); err != nil {
		return nil, err
	}

	_ = rc.auditLog.Log("token_observed", true, map[string]interface{}{
		"key_id": keyID,
		"serial": params.Serial,
		"slot":   params.Slot,
		"known":  ok,
	})
	return entry.Clone(), nil
}
