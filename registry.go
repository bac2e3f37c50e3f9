package coffer

import (
	"encoding/json"
	"fmt"
	"time"

	"southwinds.dev/coffer/internal/misc"
)

// KeyRegistryEntry is the registry's record of one key across all vaults on
// this device. Where a manifest lists a key as a recipient of one vault, the
// registry entry aggregates every vault the key protects plus its lifecycle
// state and history.
type KeyRegistryEntry struct {
	KeyID     string    `json:"key_id"`
	Kind      KeyKind   `json:"kind"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`

	// LastUsed marks the most recent decrypt or encrypt performed with this key.
	LastUsed *time.Time `json:"last_used,omitempty"`

	// LifecycleStatus is the key's current lifecycle state.
	LifecycleStatus LifecycleStatus `json:"lifecycle_status"`

	// StatusHistory is append-only, ordered oldest first.
	StatusHistory []StatusHistoryEntry `json:"status_history,omitempty"`

	// VaultAssociations lists the vaults this key protects, sorted. The set
	// only grows through reconciliation; it shrinks only through an explicit
	// Detach.
	VaultAssociations []string `json:"vault_associations"`

	Passphrase *PassphraseParams `json:"passphrase,omitempty"`
	Token      *TokenParams      `json:"token,omitempty"`
}

// AssociatedWith reports whether the entry protects the given vault.
func (e *KeyRegistryEntry) AssociatedWith(vaultID string) bool {
	for _, v := range e.VaultAssociations {
		if v == vaultID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entry.
func (e *KeyRegistryEntry) Clone() *KeyRegistryEntry {
	clone := *e

	if e.LastUsed != nil {
		ts := *e.LastUsed
		clone.LastUsed = &ts
	}
	if e.Passphrase != nil {
		p := *e.Passphrase
		clone.Passphrase = &p
	}
	if e.Token != nil {
		t := *e.Token
		clone.Token = &t
	}

	clone.StatusHistory = append([]StatusHistoryEntry(nil), e.StatusHistory...)
	clone.VaultAssociations = append([]string(nil), e.VaultAssociations...)
	return &clone
}

// Registry is the device-wide index of keys. There is exactly one registry
// per device; manifests remain the source of truth for which keys open which
// vault, and the registry is rebuilt from them whenever they disagree.
type Registry struct {
	// Schema identifies the registry file format version.
	Schema string `json:"schema"`

	// Keys maps key ID to its registry entry.
	Keys map[string]*KeyRegistryEntry `json:"keys"`

	// UpdatedAt marks the last registry save.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRegistry creates an empty registry at the current schema.
func NewRegistry() *Registry {
	return &Registry{
		Schema: misc.RegistrySchema,
		Keys:   make(map[string]*KeyRegistryEntry),
	}
}

// Entry returns the entry for keyID, or nil if not present.
func (r *Registry) Entry(keyID string) *KeyRegistryEntry {
	return r.Keys[keyID]
}

// KeyIDs returns all key IDs in lexical order.
func (r *Registry) KeyIDs() []string {
	return misc.SortedKeys(r.Keys)
}

// KeysForVault returns the entries associated with the given vault, in key
// ID order.
func (r *Registry) KeysForVault(vaultID string) []*KeyRegistryEntry {
	var entries []*KeyRegistryEntry
	for _, keyID := range r.KeyIDs() {
		if r.Keys[keyID].AssociatedWith(vaultID) {
			entries = append(entries, r.Keys[keyID])
		}
	}
	return entries
}

// Attach associates a key with a vault and activates it. Attaching a key
// that is already associated is a no-op. The key must exist in the registry.
func (r *Registry) Attach(keyID, vaultID string) error {
	entry, ok := r.Keys[keyID]
	if !ok {
		return fmt.Errorf("key %s not found in registry", keyID)
	}

	assoc, inserted := misc.InsertSorted(entry.VaultAssociations, vaultID)
	entry.VaultAssociations = assoc
	if !inserted {
		return nil
	}

	// A key protecting a vault is active by definition; rejection here only
	// happens from terminal or deactivated states
	if _, err := entry.RequestTransition(StatusActive, fmt.Sprintf("attached to vault %s", vaultID), ""); err != nil {
		return err
	}
	return nil
}

// Detach removes a key's association with a vault. Removing the last
// association suspends the key rather than leaving it active with nothing to
// protect. Detaching a key that was not associated is a no-op.
func (r *Registry) Detach(keyID, vaultID string) error {
	entry, ok := r.Keys[keyID]
	if !ok {
		return fmt.Errorf("key %s not found in registry", keyID)
	}

	assoc, removed := misc.RemoveString(entry.VaultAssociations, vaultID)
	entry.VaultAssociations = assoc
	if !removed {
		return nil
	}

	if len(entry.VaultAssociations) == 0 && entry.LifecycleStatus == StatusActive {
		if _, err := entry.RequestTransition(StatusSuspended,
			fmt.Sprintf("detached from last vault %s", vaultID), ""); err != nil {
			return err
		}
	}
	return nil
}

// Deactivate retires a key. The previous status survives in the history so
// Restore can undo the retirement during the grace period before destruction.
func (r *Registry) Deactivate(keyID, reason string) error {
	entry, ok := r.Keys[keyID]
	if !ok {
		return fmt.Errorf("key %s not found in registry", keyID)
	}

	if _, err := entry.RequestTransition(StatusDeactivated, reason, ""); err != nil {
		return err
	}
	return nil
}

// Restore returns a deactivated key to the status it held before
// deactivation. When the history does not show one, the key becomes Active
// if it still protects vaults and Suspended otherwise.
func (r *Registry) Restore(keyID string) error {
	entry, ok := r.Keys[keyID]
	if !ok {
		return fmt.Errorf("key %s not found in registry", keyID)
	}
	if entry.LifecycleStatus != StatusDeactivated {
		return fmt.Errorf("key %s is not deactivated (status: %s)", keyID, entry.LifecycleStatus)
	}

	previous := entry.statusBeforeDeactivation()
	if previous == "" {
		if len(entry.VaultAssociations) > 0 {
			previous = StatusActive
		} else {
			previous = StatusSuspended
		}
	}

	// Deactivated -> Active/Suspended is not in the transition table; a
	// restore is the sanctioned exception, so the status is set directly
	entry.LifecycleStatus = previous
	entry.StatusHistory = append(entry.StatusHistory, StatusHistoryEntry{
		Status:    previous,
		Timestamp: time.Now().UTC(),
		Reason:    "restored from deactivation",
	})
	return nil
}

// statusBeforeDeactivation walks the history backwards to find the status
// the key held before its most recent deactivation.
func (e *KeyRegistryEntry) statusBeforeDeactivation() LifecycleStatus {
	for i := len(e.StatusHistory) - 1; i >= 0; i-- {
		if e.StatusHistory[i].Status == StatusDeactivated {
			for j := i - 1; j >= 0; j-- {
				if e.StatusHistory[j].Status != StatusDeactivated {
					return e.StatusHistory[j].Status
				}
			}
			return ""
		}
	}
	return ""
}

// Validate checks the structural invariants of the registry.
func (r *Registry) Validate() error {
	for keyID, entry := range r.Keys {
		if entry == nil {
			return fmt.Errorf("registry entry for %s is nil", keyID)
		}
		if entry.KeyID != keyID {
			return fmt.Errorf("registry entry key ID mismatch: map key %s, entry %s", keyID, entry.KeyID)
		}
		if entry.LifecycleStatus != "" && !IsValidStatus(entry.LifecycleStatus) {
			return fmt.Errorf("key %s has unknown lifecycle status: %s", keyID, entry.LifecycleStatus)
		}
	}
	return nil
}

// Clone returns a deep copy of the registry.
func (r *Registry) Clone() *Registry {
	clone := &Registry{
		Schema:    r.Schema,
		UpdatedAt: r.UpdatedAt,
		Keys:      make(map[string]*KeyRegistryEntry, len(r.Keys)),
	}
	for keyID, entry := range r.Keys {
		clone.Keys[keyID] = entry.Clone()
	}
	return clone
}

// Encode serializes the registry, stamping the update time.
func (r *Registry) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	r.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registry: %w", err)
	}
	return data, nil
}

// ParseRegistry decodes a registry payload, migrating v1 files to the
// current schema. Entries without a lifecycle status receive one via
// MigrateLegacy. Unknown future schemas return a SchemaError.
func ParseRegistry(data []byte) (*Registry, error) {
	var probe struct {
		Schema string `json:"schema"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	switch probe.Schema {
	case misc.RegistrySchema, misc.LegacyRegistrySchema, "":
	default:
		return nil, SchemaError{File: "registry", Schema: probe.Schema}
	}

	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	if r.Keys == nil {
		r.Keys = make(map[string]*KeyRegistryEntry)
	}

	// v1 entries predate lifecycle tracking
	for keyID, entry := range r.Keys {
		if entry.KeyID == "" {
			entry.KeyID = keyID
		}
		entry.MigrateLegacy()
	}
	r.Schema = misc.RegistrySchema

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("registry failed validation: %w", err)
	}
	return &r, nil
}
