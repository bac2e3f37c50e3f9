package coffer

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"southwinds.dev/coffer/internal/crypto"
	"southwinds.dev/coffer/internal/misc"
)

// SchemaError indicates a manifest or registry file whose schema identifier
// is not understood by this version of the library.
type SchemaError struct {
	File   string
	Schema string
}

func (e SchemaError) Error() string {
	return fmt.Sprintf("unsupported %s schema: %q", e.File, e.Schema)
}

// Manifest is the authoritative record of a vault's contents and the keys
// that can open it. One manifest exists per vault; it is written atomically
// and versioned by a monotonically increasing revision counter that starts
// at 1 when the vault is created.
type Manifest struct {
	// Schema identifies the manifest file format version.
	Schema string `json:"schema"`

	// VaultID uniquely identifies the vault this manifest describes.
	VaultID string `json:"vault_id"`

	// Label is the user-facing vault name.
	Label string `json:"label"`

	// Description is optional free-form text about the vault.
	Description string `json:"description,omitempty"`

	// Revision counts manifest saves for this vault. It starts at 1 and
	// only ever increases; conflict resolution is decided on this field.
	Revision uint32 `json:"revision"`

	// CreatedAt marks when the vault was created.
	CreatedAt time.Time `json:"created_at"`

	// LastEncryptedAt marks the most recent encryption operation, if any.
	LastEncryptedAt *time.Time `json:"last_encrypted_at,omitempty"`

	// LastEncryptedBy identifies the device that performed the most recent
	// encryption. Used for conflict diagnostics, never for authorization.
	LastEncryptedBy *LastEncryptedBy `json:"last_encrypted_by,omitempty"`

	// Recipients lists the keys able to decrypt this vault.
	Recipients []RecipientInfo `json:"recipients"`

	// Files lists the vault contents by relative path.
	Files []FileEntry `json:"files,omitempty"`

	// FileCount and TotalSize are derived from Files and kept alongside them
	// so listings never need the full file table.
	FileCount int   `json:"file_count"`
	TotalSize int64 `json:"total_size"`

	// Integrity carries a digest over the canonical manifest encoding.
	Integrity *IntegrityInfo `json:"integrity,omitempty"`
}

// LastEncryptedBy identifies the device behind an encryption operation.
type LastEncryptedBy struct {
	MachineID    string `json:"machine_id"`
	MachineLabel string `json:"machine_label,omitempty"`
}

// FileEntry describes one file inside the vault.
type FileEntry struct {
	// Path is relative to the vault root. Absolute paths and traversal
	// segments are rejected by Validate.
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// IntegrityInfo carries the manifest self-digest.
type IntegrityInfo struct {
	Algorithm string `json:"algorithm"` // "blake2b-256"
	Digest    string `json:"digest"`
}

// NewManifest creates a manifest for a new vault at revision 1.
func NewManifest(vaultID, label string, recipients []RecipientInfo) (*Manifest, error) {
	m := &Manifest{
		Schema:     misc.ManifestSchema,
		VaultID:    vaultID,
		Label:      label,
		Revision:   1,
		CreatedAt:  time.Now().UTC(),
		Recipients: recipients,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the structural invariants of the manifest.
func (m *Manifest) Validate() error {
	if m.VaultID == "" {
		return fmt.Errorf("manifest vault ID is required")
	}
	if m.Revision == 0 {
		return fmt.Errorf("manifest revision must be at least 1")
	}

	seen := make(map[string]bool, len(m.Recipients))
	for _, r := range m.Recipients {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
		if seen[r.KeyID] {
			return fmt.Errorf("duplicate recipient key ID: %s", r.KeyID)
		}
		seen[r.KeyID] = true
	}

	for _, f := range m.Files {
		if f.Path == "" {
			return fmt.Errorf("file entry with empty path")
		}
		if filepath.IsAbs(f.Path) {
			return fmt.Errorf("file path must be relative: %s", f.Path)
		}
		clean := filepath.ToSlash(filepath.Clean(f.Path))
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("file path escapes vault root: %s", f.Path)
		}
	}

	return nil
}

// SetFiles replaces the file table and recomputes the derived counters.
func (m *Manifest) SetFiles(files []FileEntry) {
	m.Files = files
	m.FileCount = len(files)

	var total int64
	for _, f := range files {
		total += f.Size
	}
	m.TotalSize = total
}

// HasRecipient reports whether keyID is already a recipient.
func (m *Manifest) HasRecipient(keyID string) bool {
	for _, r := range m.Recipients {
		if r.KeyID == keyID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.LastEncryptedAt != nil {
		ts := *m.LastEncryptedAt
		clone.LastEncryptedAt = &ts
	}
	if m.LastEncryptedBy != nil {
		by := *m.LastEncryptedBy
		clone.LastEncryptedBy = &by
	}
	if m.Integrity != nil {
		in := *m.Integrity
		clone.Integrity = &in
	}

	clone.Recipients = make([]RecipientInfo, len(m.Recipients))
	for i, r := range m.Recipients {
		clone.Recipients[i] = r
		if r.Passphrase != nil {
			p := *r.Passphrase
			clone.Recipients[i].Passphrase = &p
		}
		if r.Token != nil {
			t := *r.Token
			clone.Recipients[i].Token = &t
		}
		clone.Recipients[i].CreatedAt = r.CreatedAt
	}

	clone.Files = append([]FileEntry(nil), m.Files...)
	return &clone
}

// Encode serializes the manifest with a fresh integrity digest.
func (m *Manifest) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	m.Integrity = &IntegrityInfo{
		Algorithm: "blake2b-256",
		Digest:    m.computeDigest(),
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// VerifyIntegrity recomputes the manifest digest and compares it with the
// stored one. Manifests without an integrity block pass: they predate the
// integrity stamp.
func (m *Manifest) VerifyIntegrity() error {
	if m.Integrity == nil {
		return nil
	}
	if m.Integrity.Algorithm != "blake2b-256" {
		return fmt.Errorf("unknown integrity algorithm: %s", m.Integrity.Algorithm)
	}
	if actual := m.computeDigest(); actual != m.Integrity.Digest {
		return fmt.Errorf("manifest integrity mismatch for vault %s", m.VaultID)
	}
	return nil
}

// computeDigest hashes the canonical manifest encoding with the integrity
// block excluded so the digest does not depend on itself.
func (m *Manifest) computeDigest() string {
	shallow := *m
	shallow.Integrity = nil

	// MarshalIndent of a struct is deterministic: field order follows the
	// struct definition
	data, err := json.Marshal(&shallow)
	if err != nil {
		return ""
	}
	return crypto.Digest(data)
}

// ParseManifest decodes a manifest payload, migrating legacy v1 layouts to
// the current schema. Unknown schemas return a SchemaError.
func ParseManifest(data []byte) (*Manifest, error) {
	var probe struct {
		Schema string `json:"schema"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	switch probe.Schema {
	case misc.ManifestSchema:
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("manifest failed validation: %w", err)
		}
		if err := m.VerifyIntegrity(); err != nil {
			return nil, err
		}
		return &m, nil

	case misc.LegacyManifestSchema, "":
		// Pre-schema files carry no schema field at all
		return parseManifestV1(data)

	default:
		return nil, SchemaError{File: "manifest", Schema: probe.Schema}
	}
}

// manifestV1 is the flat layout written before the nested recipient blocks
// were introduced.
type manifestV1 struct {
	Schema          string     `json:"schema,omitempty"`
	VaultID         string     `json:"vault_id"`
	Label           string     `json:"label"`
	Version         uint32     `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	LastEncryptedAt *time.Time `json:"last_encrypted_at,omitempty"`
	Recipients      []struct {
		KeyID       string     `json:"key_id"`
		Type        string     `json:"type"`
		Label       string     `json:"label"`
		CreatedAt   time.Time  `json:"created_at"`
		KeyFilename string     `json:"key_filename,omitempty"`
		Serial      string     `json:"serial,omitempty"`
		Slot        uint8      `json:"slot,omitempty"`
		Firmware    string     `json:"firmware_version,omitempty"`
	} `json:"recipients"`
	Files []FileEntry `json:"files,omitempty"`
}

func parseManifestV1(data []byte) (*Manifest, error) {
	var v1 manifestV1
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, fmt.Errorf("failed to parse legacy manifest: %w", err)
	}
	if v1.VaultID == "" {
		return nil, fmt.Errorf("legacy manifest missing vault ID")
	}

	m := &Manifest{
		Schema:          misc.ManifestSchema,
		VaultID:         v1.VaultID,
		Label:           v1.Label,
		Revision:        v1.Version,
		CreatedAt:       v1.CreatedAt,
		LastEncryptedAt: v1.LastEncryptedAt,
	}
	if m.Revision == 0 {
		m.Revision = 1
	}

	for _, r := range v1.Recipients {
		rec := RecipientInfo{
			KeyID:     r.KeyID,
			Label:     r.Label,
			CreatedAt: r.CreatedAt,
		}
		switch r.Type {
		case string(KeyKindToken), "yubikey":
			rec.Kind = KeyKindToken
			rec.Token = &TokenParams{
				Serial:          r.Serial,
				Slot:            r.Slot,
				FirmwareVersion: r.Firmware,
			}
		default:
			rec.Kind = KeyKindPassphrase
			rec.Passphrase = &PassphraseParams{KeyFilename: r.KeyFilename}
		}
		m.Recipients = append(m.Recipients, rec)
	}

	m.SetFiles(v1.Files)

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("migrated legacy manifest failed validation: %w", err)
	}
	return m, nil
}
