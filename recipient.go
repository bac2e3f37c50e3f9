package coffer

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/coffer/internal/crypto"
)

// KeyKind identifies the kind of key protecting a vault.
type KeyKind string

const (
	// KeyKindPassphrase - a key derived from a user passphrase, stored in an
	// encrypted key file
	KeyKindPassphrase KeyKind = "passphrase"

	// KeyKindToken - a key held on a hardware token; only public parameters
	// are recorded
	KeyKindToken KeyKind = "token"
)

// RecipientInfo describes one key that can decrypt a vault. It is a closed
// tagged variant: exactly one of Passphrase or Token is set, matching Kind.
// Recipients are unique by KeyID within a manifest.
type RecipientInfo struct {
	// KeyID is the stable identifier of the key, shared with the registry.
	KeyID string `json:"key_id"`

	// Kind selects which parameter block is populated.
	Kind KeyKind `json:"kind"`

	// Label is the user-facing name of the key.
	Label string `json:"label"`

	// CreatedAt marks when the key was added as a recipient.
	CreatedAt time.Time `json:"created_at"`

	Passphrase *PassphraseParams `json:"passphrase,omitempty"`
	Token      *TokenParams      `json:"token,omitempty"`
}

// PassphraseParams carries the parameters of a passphrase-protected key.
type PassphraseParams struct {
	// KeyFilename is the name of the encrypted key file on disk.
	KeyFilename string `json:"key_filename"`
}

// TokenParams carries the public parameters of a hardware token key.
// No secret material ever appears here.
type TokenParams struct {
	Serial          string `json:"serial"`
	Slot            uint8  `json:"slot"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// Validate checks the tagged-variant invariant: the parameter block present
// must match Kind, and no other block may be set.
func (r RecipientInfo) Validate() error {
	if r.KeyID == "" {
		return fmt.Errorf("recipient key ID is required")
	}

	switch r.Kind {
	case KeyKindPassphrase:
		if r.Passphrase == nil {
			return fmt.Errorf("recipient %s: passphrase parameters are required for kind %s", r.KeyID, r.Kind)
		}
		if r.Token != nil {
			return fmt.Errorf("recipient %s: token parameters not allowed for kind %s", r.KeyID, r.Kind)
		}
	case KeyKindToken:
		if r.Token == nil {
			return fmt.Errorf("recipient %s: token parameters are required for kind %s", r.KeyID, r.Kind)
		}
		if r.Passphrase != nil {
			return fmt.Errorf("recipient %s: passphrase parameters not allowed for kind %s", r.KeyID, r.Kind)
		}
		if r.Token.Serial == "" {
			return fmt.Errorf("recipient %s: token serial is required", r.KeyID)
		}
	default:
		return fmt.Errorf("recipient %s: unknown key kind: %s", r.KeyID, r.Kind)
	}

	return nil
}

// NewPassphraseRecipient builds a passphrase recipient whose KeyID is a
// fingerprint of the raw key material. The material is passed in a memguard
// enclave and is wiped after fingerprinting; it is never stored.
func NewPassphraseRecipient(label, keyFilename string, keyMaterial *memguard.Enclave) (RecipientInfo, error) {
	keyID, err := crypto.FingerprintEnclave(keyMaterial)
	if err != nil {
		return RecipientInfo{}, fmt.Errorf("failed to fingerprint key material: %w", err)
	}

	return RecipientInfo{
		KeyID:     keyID,
		Kind:      KeyKindPassphrase,
		Label:     label,
		CreatedAt: time.Now().UTC(),
		Passphrase: &PassphraseParams{
			KeyFilename: keyFilename,
		},
	}, nil
}

// NewTokenRecipient builds a hardware token recipient. The KeyID is derived
// from the token serial and slot so the same token observed on different
// machines resolves to the same registry entry.
func NewTokenRecipient(label string, params TokenParams) (RecipientInfo, error) {
	if params.Serial == "" {
		return RecipientInfo{}, fmt.Errorf("token serial is required")
	}

	return RecipientInfo{
		KeyID:     tokenKeyID(params.Serial, params.Slot),
		Kind:      KeyKindToken,
		Label:     label,
		CreatedAt: time.Now().UTC(),
		Token:     &params,
	}, nil
}

// tokenKeyID derives a deterministic key ID from token serial and slot.
func tokenKeyID(serial string, slot uint8) string {
	return fmt.Sprintf("token-%s-%d", serial, slot)
}
