package coffer

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/internal/misc"
	"southwinds.dev/coffer/persist"
)

// Options represents configuration parameters for opening a coffer instance.
//
// This structure controls where vault metadata lives, how many manifest
// snapshots are retained per vault, how audit events are recorded and whether
// the process attempts to lock its memory. It deliberately contains nothing
// secret: key material never passes through configuration, only through the
// recipient constructors which take it in memguard enclaves.
//
// STORAGE SELECTION:
// Exactly one storage backend is used. When Store is non-nil it is consumed
// as-is, which is the injection point for tests and embedders with their own
// persist.Store implementation. Otherwise StoreConfig selects and builds a
// backend through the persist factory, and when that is also empty BasePath
// opens a local filesystem store rooted at the given directory.
//
// RETENTION:
// MaxSnapshots caps the per-vault snapshot history. Zero means the default
// of 5. The cap is enforced after every snapshot, oldest first.
//
// AUDITING:
// AuditConfig selects the audit backend (file, syslog or disabled). A nil
// config disables auditing via the no-op logger; core operations log
// unconditionally and rely on the logger to discard.
type Options struct {
	// BasePath is the root directory for a local filesystem store. Ignored
	// when Store or StoreConfig is set.
	BasePath string `json:"base_path,omitempty" validate:"required_without_all=StoreConfig Store"`

	// StoreConfig selects a storage backend through the persist factory.
	StoreConfig *persist.StoreConfig `json:"store_config,omitempty"`

	// Store is a pre-built storage backend. Takes precedence over both
	// StoreConfig and BasePath.
	Store persist.Store `json:"-"`

	// MaxSnapshots caps retained manifest snapshots per vault. Zero selects
	// the default of 5.
	MaxSnapshots int `json:"max_snapshots,omitempty" validate:"gte=0,lte=100"`

	// AuditConfig configures audit logging. Nil disables auditing.
	AuditConfig *audit.Config `json:"audit_config,omitempty"`

	// DeviceLabel overrides the hostname as the device's human-readable
	// name in last-writer stamps.
	DeviceLabel string `json:"device_label,omitempty" validate:"max=128"`

	// EnableMemoryLock controls memory locking to prevent key material
	// passing through recipient constructors from being swapped to disk.
	EnableMemoryLock bool `json:"enable_memory_lock"`
}

var optionsValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the Options configuration
func (o Options) Validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	if o.Store == nil && o.StoreConfig == nil && o.BasePath == "" {
		return fmt.Errorf("one of Store, StoreConfig or BasePath must be provided")
	}

	return nil
}

// maxSnapshots resolves the effective retention cap.
func (o Options) maxSnapshots() int {
	if o.MaxSnapshots <= 0 {
		return misc.DefaultMaxSnapshots
	}
	return o.MaxSnapshots
}
