package coffer

import (
	"fmt"

	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/internal/debug"
	"southwinds.dev/coffer/internal/mem"
	"southwinds.dev/coffer/persist"
)

// Coffer is the composition root for the vault metadata engine. It wires
// the persistence backend, audit logging, retention, conflict resolution,
// registry reconciliation and device identity into one handle.
//
// A Coffer owns no cryptographic material and performs no encryption;
// it manages the metadata plane of a vault system: manifests, snapshots,
// the key registry and the device identity. Archive packing and the actual
// cipher work live with the caller.
type Coffer struct {
	store    persist.Store
	auditLog audit.Logger
	options  Options

	manifests *ManifestStore
	retention *RetentionManager
	conflicts *ConflictResolver
	registry  *Reconciler
	identity  *IdentityProvider

	memoryProtection mem.ProtectionLevel
}

// New opens a coffer instance with the given options.
//
// Opening builds the storage backend, starts the audit logger and runs the
// registry bootstrap scan so a missing or damaged registry is self-healed
// from the manifests before the first caller touches it. Bootstrap warnings
// (corrupt manifests that were skipped) are logged, not fatal.
func New(options Options) (*Coffer, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	store := options.Store
	if store == nil {
		var err error
		if options.StoreConfig != nil {
			store, err = persist.NewStore(*options.StoreConfig)
		} else {
			store, err = persist.NewFileSystemStore(options.BasePath)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	auditLog, err := audit.NewLogger(options.AuditConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	c := &Coffer{
		store:    store,
		auditLog: auditLog,
		options:  options,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			debug.Print("New: memory lock failed: %v\n", err)
		}
		c.memoryProtection = level
	}

	c.retention = NewRetentionManager(store, auditLog, options.maxSnapshots())
	c.manifests = NewManifestStore(store, c.retention, auditLog)
	c.conflicts = NewConflictResolver(c.manifests, auditLog)
	c.registry = NewReconciler(store, c.manifests, auditLog)
	c.identity = NewIdentityProvider(store, auditLog)

	if _, warnings, err := c.registry.Bootstrap(); err != nil {
		_ = auditLog.Close()
		return nil, fmt.Errorf("registry bootstrap failed: %w", err)
	} else {
		for _, w := range warnings {
			debug.Print("New: bootstrap warning: %s\n", w)
		}
	}

	return c, nil
}

// Manifests returns the versioned manifest store.
func (c *Coffer) Manifests() *ManifestStore { return c.manifests }

// Retention returns the snapshot retention manager.
func (c *Coffer) Retention() *RetentionManager { return c.retention }

// Conflicts returns the manifest conflict resolver.
func (c *Coffer) Conflicts() *ConflictResolver { return c.conflicts }

// Registry returns the registry reconciler.
func (c *Coffer) Registry() *Reconciler { return c.registry }

// Identity returns the device identity provider.
func (c *Coffer) Identity() *IdentityProvider { return c.identity }

// Audit returns the audit logger for querying.
func (c *Coffer) Audit() audit.Logger { return c.auditLog }

// MemoryProtection reports the memory protection level achieved at open.
func (c *Coffer) MemoryProtection() mem.ProtectionLevel { return c.memoryProtection }

// DeviceIdentity returns this device's durable identity, applying the
// configured label override.
func (c *Coffer) DeviceIdentity() (DeviceIdentity, error) {
	identity, err := c.identity.GetOrCreate()
	if err != nil {
		return DeviceIdentity{}, err
	}
	if c.options.DeviceLabel != "" {
		identity.MachineLabel = c.options.DeviceLabel
	}
	return identity, nil
}

// Close releases the audit logger and the store. The instance must not be
// used after Close.
func (c *Coffer) Close() error {
	var firstErr error

	if err := c.auditLog.Close(); err != nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if c.options.EnableMemoryLock {
		if err := mem.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
