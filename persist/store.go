package persist

import (
	"errors"
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// Store defines the interface for persisting vault metadata.
// The methods in this interface allow for the management of vault manifests,
// manifest snapshots, the key registry, and the device identity file. The
// store never interprets the payloads it is given; serialization and schema
// handling belong to the layer above.
type Store interface {

	// Manifests

	// SaveManifest writes the manifest payload for the given vault.
	// The write is atomic: readers never observe a partially written manifest.
	SaveManifest(vaultID string, data []byte) error

	// LoadManifest retrieves the manifest payload for the given vault.
	// Returns:
	// - The versioned manifest payload.
	// - A NotFoundError if no manifest exists for the vault.
	LoadManifest(vaultID string) (*VersionedData, error)

	// ManifestExists checks if a manifest is present for the given vault.
	ManifestExists(vaultID string) (bool, error)

	// DeleteManifest removes the manifest for the given vault.
	DeleteManifest(vaultID string) error

	// ListVaults retrieves the IDs of all vaults that have a manifest,
	// in lexical order.
	ListVaults() ([]string, error)

	// Snapshots

	// SaveSnapshot stores an immutable snapshot of a vault manifest taken at ts.
	// Saving the same (vaultID, ts) pair twice overwrites the earlier copy.
	SaveSnapshot(vaultID string, ts time.Time, data []byte) error

	// LoadSnapshot retrieves the snapshot of the given vault taken at ts.
	// Returns a NotFoundError if no such snapshot exists.
	LoadSnapshot(vaultID string, ts time.Time) (*VersionedData, error)

	// ListSnapshots retrieves snapshot information for the given vault,
	// newest first.
	ListSnapshots(vaultID string) ([]SnapshotInfo, error)

	// DeleteSnapshot removes the snapshot of the given vault taken at ts.
	DeleteSnapshot(vaultID string, ts time.Time) error

	// Key registry

	// SaveRegistry writes the key registry payload. The write is atomic.
	SaveRegistry(data []byte) error

	// LoadRegistry retrieves the key registry payload.
	// Returns a NotFoundError if no registry has been written yet.
	LoadRegistry() (*VersionedData, error)

	// RegistryExists checks if a key registry is present.
	RegistryExists() (bool, error)

	// Device identity

	// SaveIdentity writes the device identity payload. The write is atomic.
	SaveIdentity(data []byte) error

	// LoadIdentity retrieves the device identity payload.
	// Returns a NotFoundError if no identity has been written yet.
	LoadIdentity() (*VersionedData, error)

	// IdentityExists checks if a device identity is present.
	IdentityExists() (bool, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// SnapshotInfo holds metadata about a stored manifest snapshot without
// requiring the snapshot payload to be parsed. It is used for retention
// decisions and for presenting recovery choices to the user.
type SnapshotInfo struct {
	// VaultID identifies the vault the snapshot belongs to.
	VaultID string `json:"vault_id"`

	// Timestamp marks when the snapshot was taken. Snapshot ordering and
	// retention pruning are driven by this field.
	Timestamp time.Time `json:"timestamp"`

	// FileSize is the size of the snapshot payload in bytes.
	FileSize int64 `json:"file_size"`

	// Checksum is the content hash of the snapshot payload.
	Checksum string `json:"checksum"`

	// StorePath is the store-agnostic path or object key of the snapshot.
	StorePath string `json:"store_path"`
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/coffer"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	// This field must be one of the predefined StoreType constants.
	Type StoreType `json:"type"`

	// Config contains configuration settings specific to the chosen storage
	// backend. The actual keys and values depend on the storage type in use.
	// For example, StoreTypeS3 expects keys like "bucket" and "endpoint".
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem indicates that the local file system should be used.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 indicates that an S3-compatible object store should be used.
	StoreTypeS3 StoreType = "s3"
)

// NotFoundError indicates that a requested item is not present in the store.
type NotFoundError struct {
	Kind string // "manifest", "snapshot", "registry", "identity"
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
