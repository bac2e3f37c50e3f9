package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"southwinds.dev/coffer/internal/backup"
	"southwinds.dev/coffer/internal/crypto"
	"southwinds.dev/coffer/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	manifestExt = ".manifest"
)

// FileSystemStore implements Store for the local filesystem.
// Layout under basePath:
//
//	basePath/
//	├── store.json                       # store configuration and access stamp
//	├── registry.json                    # key registry
//	├── device.json                      # device identity
//	├── vaults/
//	│   └── <vaultID>.manifest           # current manifest per vault
//	└── backups/
//	    └── <vaultID>.manifest.<ts>      # immutable manifest snapshots
type FileSystemStore struct {
	basePath     string
	vaultsDir    string // basePath/vaults/
	backupsDir   string // basePath/backups/
	tempDir      string // basePath/temp/
	storeConfig  string // basePath/store.json
	registryPath string // basePath/registry.json
	identityPath string // basePath/device.json
}

// StoreInfo records the store layout version and access times.
type StoreInfo struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required for filesystem store")
	}

	fs := &FileSystemStore{
		basePath:     basePath,
		vaultsDir:    filepath.Join(basePath, "vaults"),
		backupsDir:   filepath.Join(basePath, "backups"),
		tempDir:      filepath.Join(basePath, "temp"),
		storeConfig:  filepath.Join(basePath, "store.json"),
		registryPath: filepath.Join(basePath, "registry.json"),
		identityPath: filepath.Join(basePath, "device.json"),
	}

	// Create necessary directories
	dirs := []string{
		fs.basePath,
		fs.vaultsDir,
		fs.backupsDir,
		fs.tempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeStoreInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) initializeStoreInfo() error {
	if _, err := os.Stat(fs.storeConfig); os.IsNotExist(err) {
		info := StoreInfo{
			Version:    "1.0.0",
			CreatedAt:  time.Now().UTC(),
			LastAccess: time.Now().UTC(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.storeConfig, data, FilePermissions)
	}
	return nil
}

// Manifest operations

// SaveManifest writes a manifest payload using a temp-file-then-rename cycle
// so a crash mid-write never corrupts the current manifest.
func (fs *FileSystemStore) SaveManifest(vaultID string, data []byte) error {
	if err := validateVaultID(vaultID); err != nil {
		return fmt.Errorf("invalid vault ID: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("manifest data cannot be empty")
	}

	if err := os.MkdirAll(fs.vaultsDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create vaults directory: %w", err)
	}

	path := fs.manifestPath(vaultID)
	debug.Print("SaveManifest: writing %d bytes to %s\n", len(data), path)

	return writeSecureFile(path, data, FilePermissions)
}

// LoadManifest returns the versioned manifest payload for a vault
func (fs *FileSystemStore) LoadManifest(vaultID string) (*VersionedData, error) {
	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}

	path := fs.manifestPath(vaultID)

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFoundError{Kind: "manifest", ID: vaultID}
		}
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   crypto.Digest(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) ManifestExists(vaultID string) (bool, error) {
	if err := validateVaultID(vaultID); err != nil {
		return false, fmt.Errorf("invalid vault ID: %w", err)
	}
	return fileExists(fs.manifestPath(vaultID))
}

func (fs *FileSystemStore) DeleteManifest(vaultID string) error {
	if err := validateVaultID(vaultID); err != nil {
		return fmt.Errorf("invalid vault ID: %w", err)
	}

	path := fs.manifestPath(vaultID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NotFoundError{Kind: "manifest", ID: vaultID}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}

// ListVaults returns the IDs of all vaults with a manifest, in lexical order
func (fs *FileSystemStore) ListVaults() ([]string, error) {
	entries, err := os.ReadDir(fs.vaultsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read vaults directory: %w", err)
	}

	var vaults []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, manifestExt) {
			continue
		}
		vaults = append(vaults, strings.TrimSuffix(name, manifestExt))
	}

	sort.Strings(vaults)
	return vaults, nil
}

// Snapshot operations

func (fs *FileSystemStore) SaveSnapshot(vaultID string, ts time.Time, data []byte) error {
	if err := validateVaultID(vaultID); err != nil {
		return fmt.Errorf("invalid vault ID: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("snapshot data cannot be empty")
	}

	if err := os.MkdirAll(fs.backupsDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create backups directory: %w", err)
	}

	path := filepath.Join(fs.backupsDir, backup.SnapshotName(vaultID, ts))
	debug.Print("SaveSnapshot: writing snapshot for %s to %s\n", vaultID, path)

	return writeSecureFile(path, data, FilePermissions)
}

func (fs *FileSystemStore) LoadSnapshot(vaultID string, ts time.Time) (*VersionedData, error) {
	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}

	path := filepath.Join(fs.backupsDir, backup.SnapshotName(vaultID, ts))

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFoundError{Kind: "snapshot", ID: backup.SnapshotName(vaultID, ts)}
		}
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   crypto.Digest(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// ListSnapshots returns snapshot info for a vault, newest first.
// Files with unparseable names are skipped, not fatal.
func (fs *FileSystemStore) ListSnapshots(vaultID string) ([]SnapshotInfo, error) {
	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}

	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SnapshotInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	prefix := vaultID + manifestExt + "."

	var snapshots []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		ts, err := backup.ParseSnapshotTimestamp(strings.TrimPrefix(name, prefix))
		if err != nil {
			debug.Print("ListSnapshots: skipping %s: %v\n", name, err)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			debug.Print("ListSnapshots: failed to stat %s: %v\n", name, err)
			continue
		}

		data, err := os.ReadFile(filepath.Join(fs.backupsDir, name))
		if err != nil {
			debug.Print("ListSnapshots: failed to read %s: %v\n", name, err)
			continue
		}

		snapshots = append(snapshots, SnapshotInfo{
			VaultID:   vaultID,
			Timestamp: ts,
			FileSize:  info.Size(),
			Checksum:  crypto.CalculateChecksum(data),
			StorePath: name,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

func (fs *FileSystemStore) DeleteSnapshot(vaultID string, ts time.Time) error {
	if err := validateVaultID(vaultID); err != nil {
		return fmt.Errorf("invalid vault ID: %w", err)
	}

	name := backup.SnapshotName(vaultID, ts)
	path := filepath.Join(fs.backupsDir, name)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NotFoundError{Kind: "snapshot", ID: name}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
	}
	return nil
}

// Registry operations

func (fs *FileSystemStore) SaveRegistry(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("registry data cannot be empty")
	}
	return writeSecureFile(fs.registryPath, data, FilePermissions)
}

func (fs *FileSystemStore) LoadRegistry() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFoundError{Kind: "registry"}
		}
		return nil, fmt.Errorf("failed to stat registry: %w", err)
	}

	data, err := os.ReadFile(fs.registryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   crypto.Digest(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) RegistryExists() (bool, error) {
	return fileExists(fs.registryPath)
}

// Identity operations

func (fs *FileSystemStore) SaveIdentity(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("identity data cannot be empty")
	}
	return writeSecureFile(fs.identityPath, data, FilePermissions)
}

func (fs *FileSystemStore) LoadIdentity() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.identityPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFoundError{Kind: "identity"}
		}
		return nil, fmt.Errorf("failed to stat identity: %w", err)
	}

	data, err := os.ReadFile(fs.identityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   crypto.Digest(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) IdentityExists() (bool, error) {
	return fileExists(fs.identityPath)
}

// Health and utilities

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.storeConfig); err == nil {
		var info StoreInfo
		if err := json.Unmarshal(configData, &info); err == nil {
			info.LastAccess = time.Now().UTC()
			if updatedData, err := json.MarshalIndent(info, "", "  "); err == nil {
				_ = writeSecureFile(fs.storeConfig, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) manifestPath(vaultID string) string {
	return filepath.Join(fs.vaultsDir, vaultID+manifestExt)
}

// Helper functions

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
