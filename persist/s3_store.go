package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/coffer/internal/backup"
	"southwinds.dev/coffer/internal/crypto"
	"southwinds.dev/coffer/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using an S3-compatible backend.
// S3 Object Structure:
//
//	bucketName/
//	├── [keyPrefix/]vaults/
//	│   ├── vault-a.manifest              # current manifest per vault
//	│   └── vault-b.manifest
//	├── [keyPrefix/]backups/
//	│   ├── vault-a.manifest.<ts>         # immutable manifest snapshots
//	│   └── vault-a.manifest.<ts>
//	├── [keyPrefix/]registry.json         # key registry
//	└── [keyPrefix/]device.json           # device identity
type S3Store struct {
	// client is the MinIO client used to interact with the backend.
	client *minio.Client

	// bucketName is the name of the bucket used to store vault metadata.
	bucketName string

	// keyPrefix is an optional prefix for keys in the bucket, allowing for
	// namespace separation if multiple applications share the same bucket.
	keyPrefix string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`          // The endpoint for the S3 service.
	AccessKeyID     string `json:"access_key_id"`     // The Access Key ID for accessing the S3 service.
	SecretAccessKey string `json:"secret_access_key"` // The Secret Access Key for accessing the S3 service.
	Bucket          string `json:"bucket"`            // The S3 bucket to use.
	KeyPrefix       string `json:"key_prefix"`        // The prefix for keys stored in the bucket.
	UseSSL          bool   `json:"use_ssl"`           // Whether to use SSL for the connection.
	Region          string `json:"region"`            // The region of the S3 bucket.
}

// NewS3Store initializes a new S3Store instance using the provided S3
// configuration. It establishes a connection to the backend and ensures
// that the specified bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

// Manifest operations

func (s3s *S3Store) SaveManifest(vaultID string, data []byte) error {
	if err := validateVaultID(vaultID); err != nil {
		return fmt.Errorf("invalid vault ID: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("manifest data cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.manifestObjectName(vaultID)
	debug.Print("SaveManifest: putting %d bytes to %s\n", len(data), objectName)

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":  "manifest",
				"vault-id":   vaultID,
				"created-at": time.Now().UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

func (s3s *S3Store) LoadManifest(vaultID string) (*VersionedData, error) {
	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}
	return s3s.loadObject(s3s.manifestObjectName(vaultID), NotFoundError{Kind: "manifest", ID: vaultID})
}

func (s3s *S3Store) ManifestExists(vaultID string) (bool, error) {
	if err := validateVaultID(vaultID); err != nil {
		return false, fmt.Errorf("invalid vault ID: %w", err)
	}
	return s3s.objectExists(s3s.manifestObjectName(vaultID))
}

func (s3s *S3Store) DeleteManifest(vaultID string) error {
	if err := validateVaultID(vaultID); err != nil {
		return fmt.Errorf("invalid vault ID: %w", err)
	}

	exists, err := s3s.ManifestExists(vaultID)
	if err != nil {
		return err
	}
	if !exists {
		return NotFoundError{Kind: "manifest", ID: vaultID}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.manifestObjectName(vaultID),
		minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}

func (s3s *S3Store) ListVaults() ([]string, error) {
	prefix := s3s.buildPath("vaults") + "/"

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var vaults []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list vaults: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if !strings.HasSuffix(name, manifestExt) || strings.Contains(name, "/") {
			continue
		}
		vaults = append(vaults, strings.TrimSuffix(name, manifestExt))
	}

	sort.Strings(vaults)
	return vaults, nil
}

// Snapshot operations

func (s3s *S3Store) SaveSnapshot(vaultID string, ts time.Time, data []byte) error {
	if err := validateVaultID(vaultID); err != nil {
		return fmt.Errorf("invalid vault ID: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("snapshot data cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.buildPath("backups", backup.SnapshotName(vaultID, ts))
	debug.Print("SaveSnapshot: putting snapshot for %s to %s\n", vaultID, objectName)

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":          "manifest-snapshot",
				"vault-id":           vaultID,
				"snapshot-timestamp": ts.UTC().Format(time.RFC3339Nano),
				"checksum":           crypto.CalculateChecksum(data),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s3s *S3Store) LoadSnapshot(vaultID string, ts time.Time) (*VersionedData, error) {
	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}
	name := backup.SnapshotName(vaultID, ts)
	return s3s.loadObject(s3s.buildPath("backups", name), NotFoundError{Kind: "snapshot", ID: name})
}

func (s3s *S3Store) ListSnapshots(vaultID string) ([]SnapshotInfo, error) {
	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}

	prefix := s3s.buildPath("backups") + "/" + vaultID + manifestExt + "."

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var snapshots []SnapshotInfo
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", object.Err)
		}

		ts, err := backup.ParseSnapshotTimestamp(strings.TrimPrefix(object.Key, prefix))
		if err != nil {
			debug.Print("ListSnapshots: skipping %s: %v\n", object.Key, err)
			continue
		}

		// User metadata requires a StatObject round trip; the checksum stored
		// at save time is preferred over rehashing the payload here.
		checksum := ""
		if statInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, object.Key,
			minio.StatObjectOptions{}); err == nil {
			checksum = lookupMetadata(statInfo.UserMetadata, "checksum")
		}

		snapshots = append(snapshots, SnapshotInfo{
			VaultID:   vaultID,
			Timestamp: ts,
			FileSize:  object.Size,
			Checksum:  checksum,
			StorePath: object.Key,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

func (s3s *S3Store) DeleteSnapshot(vaultID string, ts time.Time) error {
	if err := validateVaultID(vaultID); err != nil {
		return fmt.Errorf("invalid vault ID: %w", err)
	}

	name := backup.SnapshotName(vaultID, ts)
	objectName := s3s.buildPath("backups", name)

	exists, err := s3s.objectExists(objectName)
	if err != nil {
		return err
	}
	if !exists {
		return NotFoundError{Kind: "snapshot", ID: name}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, objectName,
		minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
	}
	return nil
}

// Registry operations

func (s3s *S3Store) SaveRegistry(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("registry data cannot be empty")
	}
	return s3s.putObject(s3s.buildPath("registry.json"), data, "registry")
}

func (s3s *S3Store) LoadRegistry() (*VersionedData, error) {
	return s3s.loadObject(s3s.buildPath("registry.json"), NotFoundError{Kind: "registry"})
}

func (s3s *S3Store) RegistryExists() (bool, error) {
	return s3s.objectExists(s3s.buildPath("registry.json"))
}

// Identity operations

func (s3s *S3Store) SaveIdentity(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("identity data cannot be empty")
	}
	return s3s.putObject(s3s.buildPath("device.json"), data, "identity")
}

func (s3s *S3Store) LoadIdentity() (*VersionedData, error) {
	return s3s.loadObject(s3s.buildPath("device.json"), NotFoundError{Kind: "identity"})
}

func (s3s *S3Store) IdentityExists() (bool, error) {
	return s3s.objectExists(s3s.buildPath("device.json"))
}

// Health and utilities

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	// The MinIO client holds no resources that need explicit release
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// Helper methods

func (s3s *S3Store) putObject(objectName string, data []byte, dataType string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":  dataType,
				"created-at": time.Now().UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", dataType, err)
	}
	return nil
}

func (s3s *S3Store) loadObject(objectName string, notFound NotFoundError) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, notFound
		}
		return nil, fmt.Errorf("failed to load %s: %w", notFound.Kind, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		// GetObject is lazy; a missing key often surfaces on first read
		if s3s.isNotFoundError(err) {
			return nil, notFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", notFound.Kind, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s info: %w", notFound.Kind, err)
	}

	// Parse timestamp from metadata, fallback to LastModified
	var timestamp time.Time
	if createdAt := lookupMetadata(objectInfo.UserMetadata, "created-at"); createdAt != "" {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}
	if timestamp.IsZero() {
		timestamp = objectInfo.LastModified
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) objectExists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

func (s3s *S3Store) buildPath(components ...string) string {
	var parts []string
	if s3s.keyPrefix != "" {
		cleanPrefix := strings.Trim(s3s.keyPrefix, "/")
		if cleanPrefix != "" {
			parts = append(parts, cleanPrefix)
		}
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) manifestObjectName(vaultID string) string {
	return s3s.buildPath("vaults", vaultID+manifestExt)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	// Remove quotes from ETag
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}

// lookupMetadata performs a case-insensitive user metadata lookup; S3
// backends differ in how they canonicalize metadata keys.
func lookupMetadata(metadata map[string]string, key string) string {
	searchKey := strings.ToLower(strings.ReplaceAll(key, "_", "-"))
	for k, v := range metadata {
		if strings.ToLower(strings.ReplaceAll(k, "_", "-")) == searchKey {
			return v
		}
	}
	return ""
}
