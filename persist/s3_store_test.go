package persist

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

// startMinio returns the endpoint of a MinIO instance, starting a container
// unless S3_MINIO_ENDPOINT points at an external one.
func startMinio(t *testing.T) string {
	t.Helper()

	if endpoint := os.Getenv("S3_MINIO_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     testAccessKey,
			"MINIO_ROOT_PASSWORD": testSecretKey,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start MinIO container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestS3Store(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping S3 store test in short mode")
	}

	endpoint := startMinio(t)

	store, err := NewS3Store(S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     testAccessKey,
		SecretAccessKey: testSecretKey,
		Bucket:          "coffer-test",
		KeyPrefix:       "unit",
		UseSSL:          false,
	})
	require.NoError(t, err, "failed to connect to MinIO")
	defer store.Close()

	assert.Equal(t, string(StoreTypeS3), store.GetType())

	testStoreImplementation(t, store)
}

func TestS3StoreFromConfig(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping S3 store test in short mode")
	}

	endpoint := startMinio(t)

	store, err := NewS3StoreFromConfig(StoreConfig{
		Type: StoreTypeS3,
		Config: map[string]interface{}{
			"endpoint":          endpoint,
			"access_key_id":     testAccessKey,
			"secret_access_key": testSecretKey,
			"bucket":            "coffer-config-test",
			"key_prefix":        "from-config",
			"use_ssl":           false,
		},
	})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveManifest("vault-a", []byte(`{"revision": 1}`)))
	loaded, err := store.LoadManifest("vault-a")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"revision": 1}`), loaded.Data)

	_, err = NewS3StoreFromConfig(StoreConfig{Type: StoreTypeFileSystem})
	require.Error(t, err, "wrong store type should be rejected")
}
