package persist

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreImplementation exercises the Store contract against any backend.
// Both the filesystem and S3 test entry points run this suite.
func testStoreImplementation(t *testing.T, store Store) {
	manifestData := []byte(`{"vault_id": "vault-a", "revision": 1}`)
	updatedData := []byte(`{"vault_id": "vault-a", "revision": 2}`)
	registryData := []byte(`{"schema": "coffer.registry/2", "keys": {}}`)
	identityData := []byte(`{"machine_id": "m-1"}`)

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, store.Ping())
	})

	t.Run("ManifestLifecycle", func(t *testing.T) {
		exists, err := store.ManifestExists("vault-a")
		require.NoError(t, err)
		assert.False(t, exists, "manifest should not exist before save")

		_, err = store.LoadManifest("vault-a")
		require.Error(t, err)
		assert.True(t, IsNotFound(err), "expected NotFoundError, got %v", err)

		require.NoError(t, store.SaveManifest("vault-a", manifestData))

		exists, err = store.ManifestExists("vault-a")
		require.NoError(t, err)
		assert.True(t, exists)

		loaded, err := store.LoadManifest("vault-a")
		require.NoError(t, err)
		assert.Equal(t, manifestData, loaded.Data)
		assert.NotEmpty(t, loaded.Version, "versioned data should carry a version")
		assert.False(t, loaded.Timestamp.IsZero())

		// Overwrite replaces the payload
		require.NoError(t, store.SaveManifest("vault-a", updatedData))
		loaded, err = store.LoadManifest("vault-a")
		require.NoError(t, err)
		assert.Equal(t, updatedData, loaded.Data)

		require.NoError(t, store.DeleteManifest("vault-a"))
		exists, err = store.ManifestExists("vault-a")
		require.NoError(t, err)
		assert.False(t, exists, "manifest should be gone after delete")

		err = store.DeleteManifest("vault-a")
		require.Error(t, err, "deleting a missing manifest should fail")
	})

	t.Run("ListVaults", func(t *testing.T) {
		vaults, err := store.ListVaults()
		require.NoError(t, err)
		assert.Empty(t, vaults)

		for _, vaultID := range []string{"vault-c", "vault-a", "vault-b"} {
			require.NoError(t, store.SaveManifest(vaultID, manifestData))
		}

		vaults, err = store.ListVaults()
		require.NoError(t, err)
		assert.Equal(t, []string{"vault-a", "vault-b", "vault-c"}, vaults, "vault IDs should be in lexical order")

		for _, vaultID := range vaults {
			require.NoError(t, store.DeleteManifest(vaultID))
		}
	})

	t.Run("SnapshotLifecycle", func(t *testing.T) {
		base := time.Now().UTC().Add(-time.Hour)

		snapshots, err := store.ListSnapshots("vault-snap")
		require.NoError(t, err)
		assert.Empty(t, snapshots)

		// Three snapshots saved oldest first
		for i := 0; i < 3; i++ {
			payload := []byte(fmt.Sprintf(`{"revision": %d}`, i+1))
			require.NoError(t, store.SaveSnapshot("vault-snap", base.Add(time.Duration(i)*time.Minute), payload))
		}

		snapshots, err = store.ListSnapshots("vault-snap")
		require.NoError(t, err)
		require.Len(t, snapshots, 3)

		// Newest first
		for i := 0; i < len(snapshots)-1; i++ {
			assert.True(t, snapshots[i].Timestamp.After(snapshots[i+1].Timestamp),
				"snapshots should be listed newest first")
		}
		for _, snap := range snapshots {
			assert.Equal(t, "vault-snap", snap.VaultID)
			assert.NotZero(t, snap.FileSize)
			assert.NotEmpty(t, snap.Checksum)
			assert.NotEmpty(t, snap.StorePath)
		}

		// Round trip via the recorded timestamp
		newest := snapshots[0]
		loaded, err := store.LoadSnapshot("vault-snap", newest.Timestamp)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"revision": 3}`), loaded.Data)

		_, err = store.LoadSnapshot("vault-snap", base.Add(-time.Hour))
		require.Error(t, err)
		assert.True(t, IsNotFound(err))

		require.NoError(t, store.DeleteSnapshot("vault-snap", newest.Timestamp))
		snapshots, err = store.ListSnapshots("vault-snap")
		require.NoError(t, err)
		assert.Len(t, snapshots, 2)

		for _, snap := range snapshots {
			require.NoError(t, store.DeleteSnapshot("vault-snap", snap.Timestamp))
		}
	})

	t.Run("SnapshotsDoNotLeakAcrossVaults", func(t *testing.T) {
		ts := time.Now().UTC()
		require.NoError(t, store.SaveSnapshot("vault-one", ts, []byte("one")))
		require.NoError(t, store.SaveSnapshot("vault-two", ts, []byte("two")))

		snapshots, err := store.ListSnapshots("vault-one")
		require.NoError(t, err)
		require.Len(t, snapshots, 1)
		assert.Equal(t, "vault-one", snapshots[0].VaultID)

		require.NoError(t, store.DeleteSnapshot("vault-one", ts))
		require.NoError(t, store.DeleteSnapshot("vault-two", ts))
	})

	t.Run("RegistryLifecycle", func(t *testing.T) {
		exists, err := store.RegistryExists()
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = store.LoadRegistry()
		require.Error(t, err)
		assert.True(t, IsNotFound(err))

		require.NoError(t, store.SaveRegistry(registryData))

		exists, err = store.RegistryExists()
		require.NoError(t, err)
		assert.True(t, exists)

		loaded, err := store.LoadRegistry()
		require.NoError(t, err)
		assert.Equal(t, registryData, loaded.Data)
	})

	t.Run("IdentityLifecycle", func(t *testing.T) {
		exists, err := store.IdentityExists()
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = store.LoadIdentity()
		require.Error(t, err)
		assert.True(t, IsNotFound(err))

		require.NoError(t, store.SaveIdentity(identityData))

		exists, err = store.IdentityExists()
		require.NoError(t, err)
		assert.True(t, exists)

		loaded, err := store.LoadIdentity()
		require.NoError(t, err)
		assert.Equal(t, identityData, loaded.Data)
	})

	t.Run("RejectsBadVaultIDs", func(t *testing.T) {
		bad := []string{"", "a/b", `a\b`, "..", "has space", "trav/../ersal"}
		for _, vaultID := range bad {
			assert.Error(t, store.SaveManifest(vaultID, manifestData), "vault ID %q should be rejected", vaultID)
		}

		long := make([]byte, 101)
		for i := range long {
			long[i] = 'a'
		}
		assert.Error(t, store.SaveManifest(string(long), manifestData), "over-long vault ID should be rejected")
	})

	t.Run("RejectsEmptyPayloads", func(t *testing.T) {
		assert.Error(t, store.SaveManifest("vault-a", nil))
		assert.Error(t, store.SaveRegistry(nil))
	})

	t.Run("ConcurrentManifestSaves", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				vaultID := fmt.Sprintf("vault-conc-%d", n)
				assert.NoError(t, store.SaveManifest(vaultID, manifestData))
			}(i)
		}
		wg.Wait()

		vaults, err := store.ListVaults()
		require.NoError(t, err)
		assert.Len(t, vaults, 8)

		for _, vaultID := range vaults {
			require.NoError(t, store.DeleteManifest(vaultID))
		}
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType())
	})
}

func TestStoreFactory(t *testing.T) {
	t.Run("FileSystem", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": t.TempDir()},
		})
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
	})

	t.Run("FileSystemMissingBasePath", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{}})
		require.Error(t, err)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: "redis"})
		require.Error(t, err)
	})
}
