package misc

const (
	// ManifestSchema is the current manifest file schema identifier
	ManifestSchema = "coffer.manifest/2"

	// RegistrySchema is the current key registry schema identifier
	RegistrySchema = "coffer.registry/2"

	// LegacyManifestSchema and LegacyRegistrySchema identify v1 files that
	// are migrated transparently at load time
	LegacyManifestSchema = "coffer.manifest/1"
	LegacyRegistrySchema = "coffer.registry/1"

	// DefaultMaxSnapshots is the number of retained manifest snapshots per vault
	DefaultMaxSnapshots = 5
)
