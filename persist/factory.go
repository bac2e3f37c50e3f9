package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateVaultID validates the vault ID for security
func validateVaultID(vaultID string) error {
	if vaultID == "" {
		return fmt.Errorf("vault ID cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(vaultID, "..") ||
		strings.Contains(vaultID, "/") ||
		strings.Contains(vaultID, "\\") ||
		strings.Contains(vaultID, " ") {
		return fmt.Errorf("vault ID contains invalid characters")
	}

	// Length check
	if len(vaultID) > 100 {
		return fmt.Errorf("vault ID too long (max 100 characters)")
	}

	return nil
}
