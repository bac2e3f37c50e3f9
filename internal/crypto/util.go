package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/blake2b"
)

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Digest computes the BLAKE2b-256 digest of data, hex encoded.
// Used for manifest integrity stamps where SHA-256 is reserved for
// per-file content hashes.
func Digest(data []byte) string {
	hash := blake2b.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// FileSHA256 streams the file at path through SHA-256 and returns the
// hex encoded digest.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintEnclave derives a short stable fingerprint from key material
// held in a memguard enclave. The material is only ever exposed inside a
// locked buffer and is wiped before return.
func FingerprintEnclave(enclave *memguard.Enclave) (string, error) {
	if enclave == nil {
		return "", fmt.Errorf("key material is required")
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open key material enclave: %w", err)
	}
	defer buf.Destroy()

	if buf.Size() == 0 {
		return "", fmt.Errorf("key material is empty")
	}

	hash := blake2b.Sum256(buf.Bytes())
	// 16 hex chars is enough to disambiguate keys within a registry
	return hex.EncodeToString(hash[:8]), nil
}

// IsWeakKeyMaterial reports whether raw key material is too degenerate
// to fingerprint meaningfully.
func IsWeakKeyMaterial(key []byte) bool {
	if len(key) < 16 {
		return true
	}

	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}
	return len(uniqueBytes) < 4
}
