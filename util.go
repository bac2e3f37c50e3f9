package coffer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Version is the library version written into device identity files.
const Version = "0.3.0"

// NewVaultID generates a vault identifier. A short random suffix keeps the
// filename readable while avoiding collisions between same-named vaults.
func NewVaultID(label string) string {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		// Fall back to a UUID if random fails
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%s", sanitizeLabel(label), hex.EncodeToString(buf))
}

// sanitizeLabel reduces a user label to a filesystem-safe slug.
func sanitizeLabel(label string) string {
	out := make([]byte, 0, len(label))
	for i := 0; i < len(label) && len(out) < 40; i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		case c == ' ', c == '-', c == '_', c == '.':
			if len(out) > 0 && out[len(out)-1] != '-' {
				out = append(out, '-')
			}
		}
	}
	// Trim a trailing separator left by the loop
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return "vault"
	}
	return string(out)
}

// laterTime reports whether a is strictly after b, treating nil as the zero
// time. Used for equal-revision conflict tie-breaks.
func laterTime(a, b *time.Time) bool {
	var ta, tb time.Time
	if a != nil {
		ta = *a
	}
	if b != nil {
		tb = *b
	}
	return ta.After(tb)
}
