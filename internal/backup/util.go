package backup

import (
	"fmt"
	"time"
)

// SnapshotTimestampLayout is the filename-safe timestamp format used to
// name manifest snapshots. Lexical order equals chronological order.
const SnapshotTimestampLayout = "20060102T150405.000000000Z"

// SnapshotName builds the snapshot filename for a vault manifest taken at ts.
func SnapshotName(vaultID string, ts time.Time) string {
	return fmt.Sprintf("%s.manifest.%s", vaultID, ts.UTC().Format(SnapshotTimestampLayout))
}

// ParseSnapshotTimestamp parses a timestamp previously produced by SnapshotName.
func ParseSnapshotTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(SnapshotTimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snapshot timestamp %q: %w", s, err)
	}
	return ts, nil
}
