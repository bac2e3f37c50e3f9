package coffer

import (
	"fmt"

	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/persist"
)

// Winner identifies which side of a manifest conflict was kept.
type Winner string

const (
	// WinnerIncoming - the incoming manifest replaced the local one
	WinnerIncoming Winner = "incoming"

	// WinnerLocal - the local manifest was kept, nothing persisted
	WinnerLocal Winner = "local"
)

// Outcome reports a conflict resolution decision and what happened as a
// consequence. Callers surface Warning to the user when it is non-empty and
// trigger registry reconciliation when NeedsReconcile is set.
type Outcome struct {
	Winner           Winner `json:"winner"`
	BackupCreated    bool   `json:"backup_created"`
	NeedsReconcile   bool   `json:"needs_reconcile"`
	Warning          string `json:"warning,omitempty"`
	IncomingRevision uint32 `json:"incoming_revision"`
	LocalRevision    uint32 `json:"local_revision"` // 0 when no local manifest existed
}

// Message renders the outcome for user display.
func (o Outcome) Message() string {
	switch {
	case o.Warning != "":
		return o.Warning
	case o.Winner == WinnerIncoming && o.LocalRevision == 0:
		return fmt.Sprintf("adopted manifest at revision %d", o.IncomingRevision)
	case o.Winner == WinnerIncoming:
		return fmt.Sprintf("updated manifest from revision %d to %d", o.LocalRevision, o.IncomingRevision)
	default:
		return fmt.Sprintf("kept local manifest at revision %d", o.LocalRevision)
	}
}

// ConflictResolver decides between a local manifest and one arriving from
// outside, typically found inside a decrypted vault that another device
// wrote.
type ConflictResolver struct {
	manifests *ManifestStore
	auditLog  audit.Logger
}

// NewConflictResolver wires a resolver over the given manifest store.
func NewConflictResolver(manifests *ManifestStore, auditLog audit.Logger) *ConflictResolver {
	return &ConflictResolver{
		manifests: manifests,
		auditLog:  auditLog,
	}
}

// Resolve applies last-writer-wins between the incoming manifest and the
// local manifest of the same vault.
//
// DECISION TABLE:
// - No local manifest: the incoming manifest is adopted as-is. No backup is
//   taken because there is nothing to back up.
// - Incoming revision higher: the incoming manifest wins. The local manifest
//   is snapshotted before being replaced, so the losing state stays
//   recoverable through the retention manager.
// - Incoming revision lower: the local manifest is kept and NOTHING is
//   persisted. The outcome carries a rollback warning, because a lower
//   incoming revision usually means some device restored an old vault file;
//   silently accepting it would undo newer work.
// - Equal revisions: the strictly later last-encrypted timestamp wins. When
//   the timestamps are also equal the manifests are taken to be the same
//   write observed twice and the local copy is kept without any writes.
//
// The decision is made on the revision counter first and wall clocks only as
// a tie-break, so clock skew between devices cannot override an explicit
// revision ordering. Whenever the incoming manifest is persisted the outcome
// sets NeedsReconcile: its recipient set may name keys the local registry
// has never seen.
func (cr *ConflictResolver) Resolve(incoming *Manifest) (Outcome, error) {
	if incoming == nil {
		return Outcome{}, fmt.Errorf("incoming manifest cannot be nil")
	}
	if err := incoming.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("incoming manifest failed validation: %w", err)
	}

	local, err := cr.manifests.Load(incoming.VaultID)
	if err != nil {
		if !persist.IsNotFound(err) {
			return Outcome{}, fmt.Errorf("failed to load local manifest: %w", err)
		}

		// No local state; adopt the incoming manifest
		if err = cr.manifests.Save(incoming); err != nil {
			return Outcome{}, err
		}

		outcome := Outcome{
			Winner:           WinnerIncoming,
			NeedsReconcile:   true,
			IncomingRevision: incoming.Revision,
		}
		cr.logOutcome(incoming.VaultID, outcome)
		return outcome, nil
	}

	outcome := Outcome{
		IncomingRevision: incoming.Revision,
		LocalRevision:    local.Revision,
	}

	switch {
	case incoming.Revision > local.Revision:
		outcome.Winner = WinnerIncoming

	case incoming.Revision < local.Revision:
		outcome.Winner = WinnerLocal
		outcome.Warning = fmt.Sprintf(
			"possible rollback: incoming manifest for vault %s is at revision %d, behind local revision %d; keeping local",
			incoming.VaultID, incoming.Revision, local.Revision)

	default:
		// Same revision: strictly later timestamp wins, otherwise keep local
		if laterTime(incoming.LastEncryptedAt, local.LastEncryptedAt) {
			outcome.Winner = WinnerIncoming
		} else {
			outcome.Winner = WinnerLocal
		}
	}

	if outcome.Winner == WinnerIncoming {
		// Save snapshots the local manifest before replacing it; the snapshot
		// is best-effort, so the outcome reports what actually happened
		snapshotted, err := cr.manifests.save(incoming)
		if err != nil {
			return Outcome{}, err
		}
		outcome.BackupCreated = snapshotted
		outcome.NeedsReconcile = true
	}

	cr.logOutcome(incoming.VaultID, outcome)
	return outcome, nil
}

func (cr *ConflictResolver) logOutcome(vaultID string, outcome Outcome) {
	_ = cr.auditLog.Log("conflict_resolve", true, map[string]interface{}{
		"vault_id":          vaultID,
		"winner":            string(outcome.Winner),
		"incoming_revision": outcome.IncomingRevision,
		"local_revision":    outcome.LocalRevision,
		"backup_created":    outcome.BackupCreated,
		"warning":           outcome.Warning,
	})
}
