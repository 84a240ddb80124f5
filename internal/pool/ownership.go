package pool

import (
	"fmt"

	"github.com/dgnsrekt/tabhub/internal/apperr"
)

// UnknownOwner marks tabs with no attributable creator. Any agent may act on them.
const UnknownOwner = "unknown"

// OwnershipError is returned when an agent targets a tab another agent created.
// It names both parties so the caller can wait, pick another tab or ask the
// owner to release it.
type OwnershipError struct {
	Operation string
	TabID     string
	Owner     string
	Requester string
}

func (e *OwnershipError) Error() string {
	if e.TabID == "" {
		return fmt.Sprintf("cannot %s: window has tabs owned by %s (requested by %s)", e.Operation, e.Owner, e.Requester)
	}
	return fmt.Sprintf("cannot %s tab %s: owned by %s (requested by %s)", e.Operation, e.TabID, e.Owner, e.Requester)
}

func (e *OwnershipError) Code() string { return apperr.CodeOwnership }

// VerifyOwnership passes when the entry is unattributed or owned by requester.
func VerifyOwnership(entry TabEntry, requester, operation string) error {
	if entry.Owner == UnknownOwner || entry.Owner == requester {
		return nil
	}
	return &OwnershipError{
		Operation: operation,
		TabID:     entry.TabID,
		Owner:     entry.Owner,
		Requester: requester,
	}
}

// NormalizeOwner maps an empty owner id to UnknownOwner.
func NormalizeOwner(owner string) string {
	if owner == "" {
		return UnknownOwner
	}
	return owner
}
