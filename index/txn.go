package index

import (
	"context"

	"github.com/pacsd/pacsd/apierror"
)

// DeleteResource removes rowID and its entire descendant subtree,
// returning every attachment that was bound to it so the caller can
// remove the corresponding blobs from the storage area. This is the
// general-purpose counterpart to the eviction path's deletePatientLocked:
// it works at any level, not only Patient (spec.md §4.2/§4.5's DELETE on
// /patients, /studies, /series and /instances).
func (ix *Index) DeleteResource(ctx context.Context, rowID int64) ([]Attachment, error) {
	var events []ChangeEvent
	defer func() { ix.notify(events) }() // runs after the Unlock below
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	res, err := ix.getResourceLocked(tx, rowID)
	if err != nil {
		return nil, err
	}
	attachments, err := ix.collectAttachmentsLocked(tx, rowID)
	if err != nil {
		return nil, err
	}
	if err := ix.deleteSubtreeLocked(tx, rowID, res.Level); err != nil {
		return nil, err
	}

	ev := ChangeEvent{Kind: deleteChangeKind(res.Level), ResourceType: res.Level, PublicID: res.PublicID}
	if err := ix.appendChangeLocked(tx, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.Wrap(apierror.Database, err, "failed to commit delete")
	}
	committed = true

	events = []ChangeEvent{ev}
	return attachments, nil
}

func deleteChangeKind(level Level) ChangeKind {
	switch level {
	case LevelPatient:
		return ChangeDeletedPatient
	case LevelStudy:
		return ChangeDeletedStudy
	case LevelSeries:
		return ChangeDeletedSeries
	default:
		return ChangeDeletedInstance
	}
}

// deleteSubtreeLocked deletes rowID and, recursively, every descendant,
// crediting storage_usage and (for Patient) decrementing patient_count.
func (ix *Index) deleteSubtreeLocked(tx Tx, rowID int64, level Level) error {
	children, err := ix.childrenLocked(tx, rowID)
	if err != nil {
		return err
	}
	childLevel := level + 1
	for _, child := range children {
		if err := ix.deleteSubtreeLocked(tx, child, childLevel); err != nil {
			return err
		}
	}
	if err := ix.deleteResourceRowLocked(tx, rowID); err != nil {
		return err
	}
	if level == LevelPatient {
		if _, err := tx.Exec(`UPDATE storage_usage SET patient_count = patient_count - 1 WHERE id = 0`); err != nil {
			return apierror.Wrap(apierror.Database, err, "failed to decrement patient count")
		}
	}
	return nil
}

// WithTransaction runs fn inside a single Index-held transaction,
// committing on success and rolling back (and returning the error) on
// failure. It exists for callers (e.g. the ingestion pipeline) that need
// to perform several of the primitive operations above atomically but
// don't fit one of the Index's own named operations; fn must only use
// the passed Tx, never re-enter a public Index method (which would
// deadlock on ix.mu).
//
// Blob writes must happen before the transaction this wraps begins
// (spec.md §4.2: "a blob is written to the storage area before the
// transaction that records it begins, and removed again if the
// transaction aborts"); orphanCleanup is invoked with the UUIDs that were
// about to be recorded, only if fn (and thus the transaction) fails, so
// the caller can delete the now-orphaned blobs it pre-wrote.
func (ix *Index) WithTransaction(ctx context.Context, writtenUUIDs []string, orphanCleanup func(uuids []string), fn func(tx Tx) error) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		if orphanCleanup != nil {
			orphanCleanup(writtenUUIDs)
		}
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if orphanCleanup != nil {
			orphanCleanup(writtenUUIDs)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if orphanCleanup != nil {
			orphanCleanup(writtenUUIDs)
		}
		return apierror.Wrap(apierror.Database, err, "failed to commit transaction")
	}
	return nil
}
