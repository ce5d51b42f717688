package index

import (
	"context"

	"github.com/pacsd/pacsd/apierror"
)

// RemovedResource names a patient evicted by EnforceLimits, for the
// caller (ingest) to delete the corresponding blobs from the storage area.
// Attachments is captured before the patient's rows are deleted, since by
// the time EnforceLimits returns the index no longer has any record of
// them to collect.
type RemovedResource struct {
	PatientRowID int64
	PublicID     string
	Attachments  []Attachment
}

// EnforceLimits evicts least-recently-touched, unprotected patients until
// both MaximumStorageSize and MaximumPatientCount are satisfied (spec.md
// §4.2 "Eviction"). It must run before the attachment write that would
// push the store over a cap, per spec.md §4.2's "evict, then write" rule;
// the caller is responsible for calling this ahead of any attachment
// write and then physically deleting the blobs named in the result.
//
// Eviction order is ascending recycling_order, ties broken by ascending
// row id (spec.md §9's resolution of the tie-break Open Question).
func (ix *Index) EnforceLimits(ctx context.Context, incomingSize int64) ([]RemovedResource, error) {
	var events []ChangeEvent
	defer func() { ix.notify(events) }() // runs after the Unlock below
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var removed []RemovedResource
	for {
		tx, err := ix.backend.Begin(ctx)
		if err != nil {
			return removed, err
		}

		over, victim, verr := ix.evictionCandidateLocked(tx, incomingSize)
		if verr != nil {
			tx.Rollback()
			return removed, verr
		}
		if !over {
			tx.Rollback()
			return removed, nil
		}
		if victim == nil {
			tx.Rollback()
			return removed, apierror.New(apierror.FullStorage,
				"storage/patient limits exceeded and no unprotected patient is available for eviction")
		}

		atts, aerr := ix.collectAttachmentsLocked(tx, victim.RowID)
		if aerr != nil {
			tx.Rollback()
			return removed, aerr
		}
		if err := ix.deletePatientLocked(tx, victim.RowID); err != nil {
			tx.Rollback()
			return removed, err
		}
		ev := ChangeEvent{Kind: ChangeDeletedPatient, ResourceType: LevelPatient, PublicID: victim.PublicID}
		if err := ix.appendChangeLocked(tx, ev); err != nil {
			tx.Rollback()
			return removed, err
		}
		if err := tx.Commit(); err != nil {
			return removed, apierror.Wrap(apierror.Database, err, "failed to commit eviction")
		}
		removed = append(removed, RemovedResource{PatientRowID: victim.RowID, PublicID: victim.PublicID, Attachments: atts})
		events = append(events, ev)
	}
}

// evictionCandidateLocked reports whether the store (with incomingSize
// added) is over either cap, and if so the next patient to evict.
func (ix *Index) evictionCandidateLocked(tx Tx, incomingSize int64) (over bool, victim *Resource, err error) {
	var totalSize, patientCount int64
	row := tx.QueryRow(`SELECT total_compressed_size, patient_count FROM storage_usage WHERE id = 0`)
	if err := row.Scan(&totalSize, &patientCount); err != nil {
		return false, nil, apierror.Wrap(apierror.Database, err, "failed to read storage usage")
	}

	overSize := ix.maxStorageSize > 0 && totalSize+incomingSize > ix.maxStorageSize
	overCount := ix.maxPatientCount > 0 && patientCount > ix.maxPatientCount
	if !overSize && !overCount {
		return false, nil, nil
	}

	rows, err := tx.Query(`SELECT id, public_id FROM resources
		WHERE level = ? AND protected = 0
		ORDER BY recycling_order ASC, id ASC LIMIT 1`, int(LevelPatient))
	if err != nil {
		return true, nil, apierror.Wrap(apierror.Database, err, "failed to query eviction candidate")
	}
	defer rows.Close()
	if !rows.Next() {
		return true, nil, nil
	}
	var v Resource
	if err := rows.Scan(&v.RowID, &v.PublicID); err != nil {
		return true, nil, apierror.Wrap(apierror.Database, err, "failed to scan eviction candidate")
	}
	v.Level = LevelPatient
	return true, &v, rows.Err()
}

// deletePatientLocked removes a patient and its full descendant subtree
// (studies, series, instances, their attachments, metadata and
// identifiers), decrementing storage_usage accordingly. It does not touch
// the blob store; the caller does that using the Attachment rows returned
// by collectAttachmentsLocked before calling this.
func (ix *Index) deletePatientLocked(tx Tx, patientRowID int64) error {
	studies, err := ix.childrenLocked(tx, patientRowID)
	if err != nil {
		return err
	}
	for _, studyID := range studies {
		series, err := ix.childrenLocked(tx, studyID)
		if err != nil {
			return err
		}
		for _, seriesID := range series {
			instances, err := ix.childrenLocked(tx, seriesID)
			if err != nil {
				return err
			}
			for _, instanceID := range instances {
				if err := ix.deleteResourceRowLocked(tx, instanceID); err != nil {
					return err
				}
			}
			if err := ix.deleteResourceRowLocked(tx, seriesID); err != nil {
				return err
			}
		}
		if err := ix.deleteResourceRowLocked(tx, studyID); err != nil {
			return err
		}
	}
	if err := ix.deleteResourceRowLocked(tx, patientRowID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE storage_usage SET patient_count = patient_count - 1 WHERE id = 0`); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to decrement patient count")
	}
	return nil
}

// deleteResourceRowLocked removes one resource row and its attachments,
// metadata and identifiers, crediting back its attachments' compressed
// size to storage_usage.
func (ix *Index) deleteResourceRowLocked(tx Tx, rowID int64) error {
	rows, err := tx.Query(`SELECT compressed_size FROM attachments WHERE resource_id = ?`, rowID)
	if err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to query attachments for deletion")
	}
	var freed int64
	for rows.Next() {
		var sz int64
		if err := rows.Scan(&sz); err != nil {
			rows.Close()
			return apierror.Wrap(apierror.Database, err, "failed to scan attachment size")
		}
		freed += sz
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to enumerate attachments")
	}

	if _, err := tx.Exec(`DELETE FROM attachments WHERE resource_id = ?`, rowID); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to delete attachments")
	}
	if _, err := tx.Exec(`DELETE FROM metadata WHERE resource_id = ?`, rowID); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to delete metadata")
	}
	if _, err := tx.Exec(`DELETE FROM identifiers WHERE resource_id = ?`, rowID); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to delete identifiers")
	}
	if _, err := tx.Exec(`DELETE FROM resources WHERE id = ?`, rowID); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to delete resource")
	}
	if freed > 0 {
		if _, err := tx.Exec(`UPDATE storage_usage SET total_compressed_size = total_compressed_size - ? WHERE id = 0`, freed); err != nil {
			return apierror.Wrap(apierror.Database, err, "failed to credit freed storage")
		}
	}
	return nil
}

// CollectAttachments gathers every attachment rooted at rowID (itself and
// all descendants) in a read-only transaction. DeleteResource and
// EnforceLimits collect the same set inside their own deleting transaction
// and return it, and their callers remove the blobs after the commit.
func (ix *Index) CollectAttachments(ctx context.Context, rowID int64) ([]Attachment, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return ix.collectAttachmentsLocked(tx, rowID)
}

func (ix *Index) collectAttachmentsLocked(tx Tx, rowID int64) ([]Attachment, error) {
	var out []Attachment
	rows, err := tx.Query(`SELECT kind, uuid, uncompressed_size, uncompressed_md5, compressed_size, compressed_md5, compression_scheme
		FROM attachments WHERE resource_id = ?`, rowID)
	if err != nil {
		return nil, apierror.Wrap(apierror.Database, err, "failed to query attachments")
	}
	for rows.Next() {
		a := Attachment{ResourceRowID: rowID}
		if err := rows.Scan(&a.Kind, &a.UUID, &a.UncompressedSize, &a.UncompressedMD5, &a.CompressedSize, &a.CompressedMD5, &a.CompressionScheme); err != nil {
			rows.Close()
			return nil, apierror.Wrap(apierror.Database, err, "failed to scan attachment")
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	children, err := ix.childrenLocked(tx, rowID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		sub, err := ix.collectAttachmentsLocked(tx, child)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}
