package index

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pacsd/pacsd/apierror"
)

// ObserverFunc is notified after a transaction that changed the store has
// committed and the Index's lock has been released (spec.md §5: "observers
// can query the store" - firing only post-commit/post-unlock is what makes
// that safe without a genuinely reentrant lock).
type ObserverFunc func(ChangeEvent)

// Index is the transactional metadata catalog (spec.md §4.2). Every
// exported method acquires mu once; unexported *Locked helpers assume the
// caller already holds it. This is this package's own design for spec.md
// §9's "split ownership" alternative to a recursive lock: a single outer
// lock at the public boundary, lock-free unexported helpers, and no
// genuinely reentrant mutex needed because nothing in Index ever calls
// back into an exported Index method while mu is held; observer callbacks
// are only ever invoked after Commit/unlock.
type Index struct {
	mu      sync.Mutex
	backend Backend

	maxStorageSize  int64 // bytes, 0 = unlimited (MaximumStorageSize)
	maxPatientCount int64 // 0 = unlimited (MaximumPatientCount)

	observersMu sync.RWMutex
	observers   []ObserverFunc
}

// New wraps backend (already schema-ensured) into an Index.
func New(backend Backend, maxStorageSize, maxPatientCount int64) *Index {
	return &Index{
		backend:         backend,
		maxStorageSize:  maxStorageSize,
		maxPatientCount: maxPatientCount,
	}
}

// Subscribe registers fn to be called once per committed change, in the
// same goroutine that performed the commit, after the lock is released.
func (ix *Index) Subscribe(fn ObserverFunc) {
	ix.observersMu.Lock()
	defer ix.observersMu.Unlock()
	ix.observers = append(ix.observers, fn)
}

func (ix *Index) notify(events []ChangeEvent) {
	ix.observersMu.RLock()
	subs := append([]ObserverFunc(nil), ix.observers...)
	ix.observersMu.RUnlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Close releases the underlying backend.
func (ix *Index) Close() error {
	return ix.backend.Close()
}

// --- Resource lookup -------------------------------------------------------

// LookupPublicID returns the row ID and level for a public ID, or
// apierror.InexistentItem if no such resource exists.
func (ix *Index) LookupPublicID(ctx context.Context, publicID string) (int64, Level, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()
	var rowID int64
	var level int
	row := tx.QueryRow(`SELECT id, level FROM resources WHERE public_id = ?`, publicID)
	if err := row.Scan(&rowID, &level); err != nil {
		return 0, 0, apierror.New(apierror.InexistentItem, "no such resource %q", publicID)
	}
	return rowID, Level(level), nil
}

// GetResource loads a full Resource row by its row ID.
func (ix *Index) GetResource(ctx context.Context, rowID int64) (*Resource, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return ix.getResourceLocked(tx, rowID)
}

func (ix *Index) getResourceLocked(tx Tx, rowID int64) (*Resource, error) {
	var r Resource
	var level int
	var parentID *int64
	var protected int
	var mainTagsJSON string
	row := tx.QueryRow(`SELECT id, level, public_id, parent_id, protected, recycling_order, main_tags
		FROM resources WHERE id = ?`, rowID)
	if err := row.Scan(&r.RowID, &level, &r.PublicID, &parentID, &protected, &r.RecyclingOrder, &mainTagsJSON); err != nil {
		return nil, apierror.New(apierror.InexistentItem, "no such resource row %d", rowID)
	}
	r.Level = Level(level)
	r.Protected = protected != 0
	if parentID != nil {
		r.ParentRowID = *parentID
	}
	tags := map[string]string{}
	if mainTagsJSON != "" {
		_ = json.Unmarshal([]byte(mainTagsJSON), &tags)
	}
	r.MainTags = tags
	return &r, nil
}

// Children returns the row IDs of rowID's immediate children.
func (ix *Index) Children(ctx context.Context, rowID int64) ([]int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return ix.childrenLocked(tx, rowID)
}

func (ix *Index) childrenLocked(tx Tx, rowID int64) ([]int64, error) {
	rows, err := tx.Query(`SELECT id FROM resources WHERE parent_id = ?`, rowID)
	if err != nil {
		return nil, apierror.Wrap(apierror.Database, err, "failed to query children")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.Wrap(apierror.Database, err, "failed to scan child row")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- Ingestion (spec.md §4.1/§4.2) -----------------------------------------

// CreateResourceInput is one level's worth of data for StoreInstance.
type CreateResourceInput struct {
	Level    Level
	PublicID string
	MainTags map[string]string
}

// StoreInstance creates (or reuses, if already present) the Patient, Study,
// Series and Instance rows for one DICOM instance in a single transaction,
// in root-to-leaf order, returning the per-level row IDs and which levels
// were newly created (for change-log/stable-event purposes). chain must be
// exactly 4 entries, Patient first, Instance last.
func (ix *Index) StoreInstance(ctx context.Context, chain [4]CreateResourceInput) (rowIDs [4]int64, isNew [4]bool, err error) {
	var stamped []ChangeEvent
	defer func() { ix.notify(stamped) }() // runs after the Unlock below
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return rowIDs, isNew, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var parentID int64
	var events []ChangeEvent
	newChangeKind := [4]ChangeKind{ChangeNewPatient, ChangeNewStudy, ChangeNewSeries, ChangeNewInstance}

	for i, in := range chain {
		var existingID int64
		row := tx.QueryRow(`SELECT id FROM resources WHERE public_id = ?`, in.PublicID)
		scanErr := row.Scan(&existingID)
		if scanErr == nil {
			rowIDs[i] = existingID
			parentID = existingID
			continue
		}
		tagsJSON, mErr := json.Marshal(in.MainTags)
		if mErr != nil {
			return rowIDs, isNew, apierror.Wrap(apierror.InternalError, mErr, "failed to marshal main tags")
		}
		var parent interface{}
		if i == 0 {
			parent = nil
		} else {
			parent = parentID
		}
		res, execErr := tx.Exec(`INSERT INTO resources(level, public_id, parent_id, protected, recycling_order, main_tags)
			VALUES (?, ?, ?, 0, 0, ?)`, int(in.Level), in.PublicID, parent, string(tagsJSON))
		if execErr != nil {
			return rowIDs, isNew, apierror.Wrap(apierror.Database, execErr, "failed to insert %s row", in.Level)
		}
		newID, idErr := res.LastInsertId()
		if idErr != nil {
			return rowIDs, isNew, apierror.Wrap(apierror.Database, idErr, "failed to read inserted row id")
		}
		rowIDs[i] = newID
		isNew[i] = true
		parentID = newID

		for _, tag := range identifierTagsForLevel(in.Level, in.MainTags) {
			if _, err := tx.Exec(`INSERT INTO identifiers(resource_id, level, tag, value) VALUES (?, ?, ?, ?)`,
				newID, int(in.Level), tag.name, tag.value); err != nil {
				return rowIDs, isNew, apierror.Wrap(apierror.Database, err, "failed to insert identifier")
			}
		}

		ev := ChangeEvent{Kind: newChangeKind[i], ResourceType: in.Level, PublicID: in.PublicID}
		events = append(events, ev)
	}

	if isNew[0] {
		if _, err := tx.Exec(`UPDATE storage_usage SET patient_count = patient_count + 1 WHERE id = 0`); err != nil {
			return rowIDs, isNew, apierror.Wrap(apierror.Database, err, "failed to bump patient count")
		}
	}
	if !isNew[3] {
		// duplicate instance: spec.md §4.1 "re-ingesting an identical SOP
		// Instance UID is a no-op that still touches recycling order"
		if err := ix.touchRecyclingLocked(tx, rowIDs[0]); err != nil {
			return rowIDs, isNew, err
		}
	} else if !isNew[2] {
		events = append(events, ChangeEvent{Kind: ChangeNewChildInstance, ResourceType: LevelSeries, PublicID: chain[2].PublicID})
	}

	for _, ev := range events {
		if err := ix.appendChangeLocked(tx, ev); err != nil {
			return rowIDs, isNew, err
		}
	}

	if err := tx.Commit(); err != nil {
		return rowIDs, isNew, apierror.Wrap(apierror.Database, err, "failed to commit ingest transaction")
	}
	committed = true

	stamped = make([]ChangeEvent, len(events))
	now := time.Now()
	for i, ev := range events {
		ev.Timestamp = now
		stamped[i] = ev
	}
	return rowIDs, isNew, nil
}

type identifierTag struct {
	name  IdentifierTag
	value string
}

// identifierTagsForLevel picks which MainTags entries get a secondary index
// row, per spec.md §3's identifiers table (one row per {PatientID,
// StudyInstanceUID, SeriesInstanceUID, SOPInstanceUID, AccessionNumber}
// present at that level).
func identifierTagsForLevel(level Level, tags map[string]string) []identifierTag {
	var candidates []IdentifierTag
	switch level {
	case LevelPatient:
		candidates = []IdentifierTag{TagPatientID}
	case LevelStudy:
		candidates = []IdentifierTag{TagStudyInstanceUID, TagAccessionNumber}
	case LevelSeries:
		candidates = []IdentifierTag{TagSeriesInstanceUID}
	case LevelInstance:
		candidates = []IdentifierTag{TagSOPInstanceUID}
	}
	var out []identifierTag
	for _, c := range candidates {
		if v, ok := tags[string(c)]; ok && v != "" {
			out = append(out, identifierTag{name: c, value: v})
		}
	}
	return out
}

// --- Attachments -------------------------------------------------------

// AddAttachment records a blob already written to the storage area.
func (ix *Index) AddAttachment(ctx context.Context, resourceRowID int64, att Attachment) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO attachments
		(resource_id, kind, uuid, uncompressed_size, uncompressed_md5, compressed_size, compressed_md5, compression_scheme)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		resourceRowID, att.Kind, att.UUID, att.UncompressedSize, att.UncompressedMD5,
		att.CompressedSize, att.CompressedMD5, att.CompressionScheme); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to insert attachment")
	}
	if _, err := tx.Exec(`UPDATE storage_usage SET total_compressed_size = total_compressed_size + ? WHERE id = 0`,
		att.CompressedSize); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to update storage usage")
	}
	return tx.Commit()
}

// GetAttachment returns the attachment of kind bound to resourceRowID.
func (ix *Index) GetAttachment(ctx context.Context, resourceRowID int64, kind string) (*Attachment, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	a := Attachment{ResourceRowID: resourceRowID, Kind: kind}
	row := tx.QueryRow(`SELECT uuid, uncompressed_size, uncompressed_md5, compressed_size, compressed_md5, compression_scheme
		FROM attachments WHERE resource_id = ? AND kind = ?`, resourceRowID, kind)
	if err := row.Scan(&a.UUID, &a.UncompressedSize, &a.UncompressedMD5, &a.CompressedSize, &a.CompressedMD5, &a.CompressionScheme); err != nil {
		return nil, apierror.New(apierror.UnknownResource, "no %s attachment on resource %d", kind, resourceRowID)
	}
	return &a, nil
}

// AttachmentExists reports whether uuid is still referenced by any
// attachment row, for the startup orphan-blob sweep (spec.md §4.2): a
// blob the storage area holds but the index has no record of is a crash
// leftover (the write landed, the index commit didn't) safe to remove.
func (ix *Index) AttachmentExists(ctx context.Context, uuid string) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var n int
	row := tx.QueryRow(`SELECT COUNT(1) FROM attachments WHERE uuid = ?`, uuid)
	if err := row.Scan(&n); err != nil {
		return false, apierror.Wrap(apierror.Database, err, "failed to check attachment existence")
	}
	return n > 0, nil
}

// --- Metadata -----------------------------------------------------------

// SetMetadata sets (overwriting) a metadata value.
func (ix *Index) SetMetadata(ctx context.Context, resourceRowID int64, key MetadataKey, value string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO metadata(resource_id, key, value) VALUES (?, ?, ?)`,
		resourceRowID, int(key), value); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to set metadata")
	}
	return tx.Commit()
}

// ListMetadata returns all metadata key/value pairs for a resource.
func (ix *Index) ListMetadata(ctx context.Context, resourceRowID int64) (map[MetadataKey]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.Query(`SELECT key, value FROM metadata WHERE resource_id = ?`, resourceRowID)
	if err != nil {
		return nil, apierror.Wrap(apierror.Database, err, "failed to query metadata")
	}
	defer rows.Close()
	out := map[MetadataKey]string{}
	for rows.Next() {
		var k int
		var v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, apierror.Wrap(apierror.Database, err, "failed to scan metadata row")
		}
		out[MetadataKey(k)] = v
	}
	return out, rows.Err()
}

// RemoveMetadata deletes one metadata key from a resource, if present.
func (ix *Index) RemoveMetadata(ctx context.Context, resourceRowID int64, key MetadataKey) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM metadata WHERE resource_id = ? AND key = ?`, resourceRowID, int(key)); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to remove metadata")
	}
	return tx.Commit()
}

// --- Identifier lookups ---------------------------------------------------

// FindByIdentifier returns row IDs of resources at level whose tag equals
// value exactly (spec.md §4.3's C-FIND "equality" matching case).
func (ix *Index) FindByIdentifier(ctx context.Context, level Level, tag IdentifierTag, value string) ([]int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.Query(`SELECT resource_id FROM identifiers WHERE level = ? AND tag = ? AND value = ?`,
		int(level), string(tag), value)
	if err != nil {
		return nil, apierror.Wrap(apierror.Database, err, "failed to query identifiers")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.Wrap(apierror.Database, err, "failed to scan identifier row")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FindByIdentifierLike performs a SQL LIKE match (spec.md §4.3's wildcard
// '*'/'?' matching, translated by the caller to '%'/'_').
func (ix *Index) FindByIdentifierLike(ctx context.Context, level Level, tag IdentifierTag, pattern string) ([]int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.Query(`SELECT resource_id FROM identifiers WHERE level = ? AND tag = ? AND value LIKE ?`,
		int(level), string(tag), pattern)
	if err != nil {
		return nil, apierror.Wrap(apierror.Database, err, "failed to query identifiers")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.Wrap(apierror.Database, err, "failed to scan identifier row")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- Change log -----------------------------------------------------------

func (ix *Index) appendChangeLocked(tx Tx, ev ChangeEvent) error {
	_, err := tx.Exec(`INSERT INTO changes(kind, resource_type, public_id, timestamp) VALUES (?, ?, ?, ?)`,
		string(ev.Kind), int(ev.ResourceType), ev.PublicID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to append change")
	}
	return nil
}

// AppendChange records a standalone change event (e.g. StableStudy, fired
// by the housekeeping idle timer rather than inline with ingestion) and
// notifies observers once committed.
func (ix *Index) AppendChange(ctx context.Context, ev ChangeEvent) error {
	ix.mu.Lock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		ix.mu.Unlock()
		return err
	}
	if err := ix.appendChangeLocked(tx, ev); err != nil {
		tx.Rollback()
		ix.mu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		ix.mu.Unlock()
		return apierror.Wrap(apierror.Database, err, "failed to commit change")
	}
	ix.mu.Unlock()

	ev.Timestamp = time.Now()
	ix.notify([]ChangeEvent{ev})
	return nil
}

// Changes returns up to limit change events with seq > since, in order.
func (ix *Index) Changes(ctx context.Context, since int64, limit int) ([]ChangeEvent, int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, since, err
	}
	defer tx.Rollback()
	rows, err := tx.Query(`SELECT seq, kind, resource_type, public_id, timestamp FROM changes
		WHERE seq > ? ORDER BY seq ASC LIMIT ?`, since, limit)
	if err != nil {
		return nil, since, apierror.Wrap(apierror.Database, err, "failed to query changes")
	}
	defer rows.Close()
	var out []ChangeEvent
	last := since
	for rows.Next() {
		var ev ChangeEvent
		var level int
		var ts string
		if err := rows.Scan(&ev.Seq, &ev.Kind, &level, &ev.PublicID, &ts); err != nil {
			return nil, since, apierror.Wrap(apierror.Database, err, "failed to scan change row")
		}
		ev.ResourceType = Level(level)
		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			ev.Timestamp = parsed
		}
		out = append(out, ev)
		last = ev.Seq
	}
	return out, last, rows.Err()
}

// --- Global properties ------------------------------------------------

// GetGlobalProperty returns the stored value, or "" if absent.
func (ix *Index) GetGlobalProperty(ctx context.Context, key int) (string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	var v string
	row := tx.QueryRow(`SELECT value FROM global_properties WHERE key = ?`, key)
	if err := row.Scan(&v); err != nil {
		return "", nil
	}
	return v, nil
}

// SetGlobalProperty sets a global property, overwriting any prior value.
func (ix *Index) SetGlobalProperty(ctx context.Context, key int, value string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO global_properties(key, value) VALUES (?, ?)`, key, value); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to set global property")
	}
	return tx.Commit()
}

// --- Statistics -------------------------------------------------------

// GetStatistics computes the resource counts and storage totals for the
// REST /statistics endpoint (spec.md §4.6).
func (ix *Index) GetStatistics(ctx context.Context) (Statistics, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return Statistics{}, err
	}
	defer tx.Rollback()

	var stats Statistics
	counts := []struct {
		level Level
		dest  *int64
	}{
		{LevelPatient, &stats.CountPatients},
		{LevelStudy, &stats.CountStudies},
		{LevelSeries, &stats.CountSeries},
		{LevelInstance, &stats.CountInstances},
	}
	for _, c := range counts {
		row := tx.QueryRow(`SELECT COUNT(*) FROM resources WHERE level = ?`, int(c.level))
		if err := row.Scan(c.dest); err != nil {
			return Statistics{}, apierror.Wrap(apierror.Database, err, "failed to count %s resources", c.level)
		}
	}
	row := tx.QueryRow(`SELECT total_compressed_size FROM storage_usage WHERE id = 0`)
	if err := row.Scan(&stats.TotalCompressedSize); err != nil {
		return Statistics{}, apierror.Wrap(apierror.Database, err, "failed to read storage usage")
	}
	row = tx.QueryRow(`SELECT COALESCE(SUM(uncompressed_size), 0) FROM attachments`)
	if err := row.Scan(&stats.TotalUncompressedSize); err != nil {
		return Statistics{}, apierror.Wrap(apierror.Database, err, "failed to sum uncompressed sizes")
	}
	return stats, nil
}

// --- Recycling order (LRU touch) ------------------------------------------

// touchRecyclingLocked bumps patientRowID to the front of the recycling
// queue (most-recently-used), spec.md §4.2 "Eviction".
func (ix *Index) touchRecyclingLocked(tx Tx, patientRowID int64) error {
	var next int64
	row := tx.QueryRow(`SELECT COALESCE(MAX(recycling_order), 0) + 1 FROM resources WHERE level = ?`, int(LevelPatient))
	if err := row.Scan(&next); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to compute next recycling order")
	}
	if _, err := tx.Exec(`UPDATE resources SET recycling_order = ? WHERE id = ?`, next, patientRowID); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to update recycling order")
	}
	return nil
}

// TouchRecycling is the exported, independently-lockable form of
// touchRecyclingLocked, used by the ingestion pipeline for the
// newly-created-instance path (the duplicate-instance path touches it
// inline inside StoreInstance's own transaction).
func (ix *Index) TouchRecycling(ctx context.Context, patientRowID int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ix.touchRecyclingLocked(tx, patientRowID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetProtected marks a patient protected/unprotected, spec.md §4.2
// "Eviction exemption".
func (ix *Index) SetProtected(ctx context.Context, patientRowID int64, protected bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	v := 0
	if protected {
		v = 1
	}
	if _, err := tx.Exec(`UPDATE resources SET protected = ? WHERE id = ?`, v, patientRowID); err != nil {
		return apierror.Wrap(apierror.Database, err, "failed to set protected flag")
	}
	return tx.Commit()
}

// IsProtected reports whether a patient is exempt from eviction.
func (ix *Index) IsProtected(ctx context.Context, patientRowID int64) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var v int
	row := tx.QueryRow(`SELECT protected FROM resources WHERE id = ?`, patientRowID)
	if err := row.Scan(&v); err != nil {
		return false, apierror.New(apierror.InexistentItem, "no such patient row %d", patientRowID)
	}
	return v != 0, nil
}
