package index_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pacsd/pacsd/apierror"
	"github.com/pacsd/pacsd/index"
)

func newTestIndex(t *testing.T, maxStorageSize, maxPatientCount int64) *index.Index {
	t.Helper()
	backend, err := index.OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := index.EnsureSchema(context.Background(), backend); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	ix := index.New(backend, maxStorageSize, maxPatientCount)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func chainFor(patient, study, series, instance string) [4]index.CreateResourceInput {
	return [4]index.CreateResourceInput{
		{Level: index.LevelPatient, PublicID: patient, MainTags: map[string]string{"PatientID": "PAT-" + patient}},
		{Level: index.LevelStudy, PublicID: study, MainTags: map[string]string{"StudyInstanceUID": "1.2." + study}},
		{Level: index.LevelSeries, PublicID: series, MainTags: map[string]string{"SeriesInstanceUID": "1.2." + series}},
		{Level: index.LevelInstance, PublicID: instance, MainTags: map[string]string{"SOPInstanceUID": "1.2." + instance}},
	}
}

func TestStoreInstanceCreatesFullChain(t *testing.T) {
	ix := newTestIndex(t, 0, 0)
	ctx := context.Background()

	rowIDs, isNew, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1"))
	if err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}
	for i, n := range isNew {
		if !n {
			t.Errorf("expected level %d to be newly created", i)
		}
	}
	for i, id := range rowIDs {
		if id == 0 {
			t.Errorf("expected non-zero row id at level %d", i)
		}
	}

	stats, err := ix.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.CountPatients != 1 || stats.CountStudies != 1 || stats.CountSeries != 1 || stats.CountInstances != 1 {
		t.Errorf("expected one resource at each level, got %+v", stats)
	}
}

func TestStoreInstanceIsIdempotent(t *testing.T) {
	ix := newTestIndex(t, 0, 0)
	ctx := context.Background()
	chain := chainFor("p1", "s1", "se1", "i1")

	rowIDs1, isNew1, err := ix.StoreInstance(ctx, chain)
	if err != nil {
		t.Fatalf("first StoreInstance: %v", err)
	}
	if !isNew1[3] {
		t.Fatalf("expected first ingest to create the instance")
	}

	rowIDs2, isNew2, err := ix.StoreInstance(ctx, chain)
	if err != nil {
		t.Fatalf("second StoreInstance: %v", err)
	}
	if isNew2[3] {
		t.Errorf("expected second ingest of the same SOP Instance UID to be a no-op, not create a new instance")
	}
	if rowIDs1 != rowIDs2 {
		t.Errorf("expected the same row ids across both ingests, got %v and %v", rowIDs1, rowIDs2)
	}

	stats, err := ix.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.CountInstances != 1 {
		t.Errorf("expected exactly one instance after storing the same UID twice, got %d", stats.CountInstances)
	}
}

func TestStoreInstanceReusesSeriesAcrossNewInstance(t *testing.T) {
	ix := newTestIndex(t, 0, 0)
	ctx := context.Background()

	if _, _, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1")); err != nil {
		t.Fatalf("first StoreInstance: %v", err)
	}
	rowIDs, isNew, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i2"))
	if err != nil {
		t.Fatalf("second StoreInstance: %v", err)
	}
	if isNew[0] || isNew[1] || isNew[2] {
		t.Errorf("expected patient/study/series to be reused, got isNew=%v", isNew)
	}
	if !isNew[3] {
		t.Errorf("expected the new instance to be created")
	}

	stats, err := ix.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.CountPatients != 1 || stats.CountSeries != 1 || stats.CountInstances != 2 {
		t.Errorf("expected a shared patient/series with two instances, got %+v", stats)
	}
	_ = rowIDs
}

func TestChangeLogSeqIsMonotonic(t *testing.T) {
	ix := newTestIndex(t, 0, 0)
	ctx := context.Background()

	if _, _, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1")); err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}
	if _, _, err := ix.StoreInstance(ctx, chainFor("p2", "s2", "se2", "i2")); err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}

	events, last, err := ix.Changes(ctx, 0, 100)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected at least one change event")
	}
	prev := int64(0)
	for _, ev := range events {
		if ev.Seq <= prev {
			t.Errorf("expected strictly increasing seq, got %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
	}
	if last != events[len(events)-1].Seq {
		t.Errorf("expected last to equal the final event's seq")
	}
}

func TestDeleteResourceCascades(t *testing.T) {
	ix := newTestIndex(t, 0, 0)
	ctx := context.Background()

	rowIDs, _, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1"))
	if err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}
	if err := ix.AddAttachment(ctx, rowIDs[3], index.Attachment{Kind: "dicom", UUID: "blob-1", CompressedSize: 100}); err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}

	attachments, err := ix.DeleteResource(ctx, rowIDs[0])
	if err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}
	if len(attachments) != 1 || attachments[0].UUID != "blob-1" {
		t.Errorf("expected DeleteResource to return the one attachment it owned, got %+v", attachments)
	}

	if _, _, err := ix.LookupPublicID(ctx, "i1"); err == nil {
		t.Errorf("expected instance to be gone after deleting its patient")
	}
	if _, _, err := ix.LookupPublicID(ctx, "p1"); err == nil {
		t.Errorf("expected patient row to be gone")
	}

	stats, err := ix.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.CountPatients != 0 || stats.CountInstances != 0 || stats.TotalCompressedSize != 0 {
		t.Errorf("expected cascade delete to zero out counts and storage usage, got %+v", stats)
	}
}

func TestEnforceLimitsEvictsOldestUnprotectedPatient(t *testing.T) {
	ix := newTestIndex(t, 0, 1)
	ctx := context.Background()

	rowIDs1, _, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1"))
	if err != nil {
		t.Fatalf("StoreInstance p1: %v", err)
	}
	if _, err := ix.EnforceLimits(ctx, 0); err != nil {
		t.Fatalf("EnforceLimits after first patient: %v", err)
	}

	if _, _, err := ix.StoreInstance(ctx, chainFor("p2", "s2", "se2", "i2")); err != nil {
		t.Fatalf("StoreInstance p2: %v", err)
	}
	removed, err := ix.EnforceLimits(ctx, 0)
	if err != nil {
		t.Fatalf("EnforceLimits after second patient: %v", err)
	}
	if len(removed) != 1 || removed[0].PublicID != "p1" {
		t.Fatalf("expected p1 (the oldest patient) to be evicted, got %+v", removed)
	}

	if _, _, err := ix.LookupPublicID(ctx, "p2"); err != nil {
		t.Errorf("expected the second, newer patient to survive eviction")
	}
	if _, _, err := ix.LookupPublicID(ctx, "p1"); err == nil {
		t.Errorf("expected the evicted patient to be gone")
	}
	_ = rowIDs1
}

func TestProtectedPatientsSurviveEviction(t *testing.T) {
	ix := newTestIndex(t, 0, 1)
	ctx := context.Background()

	rowIDs, _, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1"))
	if err != nil {
		t.Fatalf("StoreInstance p1: %v", err)
	}
	if err := ix.SetProtected(ctx, rowIDs[0], true); err != nil {
		t.Fatalf("SetProtected: %v", err)
	}

	if _, _, err := ix.StoreInstance(ctx, chainFor("p2", "s2", "se2", "i2")); err != nil {
		t.Fatalf("StoreInstance p2: %v", err)
	}
	_, err = ix.EnforceLimits(ctx, 0)
	ae, ok := apierror.As(err)
	if !ok || ae.Kind != apierror.FullStorage {
		t.Fatalf("expected FullStorage when the only evictable patient is protected, got %v", err)
	}

	if _, _, err := ix.LookupPublicID(ctx, "p1"); err != nil {
		t.Errorf("expected the protected patient to survive, got %v", err)
	}
}

func TestEnforceLimitsRespectsStorageSizeCap(t *testing.T) {
	ix := newTestIndex(t, 150, 0)
	ctx := context.Background()

	rowIDs, _, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1"))
	if err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}
	if err := ix.AddAttachment(ctx, rowIDs[3], index.Attachment{Kind: "dicom", UUID: "blob-1", CompressedSize: 100}); err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}

	if _, err := ix.EnforceLimits(ctx, 40); err != nil {
		t.Fatalf("expected 100+40 <= 150 to pass, got %v", err)
	}

	removed, err := ix.EnforceLimits(ctx, 60)
	if err != nil {
		t.Fatalf("EnforceLimits: %v", err)
	}
	if len(removed) != 1 || removed[0].PublicID != "p1" {
		t.Fatalf("expected the only patient to be evicted once 100+60 > 150, got %+v", removed)
	}
}

func TestUpgradeOnCurrentVersionIsNoOp(t *testing.T) {
	backend, err := index.OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()
	if err := index.EnsureSchema(ctx, backend); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := index.CheckAndUpgrade(ctx, backend, false); err != nil {
		t.Errorf("expected upgrade check on an up-to-date database to be a no-op, got %v", err)
	}
}

func TestMetadataSetListRemove(t *testing.T) {
	ix := newTestIndex(t, 0, 0)
	ctx := context.Background()
	rowIDs, _, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1"))
	if err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}

	if err := ix.SetMetadata(ctx, rowIDs[3], index.MetaRemoteAet, "MODALITY1"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	got, err := ix.ListMetadata(ctx, rowIDs[3])
	if err != nil {
		t.Fatalf("ListMetadata: %v", err)
	}
	if got[index.MetaRemoteAet] != "MODALITY1" {
		t.Errorf("expected MetaRemoteAet=MODALITY1, got %q", got[index.MetaRemoteAet])
	}

	if err := ix.RemoveMetadata(ctx, rowIDs[3], index.MetaRemoteAet); err != nil {
		t.Fatalf("RemoveMetadata: %v", err)
	}
	got, err = ix.ListMetadata(ctx, rowIDs[3])
	if err != nil {
		t.Fatalf("ListMetadata: %v", err)
	}
	if _, ok := got[index.MetaRemoteAet]; ok {
		t.Errorf("expected MetaRemoteAet to be gone after RemoveMetadata")
	}
}

func TestFindByIdentifierExactAndWildcard(t *testing.T) {
	ix := newTestIndex(t, 0, 0)
	ctx := context.Background()
	if _, _, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1")); err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}

	ids, err := ix.FindByIdentifier(ctx, index.LevelPatient, index.TagPatientID, "PAT-p1")
	if err != nil {
		t.Fatalf("FindByIdentifier: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected exactly one match, got %d", len(ids))
	}

	ids, err = ix.FindByIdentifierLike(ctx, index.LevelPatient, index.TagPatientID, "PAT-%")
	if err != nil {
		t.Fatalf("FindByIdentifierLike: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected wildcard match to find the same patient, got %d", len(ids))
	}
}

func TestGlobalProperties(t *testing.T) {
	ix := newTestIndex(t, 0, 0)
	ctx := context.Background()

	v, err := ix.GetGlobalProperty(ctx, 2000)
	if err != nil {
		t.Fatalf("GetGlobalProperty: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty string for an unset property, got %q", v)
	}

	if err := ix.SetGlobalProperty(ctx, 2000, "hello"); err != nil {
		t.Fatalf("SetGlobalProperty: %v", err)
	}
	v, err = ix.GetGlobalProperty(ctx, 2000)
	if err != nil {
		t.Fatalf("GetGlobalProperty: %v", err)
	}
	if v != "hello" {
		t.Errorf("expected %q, got %q", "hello", v)
	}
}

func TestAttachmentExists(t *testing.T) {
	ix := newTestIndex(t, 0, 0)
	ctx := context.Background()

	exists, err := ix.AttachmentExists(ctx, "never-written")
	if err != nil {
		t.Fatalf("AttachmentExists: %v", err)
	}
	if exists {
		t.Errorf("expected no attachment to be reported for an unknown uuid")
	}

	rowIDs, _, err := ix.StoreInstance(ctx, chainFor("p1", "s1", "se1", "i1"))
	if err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}
	if err := ix.AddAttachment(ctx, rowIDs[3], index.Attachment{Kind: "dicom", UUID: "blob-1", CompressedSize: 10}); err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}

	exists, err = ix.AttachmentExists(ctx, "blob-1")
	if err != nil {
		t.Fatalf("AttachmentExists: %v", err)
	}
	if !exists {
		t.Errorf("expected the recorded attachment's uuid to be found")
	}
}
