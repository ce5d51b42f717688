package ingest_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pacsd/pacsd/blobstore"
	"github.com/pacsd/pacsd/cmn"
	"github.com/pacsd/pacsd/index"
	"github.com/pacsd/pacsd/ingest"
)

func newTestPipeline(t *testing.T, cfg *cmn.Config) (*ingest.Pipeline, *index.Index) {
	t.Helper()
	area, err := blobstore.NewFSArea(filepath.Join(t.TempDir(), "storage"))
	if err != nil {
		t.Fatalf("NewFSArea: %v", err)
	}
	backend, err := index.OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := index.EnsureSchema(context.Background(), backend); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	maxSize := cfg.MaximumStorageSize
	maxPatients := int64(cfg.MaximumPatientCount)
	idx := index.New(backend, maxSize, maxPatients)
	t.Cleanup(func() { idx.Close() })
	p := ingest.NewPipeline(area, idx, cfg)
	return p, idx
}

func requestFor(patientID, studyUID, seriesUID, sopUID string) ingest.Request {
	return ingest.Request{
		RawDicom: []byte("fake dicom bytes for " + sopUID),
		Tags: ingest.Tags{
			PatientID:         patientID,
			PatientName:       "TEST^PATIENT",
			StudyInstanceUID:  studyUID,
			SeriesInstanceUID: seriesUID,
			SOPInstanceUID:    sopUID,
			Modality:          "CT",
			All:               map[string]string{"PatientID": patientID, "SOPInstanceUID": sopUID},
		},
		Origin: ingest.OriginRestApi,
	}
}

func TestStoreInstanceIsIdempotent(t *testing.T) {
	cfg := cmn.Default()
	p, _ := newTestPipeline(t, cfg)
	ctx := context.Background()
	req := requestFor("PAT1", "1.2.study", "1.2.series", "1.2.sop")

	res1, err := p.StoreInstance(ctx, req)
	if err != nil {
		t.Fatalf("first StoreInstance: %v", err)
	}
	if !res1.IsNewInstance {
		t.Fatalf("expected first ingest to be new")
	}

	res2, err := p.StoreInstance(ctx, req)
	if err != nil {
		t.Fatalf("second StoreInstance: %v", err)
	}
	if res2.IsNewInstance {
		t.Errorf("expected second ingest of identical bytes to report AlreadyStored (IsNewInstance=false)")
	}
	if res1.PatientID != res2.PatientID || res1.StudyID != res2.StudyID ||
		res1.SeriesID != res2.SeriesID || res1.InstanceID != res2.InstanceID {
		t.Errorf("expected identical public IDs across both ingests, got %+v and %+v", res1, res2)
	}
}

func TestStoreInstanceRequiresSOPInstanceUID(t *testing.T) {
	cfg := cmn.Default()
	p, _ := newTestPipeline(t, cfg)
	req := requestFor("PAT1", "1.2.study", "1.2.series", "")
	_, err := p.StoreInstance(context.Background(), req)
	if err == nil {
		t.Fatalf("expected an error for a missing SOPInstanceUID")
	}
}

func TestStoreInstanceWritesAllAttachmentKinds(t *testing.T) {
	cfg := cmn.Default()
	cfg.StoreDicom = true
	p, idx := newTestPipeline(t, cfg)
	ctx := context.Background()
	req := requestFor("PAT1", "1.2.study", "1.2.series", "1.2.sop")

	res, err := p.StoreInstance(ctx, req)
	if err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}
	rowID, _, err := idx.LookupPublicID(ctx, res.InstanceID)
	if err != nil {
		t.Fatalf("LookupPublicID: %v", err)
	}
	for _, kind := range []string{string(blobstore.KindDicom), string(blobstore.KindJSON), string(blobstore.KindSimplifiedJSON)} {
		if _, err := idx.GetAttachment(ctx, rowID, kind); err != nil {
			t.Errorf("expected a %s attachment to be recorded, got %v", kind, err)
		}
	}
}

func TestStoreInstanceSkipsDicomWhenDisabled(t *testing.T) {
	cfg := cmn.Default()
	cfg.StoreDicom = false
	p, idx := newTestPipeline(t, cfg)
	ctx := context.Background()
	req := requestFor("PAT1", "1.2.study", "1.2.series", "1.2.sop")

	res, err := p.StoreInstance(ctx, req)
	if err != nil {
		t.Fatalf("StoreInstance: %v", err)
	}
	rowID, _, _ := idx.LookupPublicID(ctx, res.InstanceID)
	if _, err := idx.GetAttachment(ctx, rowID, string(blobstore.KindDicom)); err == nil {
		t.Errorf("expected no DICOM attachment when StoreDicom=false")
	}
	if _, err := idx.GetAttachment(ctx, rowID, string(blobstore.KindJSON)); err != nil {
		t.Errorf("expected the JSON attachment to still be written, got %v", err)
	}
}

func TestEvictionRemovesOldestPatient(t *testing.T) {
	cfg := cmn.Default()
	cfg.MaximumPatientCount = 1
	p, idx := newTestPipeline(t, cfg)
	ctx := context.Background()

	res1, err := p.StoreInstance(ctx, requestFor("PAT1", "1.2.study1", "1.2.series1", "1.2.sop1"))
	if err != nil {
		t.Fatalf("StoreInstance 1: %v", err)
	}
	res2, err := p.StoreInstance(ctx, requestFor("PAT2", "1.2.study2", "1.2.series2", "1.2.sop2"))
	if err != nil {
		t.Fatalf("StoreInstance 2: %v", err)
	}

	if _, _, err := idx.LookupPublicID(ctx, res1.PatientID); err == nil {
		t.Errorf("expected the first patient to have been evicted to satisfy MaximumPatientCount=1")
	}
	if _, _, err := idx.LookupPublicID(ctx, res2.PatientID); err != nil {
		t.Errorf("expected the second (most recent) patient to survive, got %v", err)
	}
}

func TestProtectedPatientBlocksEvictionAndFailsIngest(t *testing.T) {
	cfg := cmn.Default()
	cfg.MaximumPatientCount = 1
	p, idx := newTestPipeline(t, cfg)
	ctx := context.Background()

	res1, err := p.StoreInstance(ctx, requestFor("PAT1", "1.2.study1", "1.2.series1", "1.2.sop1"))
	if err != nil {
		t.Fatalf("StoreInstance 1: %v", err)
	}
	rowID, _, err := idx.LookupPublicID(ctx, res1.PatientID)
	if err != nil {
		t.Fatalf("LookupPublicID: %v", err)
	}
	if err := idx.SetProtected(ctx, rowID, true); err != nil {
		t.Fatalf("SetProtected: %v", err)
	}

	_, err = p.StoreInstance(ctx, requestFor("PAT2", "1.2.study2", "1.2.series2", "1.2.sop2"))
	if err == nil {
		t.Fatalf("expected ingest to fail when the only evictable patient is protected")
	}
}
