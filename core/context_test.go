package core_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pacsd/pacsd/core"
	"github.com/pacsd/pacsd/ingest"
)

func buildTestContext(t *testing.T, extraJSON string) *core.Context {
	t.Helper()
	root := t.TempDir()
	storage := filepath.Join(root, "storage")
	indexDir := filepath.Join(root, "index")
	if err := os.MkdirAll(storage, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	cfgPath := filepath.Join(root, "config.json")
	body := fmt.Sprintf(`{"StorageDirectory": %q, "IndexDirectory": %q%s}`, storage, indexDir, extraJSON)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := core.Build(cfgPath, false)
	if err != nil {
		t.Fatalf("core.Build: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func requestFor(patientID, studyUID, seriesUID, sopUID string) ingest.Request {
	return ingest.Request{
		RawDicom: []byte("fake dicom bytes for " + sopUID),
		Tags: ingest.Tags{
			PatientID:         patientID,
			StudyInstanceUID:  studyUID,
			SeriesInstanceUID: seriesUID,
			SOPInstanceUID:    sopUID,
			Modality:          "CT",
			All:               map[string]string{"PatientID": patientID, "SOPInstanceUID": sopUID},
		},
		Origin: ingest.OriginRestApi,
	}
}

func TestStoreTwiceReportsAlreadyStored(t *testing.T) {
	c := buildTestContext(t, "")
	ctx := context.Background()

	res, err := c.Store(ctx, requestFor("PAT1", "1.2.study", "1.2.series", "1.2.sop"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !res.IsNewInstance {
		t.Fatalf("expected a fresh ingest to be new")
	}

	// POST the identical instance again: scenario 1 from spec.md §8.
	res2, err := c.Store(ctx, requestFor("PAT1", "1.2.study", "1.2.series", "1.2.sop"))
	if err != nil {
		t.Fatalf("Store (duplicate): %v", err)
	}
	if res2.IsNewInstance {
		t.Errorf("expected the duplicate POST to report AlreadyStored")
	}
	if res.PatientID != res2.PatientID || res.StudyID != res2.StudyID {
		t.Errorf("expected the same patient/study public IDs across both ingests")
	}
}

func TestDeleteResourceRemovesPatient(t *testing.T) {
	c := buildTestContext(t, "")
	ctx := context.Background()

	res, err := c.Store(ctx, requestFor("PAT1", "1.2.study", "1.2.series", "1.2.sop"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.DeleteResource(ctx, res.PatientID); err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}
	if _, err := c.GetStatistics(ctx); err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	stats, err := c.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.CountPatients != 0 {
		t.Errorf("expected zero patients after delete, got %d", stats.CountPatients)
	}
}

func TestMaximumPatientCountEvictsOldestPatient(t *testing.T) {
	c := buildTestContext(t, `,"MaximumPatientCount":1`)
	ctx := context.Background()

	res1, err := c.Store(ctx, requestFor("PAT1", "1.2.study1", "1.2.series1", "1.2.sop1"))
	if err != nil {
		t.Fatalf("Store PAT1: %v", err)
	}
	res2, err := c.Store(ctx, requestFor("PAT2", "1.2.study2", "1.2.series2", "1.2.sop2"))
	if err != nil {
		t.Fatalf("Store PAT2: %v", err)
	}

	stats, err := c.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.CountPatients != 1 {
		t.Fatalf("expected exactly one patient after MaximumPatientCount=1 eviction, got %d", stats.CountPatients)
	}
	if _, err := c.ReadFile(ctx, res2.InstanceID, "dicom"); err != nil {
		t.Errorf("expected the surviving patient's instance to still be readable, got %v", err)
	}
	if _, err := c.ReadFile(ctx, res1.InstanceID, "dicom"); err == nil {
		t.Errorf("expected the evicted patient's instance to be gone")
	}
}
