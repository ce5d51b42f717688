package cmn_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pacsd/pacsd/apierror"
	"github.com/pacsd/pacsd/cmn"
)

func writeJSON(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "config.json", `{"HttpPort": 9999, "DicomAet": "TESTAET"}`)

	cfg, err := cmn.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 9999 || cfg.DicomAet != "TESTAET" {
		t.Errorf("expected overridden fields to take effect, got %+v", cfg)
	}
	// Defaults survive for fields the file didn't mention.
	if cfg.DicomPort != cmn.Default().DicomPort {
		t.Errorf("expected default DicomPort to survive, got %d", cfg.DicomPort)
	}
}

func TestLoadMergesDirectoryOfFiles(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "a.json", `{"DicomModalities": {"mod1": ["MOD1", "localhost", 104]}}`)
	writeJSON(t, dir, "b.json", `{"OrthancPeers": {"peer1": {"Url": "http://peer1"}}}`)

	cfg, err := cmn.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := cfg.DicomModalities["mod1"]; !ok {
		t.Errorf("expected DicomModalities from a.json to be present, got %+v", cfg.DicomModalities)
	}
	if _, ok := cfg.OrthancPeers["peer1"]; !ok {
		t.Errorf("expected OrthancPeers from b.json to be present, got %+v", cfg.OrthancPeers)
	}
}

func TestLoadRejectsDuplicateTopLevelKeyAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "a.json", `{"DicomModalities": {"mod1": ["MOD1", "localhost", 104]}}`)
	writeJSON(t, dir, "b.json", `{"DicomModalities": {"mod2": ["MOD2", "localhost", 105]}}`)

	_, err := cmn.Load(dir)
	ae, ok := apierror.As(err)
	if !ok || ae.Kind != apierror.BadFileFormat {
		t.Fatalf("expected BadFileFormat for a key defined in two files, got %v", err)
	}
}

func TestLoadRejectsMissingPath(t *testing.T) {
	_, err := cmn.Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err == nil {
		t.Fatalf("expected an error for a nonexistent configuration path")
	}
}

func TestWriteSampleProducesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	if err := cmn.WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	cfg, err := cmn.Load(path)
	if err != nil {
		t.Fatalf("Load(sample): %v", err)
	}
	if cfg.DicomAet != cmn.Default().DicomAet {
		t.Errorf("expected the sample config to round-trip the default AET, got %q", cfg.DicomAet)
	}
}
