package logging_test

import (
	"path/filepath"
	"testing"

	"github.com/pacsd/pacsd/logging"
)

func TestInitWithLogDirCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	if err := logging.Init(logging.LevelVerbose, dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer logging.Flush()

	logging.Infof("hello %s", "world")
	logging.Warningf("warn %d", 1)
	logging.Errorf("err %v", "x")
	logging.Tracef("trace")
}

func TestInitWithoutLogDirUsesStderr(t *testing.T) {
	if err := logging.Init(logging.LevelErrors, ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer logging.Flush()
	logging.Infof("should not panic even if filtered out")
}
