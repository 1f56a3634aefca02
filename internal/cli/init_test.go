package cli

import (
	"path/filepath"
	"testing"

	"github.com/ppiankov/sensorpress/internal/config"
)

func TestInitAction(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".sensorpress")
	withConfigDir(t, dir)

	out, err := captureStdout(t, func() error { return initAction(nil, nil) })
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	requireContains(t, out, "created: ")
	requireContains(t, out, "Initialized")

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if len(cfg.Sources) != 2 || cfg.CMS.Backend != config.BackendLocal {
		t.Errorf("example config = %+v", cfg)
	}

	out, err = captureStdout(t, func() error { return initAction(nil, nil) })
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	requireContains(t, out, "already initialized")
}
