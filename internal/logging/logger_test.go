package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sessyncd.log")
	logger, level, err := New(path, "main", "info")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("visible")
	level.SetLevel(zapcore.DebugLevel)
	logger.Debug("now visible")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, `"hidden"`) {
		t.Error("debug entry written at info level")
	}
	for _, want := range []string{`"visible"`, `"now visible"`, `"account":"main"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s:\n%s", want, out)
		}
	}
}

func TestNewBadLevel(t *testing.T) {
	if _, _, err := New(filepath.Join(t.TempDir(), "x.log"), "main", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
