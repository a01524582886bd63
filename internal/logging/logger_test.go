package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLogging() {
	loggersMu.Lock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
	logsDir = ""
}

func TestInitializeCreatesLogFiles(t *testing.T) {
	resetLogging()
	defer resetLogging()

	dataDir := t.TempDir()
	if err := Initialize(dataDir, true, "debug", false, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Query("analyzed request with %d targets", 2)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dataDir, "logs"))
	if err != nil {
		t.Fatalf("logs directory missing: %v", err)
	}

	var found bool
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_query.log") {
			found = true
			data, err := os.ReadFile(filepath.Join(dataDir, "logs", e.Name()))
			if err != nil {
				t.Fatalf("failed to read query log: %v", err)
			}
			if !strings.Contains(string(data), "analyzed request with 2 targets") {
				t.Errorf("query log missing expected message, got: %s", data)
			}
		}
	}
	if !found {
		t.Error("expected a query log file to be created")
	}
}

func TestDisabledModeWritesNothing(t *testing.T) {
	resetLogging()
	defer resetLogging()

	dataDir := t.TempDir()
	if err := Initialize(dataDir, false, "info", false, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Resolve("this should not be written")
	CloseAll()

	if _, err := os.Stat(filepath.Join(dataDir, "logs")); !os.IsNotExist(err) {
		t.Error("expected no logs directory in production mode")
	}
}

func TestCategoryDisabled(t *testing.T) {
	resetLogging()
	defer resetLogging()

	dataDir := t.TempDir()
	categories := map[string]bool{"cache": false}
	if err := Initialize(dataDir, true, "debug", false, categories); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsCategoryEnabled(CategoryCache) {
		t.Error("expected cache category to be disabled")
	}
	if !IsCategoryEnabled(CategoryQuery) {
		t.Error("expected unlisted categories to default to enabled")
	}

	// Disabled category logging must be a safe no-op
	Cache("eviction of %s", "abc")
	CloseAll()
}

func TestLevelFiltering(t *testing.T) {
	resetLogging()
	defer resetLogging()

	dataDir := t.TempDir()
	if err := Initialize(dataDir, true, "warn", false, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	l := Get(CategoryExec)
	l.Info("info message below threshold")
	l.Warn("warn message at threshold")
	CloseAll()

	data := readCategoryLog(t, dataDir, "exec")
	if strings.Contains(data, "info message below threshold") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(data, "warn message at threshold") {
		t.Error("warn message should be written at warn level")
	}
}

func TestTimer(t *testing.T) {
	resetLogging()
	defer resetLogging()

	dataDir := t.TempDir()
	if err := Initialize(dataDir, true, "debug", false, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	timer := StartTimer(CategoryExec, "routine run")
	time.Sleep(5 * time.Millisecond)
	if d := timer.Stop(); d < 5*time.Millisecond {
		t.Errorf("expected at least 5ms elapsed, got %v", d)
	}

	quick := StartTimer(CategoryExec, "fast op")
	if d := quick.StopWithThreshold(time.Hour); d < 0 {
		t.Errorf("unexpected negative duration %v", d)
	}
	CloseAll()
}

func readCategoryLog(t *testing.T, dataDir, category string) string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dataDir, "logs"))
	if err != nil {
		t.Fatalf("logs directory missing: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_"+category+".log") {
			data, err := os.ReadFile(filepath.Join(dataDir, "logs", e.Name()))
			if err != nil {
				t.Fatalf("failed to read %s log: %v", category, err)
			}
			return string(data)
		}
	}
	t.Fatalf("no %s log file found", category)
	return ""
}
