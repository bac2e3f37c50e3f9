package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	logger, err := NewFileLogger(&Config{
		Enabled:  true,
		Type:     FileAuditType,
		DeviceID: "device-test",
		Options: map[string]interface{}{
			"file_path": filepath.Join(t.TempDir(), "audit.log"),
		},
	})
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	t.Cleanup(func() {
		if err := logger.Close(); err != nil {
			t.Logf("Warning: close failed: %v", err)
		}
	})
	return logger
}

func TestFileLogger(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"RequiresFilePath", TestFileLoggerRequiresFilePath},
		{"WritesJSONLines", TestFileLoggerWritesJSONLines},
		{"PromotesWellKnownMetadata", TestFileLoggerPromotesWellKnownMetadata},
		{"QueryFilters", TestFileLoggerQueryFilters},
		{"QueryLifecycleOnly", TestFileLoggerQueryLifecycleOnly},
		{"QueryLimitAndOrder", TestFileLoggerQueryLimitAndOrder},
		{"SurvivesReopen", TestFileLoggerSurvivesReopen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

func TestFileLoggerRequiresFilePath(t *testing.T) {
	_, err := NewFileLogger(&Config{Enabled: true, Type: FileAuditType})
	if err == nil {
		t.Error("Expected missing file_path to be rejected")
	}
}

func TestFileLoggerWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled:  true,
		Type:     FileAuditType,
		DeviceID: "device-test",
		Options:  map[string]interface{}{"file_path": logPath},
	})
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	defer logger.Close()

	if err = logger.Log("manifest_save", true, map[string]interface{}{"vault_id": "vault-a"}); err != nil {
		t.Fatalf("Failed to log: %v", err)
	}
	if err = logger.Log("manifest_save", false, map[string]interface{}{"vault_id": "vault-b", "error": "disk full"}); err != nil {
		t.Fatalf("Failed to log: %v", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		if err = json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("Log line is not valid JSON: %v", err)
		}
		if event.ID == "" || event.Timestamp.IsZero() {
			t.Error("Expected event ID and timestamp on every line")
		}
		if event.DeviceID != "device-test" {
			t.Errorf("Expected device ID stamped, got %q", event.DeviceID)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("Expected 2 log lines, got %d", lines)
	}
}

func TestFileLoggerPromotesWellKnownMetadata(t *testing.T) {
	logger := newTestFileLogger(t)

	err := logger.Log("manifest_save", false, map[string]interface{}{
		"vault_id": "vault-a",
		"key_id":   "key-1",
		"error":    "write failed",
		"revision": 3,
	})
	if err != nil {
		t.Fatalf("Failed to log: %v", err)
	}

	result, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("Expected one event, got %d", len(result.Events))
	}

	event := result.Events[0]
	if event.VaultID != "vault-a" {
		t.Errorf("Expected vault ID promoted, got %q", event.VaultID)
	}
	if event.KeyID != "key-1" {
		t.Errorf("Expected key ID promoted, got %q", event.KeyID)
	}
	if event.Error != "write failed" {
		t.Errorf("Expected error promoted, got %q", event.Error)
	}
	if event.Metadata["revision"] == nil {
		t.Error("Expected other metadata preserved")
	}
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger := newTestFileLogger(t)

	events := []struct {
		action  string
		success bool
		meta    map[string]interface{}
	}{
		{"manifest_save", true, map[string]interface{}{"vault_id": "vault-a"}},
		{"manifest_save", false, map[string]interface{}{"vault_id": "vault-b"}},
		{"conflict_resolve", true, map[string]interface{}{"vault_id": "vault-a"}},
		{"token_observed", true, map[string]interface{}{"key_id": "token-1-1"}},
	}
	for _, e := range events {
		if err := logger.Log(e.action, e.success, e.meta); err != nil {
			t.Fatalf("Failed to log: %v", err)
		}
	}

	// Action filter
	result, err := logger.Query(QueryOptions{Action: "manifest_save"})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Events) != 2 {
		t.Errorf("Expected 2 manifest_save events, got %d", len(result.Events))
	}

	// Success filter
	failed := false
	result, err = logger.Query(QueryOptions{Success: &failed})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].VaultID != "vault-b" {
		t.Errorf("Expected the single failure, got %d events", len(result.Events))
	}

	// Vault filter
	result, err = logger.Query(QueryOptions{VaultID: "vault-a"})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Events) != 2 {
		t.Errorf("Expected 2 events for vault-a, got %d", len(result.Events))
	}

	// Key filter
	result, err = logger.Query(QueryOptions{KeyID: "token-1-1"})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].Action != "token_observed" {
		t.Errorf("Expected the token event, got %d events", len(result.Events))
	}

	// Time window excluding everything
	past := time.Now().UTC().Add(-2 * time.Hour)
	until := past.Add(time.Hour)
	result, err = logger.Query(QueryOptions{Since: &past, Until: &until})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Events) != 0 {
		t.Errorf("Expected no events in past window, got %d", len(result.Events))
	}
}

func TestFileLoggerQueryLifecycleOnly(t *testing.T) {
	logger := newTestFileLogger(t)

	lifecycle := []string{"lifecycle_transition", "key_deactivate", "key_restore", "registry_bootstrap", "token_observed"}
	other := []string{"manifest_save", "conflict_resolve", "command_start"}

	for _, action := range append(append([]string{}, lifecycle...), other...) {
		if err := logger.Log(action, true, nil); err != nil {
			t.Fatalf("Failed to log: %v", err)
		}
	}

	result, err := logger.Query(QueryOptions{LifecycleOnly: true})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Events) != len(lifecycle) {
		t.Fatalf("Expected %d lifecycle events, got %d", len(lifecycle), len(result.Events))
	}
	for _, event := range result.Events {
		for _, o := range other {
			if event.Action == o {
				t.Errorf("Non-lifecycle action %s leaked into results", o)
			}
		}
	}
}

func TestFileLoggerQueryLimitAndOrder(t *testing.T) {
	logger := newTestFileLogger(t)

	for i := 0; i < 5; i++ {
		if err := logger.Log("manifest_save", true, nil); err != nil {
			t.Fatalf("Failed to log: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	result, err := logger.Query(QueryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Events) != 3 {
		t.Fatalf("Expected limit of 3, got %d", len(result.Events))
	}
	if !result.HasMore {
		t.Error("Expected more events to be reported")
	}

	// Newest first
	for i := 0; i < len(result.Events)-1; i++ {
		if result.Events[i].Timestamp.Before(result.Events[i+1].Timestamp) {
			t.Error("Expected events newest first")
		}
	}
}

func TestFileLoggerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")
	config := &Config{
		Enabled:  true,
		Type:     FileAuditType,
		DeviceID: "device-test",
		Options:  map[string]interface{}{"file_path": logPath},
	}

	logger, err := NewFileLogger(config)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	if err = logger.Log("manifest_save", true, nil); err != nil {
		t.Fatalf("Failed to log: %v", err)
	}
	if err = logger.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// A new logger appends to the same file and sees the earlier events
	logger, err = NewFileLogger(config)
	if err != nil {
		t.Fatalf("Failed to reopen file logger: %v", err)
	}
	defer logger.Close()

	if err = logger.Log("manifest_delete", true, nil); err != nil {
		t.Fatalf("Failed to log after reopen: %v", err)
	}

	result, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Events) != 2 {
		t.Errorf("Expected both sessions' events, got %d", len(result.Events))
	}
}
