package store

import (
	"testing"

	"github.com/hcavarsan/kftray/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", ModeMemory)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetConfigRoundTrips(t *testing.T) {
	s := openTestStore(t)

	cfg := model.Configuration{
		Alias:      "myapp",
		Namespace:  "default",
		RemotePort: 8080,
		Protocol:   model.ProtocolTCP,
	}

	id, err := s.UpsertConfig(0, cfg, nil)
	if err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a nonzero assigned id")
	}

	got, err := s.GetConfig(id, nil)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.Alias != "myapp" || got.RemotePort != 8080 {
		t.Fatalf("got %+v, want alias=myapp remote_port=8080", got)
	}
}

func TestUpsertConfigMergesAgainstDefaultDoc(t *testing.T) {
	s := openTestStore(t)

	cfg := model.Configuration{Alias: "myapp"}
	defaultDoc := map[string]interface{}{"local_port": 9999.0}

	id, err := s.UpsertConfig(0, cfg, defaultDoc)
	if err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}

	var raw string
	if err := s.db.QueryRow(`SELECT data FROM configs WHERE id = ?`, id).Scan(&raw); err != nil {
		t.Fatalf("query raw data: %v", err)
	}
	if !containsSubstring(raw, "9999") {
		t.Fatalf("expected merged default local_port to appear in stored JSON, got %s", raw)
	}
}

func TestDeleteConfigCascadesRunState(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertConfig(0, model.Configuration{Alias: "x"}, nil)
	if err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}

	rs, err := s.RunState(id)
	if err != nil {
		t.Fatalf("RunState: %v", err)
	}
	if rs.IsRunning {
		t.Fatal("expected default run state to be not running")
	}

	if err := s.DeleteConfig(id); err != nil {
		t.Fatalf("DeleteConfig: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM config_state WHERE config_id = ?`, id).Scan(&count); err != nil {
		t.Fatalf("count config_state: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected config_state to be cascade-deleted, got %d rows", count)
	}
}

func TestSetRunStateAndClearAllRunStates(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertConfig(0, model.Configuration{Alias: "x"}, nil)
	if err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}

	pid := 1234
	if err := s.SetRunState(id, true, &pid); err != nil {
		t.Fatalf("SetRunState: %v", err)
	}

	rs, err := s.RunState(id)
	if err != nil {
		t.Fatalf("RunState: %v", err)
	}
	if !rs.IsRunning || rs.ProcessID == nil || *rs.ProcessID != pid {
		t.Fatalf("unexpected run state: %+v", rs)
	}

	if err := s.ClearAllRunStates(); err != nil {
		t.Fatalf("ClearAllRunStates: %v", err)
	}
	rs, err = s.RunState(id)
	if err != nil {
		t.Fatalf("RunState after clear: %v", err)
	}
	if rs.IsRunning {
		t.Fatal("expected run state cleared")
	}
}

func TestSettingsDefaultsAndOverrides(t *testing.T) {
	s := openTestStore(t)

	settings, err := s.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.HTTPLogsRetentionDays != model.DefaultSettings().HTTPLogsRetentionDays {
		t.Fatalf("expected default retention days, got %d", settings.HTTPLogsRetentionDays)
	}

	if err := s.SetSetting("http_logs_retention_days", 30); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	settings, err = s.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings after override: %v", err)
	}
	if settings.HTTPLogsRetentionDays != 30 {
		t.Fatalf("expected overridden retention days 30, got %d", settings.HTTPLogsRetentionDays)
	}
}

func TestShortcutUpsertIsIdempotentByName(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.UpsertShortcut(Shortcut{Name: "toggle", ShortcutKey: "Ctrl+T", ActionType: "toggle_all", Enabled: true}); err != nil {
		t.Fatalf("UpsertShortcut: %v", err)
	}
	if _, err := s.UpsertShortcut(Shortcut{Name: "toggle", ShortcutKey: "Ctrl+Shift+T", ActionType: "toggle_all", Enabled: true}); err != nil {
		t.Fatalf("UpsertShortcut (update): %v", err)
	}

	shortcuts, err := s.ListShortcuts()
	if err != nil {
		t.Fatalf("ListShortcuts: %v", err)
	}
	if len(shortcuts) != 1 {
		t.Fatalf("expected exactly one shortcut row, got %d", len(shortcuts))
	}
	if shortcuts[0].ShortcutKey != "Ctrl+Shift+T" {
		t.Fatalf("expected update to win, got %q", shortcuts[0].ShortcutKey)
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
