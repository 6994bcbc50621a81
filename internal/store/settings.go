package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hcavarsan/kftray/internal/model"
)

// GetSettings loads the settings table into a typed Settings value, falling
// back to model.DefaultSettings for any unset key (spec.md §3).
func (s *Store) GetSettings() (model.Settings, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return model.Settings{}, fmt.Errorf("store: query settings: %w", err)
	}
	defer rows.Close()

	raw := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return model.Settings{}, err
		}
		raw[k] = v
	}

	settings := model.DefaultSettings()
	applySettingOverrides(&settings, raw)
	return settings, nil
}

// SetSetting upserts a single settings key/value pair.
func (s *Store) SetSetting(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal setting %s: %w", key, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, string(data),
	)
	return err
}

func applySettingOverrides(s *model.Settings, raw map[string]string) {
	setIntField := func(key string, dst *int) {
		if v, ok := raw[key]; ok {
			var n int
			if json.Unmarshal([]byte(v), &n) == nil {
				*dst = n
			}
		}
	}
	setInt64Field := func(key string, dst *int64) {
		if v, ok := raw[key]; ok {
			var n int64
			if json.Unmarshal([]byte(v), &n) == nil {
				*dst = n
			}
		}
	}
	setBoolField := func(key string, dst *bool) {
		if v, ok := raw[key]; ok {
			var b bool
			if json.Unmarshal([]byte(v), &b) == nil {
				*dst = b
			}
		}
	}
	setStringField := func(key string, dst *string) {
		if v, ok := raw[key]; ok {
			var str string
			if json.Unmarshal([]byte(v), &str) == nil {
				*dst = str
			}
		}
	}

	setIntField("disconnect_timeout_minutes", &s.DisconnectTimeoutMinutes)
	setBoolField("network_monitor", &s.NetworkMonitor)
	setBoolField("http_logs_default_enabled", &s.HTTPLogsDefaultEnabled)
	setInt64Field("http_logs_max_file_size", &s.HTTPLogsMaxFileSize)
	setIntField("http_logs_retention_days", &s.HTTPLogsRetentionDays)
	setBoolField("ssl_enabled", &s.SSLEnabled)
	setIntField("ssl_cert_validity_days", &s.SSLCertValidityDays)
	setBoolField("ssl_auto_regenerate", &s.SSLAutoRegenerate)
	setBoolField("ssl_ca_auto_install", &s.SSLCAAutoInstall)
	setStringField("global_shortcut", &s.GlobalShortcut)
	setBoolField("env_auto_sync_enabled", &s.EnvAutoSyncEnabled)
	setIntField("env_auto_sync_interval_secs", &s.EnvAutoSyncIntervalSecs)
}

// UpsertHTTPLogSettings stores the per-config HTTP log settings row.
func (s *Store) UpsertHTTPLogSettings(cfg model.HTTPLogSettings) error {
	_, err := s.db.Exec(
		`INSERT INTO http_logs_config (config_id, enabled, max_file_size, retention_days, auto_cleanup, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(config_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   max_file_size = excluded.max_file_size,
		   retention_days = excluded.retention_days,
		   auto_cleanup = excluded.auto_cleanup,
		   updated_at = CURRENT_TIMESTAMP`,
		cfg.ConfigID, cfg.Enabled, cfg.MaxFileSize, cfg.RetentionDays, cfg.AutoCleanup,
	)
	return err
}

// GetHTTPLogSettings loads a configuration's HTTP log settings row.
func (s *Store) GetHTTPLogSettings(configID int64) (model.HTTPLogSettings, error) {
	var out model.HTTPLogSettings
	out.ConfigID = configID
	err := s.db.QueryRow(
		`SELECT enabled, max_file_size, retention_days, auto_cleanup FROM http_logs_config WHERE config_id = ?`,
		configID,
	).Scan(&out.Enabled, &out.MaxFileSize, &out.RetentionDays, &out.AutoCleanup)
	if err == sql.ErrNoRows {
		return out, nil
	}
	return out, err
}
