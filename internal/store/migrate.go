package store

import "fmt"

// migrate runs the idempotent schema routine from spec.md §4.10: it creates
// missing tables/triggers (CREATE TABLE/TRIGGER IF NOT EXISTS is already
// idempotent) and leaves existing data untouched.
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config_state (
			config_id INTEGER PRIMARY KEY,
			is_running BOOLEAN NOT NULL DEFAULT 0,
			process_id INTEGER,
			FOREIGN KEY(config_id) REFERENCES configs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS http_logs_config (
			config_id INTEGER PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT 0,
			max_file_size INTEGER NOT NULL DEFAULT 10485760,
			retention_days INTEGER NOT NULL DEFAULT 7,
			auto_cleanup BOOLEAN NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(config_id) REFERENCES configs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS shortcuts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			shortcut_key TEXT NOT NULL,
			action_type TEXT NOT NULL,
			action_data TEXT,
			config_id INTEGER,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(config_id) REFERENCES configs(id) ON DELETE SET NULL
		)`,

		`CREATE TRIGGER IF NOT EXISTS after_insert_config
		 AFTER INSERT ON configs
		 BEGIN
			INSERT INTO config_state (config_id, is_running) VALUES (NEW.id, 0);
		 END`,

		`CREATE TRIGGER IF NOT EXISTS after_delete_config
		 AFTER DELETE ON configs
		 BEGIN
			DELETE FROM config_state WHERE config_id = OLD.id;
			DELETE FROM http_logs_config WHERE config_id = OLD.id;
		 END`,

		`CREATE TRIGGER IF NOT EXISTS after_insert_config_http_logs
		 AFTER INSERT ON configs
		 BEGIN
			INSERT INTO http_logs_config (config_id) VALUES (NEW.id);
		 END`,

		`CREATE TRIGGER IF NOT EXISTS after_update_shortcuts
		 AFTER UPDATE ON shortcuts
		 BEGIN
			UPDATE shortcuts SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		 END`,
	}

	for _, stmt := range statements {
		if err := s.exec(stmt); err != nil {
			return fmt.Errorf("store: apply migration statement: %w", err)
		}
	}
	return nil
}
