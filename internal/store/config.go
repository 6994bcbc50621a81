package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hcavarsan/kftray/internal/model"
)

// UpsertConfig inserts cfg if id is zero, or replaces the stored JSON for an
// existing id. The stored document is deep-merged against defaultDoc so new
// default keys introduced by later releases surface to the caller without a
// destructive rewrite (spec.md §4.10).
func (s *Store) UpsertConfig(id int64, cfg model.Configuration, defaultDoc map[string]interface{}) (int64, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("store: marshal config: %w", err)
	}

	var customDoc map[string]interface{}
	if err := json.Unmarshal(data, &customDoc); err != nil {
		return 0, fmt.Errorf("store: decode config for merge: %w", err)
	}
	merged := DeepMerge(toInterface(defaultDoc), toInterface(customDoc))
	mergedData, err := json.Marshal(merged)
	if err != nil {
		return 0, fmt.Errorf("store: marshal merged config: %w", err)
	}

	if id == 0 {
		res, err := s.db.Exec(`INSERT INTO configs (data) VALUES (?)`, string(mergedData))
		if err != nil {
			return 0, fmt.Errorf("store: insert config: %w", err)
		}
		return res.LastInsertId()
	}

	if _, err := s.db.Exec(`UPDATE configs SET data = ? WHERE id = ?`, string(mergedData), id); err != nil {
		return 0, fmt.Errorf("store: update config: %w", err)
	}
	return id, nil
}

// GetConfig loads and deep-merges a single configuration by id.
func (s *Store) GetConfig(id int64, defaultDoc map[string]interface{}) (model.Configuration, error) {
	var raw string
	err := s.db.QueryRow(`SELECT data FROM configs WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return model.Configuration{}, fmt.Errorf("store: config %d not found", id)
	}
	if err != nil {
		return model.Configuration{}, fmt.Errorf("store: query config: %w", err)
	}

	var customDoc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &customDoc); err != nil {
		return model.Configuration{}, fmt.Errorf("store: decode stored config: %w", err)
	}
	merged := DeepMerge(toInterface(defaultDoc), toInterface(customDoc))

	mergedData, err := json.Marshal(merged)
	if err != nil {
		return model.Configuration{}, fmt.Errorf("store: marshal merged config: %w", err)
	}
	var cfg model.Configuration
	if err := json.Unmarshal(mergedData, &cfg); err != nil {
		return model.Configuration{}, fmt.Errorf("store: decode merged config: %w", err)
	}
	cfg.ID = id
	return cfg, nil
}

// ListConfigs returns every stored configuration, deep-merged.
func (s *Store) ListConfigs(defaultDoc map[string]interface{}) ([]model.Configuration, error) {
	rows, err := s.db.Query(`SELECT id FROM configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list configs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	configs := make([]model.Configuration, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.GetConfig(id, defaultDoc)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// DeleteConfig removes a configuration; the after_delete_config trigger
// cascades to config_state and http_logs_config.
func (s *Store) DeleteConfig(id int64) error {
	_, err := s.db.Exec(`DELETE FROM configs WHERE id = ?`, id)
	return err
}

// SetRunState updates whether a configuration's forward is running and, if
// so, the owning process id.
func (s *Store) SetRunState(configID int64, running bool, pid *int) error {
	_, err := s.db.Exec(
		`UPDATE config_state SET is_running = ?, process_id = ? WHERE config_id = ?`,
		running, pid, configID,
	)
	return err
}

// RunState loads a configuration's run state.
func (s *Store) RunState(configID int64) (model.RunState, error) {
	var rs model.RunState
	rs.ConfigID = configID
	var pid sql.NullInt64
	err := s.db.QueryRow(`SELECT is_running, process_id FROM config_state WHERE config_id = ?`, configID).
		Scan(&rs.IsRunning, &pid)
	if err == sql.ErrNoRows {
		return rs, nil
	}
	if err != nil {
		return rs, err
	}
	if pid.Valid {
		v := int(pid.Int64)
		rs.ProcessID = &v
	}
	return rs, nil
}

// ClearAllRunStates marks every configuration as not running in a single
// transaction (spec.md §4.9 StopAll: "finally mark all RunState.is_running
// = false in one transaction").
func (s *Store) ClearAllRunStates() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE config_state SET is_running = 0, process_id = NULL`); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toInterface(m map[string]interface{}) interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
