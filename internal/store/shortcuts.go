package store

import "database/sql"

// Shortcut is one row of the shortcuts table (spec.md §4.10).
type Shortcut struct {
	ID          int64
	Name        string
	ShortcutKey string
	ActionType  string
	ActionData  string
	ConfigID    *int64
	Enabled     bool
}

// UpsertShortcut inserts sc, or updates it by unique name if a row with that
// name already exists; after_update_shortcuts refreshes updated_at.
func (s *Store) UpsertShortcut(sc Shortcut) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO shortcuts (name, shortcut_key, action_type, action_data, config_id, enabled)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   shortcut_key = excluded.shortcut_key,
		   action_type = excluded.action_type,
		   action_data = excluded.action_data,
		   config_id = excluded.config_id,
		   enabled = excluded.enabled`,
		sc.Name, sc.ShortcutKey, sc.ActionType, sc.ActionData, sc.ConfigID, sc.Enabled,
	)
	if err != nil {
		return 0, err
	}
	if sc.ID != 0 {
		return sc.ID, nil
	}
	return res.LastInsertId()
}

// ListShortcuts returns every shortcut row.
func (s *Store) ListShortcuts() ([]Shortcut, error) {
	rows, err := s.db.Query(`SELECT id, name, shortcut_key, action_type, action_data, config_id, enabled FROM shortcuts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Shortcut
	for rows.Next() {
		var sc Shortcut
		var actionData sql.NullString
		var configID sql.NullInt64
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.ShortcutKey, &sc.ActionType, &actionData, &configID, &sc.Enabled); err != nil {
			return nil, err
		}
		sc.ActionData = actionData.String
		if configID.Valid {
			v := configID.Int64
			sc.ConfigID = &v
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteShortcut removes a shortcut by name.
func (s *Store) DeleteShortcut(name string) error {
	_, err := s.db.Exec(`DELETE FROM shortcuts WHERE name = ?`, name)
	return err
}
