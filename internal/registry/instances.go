package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Instance is the persisted view of one instance. Native handles do not
// survive a restart, so only what the UI needs to recreate it is kept.
type Instance struct {
	ID             string    `json:"id"`
	ControllerType string    `json:"controller_type,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	TaskIDs        []int64   `json:"task_ids"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SaveInstance inserts or replaces an instance.
func (d *DB) SaveInstance(inst *Instance) error {
	if inst.TaskIDs == nil {
		inst.TaskIDs = []int64{}
	}
	taskJSON, _ := json.Marshal(inst.TaskIDs)
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}

	_, err := d.db.Exec(`
		INSERT INTO instances (id, controller_type, fingerprint, task_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			controller_type = excluded.controller_type,
			fingerprint = excluded.fingerprint,
			task_ids = excluded.task_ids,
			updated_at = excluded.updated_at
	`, inst.ID, inst.ControllerType, inst.Fingerprint, string(taskJSON),
		inst.CreatedAt.Format(time.RFC3339), time.Now().Format(time.RFC3339))
	return err
}

// GetInstance retrieves an instance by ID. A missing instance yields nil, nil.
func (d *DB) GetInstance(id string) (*Instance, error) {
	row := d.db.QueryRow(`
		SELECT id, controller_type, fingerprint, task_ids, created_at, updated_at
		FROM instances WHERE id = ?
	`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// ListInstances returns all instances, oldest first.
func (d *DB) ListInstances() ([]*Instance, error) {
	rows, err := d.db.Query(`
		SELECT id, controller_type, fingerprint, task_ids, created_at, updated_at
		FROM instances ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateTaskIDs records the task ids last posted for an instance.
func (d *DB) UpdateTaskIDs(id string, taskIDs []int64) error {
	if taskIDs == nil {
		taskIDs = []int64{}
	}
	taskJSON, _ := json.Marshal(taskIDs)
	res, err := d.db.Exec(`
		UPDATE instances SET task_ids = ?, updated_at = datetime('now') WHERE id = ?
	`, string(taskJSON), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %s not found", id)
	}
	return nil
}

// DeleteInstance removes an instance.
func (d *DB) DeleteInstance(id string) error {
	_, err := d.db.Exec(`DELETE FROM instances WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*Instance, error) {
	var inst Instance
	var taskJSON, createdStr, updatedStr string

	err := s.Scan(&inst.ID, &inst.ControllerType, &inst.Fingerprint, &taskJSON, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(taskJSON), &inst.TaskIDs)
	inst.CreatedAt = parseTime(createdStr)
	inst.UpdatedAt = parseTime(updatedStr)
	return &inst, nil
}

// parseTime accepts both RFC 3339 and SQLite's datetime('now') format.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}
