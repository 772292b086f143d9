package state

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

// SaveOutputs stores the output manifest of a run, replacing any earlier
// manifest of the same run.
func (s *SQLiteStore) SaveOutputs(runID string, outputs []core.OutputRecord) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM outputs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear outputs: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO outputs (run_id, task_name, filename, attributes) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range outputs {
		attrs := o.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		data, err := json.Marshal(attrs)
		if err != nil {
			return fmt.Errorf("failed to encode attributes of %s: %w", o.Filename, err)
		}
		if _, err := stmt.Exec(runID, o.TaskName, o.Filename, string(data)); err != nil {
			return fmt.Errorf("failed to save output %s: %w", o.Filename, err)
		}
	}
	return tx.Commit()
}

// GetOutputs retrieves the output manifest of a run, ordered by task and
// filename.
func (s *SQLiteStore) GetOutputs(runID string) ([]core.OutputRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(
		`SELECT task_name, filename, attributes FROM outputs WHERE run_id = ? ORDER BY task_name, filename`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get outputs: %w", err)
	}
	defer rows.Close()

	var outputs []core.OutputRecord
	for rows.Next() {
		var (
			o     core.OutputRecord
			attrs string
		)
		if err := rows.Scan(&o.TaskName, &o.Filename, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &o.Attributes); err != nil {
			return nil, fmt.Errorf("invalid attributes of %s: %w", o.Filename, err)
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}
