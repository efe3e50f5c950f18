package database

import (
	"database/sql"
	"fmt"
	"time"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"sessions":          "Session state storage",
		"executions":        "Execution audit trail",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"id":               "TEXT",
		"owner_id":         "TEXT",
		"code":             "TEXT",
		"language":         "TEXT",
		"output":           "TEXT",
		"participants":     "TEXT",
		"max_participants": "INTEGER",
		"history":          "TEXT",
		"is_locked":        "INTEGER",
		"timer_end_time":   "DATETIME",
		"typing_stats":     "TEXT",
		"created_at":       "DATETIME",
		"last_active":      "DATETIME",
	}
	if err := v.validateColumns("sessions", sessionColumns); err != nil {
		return fmt.Errorf("sessions table structure invalid: %w", err)
	}

	executionColumns := map[string]string{
		"id":          "INTEGER",
		"session_id":  "TEXT",
		"user_id":     "TEXT",
		"language":    "TEXT",
		"status":      "TEXT",
		"exit_code":   "INTEGER",
		"duration_ms": "INTEGER",
		"executed_at": "DATETIME",
	}
	if err := v.validateColumns("executions", executionColumns); err != nil {
		return fmt.Errorf("executions table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_owner":          "Sessions owned by a user",
		"idx_sessions_last_active":    "Idle session scans",
		"idx_executions_session_time": "Execution history per session",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that database constraints are properly enforced.
// It writes test rows and removes them again.
func (v *SchemaValidator) ValidateConstraints() error {
	now := time.Now().UTC()

	_, err := v.db.Exec(`
		INSERT INTO executions (session_id, user_id, language, status, exit_code, duration_ms, executed_at)
		VALUES ('__check_missing__', 'check', 'python', 'success', 0, 0, ?)
	`, now)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM executions WHERE session_id = '__check_missing__'")
		return fmt.Errorf("foreign key constraint not enforced: executions.session_id")
	}

	_, err = v.db.Exec(`
		INSERT INTO sessions (id, owner_id, is_locked, created_at, last_active)
		VALUES ('__check__', 'check', 2, ?, ?)
	`, now, now)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM sessions WHERE id = '__check__'")
		return fmt.Errorf("check constraint not enforced: sessions.is_locked")
	}

	_, err = v.db.Exec(`
		INSERT INTO sessions (id, owner_id, max_participants, created_at, last_active)
		VALUES ('__check__', 'check', 0, ?, ?)
	`, now, now)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM sessions WHERE id = '__check__'")
		return fmt.Errorf("check constraint not enforced: sessions.max_participants")
	}

	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
