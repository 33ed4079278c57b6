package metrics

import (
	"database/sql"

	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS runs (
	       run_id      TEXT PRIMARY KEY,
	       started_at  INTEGER NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       id             INTEGER PRIMARY KEY AUTOINCREMENT,
	       run_id         TEXT NOT NULL REFERENCES runs(run_id),
	       timestamp_ms   INTEGER NOT NULL CHECK (typeof(timestamp_ms) = 'integer'),
	       gpu            TEXT NOT NULL,
	       util_percent   REAL NOT NULL,
	       mem_used_mb    REAL NOT NULL,
	       mem_total_mb   REAL NOT NULL,
	       power_draw_w   REAL NOT NULL,
	       power_limit_w  REAL NOT NULL,
	       temp_c         REAL NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS samples_run_gpu ON samples (run_id, gpu, timestamp_ms);`

	insertRunSQL = `INSERT INTO runs (run_id, started_at) VALUES (?, ?)`

	insertSampleSQL = `
    INSERT INTO samples (
        run_id, timestamp_ms, gpu,
        util_percent, mem_used_mb, mem_total_mb,
        power_draw_w, power_limit_w, temp_c
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// managedTables lists every table owned by the schema, dependents first.
var managedTables = []string{"samples", "runs", "schema_versions"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "create_tables",
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for an empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}

	return exists, nil
}
