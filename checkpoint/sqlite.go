package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/log"
)

// SQLiteStore keeps records as JSON payload rows in a WAL-mode sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, persistErr("open", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, persistErr("ping", path, err)
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, persistErr("migrate", path, err)
	}
	return s, nil
}

func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		task_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		terminal TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_states (
		agent_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blobs (
		name TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_agent ON checkpoints(agent_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_terminal ON checkpoints(terminal);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// exec runs one statement inside a transaction.
func (s *SQLiteStore) exec(query string, args ...any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(query, args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveCheckpoint(c Checkpoint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return persistErr("save checkpoint", c.TaskID, err)
	}
	err = s.exec(`
		INSERT INTO checkpoints (task_id, agent_id, terminal, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			terminal = excluded.terminal,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, c.TaskID, c.AgentID, c.Terminal.String(), string(data), time.Now().UTC())
	return persistErr("save checkpoint", c.TaskID, err)
}

func (s *SQLiteStore) LoadCheckpoints() ([]Checkpoint, error) {
	rows, err := s.db.Query("SELECT task_id, data FROM checkpoints ORDER BY task_id")
	if err != nil {
		return nil, persistErr("load", "checkpoints", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, persistErr("load", "checkpoints", err)
		}
		var c Checkpoint
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			log.WarningLog.Printf("skipping corrupt checkpoint row %s: %v", id, err)
			continue
		}
		out = append(out, c)
	}
	return out, persistErr("load", "checkpoints", rows.Err())
}

func (s *SQLiteStore) DeleteCheckpoint(taskID string) error {
	return persistErr("delete checkpoint", taskID, s.exec("DELETE FROM checkpoints WHERE task_id = ?", taskID))
}

func (s *SQLiteStore) SaveAgentState(st agent.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return persistErr("save agent", st.AgentID, err)
	}
	err = s.exec(`
		INSERT INTO agent_states (agent_id, status, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, st.AgentID, st.Status.String(), string(data), time.Now().UTC())
	return persistErr("save agent", st.AgentID, err)
}

func (s *SQLiteStore) LoadAgentStates() ([]agent.State, error) {
	rows, err := s.db.Query("SELECT agent_id, data FROM agent_states ORDER BY agent_id")
	if err != nil {
		return nil, persistErr("load", "agent_states", err)
	}
	defer rows.Close()

	var out []agent.State
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, persistErr("load", "agent_states", err)
		}
		var st agent.State
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			log.WarningLog.Printf("skipping corrupt agent state row %s: %v", id, err)
			continue
		}
		out = append(out, st)
	}
	return out, persistErr("load", "agent_states", rows.Err())
}

func (s *SQLiteStore) SaveBlob(name string, data []byte) error {
	err := s.exec(`
		INSERT INTO blobs (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, name, data, time.Now().UTC())
	return persistErr("save", name, err)
}

func (s *SQLiteStore) LoadBlob(name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM blobs WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, persistErr("load", name, err)
	}
	return data, nil
}
