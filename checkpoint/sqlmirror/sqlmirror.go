// Package sqlmirror is the optional relational mirror of the checkpoint
// store, per §4.2/§6: every state transition is additionally written to a
// SQL database with tables chains/rounds/tasks/actions, best-effort. The
// checkpoint file remains authoritative; a mirror write failure is logged
// and never propagated to the caller.
//
// Backed by modernc.org/sqlite, the pure-Go driver two other repositories
// in the retrieval pack already depend on — chosen over mattn/go-sqlite3 to
// avoid a cgo requirement in escalatectl, which is invoked as a short-lived
// process potentially thousands of times a day.
package sqlmirror

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/indexspec"
)

// Mirror writes chain, round, and action events to the SQLite database
// opened by Open. It implements checkpoint.Mirror.
type Mirror struct {
	db *sql.DB
}

// Open opens (creating if necessary) the mirror database at path and
// ensures its schema exists.
func Open(path string) (*Mirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlmirror: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlmirror: ping %s: %w", path, err)
	}
	m := &Mirror{db: db}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mirror) Close() error { return m.db.Close() }

func (m *Mirror) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chains (
			chain_id TEXT PRIMARY KEY,
			script TEXT NOT NULL,
			args TEXT NOT NULL,
			created_at TEXT NOT NULL,
			state TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			chain_id TEXT NOT NULL,
			round_no INTEGER NOT NULL,
			level INTEGER NOT NULL,
			memory TEXT,
			wall_time TEXT,
			partition TEXT,
			job_ids TEXT,
			state TEXT NOT NULL,
			completed INTEGER DEFAULT 0,
			oom INTEGER DEFAULT 0,
			timeout INTEGER DEFAULT 0,
			other INTEGER DEFAULT 0,
			PRIMARY KEY (chain_id, round_no)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			chain_id TEXT NOT NULL,
			round_no INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			state TEXT,
			exit_code INTEGER,
			elapsed_ms INTEGER,
			node TEXT,
			peak_mem_kb INTEGER,
			out_path TEXT,
			err_path TEXT,
			PRIMARY KEY (chain_id, round_no, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS actions (
			ts TEXT NOT NULL,
			chain_id TEXT NOT NULL,
			action TEXT NOT NULL,
			job_id TEXT,
			level INTEGER,
			indices TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlmirror: migrate: %w", err)
		}
	}
	return nil
}

// ChainCreated inserts the chain row and its round-0 row.
func (m *Mirror) ChainCreated(c *checkpoint.Chain) error {
	argsJSON, err := json.Marshal(c.Args)
	if err != nil {
		return err
	}
	if _, err := m.db.Exec(
		`INSERT OR REPLACE INTO chains (chain_id, script, args, created_at, state) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Script, string(argsJSON), c.CreatedAt.Format(time.RFC3339), string(c.State),
	); err != nil {
		return err
	}
	for _, r := range c.Rounds {
		if err := m.upsertRound(c.ID, r); err != nil {
			return err
		}
	}
	return nil
}

// RoundAppended inserts a new round row.
func (m *Mirror) RoundAppended(chainID string, r checkpoint.Round) error {
	return m.upsertRound(chainID, r)
}

// RoundUpdated rewrites a round row and its task rows.
func (m *Mirror) RoundUpdated(chainID string, r checkpoint.Round) error {
	if err := m.upsertRound(chainID, r); err != nil {
		return err
	}
	for _, task := range r.Tasks {
		if _, err := m.db.Exec(
			`INSERT OR REPLACE INTO tasks (chain_id, round_no, idx, state, exit_code, elapsed_ms, node, peak_mem_kb, out_path, err_path)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			chainID, r.Number, task.Index, task.State, task.ExitCode, task.ElapsedMS, task.Node, task.PeakMemKB, task.OutPath, task.ErrPath,
		); err != nil {
			return err
		}
	}
	return nil
}

// ChainStateChanged updates the chain's state column.
func (m *Mirror) ChainStateChanged(c *checkpoint.Chain) error {
	_, err := m.db.Exec(`UPDATE chains SET state = ? WHERE chain_id = ?`, string(c.State), c.ID)
	return err
}

func (m *Mirror) upsertRound(chainID string, r checkpoint.Round) error {
	_, err := m.db.Exec(
		`INSERT OR REPLACE INTO rounds (chain_id, round_no, level, memory, wall_time, partition, job_ids, state, completed, oom, timeout, other)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chainID, r.Number, r.LevelIndex, r.Memory, r.WallTime, strings.Join(r.Partitions, ","),
		strings.Join(r.JobIDs, ","), string(r.State), r.Counts.Completed, r.Counts.OOM, r.Counts.Timeout, r.Counts.Other,
	)
	return err
}

// LogAction records one event-log-shaped row directly into the actions
// table, letting the report renderer join checkpoint state against the
// mirror without re-parsing the event log file.
func (m *Mirror) LogAction(chainID, action, jobID string, level int, indices []int) error {
	_, err := m.db.Exec(
		`INSERT INTO actions (ts, chain_id, action, job_id, level, indices) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().Format(time.RFC3339), chainID, action, jobID, level, indexspec.Compress(indices),
	)
	return err
}

// ActionRow is one row of the actions table, as read back by Actions.
type ActionRow struct {
	Timestamp string
	Action    string
	JobID     string
	Level     int
	Indices   string
}

// Actions returns every recorded action for chainID, oldest first, for the
// report renderer's timeline section.
func (m *Mirror) Actions(chainID string) ([]ActionRow, error) {
	rows, err := m.db.Query(
		`SELECT ts, action, job_id, level, indices FROM actions WHERE chain_id = ? ORDER BY ts ASC`,
		chainID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActionRow
	for rows.Next() {
		var a ActionRow
		if err := rows.Scan(&a.Timestamp, &a.Action, &a.JobID, &a.Level, &a.Indices); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
