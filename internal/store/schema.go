package store

import (
	"github.com/agent-intercom/agent-intercom/internal/common/sqlite"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

func (s *Store) initSchema() error {
	for _, fn := range []func() error{
		s.initSessionSchema,
		s.initClearanceSchema,
		s.initPromptSchema,
		s.initCheckpointSchema,
		s.initStallSchema,
		s.initQueueSchema,
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return s.migrateColumns()
}

// migrateColumns adds columns introduced after a store file's original
// bootstrap, so an existing on-disk database upgrades in place instead of
// requiring a destructive re-create. CREATE TABLE IF NOT EXISTS alone never
// adds a column to an already-existing table.
func (s *Store) migrateColumns() error {
	if err := sqlite.EnsureColumn(s.db.DB, "sessions", "operational_mode", "TEXT NOT NULL DEFAULT 'Remote'"); err != nil {
		return ierr.Wrap(ierr.Db, "migrate sessions.operational_mode column", err)
	}
	return nil
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	protocol_mode    TEXT NOT NULL CHECK(protocol_mode IN ('REQRESP','STREAM')),
	workspace_root   TEXT NOT NULL,
	channel_id       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL CHECK(status IN ('Created','Active','Paused','Interrupted','Terminated','SelfRecovered')),
	operational_mode TEXT NOT NULL CHECK(operational_mode IN ('Remote','Local','Hybrid')),
	last_tool        TEXT NOT NULL DEFAULT '',
	nudge_count      INTEGER NOT NULL DEFAULT 0,
	stall_paused     INTEGER NOT NULL DEFAULT 0,
	progress_json    TEXT NOT NULL DEFAULT '[]',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	terminated_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id);
`)
	return ierr.Wrap(ierr.Db, "init sessions schema", err)
}

func (s *Store) initClearanceSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS clearance_requests (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	diff           TEXT NOT NULL DEFAULT '',
	file_path      TEXT NOT NULL,
	risk_level     TEXT NOT NULL CHECK(risk_level IN ('Low','High','Critical')),
	status         TEXT NOT NULL CHECK(status IN ('Pending','Approved','Rejected','Expired','Consumed','Interrupted')),
	pre_image_hash TEXT NOT NULL DEFAULT '',
	chat_handle    TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	consumed_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_clearance_session ON clearance_requests(session_id);
CREATE INDEX IF NOT EXISTS idx_clearance_status ON clearance_requests(session_id, status);
`)
	return ierr.Wrap(ierr.Db, "init clearance_requests schema", err)
}

func (s *Store) initPromptSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS continuation_prompts (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	prompt_text     TEXT NOT NULL,
	type            TEXT NOT NULL CHECK(type IN ('Continuation','Clarification','ErrorRecovery','ResourceWarning')),
	elapsed_seconds INTEGER,
	actions_taken   TEXT,
	status          TEXT NOT NULL CHECK(status IN ('Pending','Approved','Rejected','Expired','Consumed','Interrupted')),
	decision        TEXT,
	instruction     TEXT,
	chat_handle     TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	consumed_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_prompts_session ON continuation_prompts(session_id);
CREATE INDEX IF NOT EXISTS idx_prompts_status ON continuation_prompts(session_id, status);
`)
	return ierr.Wrap(ierr.Db, "init continuation_prompts schema", err)
}

func (s *Store) initCheckpointSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS checkpoints (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	label            TEXT NOT NULL DEFAULT '',
	state_json       TEXT NOT NULL DEFAULT '{}',
	file_hashes_json TEXT NOT NULL DEFAULT '{}',
	workspace_root   TEXT NOT NULL,
	progress_json    TEXT NOT NULL DEFAULT '[]',
	created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at);
`)
	return ierr.Wrap(ierr.Db, "init checkpoints schema", err)
}

func (s *Store) initStallSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS stall_alerts (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	last_tool        TEXT NOT NULL DEFAULT '',
	last_activity_at DATETIME NOT NULL,
	idle_seconds     INTEGER NOT NULL DEFAULT 0,
	nudge_count      INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL CHECK(status IN ('Pending','Nudged','SelfRecovered','Escalated','Dismissed')),
	nudge_text       TEXT NOT NULL DEFAULT '',
	progress_json    TEXT NOT NULL DEFAULT '[]',
	chat_handle      TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stall_session ON stall_alerts(session_id);
CREATE INDEX IF NOT EXISTS idx_stall_status ON stall_alerts(session_id, status);
`)
	return ierr.Wrap(ierr.Db, "init stall_alerts schema", err)
}

func (s *Store) initQueueSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS steering_messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	channel_id TEXT,
	text       TEXT NOT NULL,
	source     TEXT NOT NULL CHECK(source IN ('Slack','Ipc')),
	created_at DATETIME NOT NULL,
	consumed   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_steering_pending ON steering_messages(session_id, consumed);

CREATE TABLE IF NOT EXISTS task_inbox_items (
	id         TEXT PRIMARY KEY,
	channel_id TEXT,
	text       TEXT NOT NULL,
	source     TEXT NOT NULL CHECK(source IN ('Slack','Ipc')),
	created_at DATETIME NOT NULL,
	consumed   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_inbox_pending ON task_inbox_items(channel_id, consumed);
`)
	return ierr.Wrap(ierr.Db, "init queue schema", err)
}
