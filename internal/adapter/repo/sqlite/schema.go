package sqlite

// schema is applied in full at startup. Every statement is idempotent so
// the pipeline can reopen an existing staging database.
const schema = `
CREATE TABLE IF NOT EXISTS files (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path  TEXT NOT NULL,
	hash       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'discovered',
	run_id     TEXT NOT NULL,
	UNIQUE (run_id, file_path)
);

CREATE TABLE IF NOT EXISTS pois (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id     INTEGER NOT NULL REFERENCES files(id),
	file_path   TEXT NOT NULL,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	start_line  INTEGER NOT NULL,
	end_line    INTEGER NOT NULL,
	is_exported INTEGER NOT NULL DEFAULT 0,
	semantic_id TEXT NOT NULL,
	hash        TEXT NOT NULL UNIQUE,
	run_id      TEXT NOT NULL,
	llm_output  TEXT NOT NULL DEFAULT '',
	UNIQUE (run_id, file_id, semantic_id)
);
CREATE INDEX IF NOT EXISTS idx_pois_run_name     ON pois(run_id, name);
CREATE INDEX IF NOT EXISTS idx_pois_run_semantic ON pois(run_id, semantic_id);
CREATE INDEX IF NOT EXISTS idx_pois_run_file     ON pois(run_id, file_path);

CREATE TABLE IF NOT EXISTS relationships (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	source_poi_id      INTEGER NOT NULL REFERENCES pois(id),
	target_poi_id      INTEGER NOT NULL REFERENCES pois(id),
	type               TEXT NOT NULL,
	file_path          TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'PENDING',
	confidence         REAL NOT NULL DEFAULT 0,
	reason             TEXT NOT NULL DEFAULT '',
	run_id             TEXT NOT NULL,
	evidence           TEXT NOT NULL DEFAULT '',
	hash               TEXT NOT NULL,
	escalated_to_human INTEGER NOT NULL DEFAULT 0,
	UNIQUE (run_id, source_poi_id, target_poi_id, type)
);
CREATE INDEX IF NOT EXISTS idx_relationships_run_status ON relationships(run_id, status);
CREATE INDEX IF NOT EXISTS idx_relationships_run_hash   ON relationships(run_id, hash);

CREATE TABLE IF NOT EXISTS outbox (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id              TEXT NOT NULL,
	event_id            TEXT NOT NULL UNIQUE,
	event_type          TEXT NOT NULL,
	payload             TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'PENDING',
	resolution_attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at     INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, next_attempt_at, id);
CREATE INDEX IF NOT EXISTS idx_outbox_run    ON outbox(run_id, event_type, id);

CREATE TABLE IF NOT EXISTS relationship_evidence_tracking (
	run_id            TEXT NOT NULL,
	relationship_hash TEXT NOT NULL,
	evidence_count    INTEGER NOT NULL DEFAULT 0,
	expected_count    INTEGER NOT NULL DEFAULT 1,
	total_confidence  REAL NOT NULL DEFAULT 0,
	avg_confidence    REAL NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'PENDING',
	PRIMARY KEY (run_id, relationship_hash)
);

CREATE TABLE IF NOT EXISTS relationship_evidence (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id            TEXT NOT NULL,
	relationship_hash TEXT NOT NULL,
	source            TEXT NOT NULL,
	confidence        REAL NOT NULL DEFAULT 0,
	payload           TEXT NOT NULL DEFAULT '',
	UNIQUE (run_id, relationship_hash, source)
);

CREATE TABLE IF NOT EXISTS triangulated_analysis_sessions (
	session_id         TEXT PRIMARY KEY,
	relationship_id    INTEGER NOT NULL,
	relationship_hash  TEXT NOT NULL DEFAULT '',
	run_id             TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'PENDING',
	initial_confidence REAL NOT NULL DEFAULT 0,
	final_confidence   REAL NOT NULL DEFAULT 0,
	consensus_score    REAL NOT NULL DEFAULT 0,
	escalated_to_human INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at       TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_run_status ON triangulated_analysis_sessions(run_id, status);

CREATE TABLE IF NOT EXISTS agent_analyses (
	session_id        TEXT NOT NULL REFERENCES triangulated_analysis_sessions(session_id),
	agent_type        TEXT NOT NULL,
	confidence_score  REAL NOT NULL DEFAULT 0,
	evidence_strength REAL NOT NULL DEFAULT 0,
	reasoning         TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, agent_type)
);

CREATE TABLE IF NOT EXISTS consensus_decisions (
	session_id            TEXT NOT NULL REFERENCES triangulated_analysis_sessions(session_id),
	weighted_consensus    REAL NOT NULL DEFAULT 0,
	agreement_level       REAL NOT NULL DEFAULT 0,
	final_decision        TEXT NOT NULL,
	requires_human_review INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id)
);
`
