package persistence

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	priority       TEXT NOT NULL,
	assignee       TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL,
	requirement_id TEXT NOT NULL DEFAULT '',
	comments       TEXT NOT NULL DEFAULT '[]',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_assignee_status ON tasks(assignee, status);

CREATE TABLE IF NOT EXISTS requirements (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requirements_task ON requirements(task_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	id               TEXT PRIMARY KEY,
	envelope         TEXT NOT NULL,
	reason           TEXT NOT NULL,
	attempts         INTEGER NOT NULL,
	first_seen       TEXT NOT NULL,
	dead_lettered_at TEXT NOT NULL
);
`
