package metadata

// schema is the COWFS metadata index's DDL: inodes, versions, objects,
// snapshots, and snapshot_entries, with the indexes spec.md §4.B
// requires: (parent_id,name), file_id on versions, digest on versions,
// snapshot_id on snapshot_entries, path on inodes.
const schema = `
CREATE TABLE IF NOT EXISTS inodes (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id          INTEGER NOT NULL,
	name               TEXT NOT NULL,
	path               TEXT NOT NULL,
	kind               TEXT NOT NULL CHECK (kind IN ('dir', 'file')),
	current_version_id INTEGER,
	deleted            INTEGER NOT NULL DEFAULT 0,
	mode               INTEGER NOT NULL DEFAULT 0,
	uid                INTEGER NOT NULL DEFAULT 0,
	gid                INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_inodes_parent_name_live
	ON inodes(parent_id, name) WHERE deleted = 0;
CREATE INDEX IF NOT EXISTS idx_inodes_path ON inodes(path);

CREATE TABLE IF NOT EXISTS versions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id    INTEGER NOT NULL,
	digest     TEXT NOT NULL,
	size       INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_versions_file_id ON versions(file_id);
CREATE INDEX IF NOT EXISTS idx_versions_digest ON versions(digest);

CREATE TABLE IF NOT EXISTS objects (
	digest     TEXT PRIMARY KEY,
	size       INTEGER NOT NULL,
	ref_count  INTEGER NOT NULL DEFAULT 0,
	algo       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_entries (
	snapshot_id INTEGER NOT NULL,
	file_id     INTEGER NOT NULL,
	version_id  INTEGER NOT NULL,
	PRIMARY KEY (snapshot_id, file_id)
);

CREATE INDEX IF NOT EXISTS idx_snapshot_entries_snapshot_id ON snapshot_entries(snapshot_id);
`
