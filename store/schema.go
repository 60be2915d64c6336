package store

// Schema is the complete sillage store schema. All timestamps are unix
// milliseconds (INTEGER); browser-native units never reach this layer.
const Schema = `
-- Signals: canonical analyzed records, merged in place by dedup
CREATE TABLE IF NOT EXISTS signals (
    id             TEXT PRIMARY KEY,
    owner_id       TEXT NOT NULL,
    url            TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    title_norm     TEXT NOT NULL DEFAULT '',
    score          INTEGER NOT NULL DEFAULT 0,
    summary        TEXT NOT NULL DEFAULT '',
    category       TEXT NOT NULL DEFAULT '',
    entities_json  TEXT NOT NULL DEFAULT '[]',
    tags_json      TEXT NOT NULL DEFAULT '[]',
    content        TEXT NOT NULL DEFAULT '',
    mention_count  INTEGER NOT NULL DEFAULT 1,
    metadata_json  TEXT NOT NULL DEFAULT '{}',
    has_embedding  INTEGER NOT NULL DEFAULT 0,
    revision       INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_owner_url   ON signals(owner_id, url);
CREATE INDEX IF NOT EXISTS idx_signals_owner_title ON signals(owner_id, title_norm, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_signals_owner_time  ON signals(owner_id, updated_at DESC);

-- Checkpoints: incremental low-water mark per (owner, history source)
CREATE TABLE IF NOT EXISTS checkpoints (
    owner_id      TEXT NOT NULL,
    source_key    TEXT NOT NULL,
    browser       TEXT NOT NULL DEFAULT '',
    last_visit_ms INTEGER NOT NULL DEFAULT 0,
    updated_at    INTEGER NOT NULL,
    PRIMARY KEY (owner_id, source_key)
);

-- Per-owner mining settings
CREATE TABLE IF NOT EXISTS miner_settings (
    owner_id       TEXT PRIMARY KEY,
    blacklist_json TEXT NOT NULL DEFAULT '[]',
    sync_from_ms   INTEGER NOT NULL DEFAULT 0,
    max_items      INTEGER NOT NULL DEFAULT 500,
    updated_at     INTEGER NOT NULL
);
`
