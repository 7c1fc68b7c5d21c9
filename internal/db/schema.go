package db

// Schema is the DDL for the finbrief database.
//
// Timestamps are stored as fixed-width UTC text (see timeLayout) so range
// queries can compare them lexically.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
    id           TEXT PRIMARY KEY,
    source       TEXT NOT NULL,
    thread_id    TEXT,
    sender       TEXT NOT NULL,
    sender_name  TEXT,
    subject      TEXT NOT NULL,
    body         TEXT,
    received_at  TEXT NOT NULL,
    fetched_at   TEXT NOT NULL,
    labels       TEXT
);

CREATE TABLE IF NOT EXISTS classifications (
    message_id   TEXT PRIMARY KEY REFERENCES messages(id),
    relevant     INTEGER NOT NULL,
    category     TEXT,
    confidence   REAL NOT NULL,
    decided_by   TEXT NOT NULL,
    decided_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS digests (
    id                TEXT PRIMARY KEY,
    generated_at      TEXT NOT NULL,
    period_start      TEXT NOT NULL,
    period_end        TEXT NOT NULL,
    message_count     INTEGER NOT NULL,
    content           TEXT NOT NULL,
    model             TEXT,
    tokens_used       INTEGER NOT NULL DEFAULT 0,
    delivery_status   TEXT NOT NULL DEFAULT 'undelivered'
                      CHECK (delivery_status IN ('undelivered', 'delivered', 'failed')),
    delivery_channel  TEXT,
    delivered_at      TEXT,
    CHECK (period_start < period_end)
);

CREATE TABLE IF NOT EXISTS action_items (
    id                 TEXT PRIMARY KEY,
    digest_id          TEXT NOT NULL REFERENCES digests(id),
    source_message_id  TEXT,
    description        TEXT NOT NULL,
    due_date           TEXT,
    priority           TEXT NOT NULL CHECK (priority IN ('urgent', 'soon', 'fyi')),
    status             TEXT NOT NULL DEFAULT 'pending',
    created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id             TEXT PRIMARY KEY,
    started_at     TEXT NOT NULL,
    finished_at    TEXT,
    status         TEXT NOT NULL
                   CHECK (status IN ('running', 'success', 'skipped', 'partial', 'failed')),
    trigger_kind   TEXT NOT NULL CHECK (trigger_kind IN ('scheduled', 'manual', 'catchup')),
    period_start   TEXT NOT NULL,
    period_end     TEXT NOT NULL,
    fetched        INTEGER NOT NULL DEFAULT 0,
    classified     INTEGER NOT NULL DEFAULT 0,
    relevant       INTEGER NOT NULL DEFAULT 0,
    tokens_used    INTEGER NOT NULL DEFAULT 0,
    digest_id      TEXT,
    error_message  TEXT
);

CREATE TABLE IF NOT EXISTS sync_checkpoints (
    source             TEXT PRIMARY KEY,
    sync_token         TEXT,
    last_fetched_at    TEXT NOT NULL,
    last_message_time  TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);
CREATE INDEX IF NOT EXISTS idx_messages_fetched ON messages(fetched_at);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
CREATE INDEX IF NOT EXISTS idx_classifications_relevant ON classifications(relevant);
CREATE INDEX IF NOT EXISTS idx_action_items_digest ON action_items(digest_id);
CREATE INDEX IF NOT EXISTS idx_action_items_status ON action_items(status);
CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status, finished_at);
`
