package queue

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_name TEXT NOT NULL,
    remote_message_id TEXT NOT NULL DEFAULT '',
    transport_message_id TEXT NOT NULL,
    sender TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    body_preview TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    result_summary TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    started_at DATETIME,
    completed_at DATETIME,
    UNIQUE(account_name, transport_message_id)
);

CREATE TABLE IF NOT EXISTS processed_records (
    account_name TEXT NOT NULL,
    transport_message_id TEXT NOT NULL,
    action TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    processed_at DATETIME NOT NULL,
    PRIMARY KEY (account_name, transport_message_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_account_status ON jobs(account_name, status);
`
