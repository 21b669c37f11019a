package index

// Schema contains SQL schema definitions for the document index
const Schema = `
-- Documents table
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    account_name TEXT NOT NULL,
    folder TEXT NOT NULL,
    subject TEXT,
    body TEXT,
    sender TEXT,
    recipients TEXT,
    date DATETIME NOT NULL,
    category TEXT NOT NULL DEFAULT 'Uncategorized',
    indexed_at DATETIME NOT NULL
);

-- Create indexes for faster queries
CREATE INDEX IF NOT EXISTS idx_documents_account ON documents(account_name);
CREATE INDEX IF NOT EXISTS idx_documents_folder ON documents(folder);
CREATE INDEX IF NOT EXISTS idx_documents_date ON documents(date);
CREATE INDEX IF NOT EXISTS idx_documents_category ON documents(category);

-- Full-text search index
CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    subject,
    sender,
    body,
    content='documents',
    content_rowid='rowid'
);

-- Triggers for FTS
CREATE TRIGGER IF NOT EXISTS documents_fts_insert AFTER INSERT ON documents BEGIN
    INSERT INTO documents_fts(rowid, subject, sender, body)
    VALUES (new.rowid, new.subject, new.sender, new.body);
END;

CREATE TRIGGER IF NOT EXISTS documents_fts_update AFTER UPDATE ON documents BEGIN
    UPDATE documents_fts SET
        subject = new.subject,
        sender = new.sender,
        body = new.body
    WHERE rowid = new.rowid;
END;

CREATE TRIGGER IF NOT EXISTS documents_fts_delete AFTER DELETE ON documents BEGIN
    DELETE FROM documents_fts WHERE rowid = old.rowid;
END;
`
