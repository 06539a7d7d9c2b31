package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dialtide/credsync-backend/interfaces"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS credential_records (
	tenant_id        TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	key              TEXT NOT NULL,
	payload          TEXT NOT NULL,
	version          INTEGER NOT NULL,
	updated_at_ms    INTEGER NOT NULL,
	origin_device_id TEXT NOT NULL DEFAULT '',
	deleted          INTEGER NOT NULL DEFAULT 0,
	dirty            INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, owner_id, key)
);
CREATE INDEX IF NOT EXISTS idx_credential_records_dirty
	ON credential_records (dirty) WHERE dirty = 1;
`

// SQLiteTier is the durable local cache tier. It keeps the engine usable
// offline and carries the dirty flag for writes that still await a remote
// push.
//
// The writer connection is limited to a single connection to avoid
// "database is locked" errors; reads go through a small pool.
type SQLiteTier struct {
	writer *sql.DB
	reader *sql.DB
	path   string
	log    *slog.Logger
}

// NewSQLiteTier opens (and if needed initializes) the local cache
// database at dbPath with WAL mode and a busy timeout.
func NewSQLiteTier(dbPath string, log *slog.Logger) (*SQLiteTier, error) {
	if dbPath == "" {
		// An empty name would give every connection its own private
		// temporary database, so writes and reads would never meet.
		return nil, errors.New("sqlite database path must not be empty")
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		dbPath,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if _, err := writer.Exec(sqliteSchema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	return &SQLiteTier{writer: writer, reader: reader, path: dbPath, log: log}, nil
}

// Close closes both connections. Returns the first error encountered.
func (t *SQLiteTier) Close() error {
	var firstErr error
	if err := t.reader.Close(); err != nil {
		firstErr = err
	}
	if err := t.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Get returns the current record for ref, tombstones included.
func (t *SQLiteTier) Get(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, error) {
	const query = `SELECT payload, version, updated_at_ms, origin_device_id, deleted
		FROM credential_records WHERE tenant_id = ? AND owner_id = ? AND key = ?`

	var (
		payload string
		millis  int64
		deleted int
		rec     = interfaces.CredentialRecord{OwnerID: ref.OwnerID, TenantID: ref.TenantID, Key: ref.Key}
	)
	err := t.reader.QueryRowContext(ctx, query, ref.TenantID, ref.OwnerID, ref.Key).
		Scan(&payload, &rec.Version, &millis, &rec.OriginDeviceID, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}

	rec.Payload = []byte(payload)
	rec.UpdatedAt = time.UnixMilli(millis).UTC()
	rec.Deleted = deleted != 0
	return &rec, nil
}

// Put stores rec as the current record for its ref. The dirty flag is
// left untouched; MarkDirty manages it separately.
func (t *SQLiteTier) Put(ctx context.Context, rec *interfaces.CredentialRecord) error {
	const query = `INSERT INTO credential_records
		(tenant_id, owner_id, key, payload, version, updated_at_ms, origin_device_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, owner_id, key) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			updated_at_ms = excluded.updated_at_ms,
			origin_device_id = excluded.origin_device_id,
			deleted = excluded.deleted`

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err := t.writer.ExecContext(ctx, query,
		rec.TenantID, rec.OwnerID, rec.Key,
		string(rec.Payload), rec.Version, rec.UpdatedAt.UnixMilli(), rec.OriginDeviceID, deleted)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}
	return nil
}

// List returns keys with a current non-tombstone record for the owner.
func (t *SQLiteTier) List(ctx context.Context, ownerID, tenantID string) ([]string, error) {
	const query = `SELECT key FROM credential_records
		WHERE tenant_id = ? AND owner_id = ? AND deleted = 0 ORDER BY key`

	rows, err := t.reader.QueryContext(ctx, query, tenantID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// MarkDirty flags or clears the unsynced state of ref's record.
func (t *SQLiteTier) MarkDirty(ctx context.Context, ref interfaces.RecordRef, dirty bool) error {
	const query = `UPDATE credential_records SET dirty = ?
		WHERE tenant_id = ? AND owner_id = ? AND key = ?`

	flag := 0
	if dirty {
		flag = 1
	}
	res, err := t.writer.ExecContext(ctx, query, flag, ref.TenantID, ref.OwnerID, ref.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && dirty {
		return fmt.Errorf("mark dirty: no local record for %s", ref)
	}
	return nil
}

// ListDirty returns refs whose records still await a remote push.
func (t *SQLiteTier) ListDirty(ctx context.Context) ([]interfaces.RecordRef, error) {
	const query = `SELECT tenant_id, owner_id, key FROM credential_records WHERE dirty = 1`

	rows, err := t.reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}
	defer rows.Close()

	var refs []interfaces.RecordRef
	for rows.Next() {
		var ref interfaces.RecordRef
		if err := rows.Scan(&ref.TenantID, &ref.OwnerID, &ref.Key); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Available reports whether the database responds to a ping.
func (t *SQLiteTier) Available(ctx context.Context) bool {
	if err := t.reader.PingContext(ctx); err != nil {
		t.log.Debug("SQLite tier unavailable", "err", err)
		return false
	}
	return true
}

// Name returns the tier identifier for logs and failure reports.
func (t *SQLiteTier) Name() string {
	return "sqlite"
}

// Class returns interfaces.TierLocal.
func (t *SQLiteTier) Class() interfaces.TierClass {
	return interfaces.TierLocal
}
