package bluexfer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bluexfer/bluexfer/xfer"
	_ "github.com/mattn/go-sqlite3"
)

// Transfer is one finished transfer as recorded in the history.
type Transfer struct {
	ID          int64          `json:"id"`
	Type        xfer.EventType `json:"type"`
	Op          string         `json:"op"`
	Path        string         `json:"path"`
	Transferred uint64         `json:"transferred"`
	Total       uint64         `json:"total"`
	Digest      string         `json:"digest,omitempty"`
	Code        string         `json:"code,omitempty"`
	Err         string         `json:"error,omitempty"`
	Time        time.Time      `json:"time"`
}

// History records finished transfers in a SQLite database. It is an xfer.Notifier that ignores
// progress events.
type History struct {
	db     *sql.DB
	Logger xfer.Logger
}

// OpenHistory opens (or creates) the database at path in WAL mode and applies the schema.
func OpenHistory(path string, logger xfer.Logger) (*History, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	h := &History{db: db, Logger: logger}
	if err := h.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return h, nil
}

const ddlTransfers = `
CREATE TABLE IF NOT EXISTS transfers (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    type        TEXT    NOT NULL,
    op          TEXT    NOT NULL DEFAULT '',
    path        TEXT    NOT NULL DEFAULT '',
    transferred INTEGER NOT NULL DEFAULT 0,
    total       INTEGER NOT NULL DEFAULT 0,
    digest      TEXT    NOT NULL DEFAULT '',
    code        TEXT    NOT NULL DEFAULT '',
    error       TEXT    NOT NULL DEFAULT '',
    at          INTEGER NOT NULL -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_transfers_at ON transfers (at DESC);
`

func (h *History) migrate() error {
	if _, err := h.db.Exec(ddlTransfers); err != nil {
		return fmt.Errorf("migrate history: %w", err)
	}
	return nil
}

func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) Notify(e xfer.Event) {
	switch e.Type {
	case xfer.EventTransferComplete, xfer.EventTransferFailed, xfer.EventFileReceived:
	default:
		return
	}

	if err := h.Record(context.Background(), e); err != nil && h.Logger != nil {
		h.Logger.Error("Error recording transfer", "path", e.Path, "err", err)
	}
}

// Record stores e and returns once it is written.
func (h *History) Record(ctx context.Context, e xfer.Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO transfers (type, op, path, transferred, total, digest, code, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Type), e.Op, e.Path, int64(e.Transferred), int64(e.Total), e.Digest, e.Code, e.Err, e.Time.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// Recent returns up to limit transfers, newest first. An op filters by operation when not empty.
func (h *History) Recent(ctx context.Context, op string, limit int) ([]Transfer, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, type, op, path, transferred, total, digest, code, error, at
		 FROM transfers
		 WHERE ? = '' OR op = ?
		 ORDER BY at DESC, id DESC
		 LIMIT ?`,
		op, op, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	transfers := []Transfer{}
	for rows.Next() {
		var (
			t                  Transfer
			transferred, total int64
			at                 int64
		)
		if err := rows.Scan(&t.ID, &t.Type, &t.Op, &t.Path, &transferred, &total, &t.Digest, &t.Code, &t.Err, &at); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		t.Transferred = uint64(transferred)
		t.Total = uint64(total)
		t.Time = time.UnixMilli(at)
		transfers = append(transfers, t)
	}

	return transfers, rows.Err()
}
