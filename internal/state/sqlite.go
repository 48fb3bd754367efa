package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"trader/internal/ledger"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS agent_state (
	account_id TEXT PRIMARY KEY,
	revision   INTEGER NOT NULL,
	doc        TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	ts         DATETIME NOT NULL,
	event      TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	qty        REAL NOT NULL DEFAULT 0,
	price      REAL NOT NULL DEFAULT 0,
	notional   REAL NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	order_id   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_trade_events_account ON trade_events(account_id, ts);
`

// SQLiteStore keeps the state document in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, accountID string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT revision, doc, updated_at FROM agent_state WHERE account_id = ?`, accountID)

	var rec Record
	var doc string
	err := row.Scan(&rec.Revision, &doc, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return Record{AccountID: accountID, Ledger: ledger.New(accountID)}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("load state: %w", err)
	}
	rec.AccountID = accountID
	rec.Ledger = &ledger.Ledger{}
	if err := json.Unmarshal([]byte(doc), rec.Ledger); err != nil {
		return Record{}, fmt.Errorf("decode state doc: %w", err)
	}
	rec.Ledger.Normalize()
	return rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record, expectedRevision int64) error {
	doc, err := json.Marshal(rec.Ledger)
	if err != nil {
		return fmt.Errorf("encode state doc: %w", err)
	}
	now := time.Now().UTC()

	if expectedRevision == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_state (account_id, revision, doc, updated_at) VALUES (?, 1, ?, ?)`,
			rec.AccountID, string(doc), now)
		if err != nil {
			// A unique-constraint failure means someone inserted first.
			return fmt.Errorf("%w: %v", ErrConcurrentWrite, err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_state SET revision = ?, doc = ?, updated_at = ?
		 WHERE account_id = ? AND revision = ?`,
		expectedRevision+1, string(doc), now, rec.AccountID, expectedRevision)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: revision %d is stale", ErrConcurrentWrite, expectedRevision)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event TradeEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trade_events (account_id, ts, event, symbol, qty, price, notional, reason, order_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.AccountID, event.Timestamp.UTC(), event.Event, event.Symbol,
		event.Qty, event.Price, event.Notional, event.Reason, event.OrderID)
	if err != nil {
		return fmt.Errorf("append trade event: %w", err)
	}
	return nil
}

// RecentEvents returns the latest trade events for the account, newest
// first, for the status command.
func (s *SQLiteStore) RecentEvents(ctx context.Context, accountID string, limit int) ([]TradeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, event, symbol, qty, price, notional, reason, order_id
		 FROM trade_events WHERE account_id = ? ORDER BY ts DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TradeEvent
	for rows.Next() {
		ev := TradeEvent{AccountID: accountID}
		if err := rows.Scan(&ev.Timestamp, &ev.Event, &ev.Symbol, &ev.Qty, &ev.Price, &ev.Notional, &ev.Reason, &ev.OrderID); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
