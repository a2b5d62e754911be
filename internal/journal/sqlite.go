package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores entries in a SQLite database in WAL mode.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the journal database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at TEXT NOT NULL,
		kind        TEXT NOT NULL,
		channel_id  TEXT NOT NULL,
		rule_id     TEXT,
		message_ids TEXT,
		detail      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_journal_channel ON journal(channel_id, id);
	CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts e.
func (s *SQLiteSink) Record(ctx context.Context, e Entry) error {
	ids, err := json.Marshal(e.MessageIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal (recorded_at, kind, channel_id, rule_id, message_ids, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Time.UTC().Format(time.RFC3339Nano), string(e.Kind), e.ChannelID, e.RuleID, string(ids), e.Detail,
	)
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recorded_at, kind, channel_id, rule_id, message_ids, detail
		 FROM journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                     Entry
			at, kind, ids, detail string
			ruleID                sql.NullString
		)
		if err := rows.Scan(&at, &kind, &e.ChannelID, &ruleID, &ids, &detail); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, at)
		e.Kind = Kind(kind)
		e.RuleID = ruleID.String
		e.Detail = detail
		if ids != "" && ids != "null" {
			if err := json.Unmarshal([]byte(ids), &e.MessageIDs); err != nil {
				return nil, fmt.Errorf("journal message ids: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error { return s.db.Close() }
