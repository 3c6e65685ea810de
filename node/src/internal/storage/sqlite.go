package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jinzhu/inflection"
	"github.com/rs/zerolog"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"

	_ "modernc.org/sqlite"
)

const busyTimeoutMs = 5000

// SQLiteStore keeps entries in a SQLite database, one table per entry type.
type SQLiteStore struct {
	db     *sql.DB
	file   string
	logger zerolog.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// tableName maps an entry type to its table, e.g. account -> accounts.
func tableName(t ledger.EntryType) string {
	return inflection.Plural(t.String())
}

// NewSQLiteStore opens or creates the database at filePath and makes sure
// every entry table exists.
func NewSQLiteStore(filePath string, logger zerolog.Logger) (*SQLiteStore, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(absPath)))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps RunInTx and plain reads from locking each other out
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, file: absPath, logger: logger.With().Str("component", "sqlite").Logger()}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info().Str("file", absPath).Msg("sqlite store opened")
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	for _, t := range ledger.EntryTypes() {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BLOB PRIMARY KEY,
			last_modified INTEGER NOT NULL,
			body BLOB NOT NULL
		)`, tableName(t))
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create table %s: %w", tableName(t), err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Exists(ctx context.Context, key ledger.EntryKey) (bool, error) {
	return sqlExists(ctx, s.db, key)
}

func (s *SQLiteStore) Load(ctx context.Context, key ledger.EntryKey) (ledger.Entry, bool, error) {
	return sqlLoad(ctx, s.db, key)
}

func (s *SQLiteStore) InsertDurable(ctx context.Context, entry ledger.Entry) error {
	return sqlInsert(ctx, s.db, entry)
}

func (s *SQLiteStore) UpdateDurable(ctx context.Context, entry ledger.Entry) error {
	return sqlUpdate(ctx, s.db, entry)
}

func (s *SQLiteStore) DeleteDurable(ctx context.Context, key ledger.EntryKey) error {
	return sqlDelete(ctx, s.db, key)
}

// RunInTx runs fn inside one SQL transaction.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(tx EntryStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin tx", err)
	}
	if err := fn(sqliteTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapStorage("commit tx", err)
	}
	return nil
}

// Entries lists the entries of one type in canonical key order: shorter
// ids first, then bytewise.
func (s *SQLiteStore) Entries(ctx context.Context, t ledger.EntryType) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, last_modified, body FROM %s ORDER BY length(id), id", tableName(t)))
	if err != nil {
		return nil, wrapStorage("list "+tableName(t), err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var id, body []byte
		var lm int64
		if err := rows.Scan(&id, &lm, &body); err != nil {
			return nil, wrapStorage("scan "+tableName(t), err)
		}
		out = append(out, ledger.Entry{Key: ledger.NewEntryKey(t, id), LastModified: uint32(lm), Body: body})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list "+tableName(t), err)
	}
	return out, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t sqliteTx) Exists(ctx context.Context, key ledger.EntryKey) (bool, error) {
	return sqlExists(ctx, t.tx, key)
}

func (t sqliteTx) Load(ctx context.Context, key ledger.EntryKey) (ledger.Entry, bool, error) {
	return sqlLoad(ctx, t.tx, key)
}

func (t sqliteTx) InsertDurable(ctx context.Context, entry ledger.Entry) error {
	return sqlInsert(ctx, t.tx, entry)
}

func (t sqliteTx) UpdateDurable(ctx context.Context, entry ledger.Entry) error {
	return sqlUpdate(ctx, t.tx, entry)
}

func (t sqliteTx) DeleteDurable(ctx context.Context, key ledger.EntryKey) error {
	return sqlDelete(ctx, t.tx, key)
}

func sqlExists(ctx context.Context, q querier, key ledger.EntryKey) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", tableName(key.Type)), []byte(key.ID)).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, storageError("exists", key, err)
	}
	return true, nil
}

func sqlLoad(ctx context.Context, q querier, key ledger.EntryKey) (ledger.Entry, bool, error) {
	var lm int64
	var body []byte
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT last_modified, body FROM %s WHERE id = ?", tableName(key.Type)), []byte(key.ID)).Scan(&lm, &body)
	switch {
	case err == sql.ErrNoRows:
		return ledger.Entry{}, false, nil
	case err != nil:
		return ledger.Entry{}, false, storageError("load", key, err)
	}
	return ledger.Entry{Key: key, LastModified: uint32(lm), Body: body}, true, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func sqlInsert(ctx context.Context, q querier, e ledger.Entry) error {
	exists, err := sqlExists(ctx, q, e.Key)
	if err != nil {
		return err
	}
	if exists {
		return errExists(e.Key)
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, last_modified, body) VALUES (?, ?, ?)", tableName(e.Key.Type)),
		[]byte(e.Key.ID), int64(e.LastModified), nonNil(e.Body))
	if err != nil {
		return storageError("insert", e.Key, err)
	}
	return nil
}

func sqlUpdate(ctx context.Context, q querier, e ledger.Entry) error {
	res, err := q.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET last_modified = ?, body = ? WHERE id = ?", tableName(e.Key.Type)),
		int64(e.LastModified), nonNil(e.Body), []byte(e.Key.ID))
	if err != nil {
		return storageError("update", e.Key, err)
	}
	return requireOneRow(res, "update", e.Key)
}

func sqlDelete(ctx context.Context, q querier, key ledger.EntryKey) error {
	res, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", tableName(key.Type)), []byte(key.ID))
	if err != nil {
		return storageError("delete", key, err)
	}
	return requireOneRow(res, "delete", key)
}

func requireOneRow(res sql.Result, op string, key ledger.EntryKey) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageError(op, key, err)
	}
	if n == 0 {
		return errMissing(op, key)
	}
	return nil
}
