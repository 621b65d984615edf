package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteTable struct {
	name   Table
	keyCol string
	intKey bool
}

var sqliteTables = map[Table]sqliteTable{
	TablePages:    {TablePages, "page", true},
	TableDetails:  {TableDetails, "id", true},
	TableMetadata: {TableMetadata, "key", false},
}

type sqliteBackend struct {
	path  string
	cfg   backendConfig
	mutex sync.Mutex
	db    *sql.DB
}

var _ Backend = (*sqliteBackend)(nil)
var _ purger = (*sqliteBackend)(nil)

// NewSQLite returns a Backend stored in a SQLite database using the pure Go
// modernc.org/sqlite driver. If dbPath is empty or ":memory:", an in-memory
// database is used. The database is opened by Open, not here.
func NewSQLite(dbPath string, opts ...BackendOption) Backend {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	return &sqliteBackend{path: dbPath, cfg: applyBackendOptions(opts)}
}

func (b *sqliteBackend) Open(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", b.path)
	if err != nil {
		return err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	qctx, cancel := context.WithTimeout(ctx, b.cfg.queryTimeout)
	defer cancel()

	stmts := []string{"PRAGMA journal_mode=WAL"}
	for _, t := range Tables() {
		tbl := sqliteTables[t]
		keyType := "TEXT"
		if tbl.intKey {
			keyType = "INTEGER"
		}
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				%s %s PRIMARY KEY,
				saved_at INTEGER NOT NULL,
				data BLOB NOT NULL
			)`, tbl.name, tbl.keyCol, keyType),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_saved_at ON %s(saved_at)`, tbl.name, tbl.name),
		)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(qctx, stmt); err != nil {
			return errors.CombineErrors(errors.Wrap(err, "sqlite schema"), db.Close())
		}
	}
	b.db = db
	return nil
}

func (b *sqliteBackend) handle(table Table) (*sql.DB, sqliteTable, error) {
	tbl, ok := sqliteTables[table]
	if !ok {
		return nil, tbl, checkTable(table)
	}
	b.mutex.Lock()
	db := b.db
	b.mutex.Unlock()
	if db == nil {
		return nil, tbl, ErrClosed
	}
	return db, tbl, nil
}

func (tbl sqliteTable) arg(key string) (any, error) {
	if !tbl.intKey {
		return key, nil
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "%s key %q", tbl.name, key)
	}
	return n, nil
}

func (b *sqliteBackend) Get(ctx context.Context, table Table, key string) (Entry, bool, error) {
	db, tbl, err := b.handle(table)
	if err != nil {
		return Entry{}, false, err
	}
	arg, err := tbl.arg(key)
	if err != nil {
		return Entry{}, false, err
	}
	qctx, cancel := context.WithTimeout(ctx, b.cfg.queryTimeout)
	defer cancel()
	e := Entry{Key: key}
	err = db.QueryRowContext(qctx,
		fmt.Sprintf(`SELECT saved_at, data FROM %s WHERE %s = ?`, tbl.name, tbl.keyCol), arg,
	).Scan(&e.SavedAt, &e.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (b *sqliteBackend) Put(ctx context.Context, table Table, entry Entry) error {
	db, tbl, err := b.handle(table)
	if err != nil {
		return err
	}
	arg, err := tbl.arg(entry.Key)
	if err != nil {
		return err
	}
	qctx, cancel := context.WithTimeout(ctx, b.cfg.queryTimeout)
	defer cancel()
	_, err = db.ExecContext(qctx,
		fmt.Sprintf(`INSERT INTO %s (%s, saved_at, data) VALUES (?, ?, ?)
		ON CONFLICT(%s) DO UPDATE SET saved_at = excluded.saved_at, data = excluded.data`,
			tbl.name, tbl.keyCol, tbl.keyCol),
		arg, entry.SavedAt, entry.Data,
	)
	return err
}

func (b *sqliteBackend) Delete(ctx context.Context, table Table, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	db, tbl, err := b.handle(table)
	if err != nil {
		return err
	}
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		arg, err := tbl.arg(k)
		if err != nil {
			return err
		}
		args = append(args, arg)
	}
	qctx, cancel := context.WithTimeout(ctx, b.cfg.queryTimeout)
	defer cancel()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	_, err = db.ExecContext(qctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, tbl.name, tbl.keyCol, placeholders), args...,
	)
	return err
}

func (b *sqliteBackend) Scan(ctx context.Context, table Table) ([]Entry, error) {
	db, tbl, err := b.handle(table)
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, b.cfg.queryTimeout)
	defer cancel()
	rows, err := db.QueryContext(qctx,
		fmt.Sprintf(`SELECT %s, saved_at, data FROM %s ORDER BY %s`, tbl.keyCol, tbl.name, tbl.keyCol),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.SavedAt, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeBefore removes entries saved at or before cutoff.
func (b *sqliteBackend) PurgeBefore(ctx context.Context, table Table, cutoff int64) (int, error) {
	db, tbl, err := b.handle(table)
	if err != nil {
		return 0, err
	}
	qctx, cancel := context.WithTimeout(ctx, b.cfg.queryTimeout)
	defer cancel()
	res, err := db.ExecContext(qctx, fmt.Sprintf(`DELETE FROM %s WHERE saved_at <= ?`, tbl.name), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *sqliteBackend) Clear(ctx context.Context, tables ...Table) error {
	for _, table := range tables {
		db, tbl, err := b.handle(table)
		if err != nil {
			return err
		}
		qctx, cancel := context.WithTimeout(ctx, b.cfg.queryTimeout)
		_, err = db.ExecContext(qctx, fmt.Sprintf(`DELETE FROM %s`, tbl.name))
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *sqliteBackend) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
