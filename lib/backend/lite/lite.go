/*
Copyright 2024 Bastion Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package lite implements a sqlite-backed storage backend for single
// node deployments.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/backend"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

var log = logutils.NewPackageLogger(bastion.ComponentKey, bastion.Component(bastion.ComponentBackend, "lite"))

const (
	// defaultDBFile is the database file name within the data directory.
	defaultDBFile = "gateway.db"

	// busyTimeout tells sqlite how long to wait on a locked database.
	busyTimeout = 10 * time.Second

	// defaultPollInterval is how often expired items are purged.
	defaultPollInterval = time.Minute

	schema = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT NOT NULL PRIMARY KEY,
    value BLOB,
    expires DATETIME
);
CREATE INDEX IF NOT EXISTS kv_expires ON kv (expires);`
)

// Config holds lite backend configuration.
type Config struct {
	// Path is the directory the database file lives in.
	Path string `json:"path,omitempty"`
	// PollInterval is how often the expired-item sweep runs.
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock `json:"-"`
	// Memory forces an in-memory database, used in tests.
	Memory bool `json:"memory,omitempty"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" && !c.Memory {
		return trace.BadParameter("specify directory path to the database")
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Lite is a sqlite-backed backend.
type Lite struct {
	cfg    Config
	db     *sql.DB
	cancel context.CancelFunc
	done   chan struct{}
}

// New opens or creates the database and starts the expiry sweeper.
func New(ctx context.Context, cfg Config) (*Lite, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dsn := "file::memory:?mode=memory&cache=shared"
	if !cfg.Memory {
		path, err := filepath.Abs(filepath.Join(cfg.Path, defaultDBFile))
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		dsn = "file:" + path + "?_busy_timeout=" + strconv.FormatInt(busyTimeout.Milliseconds(), 10)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, trace.Wrap(err)
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	l := &Lite{
		cfg:    cfg,
		db:     db,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.runPeriodicOperations(closeCtx)
	return l, nil
}

// Clock returns the clock used by this backend.
func (l *Lite) Clock() clockwork.Clock {
	return l.cfg.Clock
}

// Close stops the sweeper and closes the database.
func (l *Lite) Close() error {
	l.cancel()
	<-l.done
	return trace.Wrap(l.db.Close())
}

func (l *Lite) runPeriodicOperations(ctx context.Context) {
	defer close(l.done)
	ticker := l.cfg.Clock.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := l.removeExpired(ctx); err != nil {
				log.WarnContext(ctx, "Failed to remove expired items", "error", err)
			}
		}
	}
}

func (l *Lite) removeExpired(ctx context.Context) error {
	now := l.cfg.Clock.Now().UTC()
	_, err := l.db.ExecContext(ctx,
		"DELETE FROM kv WHERE expires IS NOT NULL AND expires <= ?", now)
	return trace.Wrap(err)
}

func expiresParam(i backend.Item) any {
	if i.Expires.IsZero() {
		return nil
	}
	return i.Expires.UTC()
}

// Create creates an item if it does not exist.
func (l *Lite) Create(ctx context.Context, i backend.Item) error {
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := l.getLive(ctx, tx, i.Key); err == nil {
			return trace.AlreadyExists("key %q already exists", string(i.Key))
		} else if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		return l.putTx(ctx, tx, i)
	})
}

// Put puts value into the backend, overwriting an existing item.
func (l *Lite) Put(ctx context.Context, i backend.Item) error {
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		return l.putTx(ctx, tx, i)
	})
}

// Update updates an existing item, returns NotFound if missing.
func (l *Lite) Update(ctx context.Context, i backend.Item) error {
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := l.getLive(ctx, tx, i.Key); err != nil {
			return trace.Wrap(err)
		}
		return l.putTx(ctx, tx, i)
	})
}

// CompareAndSwap replaces expected with replaceWith if the stored value
// matches expected. The comparison and write run in one transaction.
func (l *Lite) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) error {
	if string(expected.Key) != string(replaceWith.Key) {
		return trace.BadParameter("expected and replaceWith keys must match")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		current, err := l.getLive(ctx, tx, expected.Key)
		if err != nil {
			if trace.IsNotFound(err) {
				return trace.CompareFailed("key %q is not found", string(expected.Key))
			}
			return trace.Wrap(err)
		}
		if string(current.Value) != string(expected.Value) {
			return trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
		}
		return l.putTx(ctx, tx, replaceWith)
	})
}

// Get returns a single item or NotFound.
func (l *Lite) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	var out *backend.Item
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		item, err := l.getLive(ctx, tx, key)
		if err != nil {
			return trace.Wrap(err)
		}
		out = item
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// GetRange returns items in the [startKey, endKey] range up to limit.
func (l *Lite) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 || len(endKey) == 0 {
		return nil, trace.BadParameter("missing range keys")
	}
	if limit == backend.NoLimit {
		limit = -1
	}
	now := l.cfg.Clock.Now().UTC()
	rows, err := l.db.QueryContext(ctx,
		`SELECT key, value, expires FROM kv
                 WHERE key >= ? AND key < ? AND (expires IS NULL OR expires > ?)
                 ORDER BY key LIMIT ?`,
		string(startKey), string(endKey), now, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var result backend.GetResult
	for rows.Next() {
		var key string
		var value []byte
		var expires sql.NullTime
		if err := rows.Scan(&key, &value, &expires); err != nil {
			return nil, trace.Wrap(err)
		}
		item := backend.Item{Key: []byte(key), Value: value}
		if expires.Valid {
			item.Expires = expires.Time
		}
		result.Items = append(result.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &result, nil
}

// Delete deletes an item by key.
func (l *Lite) Delete(ctx context.Context, key []byte) error {
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", string(key))
		if err != nil {
			return trace.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if affected == 0 {
			return trace.NotFound("key %q is not found", string(key))
		}
		return nil
	})
}

// DeleteRange deletes all items between startKey and endKey.
func (l *Lite) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	_, err := l.db.ExecContext(ctx,
		"DELETE FROM kv WHERE key >= ? AND key < ?", string(startKey), string(endKey))
	return trace.Wrap(err)
}

func (l *Lite) putTx(ctx context.Context, tx *sql.Tx, i backend.Item) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires) VALUES (?, ?, ?)
                 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires=excluded.expires`,
		string(i.Key), i.Value, expiresParam(i))
	return trace.Wrap(err)
}

// getLive reads an item within tx, treating expired rows as missing.
func (l *Lite) getLive(ctx context.Context, tx *sql.Tx, key []byte) (*backend.Item, error) {
	now := l.cfg.Clock.Now().UTC()
	row := tx.QueryRowContext(ctx,
		"SELECT value, expires FROM kv WHERE key = ? AND (expires IS NULL OR expires > ?)",
		string(key), now)
	var value []byte
	var expires sql.NullTime
	if err := row.Scan(&value, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("key %q is not found", string(key))
		}
		return nil, trace.Wrap(err)
	}
	item := &backend.Item{Key: key, Value: value}
	if expires.Valid {
		item.Expires = expires.Time
	}
	return item, nil
}

func (l *Lite) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WarnContext(ctx, "Failed to rollback transaction", "error", rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(convertError(tx.Commit()))
}

func convertError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return trace.AlreadyExists("%s", err.Error())
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return trace.ConnectionProblem(err, "database is locked")
		}
	}
	return err
}
