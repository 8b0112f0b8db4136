package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/sqlutil"
)

var internalSchema = []string{
	`CREATE TABLE IF NOT EXISTS "__sessions" (
		"name" TEXT PRIMARY KEY,
		"mtime" INTEGER NOT NULL,
		"maxage" INTEGER NOT NULL,
		"data" BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS "__broadcasts" (
		"id" INTEGER PRIMARY KEY AUTOINCREMENT,
		"date" INTEGER NOT NULL,
		"msg" BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS "__broadcasts_idx_date" ON "__broadcasts" ("date")`,
	`CREATE TABLE IF NOT EXISTS "__login" (
		"id" INTEGER PRIMARY KEY AUTOINCREMENT,
		"user" INTEGER NOT NULL,
		"name" TEXT NOT NULL,
		"date" INTEGER NOT NULL,
		"success" INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS "__login_idx_user" ON "__login" ("user", "date")`,
	`CREATE INDEX IF NOT EXISTS "__login_idx_date" ON "__login" ("date")`,
}

// initInternals creates the tables the store keeps for itself.
func (s *Store) initInternals(ctx context.Context) error {
	for _, stmt := range internalSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create internal tables")
		}
	}
	return nil
}

// Set stores v under key for ttl. A zero ttl never expires.
func (h *Handle) Set(ctx context.Context, key string, v db.Value, ttl time.Duration) error {
	data, err := packValue(v, false)
	if err != nil {
		return err
	}
	if kv := h.store.kv; kv != nil {
		return kv.Set(ctx, key, data, ttl)
	}
	_, err = h.q().ExecContext(ctx,
		`INSERT INTO "__sessions" ("name", "mtime", "maxage", "data") VALUES (?, ?, ?, ?)
		ON CONFLICT("name") DO UPDATE SET "mtime" = excluded."mtime", "maxage" = excluded."maxage", "data" = excluded."data"`,
		key, h.store.now(), ttl.Microseconds(), data)
	return errors.Wrapf(err, "set %q", key)
}

// Get returns the value under key, or nil when it is missing or expired.
// With clear set the key is removed after reading.
func (h *Handle) Get(ctx context.Context, key string, clear bool) (db.Value, error) {
	if kv := h.store.kv; kv != nil {
		data, ok, err := kv.Get(ctx, key, clear)
		if err != nil || !ok {
			return nil, err
		}
		return unpackValue(data)
	}

	var data []byte
	var mtime, maxage int64
	err := h.q().QueryRowContext(ctx,
		`SELECT "data", "mtime", "maxage" FROM "__sessions" WHERE "name" = ?`, key).Scan(&data, &mtime, &maxage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %q", key)
	}
	expired := maxage > 0 && mtime+maxage <= h.store.now()
	if clear || expired {
		if err := h.Clear(ctx, key); err != nil {
			return nil, err
		}
	}
	if expired {
		return nil, nil
	}
	return unpackValue(data)
}

func (h *Handle) Clear(ctx context.Context, key string) error {
	if kv := h.store.kv; kv != nil {
		return kv.Delete(ctx, key)
	}
	_, err := h.q().ExecContext(ctx, `DELETE FROM "__sessions" WHERE "name" = ?`, key)
	return errors.Wrapf(err, "clear %q", key)
}

// MakeSessionsCleanup drops expired keys and login and broadcast records
// older than the retention period.
func (h *Handle) MakeSessionsCleanup(ctx context.Context) error {
	st := h.store
	now := st.now()
	var expired int64
	if st.kv != nil {
		n, err := st.kv.Cleanup(ctx)
		if err != nil {
			return err
		}
		expired = int64(n)
	}

	cutoff := now - st.retention.Microseconds()
	var logins, broadcasts int64
	err := h.atomic(ctx, func(q sqlutil.Querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM "__sessions" WHERE "maxage" > 0 AND "mtime" + "maxage" <= ?`, now)
		if err != nil {
			return errors.Wrap(err, "drop expired sessions")
		}
		n, _ := res.RowsAffected()
		expired += n
		if res, err = q.ExecContext(ctx, `DELETE FROM "__login" WHERE "date" < ?`, cutoff); err != nil {
			return errors.Wrap(err, "drop login history")
		}
		logins, _ = res.RowsAffected()
		if res, err = q.ExecContext(ctx, `DELETE FROM "__broadcasts" WHERE "date" < ?`, cutoff); err != nil {
			return errors.Wrap(err, "drop broadcasts")
		}
		broadcasts, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	st.log.Debug("sessions cleanup",
		zap.Int64("expired", expired),
		zap.Int64("logins", logins),
		zap.Int64("broadcasts", broadcasts))
	return nil
}

func (h *Handle) Broadcast(ctx context.Context, data []byte) error {
	_, err := h.q().ExecContext(ctx, `INSERT INTO "__broadcasts" ("date", "msg") VALUES (?, ?)`,
		h.store.now(), data)
	return errors.Wrap(err, "broadcast")
}

// ProcessBroadcasts takes every pending broadcast and passes it to fn in
// the order they were sent.
func (h *Handle) ProcessBroadcasts(ctx context.Context, fn func(data []byte)) error {
	var msgs [][]byte
	err := h.atomic(ctx, func(q sqlutil.Querier) error {
		rows, err := q.QueryContext(ctx, `SELECT "id", "msg" FROM "__broadcasts" ORDER BY "id"`)
		if err != nil {
			return errors.Wrap(err, "read broadcasts")
		}
		var last int64
		for rows.Next() {
			var msg []byte
			if err := rows.Scan(&last, &msg); err != nil {
				rows.Close()
				return errors.Wrap(err, "read broadcasts")
			}
			msgs = append(msgs, msg)
		}
		if err := rows.Close(); err != nil {
			return errors.Wrap(err, "read broadcasts")
		}
		if len(msgs) == 0 {
			return nil
		}
		_, err = q.ExecContext(ctx, `DELETE FROM "__broadcasts" WHERE "id" <= ?`, last)
		return errors.Wrap(err, "drop broadcasts")
	})
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		fn(msg)
	}
	return nil
}

// AuthorizeUser checks a name and password against the auth scheme and
// logs the attempt. Failed attempts since the last success count against
// the auth failure limit.
func (h *Handle) AuthorizeUser(ctx context.Context, auth *db.Auth, name, password string) (*db.User, error) {
	f, value := auth.NameField(name)
	if f == nil || auth.PasswordField() == nil {
		return nil, nil
	}
	s := auth.Scheme()
	b := newCondBuilder(s)
	b.add(col(f.Name())+" = ?", value)
	rows, err := h.query(ctx, allColumns(s), b, " LIMIT 1")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	row := rows[0]
	oid := db.GetInt(row, oidColumn)

	now := h.store.now()
	since := now - auth.MaxAuthTime.Microseconds()
	var failures int
	err = h.q().QueryRowContext(ctx,
		`SELECT count(*) FROM "__login" WHERE "user" = ? AND "success" = 0 AND "date" > ?
		AND "date" > coalesce((SELECT max("date") FROM "__login" WHERE "user" = ? AND "success" = 1), 0)`,
		oid, since, oid).Scan(&failures)
	if err != nil {
		return nil, errors.Wrap(err, "count login failures")
	}

	hash, _ := row[auth.PasswordField().Name()].([]byte)
	ok := auth.AuthorizeWithPassword(password, hash, failures)
	success := 0
	if ok {
		success = 1
	}
	if _, err := h.q().ExecContext(ctx,
		`INSERT INTO "__login" ("user", "name", "date", "success") VALUES (?, ?, ?, ?)`,
		oid, name, now, success); err != nil {
		return nil, errors.Wrap(err, "record login")
	}
	if !ok {
		h.store.log.Info("login failed", zap.String("name", name), zap.Int("failures", failures+1))
		return nil, nil
	}
	delete(row, auth.PasswordField().Name())
	return db.NewUser(s, row), nil
}
