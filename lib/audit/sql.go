package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ValentinKolb/dObj/lib/invid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	driver     string
	idColumn   string
	returnID   bool
	placeholder func(n int) string
}

var (
	sqliteDialect = dialect{
		driver:     "sqlite",
		idColumn:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		driver:     "pgx",
		idColumn:   "BIGSERIAL PRIMARY KEY",
		returnID:   true,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// bind rewrites "?" placeholders for the dialect.
func (d dialect) bind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(d.placeholder(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SQLLog stores events in two tables: audit_events (one row per event) and
// audit_objects (one row per affected object) for indexed history lookups.
type SQLLog struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens (and creates) an sqlite audit database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLLog, error) {
	if path == "" {
		path = "dobj-audit.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, Error.New("create dirs: %v", err)
	}
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, Error.New("open sqlite: %v", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	return newSQLLog(ctx, db, sqliteDialect)
}

// OpenPostgres connects to a postgres audit database.
func OpenPostgres(ctx context.Context, dsn string) (*SQLLog, error) {
	if dsn == "" {
		dsn = "postgres://localhost/dobj?sslmode=disable"
	}
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, Error.New("open postgres: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Error.New("ping postgres: %v", err)
	}
	return newSQLLog(ctx, db, postgresDialect)
}

func newSQLLog(ctx context.Context, db *sql.DB, d dialect) (*SQLLog, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id ` + d.idColumn + `,
			kind TEXT NOT NULL,
			at BIGINT NOT NULL,
			actor TEXT NOT NULL,
			actor_name TEXT NOT NULL,
			txn_id BIGINT NOT NULL,
			text TEXT NOT NULL,
			mail_to TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_objects (
			event_id BIGINT NOT NULL,
			invid TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_objects_invid ON audit_objects (invid)`,
		`CREATE INDEX IF NOT EXISTS audit_events_actor ON audit_events (actor, at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, Error.New("create schema: %v", err)
		}
	}
	return &SQLLog{db: db, dialect: d}, nil
}

func (l *SQLLog) Log(ctx context.Context, ev Event) (err error) {
	mailTo, err := json.Marshal(ev.MailTo)
	if err != nil {
		return Error.Wrap(err)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insert := l.dialect.bind(`INSERT INTO audit_events (kind, at, actor, actor_name, txn_id, text, mail_to)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	args := []any{string(ev.Kind), ev.Time.UnixNano(), ev.Actor.String(), ev.ActorName, int64(ev.TxnID), ev.Text, string(mailTo)}

	var id int64
	if l.dialect.returnID {
		if err = tx.QueryRowContext(ctx, insert+" RETURNING id", args...).Scan(&id); err != nil {
			return Error.Wrap(err)
		}
	} else {
		res, execErr := tx.ExecContext(ctx, insert, args...)
		if execErr != nil {
			return Error.Wrap(execErr)
		}
		if id, err = res.LastInsertId(); err != nil {
			return Error.Wrap(err)
		}
	}

	objInsert := l.dialect.bind(`INSERT INTO audit_objects (event_id, invid) VALUES (?, ?)`)
	for _, obj := range ev.Invids {
		if _, err = tx.ExecContext(ctx, objInsert, id, obj.String()); err != nil {
			return Error.Wrap(err)
		}
	}
	if err = tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (l *SQLLog) History(ctx context.Context, q Query) ([]Event, error) {
	query := `SELECT e.id, e.kind, e.at, e.actor, e.actor_name, e.txn_id, e.text, e.mail_to
		FROM audit_events e
		WHERE e.at >= ?
		  AND (e.actor = ? OR e.id IN (SELECT event_id FROM audit_objects WHERE invid = ?))`
	args := []any{q.Since.UnixNano(), q.Invid.String(), q.Invid.String()}
	if q.LoginOnly {
		query += ` AND e.kind IN (?, ?, ?)`
		args = append(args, string(KindLogin), string(KindLogout), string(KindForcedDisconnect))
	}
	query += ` ORDER BY e.at, e.id`

	rows, err := l.db.QueryContext(ctx, l.dialect.bind(query), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var (
		events []Event
		ids    []int64
	)
	for rows.Next() {
		var (
			id            int64
			kind, actor   string
			at, txnID     int64
			name, text, m string
		)
		if err := rows.Scan(&id, &kind, &at, &actor, &name, &txnID, &text, &m); err != nil {
			return nil, Error.Wrap(err)
		}
		ev := Event{Kind: Kind(kind), Time: time.Unix(0, at).UTC(), ActorName: name, Text: text, TxnID: uint64(txnID)}
		if ev.Actor, err = invid.Parse(actor); err != nil {
			return nil, Error.Wrap(err)
		}
		if err := json.Unmarshal([]byte(m), &ev.MailTo); err != nil {
			return nil, Error.Wrap(err)
		}
		events = append(events, ev)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	for i := range events {
		if events[i].Invids, err = l.objects(ctx, ids[i]); err != nil {
			return nil, err
		}
		events[i] = q.shape(events[i])
	}
	return events, nil
}

func (l *SQLLog) objects(ctx context.Context, eventID int64) ([]invid.Invid, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.bind(`SELECT invid FROM audit_objects WHERE event_id = ? ORDER BY invid`), eventID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	var out []invid.Invid
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, Error.Wrap(err)
		}
		id, err := invid.Parse(s)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, id)
	}
	return out, Error.Wrap(rows.Err())
}

func (l *SQLLog) Close() error {
	return Error.Wrap(l.db.Close())
}
