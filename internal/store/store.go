package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrNotFinal = errors.New("session is not terminal")
)

// Record is an archived terminal session.
type Record struct {
	UUID           string
	Bridge         string
	SessionID      int64
	Kind           model.Kind
	Command        string
	State          model.State
	ReturnCode     *int
	FailStackTrace *string
	CreateTime     time.Time
	StartTime      time.Time
	EndTime        time.Time
}

type RecordRow struct {
	Record
	ID int
}

func (r RecordRow) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("uuid: %q, bridge: %q, session: %d, kind: %s, state: %s",
		r.UUID, r.Bridge, r.SessionID, r.Kind, r.State))
	if r.ReturnCode != nil {
		sb.WriteString(fmt.Sprintf(", return_code: %d", *r.ReturnCode))
	} else {
		sb.WriteString(", return_code: nil")
	}
	if r.FailStackTrace != nil {
		sb.WriteString(fmt.Sprintf(", fail_stack_trace: %q", *r.FailStackTrace))
	}
	return sb.String()
}

// FromSnapshot builds the record of a terminal session.
func FromSnapshot(bridge string, s model.Snapshot) (Record, error) {
	if !s.State.Terminal() {
		return Record{}, fmt.Errorf("%w: session %d is %s", ErrNotFinal, s.ID, s.State)
	}
	r := Record{
		UUID:       uuid.NewString(),
		Bridge:     bridge,
		SessionID:  s.ID,
		Kind:       s.Kind,
		Command:    strings.Join(s.Arguments, " "),
		State:      s.State,
		ReturnCode: s.ReturnCode,
		CreateTime: s.CreateTime,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
	}
	if s.FailStackTrace != "" {
		trace := s.FailStackTrace
		r.FailStackTrace = &trace
	}
	return r, nil
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			bridge TEXT NOT NULL,
			session_id INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			command TEXT NOT NULL,
			state INTEGER NOT NULL,
			return_code INTEGER DEFAULT NULL,
			fail_stack_trace TEXT DEFAULT NULL,
			create_time INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS sessions_end_time ON sessions (end_time)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Save persists the record, returning its row id.
func Save(ctx context.Context, db *sql.DB, r Record) (int, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO sessions (
			uuid, bridge, session_id, kind, command, state, return_code,
			fail_stack_trace, create_time, start_time, end_time
		) VALUES (?,?,?,?,?,?,?,?,?,?,?);`,
		r.UUID, r.Bridge, r.SessionID, int(r.Kind), r.Command, int(r.State), r.ReturnCode,
		r.FailStackTrace, millis(r.CreateTime), millis(r.StartTime), millis(r.EndTime),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("fetching last insert id failed: %w", err)
	}
	return int(id), nil
}

const columns = `id, uuid, bridge, session_id, kind, command, state, return_code,
	fail_stack_trace, create_time, start_time, end_time`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (RecordRow, error) {
	var r RecordRow
	var kind, state int
	var created, started, ended int64
	err := row.Scan(
		&r.ID,
		&r.UUID,
		&r.Bridge,
		&r.SessionID,
		&kind,
		&r.Command,
		&state,
		&r.ReturnCode,
		&r.FailStackTrace,
		&created,
		&started,
		&ended,
	)
	if err != nil {
		return RecordRow{}, err
	}
	r.Kind = model.Kind(kind)
	r.State = model.State(state)
	r.CreateTime = fromMillis(created)
	r.StartTime = fromMillis(started)
	r.EndTime = fromMillis(ended)
	return r, nil
}

// Get returns the record identified by 'uuid' on success,
// ErrNotFound when it does not exist, error otherwise.
func Get(ctx context.Context, db *sql.DB, uuid string) (RecordRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM sessions WHERE uuid=?`, uuid,
	)
	r, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RecordRow{}, ErrNotFound
	case err != nil:
		return RecordRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// List returns up to limit most recent records, all when limit <= 0.
func List(ctx context.Context, db *sql.DB, limit int) ([]RecordRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+columns+` FROM sessions ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.ErrorContext(ctx, "Calling `rows.Close()` failed.", "error", err)
		}
	}()

	var ret []RecordRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sql row failed: %w", err)
		}
		ret = append(ret, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sql rows failed: %w", err)
	}
	return ret, nil
}

// Prune deletes records which ended before the cutoff and returns how many
// were deleted.
func Prune(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func(ctx context.Context) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
		}
	}(ctx)

	result, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE end_time < ?`, millis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction failed: %w", err)
	}
	return ra, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
