// Package entstore provides an ent-backed store.Backend compatible with both
// PostgreSQL and SQLite. Sessions live in the "recordings" table and their
// frames in "frames", as declared in internal/ent/schema.
package entstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wilhg/rewind/internal/ent/migrate"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/session"
	"github.com/wilhg/rewind/pkg/store"
)

// DefaultBatchSize is the number of frames written per INSERT statement.
const DefaultBatchSize = 500

var recordingColumns = []string{
	"id", "name", "start_time", "end_time", "frame_count", "frame_rate",
	"viewport", "environment", "events", "errors",
}

var frameColumns = []string{
	"recording_id", "frame_number", "timestamp_ms", "payload", "compressed",
	"codec", "original_size", "compressed_size", "events",
}

// Option configures a Store.
type Option func(*Store)

// WithBatchSize sets how many frames go into one INSERT. n <= 0 keeps the default.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batch = n
		}
	}
}

// Store implements store.Backend on top of ent's SQL dialect layer.
type Store struct {
	drv     *entsql.Driver
	dialect string
	batch   int
}

// DefaultSQLiteDSN is used for a bare "sqlite:" URL.
const DefaultSQLiteDSN = "file:rewind.sqlite?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

// Open connects to databaseURL, which is either "sqlite:<dsn>" or a
// PostgreSQL URL or keyword DSN, and pings it.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	drvName, dsn, dia, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dia == dialect.SQLite {
		// One writer at a time; shared in-memory databases otherwise report
		// table locks instead of waiting.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return New(db, dia, opts...), nil
}

// parseDatabaseURL picks the database/sql driver, its DSN and the ent
// dialect for databaseURL.
func parseDatabaseURL(databaseURL string) (drvName, dsn, dia string, err error) {
	switch {
	case databaseURL == "":
		return "", "", "", errors.New("databaseURL is empty")
	case strings.HasPrefix(strings.ToLower(databaseURL), "sqlite:"):
		dsn = databaseURL[len("sqlite:"):]
		if dsn == "" {
			dsn = DefaultSQLiteDSN
		}
		return "sqlite3", dsn, dialect.SQLite, nil
	}
	if u, perr := url.Parse(databaseURL); perr == nil && u.Scheme != "" {
		switch strings.ToLower(u.Scheme) {
		case "postgres", "postgresql":
			return "pgx", databaseURL, dialect.Postgres, nil
		}
		return "", "", "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	for _, kw := range []string{"host=", "user=", "dbname="} {
		if strings.Contains(databaseURL, kw) {
			return "pgx", databaseURL, dialect.Postgres, nil
		}
	}
	return "", "", "", errors.New("unsupported dsn format")
}

// New wraps an already opened database. dia is an ent dialect name
// ("sqlite3" or "postgres").
func New(db *sql.DB, dia string, opts ...Option) *Store {
	s := &Store{drv: entsql.OpenDB(dia, db), dialect: dia, batch: DefaultBatchSize}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates or updates the recordings and frames tables.
func (s *Store) Migrate(ctx context.Context) error {
	m, err := schema.NewMigrate(s.drv)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Create(ctx, migrate.Tables...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.drv.Close() }

// Save writes the recording row and all of its frames in one transaction.
// Without an explicit id a random UUID is assigned.
func (s *Store) Save(ctx context.Context, meta session.Session, frames []frame.Frame) (string, error) {
	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return "", store.Classify(ctx, "save", err)
	}
	defer func() { _ = tx.Rollback() }()

	vals, err := recordingValues(id, meta)
	if err != nil {
		return "", errmodel.StorageTransaction("save", err)
	}
	query, args := entsql.Dialect(s.dialect).
		Insert(migrate.RecordingsTable.Name).
		Columns(recordingColumns...).
		Values(vals...).
		Query()
	if err := tx.Exec(ctx, query, args, nil); err != nil {
		return "", store.Classify(ctx, "save", err)
	}

	for start := 0; start < len(frames); start += s.batch {
		end := min(start+s.batch, len(frames))
		ins := entsql.Dialect(s.dialect).
			Insert(migrate.FramesTable.Name).
			Columns(frameColumns...)
		for _, f := range frames[start:end] {
			fv, err := frameValues(id, f)
			if err != nil {
				return "", errmodel.StorageTransaction("save", err)
			}
			ins.Values(fv...)
		}
		query, args := ins.Query()
		if err := tx.Exec(ctx, query, args, nil); err != nil {
			return "", store.Classify(ctx, "save", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", store.Classify(ctx, "save", err)
	}
	return id, nil
}

// Load returns the recording and its frames ordered by frame number. Both
// reads share one transaction so a concurrent Delete cannot split them.
func (s *Store) Load(ctx context.Context, id string) (session.Session, []frame.Frame, error) {
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return session.Session{}, nil, store.Classify(ctx, "load", err)
	}
	defer func() { _ = tx.Rollback() }()

	meta, err := loadRecording(ctx, tx, s.dialect, id)
	if err != nil {
		return session.Session{}, nil, store.Classify(ctx, "load", err)
	}
	frames, err := loadFrames(ctx, tx, s.dialect, id)
	if err != nil {
		return session.Session{}, nil, store.Classify(ctx, "load", err)
	}
	if err := tx.Commit(); err != nil {
		return session.Session{}, nil, store.Classify(ctx, "load", err)
	}
	return meta, frames, nil
}

func loadRecording(ctx context.Context, q dialect.ExecQuerier, dia, id string) (session.Session, error) {
	query, args := entsql.Dialect(dia).
		Select(recordingColumns...).
		From(entsql.Table(migrate.RecordingsTable.Name)).
		Where(entsql.EQ("id", id)).
		Query()
	var rows entsql.Rows
	if err := q.Query(ctx, query, args, &rows); err != nil {
		return session.Session{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return session.Session{}, err
		}
		return session.Session{}, errmodel.NotFound("session", id)
	}
	return scanRecording(&rows)
}

func loadFrames(ctx context.Context, q dialect.ExecQuerier, dia, id string) ([]frame.Frame, error) {
	query, args := entsql.Dialect(dia).
		Select(frameColumns[1:]...).
		From(entsql.Table(migrate.FramesTable.Name)).
		Where(entsql.EQ("recording_id", id)).
		OrderBy(entsql.Asc("frame_number")).
		Query()
	var rows entsql.Rows
	if err := q.Query(ctx, query, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	var frames []frame.Frame
	for rows.Next() {
		f, err := scanFrame(&rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// List returns every recording ordered by start time. Frames are not loaded.
func (s *Store) List(ctx context.Context) ([]session.Session, error) {
	query, args := entsql.Dialect(s.dialect).
		Select(recordingColumns...).
		From(entsql.Table(migrate.RecordingsTable.Name)).
		OrderBy(entsql.Asc("start_time"), entsql.Asc("id")).
		Query()
	var rows entsql.Rows
	if err := s.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, store.Classify(ctx, "list", err)
	}
	defer rows.Close()
	out := []session.Session{}
	for rows.Next() {
		meta, err := scanRecording(&rows)
		if err != nil {
			return nil, store.Classify(ctx, "list", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(ctx, "list", err)
	}
	return out, nil
}

// Delete removes a recording and its frames.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return store.Classify(ctx, "delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Frames first so the delete does not depend on foreign key enforcement.
	query, args := entsql.Dialect(s.dialect).
		Delete(migrate.FramesTable.Name).
		Where(entsql.EQ("recording_id", id)).
		Query()
	if err := tx.Exec(ctx, query, args, nil); err != nil {
		return store.Classify(ctx, "delete", err)
	}
	query, args = entsql.Dialect(s.dialect).
		Delete(migrate.RecordingsTable.Name).
		Where(entsql.EQ("id", id)).
		Query()
	var res sql.Result
	if err := tx.Exec(ctx, query, args, &res); err != nil {
		return store.Classify(ctx, "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Classify(ctx, "delete", err)
	}
	if n == 0 {
		return errmodel.NotFound("session", id)
	}
	return store.Classify(ctx, "delete", tx.Commit())
}

func recordingValues(id string, m session.Session) ([]any, error) {
	viewport, err := json.Marshal(m.Viewport)
	if err != nil {
		return nil, err
	}
	env, err := jsonOrNil(m.Environment, len(m.Environment) == 0)
	if err != nil {
		return nil, err
	}
	events, err := jsonOrNil(m.Events, len(m.Events) == 0)
	if err != nil {
		return nil, err
	}
	errs, err := jsonOrNil(m.Errors, len(m.Errors) == 0)
	if err != nil {
		return nil, err
	}
	return []any{
		id, m.Name, m.StartTime.UnixMilli(), unixMilli(m.EndTime), m.FrameCount, m.FrameRate,
		string(viewport), env, events, errs,
	}, nil
}

func frameValues(id string, f frame.Frame) ([]any, error) {
	events, err := jsonOrNil(f.Events, len(f.Events) == 0)
	if err != nil {
		return nil, err
	}
	var codec any
	if f.Codec != "" {
		codec = f.Codec
	}
	payload := f.Payload
	if payload == nil {
		payload = []byte{}
	}
	return []any{
		id, int64(f.Seq), f.TimestampMs, payload, f.Compressed,
		codec, f.OriginalSize, f.CompressedSize, events,
	}, nil
}

func scanRecording(rows *entsql.Rows) (session.Session, error) {
	var (
		m                  session.Session
		start, end         int64
		viewport           string
		env, events, errsJ sql.NullString
	)
	if err := rows.Scan(&m.ID, &m.Name, &start, &end, &m.FrameCount, &m.FrameRate,
		&viewport, &env, &events, &errsJ); err != nil {
		return session.Session{}, err
	}
	m.StartTime = time.UnixMilli(start).UTC()
	if end != 0 {
		m.EndTime = time.UnixMilli(end).UTC()
	}
	if err := json.Unmarshal([]byte(viewport), &m.Viewport); err != nil {
		return session.Session{}, fmt.Errorf("decode viewport: %w", err)
	}
	if err := unmarshalNull(env, &m.Environment); err != nil {
		return session.Session{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := unmarshalNull(events, &m.Events); err != nil {
		return session.Session{}, fmt.Errorf("decode events: %w", err)
	}
	if err := unmarshalNull(errsJ, &m.Errors); err != nil {
		return session.Session{}, fmt.Errorf("decode errors: %w", err)
	}
	return m, nil
}

func scanFrame(rows *entsql.Rows) (frame.Frame, error) {
	var (
		f      frame.Frame
		seq    int64
		codec  sql.NullString
		events sql.NullString
	)
	if err := rows.Scan(&seq, &f.TimestampMs, &f.Payload, &f.Compressed,
		&codec, &f.OriginalSize, &f.CompressedSize, &events); err != nil {
		return frame.Frame{}, err
	}
	f.Seq = uint64(seq)
	f.Codec = codec.String
	if err := unmarshalNull(events, &f.Events); err != nil {
		return frame.Frame{}, fmt.Errorf("decode frame events: %w", err)
	}
	return f, nil
}

func jsonOrNil(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalNull(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
