// Package gormstore is a store.Backend built on GORM. It speaks SQLite
// through glebarez/sqlite and PostgreSQL through pgx.
package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/session"
	"github.com/wilhg/rewind/pkg/store"
)

// Option allows configuring DB connection.
type Option func(*config)

type config struct {
	Logger    logger.Interface
	BatchSize int
}

// WithLogger sets a custom GORM logger.
func WithLogger(l logger.Interface) Option { return func(c *config) { c.Logger = l } }

// WithBatchSize sets how many frames are inserted per statement.
func WithBatchSize(n int) Option { return func(c *config) { c.BatchSize = n } }

// Open opens a GORM connection and migrates the recording tables. DSNs with
// a "sqlite:" prefix select SQLite; anything else is handed to Postgres.
func Open(dsn string, opts ...Option) (*Store, error) {
	cfg := &config{BatchSize: 500}
	for _, o := range opts {
		o(cfg)
	}
	gormCfg := &gorm.Config{}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}
	dial, isSQLite := getDialector(dsn)
	db, err := gorm.Open(dial, gormCfg)
	if err != nil {
		return nil, err
	}
	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&RecordingModel{}, &FrameModel{}); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Store{db: db, batch: cfg.BatchSize}, nil
}

func getDialector(dsn string) (gorm.Dialector, bool) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:")), true
	default:
		return postgres.New(postgres.Config{
			DriverName: "pgx",
			DSN:        dsn,
		}), false
	}
}

// RecordingModel represents the GORM model for recordings.
type RecordingModel struct {
	ID          string               `gorm:"primaryKey;type:varchar(64)"`
	Name        string               `gorm:"type:text;not null"`
	StartTime   int64                `gorm:"index;not null"`
	EndTime     int64                `gorm:"not null;default:0"`
	FrameCount  int                  `gorm:"not null"`
	FrameRate   float64              `gorm:"not null;default:0"`
	Viewport    session.Viewport     `gorm:"serializer:json;type:text"`
	Environment map[string]string    `gorm:"serializer:json;type:text"`
	Events      []frame.Event        `gorm:"serializer:json;type:text"`
	Errors      []session.ErrorEntry `gorm:"serializer:json;type:text"`
	Frames      []FrameModel         `gorm:"foreignKey:RecordingID;constraint:OnDelete:CASCADE"`
}

func (RecordingModel) TableName() string { return "recordings" }

// FrameModel represents the GORM model for frames.
type FrameModel struct {
	ID             uint64        `gorm:"primaryKey;autoIncrement"`
	RecordingID    string        `gorm:"type:varchar(64);not null;uniqueIndex:frame_recording_id_frame_number"`
	FrameNumber    int64         `gorm:"not null;uniqueIndex:frame_recording_id_frame_number"`
	TimestampMs    float64       `gorm:"not null"`
	Payload        []byte        `gorm:"not null"`
	Compressed     bool          `gorm:"not null;default:false"`
	Codec          string        `gorm:"type:text"`
	OriginalSize   int           `gorm:"not null"`
	CompressedSize int           `gorm:"not null"`
	Events         []frame.Event `gorm:"serializer:json;type:text"`
}

func (FrameModel) TableName() string { return "frames" }

// Store implements store.Backend using GORM.
type Store struct {
	db    *gorm.DB
	batch int
}

// Save inserts the recording and its frames in one transaction.
func (s *Store) Save(ctx context.Context, meta session.Session, frames []frame.Frame) (string, error) {
	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := toRecordingModel(id, meta)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Frames").Create(&rec).Error; err != nil {
			return err
		}
		if len(frames) == 0 {
			return nil
		}
		models := make([]FrameModel, 0, len(frames))
		for _, f := range frames {
			models = append(models, toFrameModel(id, f))
		}
		return tx.CreateInBatches(&models, s.batch).Error
	})
	if err != nil {
		return "", store.Classify(ctx, "save", err)
	}
	return id, nil
}

// Load fetches a recording and its frames in frame order, both inside one
// transaction.
func (s *Store) Load(ctx context.Context, id string) (session.Session, []frame.Frame, error) {
	var (
		rec    RecordingModel
		models []FrameModel
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
			return err
		}
		return tx.Where("recording_id = ?", id).Order("frame_number asc").Find(&models).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Session{}, nil, errmodel.NotFound("session", id)
	}
	if err != nil {
		return session.Session{}, nil, store.Classify(ctx, "load", err)
	}
	var out []frame.Frame
	for _, m := range models {
		out = append(out, m.toFrame())
	}
	return rec.toSession(), out, nil
}

// List returns recording metadata ordered by start time.
func (s *Store) List(ctx context.Context) ([]session.Session, error) {
	var recs []RecordingModel
	if err := s.db.WithContext(ctx).Order("start_time asc, id asc").Find(&recs).Error; err != nil {
		return nil, store.Classify(ctx, "list", err)
	}
	out := make([]session.Session, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toSession())
	}
	return out, nil
}

// Delete removes a recording and its frames.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("recording_id = ?", id).Delete(&FrameModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&RecordingModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errmodel.NotFound("session", id)
		}
		return nil
	})
	return store.Classify(ctx, "delete", err)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecordingModel(id string, m session.Session) RecordingModel {
	var end int64
	if !m.EndTime.IsZero() {
		end = m.EndTime.UnixMilli()
	}
	return RecordingModel{
		ID:          id,
		Name:        m.Name,
		StartTime:   m.StartTime.UnixMilli(),
		EndTime:     end,
		FrameCount:  m.FrameCount,
		FrameRate:   m.FrameRate,
		Viewport:    m.Viewport,
		Environment: m.Environment,
		Events:      m.Events,
		Errors:      m.Errors,
	}
}

func (r RecordingModel) toSession() session.Session {
	out := session.Session{
		ID:          r.ID,
		Name:        r.Name,
		StartTime:   time.UnixMilli(r.StartTime).UTC(),
		FrameCount:  r.FrameCount,
		FrameRate:   r.FrameRate,
		Viewport:    r.Viewport,
		Environment: r.Environment,
		Events:      r.Events,
		Errors:      r.Errors,
	}
	if r.EndTime != 0 {
		out.EndTime = time.UnixMilli(r.EndTime).UTC()
	}
	return out
}

func toFrameModel(id string, f frame.Frame) FrameModel {
	payload := f.Payload
	if payload == nil {
		payload = []byte{}
	}
	return FrameModel{
		RecordingID:    id,
		FrameNumber:    int64(f.Seq),
		TimestampMs:    f.TimestampMs,
		Payload:        payload,
		Compressed:     f.Compressed,
		Codec:          f.Codec,
		OriginalSize:   f.OriginalSize,
		CompressedSize: f.CompressedSize,
		Events:         f.Events,
	}
}

func (m FrameModel) toFrame() frame.Frame {
	return frame.Frame{
		Seq:            uint64(m.FrameNumber),
		TimestampMs:    m.TimestampMs,
		Payload:        m.Payload,
		Compressed:     m.Compressed,
		Codec:          m.Codec,
		OriginalSize:   m.OriginalSize,
		CompressedSize: m.CompressedSize,
		Events:         m.Events,
	}
}
