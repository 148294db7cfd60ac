package store

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Teleroom/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var liveStatuses = []string{string(domain.StatusPending), string(domain.StatusActive)}

// GormStore is the postgres-backed SessionStore.
type GormStore struct {
	db *gorm.DB
}

// Open connects to postgres. TranslateError maps unique violations to
// gorm.ErrDuplicatedKey.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&sessionEntity{}, &participantEntity{}, &recordingEntity{})
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, sess *domain.MediaSession) error {
	e := toSessionEntity(sess)
	err := s.db.WithContext(ctx).Create(&e).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrLiveSessionExists
	}
	if err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, err, "create session")
	}
	sess.CreatedAt, sess.UpdatedAt = e.CreatedAt, e.UpdatedAt
	return nil
}

func (s *GormStore) FindByID(ctx context.Context, id domain.SessionID) (*domain.MediaSession, error) {
	return s.first(ctx, s.db.WithContext(ctx).Where("id = ?", string(id)), sessionNotFound(id))
}

func (s *GormStore) FindActiveByContext(ctx context.Context, t domain.SessionType, contextID string) (*domain.MediaSession, error) {
	q := s.db.WithContext(ctx).
		Where("type = ? AND context_id = ? AND status IN ?", string(t), contextID, liveStatuses)
	return s.first(ctx, q, domain.Ef(domain.KindNotFound, "no live session for %s/%s", t, contextID))
}

func (s *GormStore) ListActiveByContext(ctx context.Context, t domain.SessionType, contextID string) ([]*domain.MediaSession, error) {
	return s.find(s.db.WithContext(ctx).
		Where("type = ? AND context_id = ? AND status IN ?", string(t), contextID, liveStatuses))
}

func (s *GormStore) FindByParticipant(ctx context.Context, userID domain.UserID) ([]*domain.MediaSession, error) {
	sub := s.db.Model(&participantEntity{}).Select("session_id").Where("user_id = ?", string(userID))
	return s.find(s.db.WithContext(ctx).Where("status IN ? AND id IN (?)", liveStatuses, sub))
}

func (s *GormStore) AddParticipant(ctx context.Context, id domain.SessionID, userID domain.UserID) error {
	p := participantEntity{SessionID: string(id), UserID: string(userID)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return sessionNotFound(id)
	}
	return wrapDB(err, "add participant")
}

func (s *GormStore) RemoveParticipant(ctx context.Context, id domain.SessionID, userID domain.UserID) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", string(id), string(userID)).
		Delete(&participantEntity{}).Error
	return wrapDB(err, "remove participant")
}

// UpdateStatus validates the transition against the row locked FOR UPDATE.
func (s *GormStore) UpdateStatus(ctx context.Context, id domain.SessionID, status domain.SessionStatus) (*domain.MediaSession, error) {
	var out *domain.MediaSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e sessionEntity
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Participants").
			Where("id = ?", string(id)).First(&e).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sessionNotFound(id)
		}
		if err != nil {
			return domain.Wrap(domain.KindUpstreamFailure, err, "load session")
		}
		sess := fromSessionEntity(e)
		if err := sess.Transition(status, time.Now()); err != nil {
			return err
		}
		err = tx.Model(&sessionEntity{}).Where("id = ?", e.ID).Updates(map[string]any{
			"status":   string(sess.Status),
			"ended_at": sess.EndedAt,
		}).Error
		if err != nil {
			return domain.Wrap(domain.KindUpstreamFailure, err, "update status")
		}
		out = sess
		return nil
	})
	return out, err
}

// UpdateMetadata merges at the top level with jsonb concatenation, so concurrent
// writers of different keys do not clobber each other.
func (s *GormStore) UpdateMetadata(ctx context.Context, id domain.SessionID, patch map[string]any) error {
	res := s.db.WithContext(ctx).Model(&sessionEntity{}).Where("id = ?", string(id)).
		Update("metadata", gorm.Expr("COALESCE(metadata, '{}'::jsonb) || ?", datatypes.JSONMap(patch)))
	if res.Error != nil {
		return domain.Wrap(domain.KindUpstreamFailure, res.Error, "update metadata")
	}
	if res.RowsAffected == 0 {
		return sessionNotFound(id)
	}
	return nil
}

func (s *GormStore) UpdateOptions(ctx context.Context, id domain.SessionID, opts domain.SessionOptions) error {
	e := sessionEntity{ID: string(id)}
	res := s.db.WithContext(ctx).Model(&e).Update("options", datatypes.NewJSONType(opts))
	if res.Error != nil {
		return domain.Wrap(domain.KindUpstreamFailure, res.Error, "update options")
	}
	if res.RowsAffected == 0 {
		return sessionNotFound(id)
	}
	return nil
}

func (s *GormStore) ListActive(ctx context.Context) ([]*domain.MediaSession, error) {
	return s.find(s.db.WithContext(ctx).Where("status IN ?", liveStatuses))
}

func (s *GormStore) ListInRange(ctx context.Context, from, to time.Time) ([]*domain.MediaSession, error) {
	return s.find(s.db.WithContext(ctx).Where("started_at BETWEEN ? AND ?", from, to))
}

func (s *GormStore) first(_ context.Context, q *gorm.DB, notFound error) (*domain.MediaSession, error) {
	var e sessionEntity
	err := q.Preload("Participants").First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, err, "find session")
	}
	return fromSessionEntity(e), nil
}

func (s *GormStore) find(q *gorm.DB) ([]*domain.MediaSession, error) {
	var rows []sessionEntity
	if err := q.Preload("Participants").Order("started_at").Find(&rows).Error; err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, err, "list sessions")
	}
	out := make([]*domain.MediaSession, 0, len(rows))
	for _, e := range rows {
		out = append(out, fromSessionEntity(e))
	}
	return out, nil
}

func (s *GormStore) CreateRecording(ctx context.Context, r *domain.Recording) error {
	e := toRecordingEntity(r)
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, err, "create recording")
	}
	r.CreatedAt = e.CreatedAt
	return nil
}

func (s *GormStore) UpdateRecording(ctx context.Context, r *domain.Recording) error {
	e := toRecordingEntity(r)
	res := s.db.WithContext(ctx).Model(&recordingEntity{ID: e.ID}).Select("*").Omit("created_at", "deleted_at").Updates(&e)
	if res.Error != nil {
		return domain.Wrap(domain.KindUpstreamFailure, res.Error, "update recording")
	}
	if res.RowsAffected == 0 {
		return recordingNotFound(r.ID)
	}
	return nil
}

func (s *GormStore) FindRecording(ctx context.Context, id domain.RecordingID) (*domain.Recording, error) {
	var e recordingEntity
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, recordingNotFound(id)
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, err, "find recording")
	}
	return fromRecordingEntity(e), nil
}

func (s *GormStore) ListRecordings(ctx context.Context, sessionID domain.SessionID) ([]*domain.Recording, error) {
	var rows []recordingEntity
	err := s.db.WithContext(ctx).Where("session_id = ?", string(sessionID)).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, err, "list recordings")
	}
	out := make([]*domain.Recording, 0, len(rows))
	for _, e := range rows {
		out = append(out, fromRecordingEntity(e))
	}
	return out, nil
}

func (s *GormStore) SoftDeleteRecording(ctx context.Context, id domain.RecordingID) error {
	res := s.db.WithContext(ctx).Where("id = ?", string(id)).Delete(&recordingEntity{})
	if res.Error != nil {
		return domain.Wrap(domain.KindUpstreamFailure, res.Error, "delete recording")
	}
	if res.RowsAffected == 0 {
		return recordingNotFound(id)
	}
	return nil
}

func wrapDB(err error, op string) error {
	if err == nil {
		return nil
	}
	return domain.Wrap(domain.KindUpstreamFailure, err, op)
}
