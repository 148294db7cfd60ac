package store

import (
	"time"

	"github.com/dkeye/Teleroom/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// sessionEntity's partial unique index keeps one live session per context.
type sessionEntity struct {
	ID           string                                    `gorm:"primaryKey;type:varchar(64)"`
	Type         string                                    `gorm:"type:varchar(32);not null;index:idx_live_context,unique,where:status <> 'ended'"`
	ContextID    string                                    `gorm:"type:varchar(128);not null;index:idx_live_context,unique,where:status <> 'ended'"`
	Status       string                                    `gorm:"type:varchar(16);not null;index"`
	StartedBy    string                                    `gorm:"type:varchar(64);not null"`
	Options      datatypes.JSONType[domain.SessionOptions] `gorm:"type:jsonb"`
	Metadata     datatypes.JSONMap                         `gorm:"type:jsonb"`
	StartedAt    time.Time                                 `gorm:"index"`
	EndedAt      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []participantEntity `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

func (sessionEntity) TableName() string { return "media_sessions" }

type participantEntity struct {
	SessionID string    `gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `gorm:"primaryKey;type:varchar(64);index"`
	JoinedAt  time.Time `gorm:"autoCreateTime"`
}

func (participantEntity) TableName() string { return "media_session_participants" }

type recordingEntity struct {
	ID          string                                      `gorm:"primaryKey;type:varchar(64)"`
	SessionID   string                                      `gorm:"type:varchar(64);not null;index"`
	Status      string                                      `gorm:"type:varchar(16);not null"`
	Quality     string                                      `gorm:"type:varchar(16)"`
	Format      string                                      `gorm:"type:varchar(8)"`
	Resolution  string                                      `gorm:"type:varchar(8)"`
	Streams     datatypes.JSONSlice[domain.RecordingStream] `gorm:"type:jsonb"`
	DurationMs  int64                                       `gorm:"column:duration_ms"`
	FileSize    int64
	LocalPath   string
	StorageURL  string
	StorageKey  string
	Analytics   datatypes.JSONType[domain.RecordingAnalytics] `gorm:"type:jsonb"`
	Metadata    datatypes.JSONType[map[string]string]         `gorm:"type:jsonb"`
	Error       string
	StartedAt   *time.Time
	EndedAt     *time.Time
	ProcessedAt *time.Time
	UploadedAt  *time.Time
	CreatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

func (recordingEntity) TableName() string { return "recordings" }

func toSessionEntity(s *domain.MediaSession) sessionEntity {
	e := sessionEntity{
		ID:        string(s.ID),
		Type:      string(s.Type),
		ContextID: s.ContextID,
		Status:    string(s.Status),
		StartedBy: string(s.StartedBy),
		Options:   datatypes.NewJSONType(s.Options),
		Metadata:  datatypes.JSONMap(s.Metadata),
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	for _, uid := range s.Participants {
		e.Participants = append(e.Participants, participantEntity{SessionID: e.ID, UserID: string(uid)})
	}
	return e
}

func fromSessionEntity(e sessionEntity) *domain.MediaSession {
	s := &domain.MediaSession{
		ID:           domain.SessionID(e.ID),
		Type:         domain.SessionType(e.Type),
		ContextID:    e.ContextID,
		Status:       domain.SessionStatus(e.Status),
		StartedBy:    domain.UserID(e.StartedBy),
		Options:      e.Options.Data(),
		Metadata:     map[string]any(e.Metadata),
		StartedAt:    e.StartedAt,
		EndedAt:      e.EndedAt,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
		Participants: make([]domain.UserID, 0, len(e.Participants)),
	}
	for _, p := range e.Participants {
		s.Participants = append(s.Participants, domain.UserID(p.UserID))
	}
	return s
}

func toRecordingEntity(r *domain.Recording) recordingEntity {
	return recordingEntity{
		ID:          string(r.ID),
		SessionID:   string(r.SessionID),
		Status:      string(r.Status),
		Quality:     string(r.Quality),
		Format:      string(r.Format),
		Resolution:  string(r.Resolution),
		Streams:     datatypes.NewJSONSlice(r.Streams),
		DurationMs:  r.Duration.Milliseconds(),
		FileSize:    r.FileSize,
		LocalPath:   r.LocalPath,
		StorageURL:  r.StorageURL,
		StorageKey:  r.StorageKey,
		Analytics:   datatypes.NewJSONType(r.Analytics),
		Metadata:    datatypes.NewJSONType(r.Metadata),
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		ProcessedAt: r.ProcessedAt,
		UploadedAt:  r.UploadedAt,
		CreatedAt:   r.CreatedAt,
	}
}

func fromRecordingEntity(e recordingEntity) *domain.Recording {
	r := &domain.Recording{
		ID:          domain.RecordingID(e.ID),
		SessionID:   domain.SessionID(e.SessionID),
		Status:      domain.RecordingStatus(e.Status),
		Quality:     domain.RecordingQuality(e.Quality),
		Format:      domain.RecordingFormat(e.Format),
		Resolution:  domain.Resolution(e.Resolution),
		Streams:     []domain.RecordingStream(e.Streams),
		Duration:    time.Duration(e.DurationMs) * time.Millisecond,
		FileSize:    e.FileSize,
		LocalPath:   e.LocalPath,
		StorageURL:  e.StorageURL,
		StorageKey:  e.StorageKey,
		Analytics:   e.Analytics.Data(),
		Metadata:    e.Metadata.Data(),
		Error:       e.Error,
		StartedAt:   e.StartedAt,
		EndedAt:     e.EndedAt,
		ProcessedAt: e.ProcessedAt,
		UploadedAt:  e.UploadedAt,
		CreatedAt:   e.CreatedAt,
	}
	if e.DeletedAt.Valid {
		t := e.DeletedAt.Time
		r.Deleted = true
		r.DeletedAt = &t
	}
	return r
}
