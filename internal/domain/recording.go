package domain

import "time"

type RecordingID string

type RecordingStatus string

const (
	RecPending    RecordingStatus = "pending"
	RecRecording  RecordingStatus = "recording"
	RecProcessing RecordingStatus = "processing"
	RecCompleted  RecordingStatus = "completed"
	RecFailed     RecordingStatus = "failed"
)

func (s RecordingStatus) Terminal() bool {
	return s == RecCompleted || s == RecFailed
}

func (s RecordingStatus) CanTransitionTo(next RecordingStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == RecFailed {
		return true
	}
	switch s {
	case RecPending:
		return next == RecRecording
	case RecRecording:
		return next == RecProcessing
	case RecProcessing:
		return next == RecCompleted
	}
	return false
}

type RecordingQuality string

const (
	QualityHigh   RecordingQuality = "high"
	QualityMedium RecordingQuality = "medium"
	QualityLow    RecordingQuality = "low"
)

func (q RecordingQuality) Valid() bool {
	return q == QualityHigh || q == QualityMedium || q == QualityLow
}

type RecordingFormat string

const (
	FormatMP4  RecordingFormat = "mp4"
	FormatWebM RecordingFormat = "webm"
)

func (f RecordingFormat) Valid() bool {
	return f == FormatMP4 || f == FormatWebM
}

type Resolution string

const (
	Resolution1080p Resolution = "1080p"
	Resolution720p  Resolution = "720p"
	Resolution480p  Resolution = "480p"
)

func (r Resolution) Valid() bool {
	return r == Resolution1080p || r == Resolution720p || r == Resolution480p
}

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

type MediaSource string

const (
	SourceCamera     MediaSource = "camera"
	SourceScreen     MediaSource = "screen"
	SourceMicrophone MediaSource = "microphone"
	SourceSystem     MediaSource = "system"
)

type RecordingStream struct {
	ProducerID string      `json:"producerId"`
	UserID     UserID      `json:"userId"`
	Kind       MediaKind   `json:"kind"`
	Source     MediaSource `json:"source"`
	URL        string      `json:"url,omitempty"`
}

type ParticipantStat struct {
	UserID    UserID    `json:"userId"`
	JoinedAt  time.Time `json:"joinedAt"`
	Producers int       `json:"producers"`
}

type RecordingAnalytics struct {
	ParticipantStats []ParticipantStat `json:"participantStats,omitempty"`
	NetworkStats     map[string]any    `json:"networkStats,omitempty"`
	QualityMetrics   map[string]any    `json:"qualityMetrics,omitempty"`
}

type Recording struct {
	ID          RecordingID        `json:"id"`
	SessionID   SessionID          `json:"sessionId"`
	Status      RecordingStatus    `json:"status"`
	Quality     RecordingQuality   `json:"quality"`
	Format      RecordingFormat    `json:"format"`
	Resolution  Resolution         `json:"resolution"`
	Streams     []RecordingStream  `json:"streams"`
	Duration    time.Duration      `json:"duration"`
	FileSize    int64              `json:"fileSize,omitempty"`
	LocalPath   string             `json:"-"`
	StorageURL  string             `json:"storageUrl,omitempty"`
	StorageKey  string             `json:"storageKey,omitempty"`
	Analytics   RecordingAnalytics `json:"analytics"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	Error       string             `json:"error,omitempty"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	EndedAt     *time.Time         `json:"endedAt,omitempty"`
	ProcessedAt *time.Time         `json:"processedAt,omitempty"`
	UploadedAt  *time.Time         `json:"uploadedAt,omitempty"`
	Deleted     bool               `json:"deleted,omitempty"`
	DeletedAt   *time.Time         `json:"deletedAt,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Advance validates and applies a status move.
func (r *Recording) Advance(next RecordingStatus) error {
	if r.Status == next {
		return nil
	}
	if !r.Status.CanTransitionTo(next) {
		return Ef(KindInvalidState, "recording %s cannot move from %s to %s", r.ID, r.Status, next)
	}
	r.Status = next
	return nil
}

// Fail moves to failed from any non-terminal state.
func (r *Recording) Fail(reason string) {
	if r.Status.Terminal() {
		return
	}
	r.Status = RecFailed
	r.Error = reason
}

// Stamp sets EndedAt and derives Duration from StartedAt.
func (r *Recording) Stamp(end time.Time) {
	if r.EndedAt != nil {
		return
	}
	r.EndedAt = &end
	if r.StartedAt != nil {
		r.Duration = end.Sub(*r.StartedAt)
	}
}

func (r *Recording) Clone() *Recording {
	c := *r
	c.Streams = append([]RecordingStream(nil), r.Streams...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
