package domain

import "maps"

const (
	MaxExtensions        = 16
	MaxExtensionKeyLen   = 64
	MaxExtensionValueLen = 1024

	DefaultTeletherapyParticipants = 2
	DefaultChatParticipants        = 50
	DefaultStartBitrate            = 1000
	DefaultMinBitrate              = 300
	DefaultMaxBitrate              = 3000
	DefaultWaitingRoomTimeout      = 900
)

type VideoCodec string

const (
	CodecVP8  VideoCodec = "VP8"
	CodecVP9  VideoCodec = "VP9"
	CodecH264 VideoCodec = "H264"
)

type AudioCodec string

const CodecOpus AudioCodec = "opus"

// SessionOptions is the typed per-session configuration. Caller supplied data
// that has no field here goes into Extensions.
type SessionOptions struct {
	EnableRecording     bool              `json:"enableRecording"`
	EnableChat          bool              `json:"enableChat"`
	EnableScreenSharing bool              `json:"enableScreenSharing"`
	EnableWaitingRoom   bool              `json:"enableWaitingRoom"`
	EnableBreakoutRooms bool              `json:"enableBreakoutRooms"`
	MaxParticipants     int               `json:"maxParticipants"`
	RecordingQuality    RecordingQuality  `json:"recordingQuality,omitempty"`
	RecordingFormat     RecordingFormat   `json:"recordingFormat,omitempty"`
	RecordingResolution Resolution        `json:"recordingResolution,omitempty"`
	ChatRetentionDays   int               `json:"chatRetentionDays,omitempty"`
	WaitingRoomTimeout  int               `json:"waitingRoomTimeout,omitempty"`
	VideoCodec          VideoCodec        `json:"videoCodec,omitempty"`
	AudioCodec          AudioCodec        `json:"audioCodec,omitempty"`
	StartBitrate        int               `json:"startBitrate,omitempty"`
	MinBitrate          int               `json:"minBitrate,omitempty"`
	MaxBitrate          int               `json:"maxBitrate,omitempty"`
	AdaptiveBitrate     bool              `json:"adaptiveBitrate"`
	Extensions          map[string]string `json:"extensions,omitempty"`
}

// WithDefaults fills zero values for the given session type.
func (o SessionOptions) WithDefaults(t SessionType) SessionOptions {
	if o.MaxParticipants <= 0 {
		if t == SessionTeletherapy {
			o.MaxParticipants = DefaultTeletherapyParticipants
		} else {
			o.MaxParticipants = DefaultChatParticipants
		}
	}
	if o.RecordingQuality == "" {
		o.RecordingQuality = QualityMedium
	}
	if o.RecordingFormat == "" {
		o.RecordingFormat = FormatMP4
	}
	if o.RecordingResolution == "" {
		o.RecordingResolution = Resolution720p
	}
	if o.WaitingRoomTimeout <= 0 {
		o.WaitingRoomTimeout = DefaultWaitingRoomTimeout
	}
	if o.VideoCodec == "" {
		o.VideoCodec = CodecVP8
	}
	if o.AudioCodec == "" {
		o.AudioCodec = CodecOpus
	}
	if o.StartBitrate <= 0 {
		o.StartBitrate = DefaultStartBitrate
	}
	if o.MinBitrate <= 0 {
		o.MinBitrate = DefaultMinBitrate
	}
	if o.MaxBitrate <= 0 {
		o.MaxBitrate = DefaultMaxBitrate
	}
	return o
}

func (o SessionOptions) Validate() error {
	if o.MaxParticipants < 1 {
		return E(KindInvalidState, "maxParticipants must be positive")
	}
	if o.MinBitrate > o.MaxBitrate {
		return E(KindInvalidState, "minBitrate above maxBitrate")
	}
	if o.ChatRetentionDays < 0 {
		return E(KindInvalidState, "chatRetentionDays must not be negative")
	}
	switch o.VideoCodec {
	case CodecVP8, CodecVP9, CodecH264:
	default:
		return Ef(KindInvalidState, "unsupported video codec %q", o.VideoCodec)
	}
	if !o.RecordingQuality.Valid() || !o.RecordingFormat.Valid() || !o.RecordingResolution.Valid() {
		return E(KindInvalidState, "unsupported recording settings")
	}
	return validateExtensions(o.Extensions)
}

func validateExtensions(ext map[string]string) error {
	if len(ext) > MaxExtensions {
		return Ef(KindInvalidState, "at most %d extension keys allowed", MaxExtensions)
	}
	for k, v := range ext {
		if len(k) == 0 || len(k) > MaxExtensionKeyLen {
			return Ef(KindInvalidState, "extension key %q has invalid length", k)
		}
		if len(v) > MaxExtensionValueLen {
			return Ef(KindInvalidState, "extension %q value too long", k)
		}
	}
	return nil
}

func (o SessionOptions) Clone() SessionOptions {
	o.Extensions = maps.Clone(o.Extensions)
	return o
}

// SettingsPatch is a partial options update; nil fields are left untouched.
type SettingsPatch struct {
	EnableRecording     *bool             `json:"enableRecording,omitempty"`
	EnableChat          *bool             `json:"enableChat,omitempty"`
	EnableScreenSharing *bool             `json:"enableScreenSharing,omitempty"`
	EnableWaitingRoom   *bool             `json:"enableWaitingRoom,omitempty"`
	EnableBreakoutRooms *bool             `json:"enableBreakoutRooms,omitempty"`
	MaxParticipants     *int              `json:"maxParticipants,omitempty"`
	RecordingQuality    *RecordingQuality `json:"recordingQuality,omitempty"`
	ChatRetentionDays   *int              `json:"chatRetentionDays,omitempty"`
	AdaptiveBitrate     *bool             `json:"adaptiveBitrate,omitempty"`
	Extensions          map[string]string `json:"extensions,omitempty"`
}

// Merge applies p on top of o. Extensions are merged key by key and an empty
// value removes the key.
func (o SessionOptions) Merge(p SettingsPatch) (SessionOptions, error) {
	out := o.Clone()
	setBool(&out.EnableRecording, p.EnableRecording)
	setBool(&out.EnableChat, p.EnableChat)
	setBool(&out.EnableScreenSharing, p.EnableScreenSharing)
	setBool(&out.EnableWaitingRoom, p.EnableWaitingRoom)
	setBool(&out.EnableBreakoutRooms, p.EnableBreakoutRooms)
	setBool(&out.AdaptiveBitrate, p.AdaptiveBitrate)
	if p.MaxParticipants != nil {
		out.MaxParticipants = *p.MaxParticipants
	}
	if p.RecordingQuality != nil {
		out.RecordingQuality = *p.RecordingQuality
	}
	if p.ChatRetentionDays != nil {
		out.ChatRetentionDays = *p.ChatRetentionDays
	}
	if len(p.Extensions) > 0 {
		if out.Extensions == nil {
			out.Extensions = make(map[string]string, len(p.Extensions))
		}
		for k, v := range p.Extensions {
			if v == "" {
				delete(out.Extensions, k)
				continue
			}
			out.Extensions[k] = v
		}
	}
	if err := out.Validate(); err != nil {
		return o, err
	}
	return out, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
