package signal

import (
	"encoding/json"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
)

// Inbound message types.
const (
	MsgJoin            = "join"
	MsgLeave           = "leave"
	MsgOffer           = "offer"
	MsgAnswer          = "answer"
	MsgICECandidate    = "ice-candidate"
	MsgMediaStatus     = "media-status"
	MsgChat            = "chat"
	MsgRaiseHand       = "raise-hand"
	MsgRecordingStatus = "recording-status"
	MsgPing            = "ping"
)

// Outbound events produced by the relay itself.
const (
	EvtRoomJoined      = "room-joined"
	EvtRoomLeft        = "room-left"
	EvtPeerMediaStatus = "peer-media-status"
	EvtPeerRaisedHand  = "peer-raised-hand"
	EvtRecordingStatus = "recording-status-update"
	EvtPong            = "pong"
	EvtError           = "error"
)

type Envelope struct {
	Type         string           `json:"type"`
	SessionID    domain.SessionID `json:"sessionId,omitempty"`
	UserID       domain.UserID    `json:"userId,omitempty"`
	TargetUserID domain.UserID    `json:"targetUserId,omitempty"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encode(env Envelope, data any) (core.Frame, error) {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
