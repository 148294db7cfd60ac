package app

import "github.com/dkeye/Teleroom/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop"
	case KickMember:
		return "kick"
	default:
		return "none"
	}
}

// Policy decides what happens to a connection whose send queue is full.
// drops counts consecutive refused frames, including the current one.
type Policy interface {
	OnBackpressure(userID domain.UserID, drops int) BackpressureAction
}

// SimplePolicy drops frames until MaxDrops consecutive refusals, then kicks.
// A zero MaxDrops kicks on the first full queue.
type SimplePolicy struct {
	MaxDrops int
}

func (p SimplePolicy) OnBackpressure(_ domain.UserID, drops int) BackpressureAction {
	if drops <= p.MaxDrops {
		return DropFrame
	}
	return KickMember
}
