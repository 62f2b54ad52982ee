package core

import (
	"time"

	"github.com/encodeous/weft/state"
)

// Link is the radio collaborator. SendFrame failures are link errors and never change role state.
type Link interface {
	SendFrame(payload []byte, dst state.LinkAddr) error
	LinkQuality(ext state.ExtAddress) uint8
}

type Timer interface {
	Stop() bool
}

// Clock schedules callbacks on the event loop.
type Clock interface {
	Now() time.Time
	Schedule(delay time.Duration, fn func()) Timer
}

// FrameInfo is the link metadata of a received frame.
type FrameInfo struct {
	Src         state.ExtAddress
	Dst         state.LinkAddr
	Rssi        int8
	LinkQuality uint8
}

// StateChangedHandler receives the change flags accumulated while processing one event.
type StateChangedHandler interface {
	HandleStateChanged(flags state.ChangeFlags)
}

type changeSink interface {
	Signal(flags state.ChangeFlags)
}

// envClock runs timers through the dispatch loop.
type envClock struct {
	env *state.Env
}

type envTimer struct {
	task *state.Task
}

func (t envTimer) Stop() bool {
	return t.task.Stop()
}

func (c envClock) Now() time.Time {
	return time.Now()
}

func (c envClock) Schedule(delay time.Duration, fn func()) Timer {
	return envTimer{c.env.ScheduleTask(func(s *state.State) error {
		fn()
		return nil
	}, delay)}
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// LinkQualityFromMargin maps a link margin in dB to the 0..3 link quality scale.
func LinkQualityFromMargin(margin uint8) uint8 {
	switch {
	case margin > 20:
		return 3
	case margin > 10:
		return 2
	case margin > 2:
		return 1
	}
	return 0
}
