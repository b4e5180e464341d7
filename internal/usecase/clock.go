package usecase

import (
	"time"

	"voicechat/internal/ports"
)

type systemClock struct{}

// SystemClock schedules callbacks with time.AfterFunc.
func SystemClock() ports.Clock {
	return systemClock{}
}

func (systemClock) AfterFunc(d time.Duration, f func()) ports.Timer {
	return time.AfterFunc(d, f)
}
