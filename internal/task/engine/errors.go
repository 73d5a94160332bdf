package engine

import "errors"

var (
	ErrStopped = errors.New("task engine stopped")
	ErrNilTask = errors.New("task is nil")
)
