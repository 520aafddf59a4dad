// Package stage guards the lifecycle edges of a long-running role: a
// director or matchmaker starts at most once, runs until disposed, and
// disposes at most once. A failed start-up is parked in Stopped so a later
// Dispose stays a no-op.
package stage

import (
	"sync/atomic"

	"github.com/rotisserie/eris"
)

type Stage int32

const (
	// Idle is the state of a freshly constructed role.
	Idle Stage = iota
	// Starting covers the window between BeginStart and Running, while
	// the role claims leases or registers itself.
	Starting
	// Running means the role's periodic loops are live.
	Running
	// Draining means Dispose was called and loops are being joined.
	Draining
	// Stopped means the role is finished, whether it ever ran or not.
	Stopped
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "stopped"
	}
}

// Lifecycle is the start/stop gate one role instance carries. The role
// name only feeds error messages and logs.
type Lifecycle struct {
	role    string
	current atomic.Int32
}

func NewLifecycle(role string) *Lifecycle {
	return &Lifecycle{role: role}
}

// BeginStart claims the one allowed start. It fails when the role was
// already started, is shutting down, or is finished.
func (l *Lifecycle) BeginStart() error {
	if !l.current.CompareAndSwap(int32(Idle), int32(Starting)) {
		return eris.Errorf("%s is %s and cannot be started", l.role, l.Current())
	}
	return nil
}

// AbortStart parks a failed start-up in Stopped, so the role can neither
// be restarted nor disposed.
func (l *Lifecycle) AbortStart() {
	l.current.Store(int32(Stopped))
}

// Running marks start-up complete.
func (l *Lifecycle) Running() {
	l.current.Store(int32(Running))
}

// BeginShutdown claims the one allowed shutdown. It reports false when
// the role is not running, which makes Dispose idempotent.
func (l *Lifecycle) BeginShutdown() bool {
	return l.current.CompareAndSwap(int32(Running), int32(Draining))
}

// Finished marks shutdown complete.
func (l *Lifecycle) Finished() {
	l.current.Store(int32(Stopped))
}

func (l *Lifecycle) Current() Stage {
	return Stage(l.current.Load())
}
