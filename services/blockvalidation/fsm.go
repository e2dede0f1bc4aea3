package blockvalidation

import (
	"github.com/looplab/fsm"
)

// Engine lifecycle states.
const (
	StateIdle     = "IDLE"
	StateRunning  = "RUNNING"
	StateStopping = "STOPPING"
	StateStopped  = "STOPPED"
)

// Engine lifecycle events.
const (
	EventStart    = "start"
	EventShutdown = "shutdown"
	EventStopped  = "stopped"
)

// NewFiniteStateMachine creates the lifecycle state machine of an engine.
// The finite state machine has the following states:
// - Idle: created, blocks are not accepted yet
// - Running
// - Stopping: shutting down, pending validations are being cancelled
// - Stopped
func NewFiniteStateMachine(opts ...func(*fsm.FSM)) *fsm.FSM {
	finiteStateMachine := fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{
				Name: EventStart,
				Src:  []string{StateIdle},
				Dst:  StateRunning,
			},
			{
				Name: EventShutdown,
				Src: []string{
					StateIdle,
					StateRunning,
				},
				Dst: StateStopping,
			},
			{
				Name: EventStopped,
				Src:  []string{StateStopping},
				Dst:  StateStopped,
			},
		},
		fsm.Callbacks{},
	)

	// apply options
	for _, opt := range opts {
		opt(finiteStateMachine)
	}

	return finiteStateMachine
}
