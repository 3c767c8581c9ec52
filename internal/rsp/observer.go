// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

// ConnectionState tracks the session lifecycle. Transitions are linear during
// connect (Disconnected, Handshaking, AckMode, NoAckMode) and any state can
// transition back to Disconnected on transport failure or explicit disconnect.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Handshaking
	AckMode
	NoAckMode
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case AckMode:
		return "ack-mode"
	case NoAckMode:
		return "no-ack-mode"
	default:
		return "unknown"
	}
}

// ExecutionState is the target run state surfaced to the Observer. It is only
// meaningful while the session is connected; StateDisconnected doubles as the
// "none" notification delivered when the session goes away.
type ExecutionState int

const (
	StateDisconnected ExecutionState = iota
	StateUnknown
	StateRunning
	StatePaused
)

func (s ExecutionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Observer receives asynchronous session callbacks. It is owned by the
// presentation layer; callbacks are invoked synchronously on the goroutine
// driving the session, in frame arrival order, and must not call back into
// the Session.
type Observer interface {
	// OnTargetDescriptionUpdated is invoked once per connect, after the target
	// description has been fetched and parsed. The description is immutable.
	OnTargetDescriptionUpdated(desc *TargetDescription)

	// OnStateUpdated is invoked on every execution state transition.
	// StateDisconnected is delivered exactly once when the session disconnects.
	OnStateUpdated(state ExecutionState)

	// OnLog is invoked with decoded target console output ('O' packets).
	OnLog(text string)
}

type nopObserver struct{}

func (nopObserver) OnTargetDescriptionUpdated(*TargetDescription) {}
func (nopObserver) OnStateUpdated(ExecutionState)                 {}
func (nopObserver) OnLog(string)                                  {}
