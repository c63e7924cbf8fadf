package scanner

import "fmt"

// EngineState tracks the OCR engine's lifecycle.
type EngineState int

const (
	EngineUninitialized EngineState = iota
	EngineBootstrapping
	EngineReady
	EngineFailed
)

func (s EngineState) String() string {
	switch s {
	case EngineUninitialized:
		return "uninitialized"
	case EngineBootstrapping:
		return "bootstrapping"
	case EngineReady:
		return "ready"
	case EngineFailed:
		return "failed"
	}
	return fmt.Sprintf("EngineState(%d)", int(s))
}

func (s EngineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CaptureState is the controller's lifecycle state.
type CaptureState int

const (
	StateIdle CaptureState = iota
	StateAwaitingSurface
	StateAwaitingEngine
	StateScanning
	StatePaused
	StateDestroyed
)

func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingSurface:
		return "awaiting_surface"
	case StateAwaitingEngine:
		return "awaiting_engine"
	case StateScanning:
		return "scanning"
	case StatePaused:
		return "paused"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("CaptureState(%d)", int(s))
}

func (s CaptureState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
