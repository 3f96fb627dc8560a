package ftps

import "context"

// State is the position of a connection attempt in the establishment
// sequence.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateModeConfigured
	StateAddressConfigured
	StateReady

	// StateFailed is absorbing: no transition leaves it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateModeConfigured:
		return "mode_configured"
	case StateAddressConfigured:
		return "address_configured"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Step names one establishment step. Failures report the step that failed.
type Step string

const (
	StepConfigure   Step = "configure"
	StepConnect     Step = "connect"
	StepLogin       Step = "login"
	StepBinaryMode  Step = "binary_mode"
	StepChangeDir   Step = "change_dir"
	StepAddressMode Step = "address_mode"
	StepBufferSize  Step = "pbsz"
	StepProtection  Step = "prot"
)

// transition moves an attempt from one state to the next by running one or
// more protocol steps.
type transition struct {
	name string
	from State
	to   State
	kind Kind
	run  func(*attempt, context.Context) (Step, error)
}

var transitions = []transition{
	{name: "connect", from: StateDisconnected, to: StateConnected, kind: KindConnect, run: (*attempt).connect},
	{name: "login", from: StateConnected, to: StateAuthenticated, kind: KindAuthentication, run: (*attempt).login},
	{name: "mode", from: StateAuthenticated, to: StateModeConfigured, kind: KindNegotiation, run: (*attempt).configureMode},
	{name: "address", from: StateModeConfigured, to: StateAddressConfigured, kind: KindNegotiation, run: (*attempt).configureAddress},
	{name: "protection", from: StateAddressConfigured, to: StateReady, kind: KindNegotiation, run: (*attempt).negotiateProtection},
}
