package session

// State is the lifecycle position of the session controller.
type State int

const (
	StateIdle State = iota
	StateAcquiringCredential
	StateHandshaking
	StateActive
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringCredential:
		return "acquiring_credential"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InProgress reports whether a session exists in this state.
func (s State) InProgress() bool {
	switch s {
	case StateAcquiringCredential, StateHandshaking, StateActive, StateClosing:
		return true
	default:
		return false
	}
}

// UI status lines.
const (
	StatusRequesting    = "Requesting session..."
	StatusConnecting    = "Connecting..."
	StatusConnected     = "Connected! Start talking."
	StatusDisconnecting = "Disconnecting..."
	StatusDisconnected  = "Disconnected"
)

// Status is what the UI renders about the controller.
type Status struct {
	State        State
	SessionID    string
	Message      string
	ErrorMessage string
	IsRecording  bool
	Pending      bool
	WakeEnabled  bool

	// Err is the classified failure while State is Failed.
	Err error
}
