package pipeline

// State is a step of the per-execution state machine:
//
//	Validating → Preparing → InstallingDeps → Compiling → Running → Collecting → CleaningUp → Done
//	     │            └──────────── any failure ─────────────┘                       └─────→ Failed
//	     └─ validation failure or no admission slot ──────────────────────────────────────→ Failed
//
// Once Preparing has been entered, Collecting and CleaningUp always follow.
type State int

const (
	StateValidating State = iota
	StatePreparing
	StateInstallingDeps
	StateCompiling
	StateRunning
	StateCollecting
	StateCleaningUp
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateValidating:     "Validating",
	StatePreparing:      "Preparing",
	StateInstallingDeps: "InstallingDeps",
	StateCompiling:      "Compiling",
	StateRunning:        "Running",
	StateCollecting:     "Collecting",
	StateCleaningUp:     "CleaningUp",
	StateDone:           "Done",
	StateFailed:         "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s ends an execution.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
