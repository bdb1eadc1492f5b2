package relay

// State is where a run is in its lifecycle.
//
//	Idle -> Fetching -> FetchFailed
//	                 -> Fetched -> Relaying -> Done | SendFailed
//
// Aborted (channel unresolved) and Skipped (another instance holds the trigger) end a run
// before anything is fetched.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateFetchFailed
	StateFetched
	StateRelaying
	StateDone
	StateAborted
	StateSendFailed
	StateSkipped
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateFetching:    "fetching",
	StateFetchFailed: "fetch_failed",
	StateFetched:     "fetched",
	StateRelaying:    "relaying",
	StateDone:        "done",
	StateAborted:     "aborted",
	StateSendFailed:  "send_failed",
	StateSkipped:     "skipped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateFetchFailed, StateDone, StateAborted, StateSendFailed, StateSkipped:
		return true
	}
	return false
}
