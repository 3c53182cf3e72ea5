package syncer

// State is the synchronizer lifecycle:
//
//	Uninitialized -> Syncing -> Ready <-> Syncing
//	                        \-> Failing <-> Syncing
type State int32

const (
	StateUninitialized State = iota
	StateSyncing
	StateReady
	StateFailing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	case StateFailing:
		return "failing"
	default:
		return "unknown"
	}
}
