package offline

// State is the lifecycle position of the newest generation.
type State int

const (
	StateIdle State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "idle"
	}
}
