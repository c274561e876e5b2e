package lod

// State is the construction state of a structure.
type State uint8

// NotInitialized is the state of a new or cleared structure. Broken structures failed
// during construction and only serve the levels committed before the failure.
const (
	NotInitialized State = iota
	UnderConstruction
	Initialized
	Broken
)

func (s State) String() string {
	switch s {
	case NotInitialized:
		return "not initialized"
	case UnderConstruction:
		return "under construction"
	case Initialized:
		return "initialized"
	case Broken:
		return "broken"
	default:
		return "unknown"
	}
}
