package session

// State is a session's position in the sign on and download sequence
type State int32

// Session states. Done and Errored are terminal.
const (
	Idle State = iota
	SigningOn
	AwaitingChallenge
	RequestingStatement
	Parsing
	Persisting
	Done
	Errored
)

var stateNames = []string{
	Idle:                "Idle",
	SigningOn:           "SigningOn",
	AwaitingChallenge:   "AwaitingChallenge",
	RequestingStatement: "RequestingStatement",
	Parsing:             "Parsing",
	Persisting:          "Persisting",
	Done:                "Done",
	Errored:             "Errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal returns true if no more transitions can happen
func (s State) Terminal() bool {
	return s == Done || s == Errored
}

// allowed lists each state's legal successors, excluding Errored which is reachable from any non-terminal state
var allowed = map[State][]State{
	Idle:                {SigningOn},
	SigningOn:           {AwaitingChallenge, RequestingStatement, Done},
	AwaitingChallenge:   {SigningOn},
	RequestingStatement: {Parsing},
	Parsing:             {Persisting},
	Persisting:          {RequestingStatement, Done},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Errored {
		return true
	}
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
