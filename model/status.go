package model

// StatusKind classifies a server's sign on or transaction status
type StatusKind int

// Status kinds
const (
	Success StatusKind = iota
	AuthFailed
	MFAChallenge
	GeneralError
)

func (k StatusKind) String() string {
	switch k {
	case Success:
		return "Success"
	case AuthFailed:
		return "AuthFailed"
	case MFAChallenge:
		return "MFAChallenge"
	default:
		return "GeneralError"
	}
}

// Status is an interpreted STATUS aggregate
type Status struct {
	Kind       StatusKind
	Code       int
	Severity   string
	Message    string
	Challenges []AuthChallenge
}
