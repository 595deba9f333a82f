package prompter

import (
	"github.com/johnstarich/dcsync/model"
)

// Request asks for an answer to one challenge
type Request struct {
	InstitutionID string
	Message       string
	Text          bool
	Choices       []string
}

// Response answers a Request. Choice indexes the request's Choices, Text answers text requests.
type Response struct {
	Text   string
	Choice int
	Err    error
}

func newRequest(institutionID string, challenge model.AuthChallenge) Request {
	message := challenge.Prompt
	if message == "" {
		message = challenge.ID
	}
	return Request{
		InstitutionID: institutionID,
		Message:       message,
		Text:          challenge.Shape != model.ChoiceChallenge,
		Choices:       challenge.Choices,
	}
}
