package model

import "github.com/johnstarich/dcsync/redactor"

// ChallengeShape describes how a challenge is answered
type ChallengeShape string

// Challenge shapes
const (
	TextChallenge   ChallengeShape = "text"
	ChoiceChallenge ChallengeShape = "choice"
)

// ChallengeKind is the protocol mechanism the answer is sent back with
type ChallengeKind string

// Challenge kinds
const (
	// PhraseChallenge answers go back as MFACHALLENGEANSWER
	PhraseChallenge ChallengeKind = "phrase"
	// TokenChallenge answers go back as AUTHTOKEN
	TokenChallenge ChallengeKind = "token"
)

// AuthChallenge is a question the server asks before completing sign on
type AuthChallenge struct {
	ID      string
	Prompt  string
	Shape   ChallengeShape
	Kind    ChallengeKind
	Choices []string `json:",omitempty"`
}

// ChallengeAnswer is the user's answer to the challenge with ID Challenge
type ChallengeAnswer struct {
	Challenge string
	Answer    redactor.String
}
