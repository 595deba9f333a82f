// Package prompter hands authentication challenges to whoever is answering for the user, one at a time
package prompter

import (
	"context"
	"sync"

	"github.com/johnstarich/dcsync/model"
	"github.com/pkg/errors"
)

type Prompter interface {
	// Answer synchronously prompts the user to answer challenge. Matches session.Collaborator's Answer.
	Answer(ctx context.Context, institutionID string, challenge model.AuthChallenge) (string, error)
	// Requests returns a channel to listen for prompt requests
	Requests() <-chan Request
	// Respond submits a response to the request most recently received from Requests
	Respond(resp Response)
}

type prompt struct {
	mu        sync.Mutex
	requests  chan Request
	responses chan Response
}

func New() Prompter {
	return &prompt{
		requests:  make(chan Request),
		responses: make(chan Response, 1),
	}
}

func (p *prompt) Respond(resp Response) {
	select {
	case p.responses <- resp:
	default:
		// nobody is waiting
	}
}

func (p *prompt) Requests() <-chan Request {
	return p.requests
}

func (p *prompt) Answer(ctx context.Context, institutionID string, challenge model.AuthChallenge) (string, error) {
	// concurrent sessions take turns, so each response reaches the request it answers
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case p.requests <- newRequest(institutionID, challenge):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case response := <-p.responses:
		return response.answer(challenge)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r Response) answer(challenge model.AuthChallenge) (string, error) {
	if r.Err != nil {
		return "", r.Err
	}
	if challenge.Shape != model.ChoiceChallenge {
		if r.Text == "" {
			return "", errors.Errorf("Challenge %q needs an answer", challenge.ID)
		}
		return r.Text, nil
	}
	if r.Choice < 0 || r.Choice >= len(challenge.Choices) {
		return "", errors.Errorf("Invalid choice #: %d", r.Choice)
	}
	return challenge.Choices[r.Choice], nil
}
