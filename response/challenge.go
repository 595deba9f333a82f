package response

import (
	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/ofx"
)

// ExtractChallenges returns every MFA challenge in doc, in document order
func ExtractChallenges(doc *ofx.Document) ([]model.AuthChallenge, error) {
	var challenges []model.AuthChallenge
	for _, el := range doc.Root.SearchAll("MFACHALLENGE") {
		id := el.Text("MFAPHRASEID")
		if id == "" {
			return nil, sErrors.New(sErrors.MalformedDocument, "Challenge is missing its phrase ID")
		}
		challenge := model.AuthChallenge{
			ID:     id,
			Prompt: el.Text("MFAPHRASELABEL"),
			Shape:  model.TextChallenge,
			Kind:   model.PhraseChallenge,
		}
		if challenge.Prompt == "" {
			challenge.Prompt = id
		}
		for _, choice := range el.All("MFAPHRASECHOICE") {
			challenge.Choices = append(challenge.Choices, choice.Value)
		}
		if len(challenge.Choices) > 0 {
			challenge.Shape = model.ChoiceChallenge
		}
		challenges = append(challenges, challenge)
	}
	return challenges, nil
}
