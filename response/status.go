// Package response interprets DirectConnect response documents
package response

import (
	"strings"

	"github.com/aclindsa/ofxgo"
	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/ofx"
)

// Status codes with special meaning during sign on
const (
	codeSuccess           = 0
	codeMFARequired       = 3000
	codeMFAInvalid        = 3001
	codeSignonInvalid     = 15500
	codeAccountLocked     = 15502
	codeMustChangeUserID  = 15511
	codeAuthTokenRequired = 15512
)

// tokenChallengeID identifies the synthetic challenge asking for an AUTHTOKEN
const tokenChallengeID = "AUTHTOKEN"

// Parse reads a response document
func Parse(raw []byte, mode ofx.Mode) (*ofx.Document, error) {
	return ofx.ParseBytes(raw, mode)
}

// ExtractStatus interprets the sign on status
func ExtractStatus(doc *ofx.Document) (model.Status, error) {
	sonrs := doc.Root.Find("SIGNONMSGSRSV1", "SONRS")
	if sonrs == nil {
		return model.Status{}, sErrors.New(sErrors.MalformedDocument, "Missing sign on response")
	}
	status, err := parseStatus(sonrs.Child("STATUS"))
	if err != nil {
		return model.Status{}, err
	}

	switch status.Code {
	case codeSuccess:
		status.Kind = model.Success
	case codeSignonInvalid, codeAccountLocked, codeMFAInvalid, codeMustChangeUserID:
		status.Kind = model.AuthFailed
	case codeMFARequired:
		status.Kind = model.MFAChallenge
		status.Challenges, err = ExtractChallenges(doc)
		if err != nil {
			return model.Status{}, err
		}
	case codeAuthTokenRequired:
		status.Kind = model.MFAChallenge
		prompt := status.Message
		if prompt == "" {
			prompt = "Authentication token"
		}
		status.Challenges = []model.AuthChallenge{{
			ID:     tokenChallengeID,
			Prompt: prompt,
			Shape:  model.TextChallenge,
			Kind:   model.TokenChallenge,
		}}
	default:
		status.Kind = model.GeneralError
	}
	return status, nil
}

// StatusError converts an unsuccessful status into a classified error
func StatusError(status model.Status) error {
	switch status.Kind {
	case model.Success:
		return nil
	case model.AuthFailed:
		return sErrors.WithCode(sErrors.AuthFailed, status.Code, status.Message)
	case model.MFAChallenge:
		return sErrors.WithCode(sErrors.MFAChallenge, status.Code, status.Message)
	default:
		return sErrors.WithCode(sErrors.GeneralError, status.Code, status.Message)
	}
}

func parseStatus(el *ofx.Element) (model.Status, error) {
	if el == nil {
		return model.Status{}, sErrors.New(sErrors.MalformedDocument, "Missing status")
	}
	code, err := ofx.ParseInt(el.Text("CODE"))
	if err != nil {
		return model.Status{}, sErrors.Wrap(sErrors.MalformedDocument, err, "Invalid status code")
	}
	status := model.Status{
		Code:     code,
		Severity: strings.ToUpper(el.Text("SEVERITY")),
		Message:  el.Text("MESSAGE"),
	}
	if status.Message == "" && code != codeSuccess {
		status.Message = codeMeaning(code)
	}
	return status, nil
}

func codeMeaning(code int) string {
	status := ofxgo.Status{Code: ofxgo.Int(code)}
	meaning, err := status.CodeMeaning()
	if err != nil {
		return "Unknown status code"
	}
	return meaning
}
