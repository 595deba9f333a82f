// Package request builds DirectConnect request documents. Building never performs I/O.
package request

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/johnstarich/dcsync/consts"
	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/ofx"
	"github.com/johnstarich/dcsync/profile"
	"github.com/johnstarich/dcsync/redactor"
	"github.com/pkg/errors"
)

var (
	trnUIDSpace    = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/johnstarich/dcsync/trnuid"))
	clientUIDSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/johnstarich/dcsync/clientuid"))
)

// accountsNeverUpdated asks for every account in account info requests
var accountsNeverUpdated = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Credentials are the decrypted secrets for one sign on
type Credentials struct {
	Username   string
	Password   redactor.String
	SessionKey redactor.String
}

// DateRange bounds a statement request. A zero End requests everything after Start.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Builder creates request documents. Its client time is fixed, so identical inputs give identical documents.
type Builder struct {
	clientTime time.Time
}

// New returns a Builder stamping every document with clientTime
func New(clientTime time.Time) *Builder {
	return &Builder{clientTime: clientTime.UTC()}
}

// SignOn builds a sign on with a read-only account info request, since many servers reject a bare sign on
func (b *Builder) SignOn(p profile.InstitutionProfile, creds Credentials) (*ofx.Document, error) {
	signon, err := b.signOn(p, creds, "")
	if err != nil {
		return nil, err
	}
	return b.document(p, signon, b.accountInfo("ACCTINFO", p, creds)), nil
}

// StatementRequest builds a statement download for one account
func (b *Builder) StatementRequest(p profile.InstitutionProfile, creds Credentials, account profile.AccountRef, dates DateRange) (*ofx.Document, error) {
	signon, err := b.signOn(p, creds, "")
	if err != nil {
		return nil, err
	}
	if dates.Start.IsZero() {
		return nil, errors.New("Statement start date must be set")
	}
	if !dates.End.IsZero() && dates.End.Before(dates.Start) {
		return nil, errors.Errorf("Statement end date %s is before start date %s", ofx.FormatDay(dates.End), ofx.FormatDay(dates.Start))
	}

	end := ""
	if !dates.End.IsZero() {
		end = ofx.FormatDay(dates.End)
	}
	trnUID := b.trnUID("STMT", p, creds, account.Type, account.ID, ofx.FormatDay(dates.Start), end)
	if p.Dialect.Has(profile.OmitDateEnd) {
		end = ""
	}
	incTran := ofx.Agg("INCTRAN",
		ofx.Leaf("DTSTART", ofx.FormatDay(dates.Start)),
		ofx.OptionalLeaf("DTEND", end),
		ofx.Leaf("INCLUDE", "Y"),
	)

	var message *ofx.Element
	switch account.Type {
	case model.Checking, model.Savings:
		message = ofx.Agg("BANKMSGSRQV1",
			ofx.Agg("STMTTRNRQ",
				ofx.Leaf("TRNUID", trnUID),
				ofx.Agg("STMTRQ",
					ofx.Agg("BANKACCTFROM",
						ofx.Leaf("BANKID", account.Routing[profile.BankID]),
						ofx.OptionalLeaf("BRANCHID", account.Routing[profile.BranchID]),
						ofx.Leaf("ACCTID", account.ID),
						ofx.Leaf("ACCTTYPE", strings.ToUpper(account.Type)),
						ofx.OptionalLeaf("ACCTKEY", account.Routing[profile.AcctKey]),
					),
					incTran,
				),
			),
		)
	case model.Credit:
		message = ofx.Agg("CREDITCARDMSGSRQV1",
			ofx.Agg("CCSTMTTRNRQ",
				ofx.Leaf("TRNUID", trnUID),
				ofx.Agg("CCSTMTRQ",
					ofx.Agg("CCACCTFROM",
						ofx.Leaf("ACCTID", account.ID),
						ofx.OptionalLeaf("ACCTKEY", account.Routing[profile.AcctKey]),
					),
					incTran,
				),
			),
		)
	case model.Investment:
		asOf := dates.End
		if asOf.IsZero() {
			asOf = b.clientTime
		}
		message = ofx.Agg("INVSTMTMSGSRQV1",
			ofx.Agg("INVSTMTTRNRQ",
				ofx.Leaf("TRNUID", trnUID),
				ofx.Agg("INVSTMTRQ",
					ofx.Agg("INVACCTFROM",
						ofx.Leaf("BROKERID", account.Routing[profile.BrokerID]),
						ofx.Leaf("ACCTID", account.ID),
					),
					incTran,
					ofx.Leaf("INCOO", "N"),
					ofx.Agg("INCPOS",
						ofx.Leaf("DTASOF", ofx.FormatDay(asOf)),
						ofx.Leaf("INCLUDE", "Y"),
					),
					ofx.Leaf("INCBAL", "Y"),
				),
			),
		)
	default:
		return nil, errors.Errorf("Unsupported account type for %q: %q", account.ID, account.Type)
	}
	return b.document(p, signon, message), nil
}

// ChallengeResponse builds a sign on answering every challenge.
// Phrase challenges become MFACHALLENGEANSWER aggregates, token challenges an AUTHTOKEN.
func (b *Builder) ChallengeResponse(p profile.InstitutionProfile, creds Credentials, challenges []model.AuthChallenge, answers []model.ChallengeAnswer) (*ofx.Document, error) {
	if len(challenges) == 0 {
		return nil, errors.New("No challenges to answer")
	}

	answerFor := make(map[string]string, len(answers))
	for _, answer := range answers {
		answerFor[answer.Challenge] = answer.Answer.Value()
	}
	var authToken string
	var phraseAnswers []*ofx.Element
	for _, challenge := range challenges {
		answer, ok := answerFor[challenge.ID]
		if !ok || answer == "" {
			return nil, errors.Errorf("Missing answer for challenge %q", challenge.ID)
		}
		if challenge.Shape == model.ChoiceChallenge && !contains(challenge.Choices, answer) {
			return nil, errors.Errorf("Answer for challenge %q must be one of its choices", challenge.ID)
		}
		switch challenge.Kind {
		case model.TokenChallenge:
			authToken = answer
		default:
			phraseAnswers = append(phraseAnswers, ofx.Agg("MFACHALLENGEANSWER",
				ofx.Leaf("MFAPHRASEID", challenge.ID),
				ofx.Leaf("MFAPHRASEA", answer),
			))
		}
	}

	signon, err := b.signOn(p, creds, authToken, phraseAnswers...)
	if err != nil {
		return nil, err
	}
	return b.document(p, signon, b.accountInfo("ACCTINFO-ANSWER", p, creds)), nil
}

// ChallengeRequest builds a sign on that asks the server for its challenges
func (b *Builder) ChallengeRequest(p profile.InstitutionProfile, creds Credentials) (*ofx.Document, error) {
	signon, err := b.signOn(p, creds, "")
	if err != nil {
		return nil, err
	}
	message := ofx.Agg("MFACHALLENGEMSGSRQV1",
		ofx.Agg("MFACHALLENGETRNRQ",
			ofx.Leaf("TRNUID", b.trnUID("MFACHALLENGE", p, creds)),
			ofx.Agg("MFACHALLENGERQ",
				ofx.Leaf("DTCLIENT", ofx.FormatDate(b.clientTime)),
			),
		),
	)
	return b.document(p, signon, message), nil
}

// Marshal serializes doc the way the institution's dialect expects
func Marshal(p profile.InstitutionProfile, doc *ofx.Document) ([]byte, error) {
	opts := ofx.MarshalOptions{
		Indent: "  ",
		CRLF:   p.Dialect.Has(profile.CRLFLineEndings),
	}
	if p.Dialect.Has(profile.NoIndent) {
		opts.Indent = ""
	}
	return doc.Marshal(opts)
}

// ClientUID returns the profile's client UID, or one derived from its URL and username
func ClientUID(p profile.InstitutionProfile, username string) string {
	if p.ClientUID != "" {
		return p.ClientUID
	}
	return uuid.NewSHA1(clientUIDSpace, []byte(p.URL+"\n"+username)).String()
}

func (b *Builder) document(p profile.InstitutionProfile, messages ...*ofx.Element) *ofx.Document {
	header := ofx.Header{
		Format:  ofx.XML,
		Version: p.Version,
	}
	if p.Dialect.Has(profile.UsesSGML) {
		header.Format = ofx.SGML
	}
	return &ofx.Document{
		Header: header,
		Root:   ofx.Agg("OFX", messages...),
	}
}

func (b *Builder) signOn(p profile.InstitutionProfile, creds Credentials, authToken string, answers ...*ofx.Element) (*ofx.Element, error) {
	if creds.Username == "" {
		return nil, errors.New("Username must not be empty")
	}
	if creds.Password.Value() == "" {
		return nil, errors.New("Password must not be empty")
	}
	if p.Org == "" || p.FID == "" {
		return nil, errors.Errorf("Institution %q must have an org and FID", p.ID)
	}

	var appID, appVersion string
	if p.Dialect.Has(profile.RequiresAppID) {
		appID, appVersion = p.AppIdentity()
	} else {
		appID, appVersion = p.AppID, p.AppVersion
	}
	var clientUID string
	if p.Dialect.Has(profile.RequiresClientUID) {
		clientUID = ClientUID(p, creds.Username)
	}
	language := p.Language
	if language == "" {
		language = consts.DefaultLanguage
	}

	sonrq := ofx.Agg("SONRQ",
		ofx.Leaf("DTCLIENT", ofx.FormatDate(b.clientTime)),
		ofx.Leaf("USERID", creds.Username),
		ofx.Leaf("USERPASS", creds.Password.Value()),
		ofx.Leaf("LANGUAGE", language),
		ofx.Agg("FI",
			ofx.Leaf("ORG", p.Org),
			ofx.Leaf("FID", p.FID),
		),
		ofx.OptionalLeaf("APPID", appID),
		ofx.OptionalLeaf("APPVER", appVersion),
		ofx.OptionalLeaf("CLIENTUID", clientUID),
		ofx.OptionalLeaf("AUTHTOKEN", authToken),
		ofx.OptionalLeaf("ACCESSKEY", creds.SessionKey.Value()),
	)
	sonrq.Add(answers...)
	return ofx.Agg("SIGNONMSGSRQV1", sonrq), nil
}

func (b *Builder) accountInfo(kind string, p profile.InstitutionProfile, creds Credentials) *ofx.Element {
	updated := p.AccountsUpdated
	if updated.IsZero() {
		updated = accountsNeverUpdated
	}
	return ofx.Agg("SIGNUPMSGSRQV1",
		ofx.Agg("ACCTINFOTRNRQ",
			ofx.Leaf("TRNUID", b.trnUID(kind, p, creds)),
			ofx.Agg("ACCTINFORQ",
				ofx.Leaf("DTACCTUP", ofx.FormatDate(updated)),
			),
		),
	)
}

// trnUID derives a transaction ID from the request's identifying inputs. Secrets are never part of it.
func (b *Builder) trnUID(kind string, p profile.InstitutionProfile, creds Credentials, parts ...string) string {
	name := append([]string{kind, p.ID, p.URL, creds.Username, ofx.FormatDate(b.clientTime)}, parts...)
	return uuid.NewSHA1(trnUIDSpace, []byte(strings.Join(name, "\n"))).String()
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
