package request

import (
	"bytes"
	"testing"
	"time"

	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/ofx"
	"github.com/johnstarich/dcsync/profile"
	"github.com/johnstarich/dcsync/redactor"
	"github.com/johnstarich/dcsync/vault"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clientTime = time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)

var testCreds = Credentials{
	Username: "someone",
	Password: redactor.String("hunter2"),
}

var januaryFirstWeek = DateRange{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
}

func sgmlProfile() profile.InstitutionProfile {
	return profile.InstitutionProfile{
		ID:      "bank",
		URL:     "https://ofx.example.com/ofx",
		Org:     "SOMEBANK",
		FID:     "1234",
		Version: "102",
		Dialect: profile.UsesSGML | profile.RequiresAppID,
		Accounts: []profile.AccountRef{
			{ID: "00001234", Type: model.Checking, Routing: map[string]string{profile.BankID: "121000248"}},
			{ID: "4111", Type: model.Credit},
		},
		Credential: profile.CredentialRecord{Username: "someone", Secret: vault.Blob("sealed")},
	}
}

func xmlProfile() profile.InstitutionProfile {
	return profile.InstitutionProfile{
		ID:      "broker",
		URL:     "https://ofx.example.com/ofx",
		Org:     "SOMEBANK",
		FID:     "1234",
		Version: "220",
		Dialect: profile.RequiresAppID | profile.RequiresClientUID,
		Accounts: []profile.AccountRef{
			{ID: "INV1", Type: model.Investment, Routing: map[string]string{profile.BrokerID: "broker.example.com"}},
		},
		Credential: profile.CredentialRecord{Username: "someone", Secret: vault.Blob("sealed")},
	}
}

func marshal(t *testing.T, p profile.InstitutionProfile, doc *ofx.Document, err error) []byte {
	t.Helper()
	require.NoError(t, err)
	b, err := Marshal(p, doc)
	require.NoError(t, err)
	return b
}

func TestGoldenRequests(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	b := New(clientTime)
	sgml, xml := sgmlProfile(), xmlProfile()

	t.Run("sign on", func(t *testing.T) {
		doc, err := b.SignOn(sgml, testCreds)
		g.Assert(t, "signon_sgml", marshal(t, sgml, doc, err))
	})

	t.Run("bank statement", func(t *testing.T) {
		doc, err := b.StatementRequest(sgml, testCreds, sgml.Accounts[0], januaryFirstWeek)
		g.Assert(t, "statement_bank_sgml", marshal(t, sgml, doc, err))
	})

	t.Run("investment statement", func(t *testing.T) {
		doc, err := b.StatementRequest(xml, testCreds, xml.Accounts[0], DateRange{Start: januaryFirstWeek.Start})
		g.Assert(t, "statement_investment_xml", marshal(t, xml, doc, err))
	})

	t.Run("challenge response", func(t *testing.T) {
		creds := testCreds
		creds.SessionKey = redactor.String("key-1")
		challenges := []model.AuthChallenge{
			{ID: "MFA13", Prompt: "Enter the code we sent you", Shape: model.TextChallenge, Kind: model.PhraseChallenge},
			{ID: "MFA107", Prompt: "Employer?", Shape: model.ChoiceChallenge, Kind: model.PhraseChallenge, Choices: []string{"Acme", "Smith & Sons"}},
		}
		answers := []model.ChallengeAnswer{
			{Challenge: "MFA107", Answer: "Smith & Sons"},
			{Challenge: "MFA13", Answer: "123456"},
		}
		doc, err := b.ChallengeResponse(xml, creds, challenges, answers)
		g.Assert(t, "challenge_response_xml", marshal(t, xml, doc, err))
	})

	t.Run("challenge request", func(t *testing.T) {
		doc, err := b.ChallengeRequest(sgml, testCreds)
		g.Assert(t, "challenge_request_sgml", marshal(t, sgml, doc, err))
	})
}

func TestStatementRequestIsDeterministic(t *testing.T) {
	p := sgmlProfile()
	build := func() []byte {
		doc, err := New(clientTime).StatementRequest(p, testCreds, p.Accounts[0], januaryFirstWeek)
		return marshal(t, p, doc, err)
	}
	first := build()
	assert.Equal(t, first, build())

	later := New(clientTime.Add(time.Second))
	doc, err := later.StatementRequest(p, testCreds, p.Accounts[0], januaryFirstWeek)
	assert.NotEqual(t, first, marshal(t, p, doc, err), "A new session must get new transaction IDs")
}

func TestStatementRequestAccountTypes(t *testing.T) {
	p := sgmlProfile()
	b := New(clientTime)
	for _, tc := range []struct {
		description string
		account     profile.AccountRef
		expectPath  []string
		expectErr   string
	}{
		{
			description: "savings with branch and key",
			account: profile.AccountRef{ID: "9", Type: model.Savings, Routing: map[string]string{
				profile.BankID:   "121000248",
				profile.BranchID: "77",
				profile.AcctKey:  "K",
			}},
			expectPath: []string{"BANKMSGSRQV1", "STMTTRNRQ", "STMTRQ", "BANKACCTFROM", "BRANCHID"},
		},
		{
			description: "credit card",
			account:     p.Accounts[1],
			expectPath:  []string{"CREDITCARDMSGSRQV1", "CCSTMTTRNRQ", "CCSTMTRQ", "CCACCTFROM", "ACCTID"},
		},
		{
			description: "unknown type",
			account:     profile.AccountRef{ID: "1", Type: "moneymarket"},
			expectErr:   `Unsupported account type for "1": "moneymarket"`,
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			doc, err := b.StatementRequest(p, testCreds, tc.account, januaryFirstWeek)
			if tc.expectErr != "" {
				assert.EqualError(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, doc.Root.Find(tc.expectPath...))
		})
	}
}

func TestDialectFlags(t *testing.T) {
	b := New(clientTime)

	t.Run("omit date end", func(t *testing.T) {
		p := sgmlProfile()
		p.Dialect |= profile.OmitDateEnd
		doc, err := b.StatementRequest(p, testCreds, p.Accounts[0], januaryFirstWeek)
		require.NoError(t, err)
		incTran := doc.Root.Find("BANKMSGSRQV1", "STMTTRNRQ", "STMTRQ", "INCTRAN")
		require.NotNil(t, incTran)
		assert.Nil(t, incTran.Child("DTEND"))
		assert.Equal(t, "20240101", incTran.Text("DTSTART"))
	})

	t.Run("no indent with crlf", func(t *testing.T) {
		p := sgmlProfile()
		p.Dialect |= profile.NoIndent | profile.CRLFLineEndings
		doc, err := b.SignOn(p, testCreds)
		out := marshal(t, p, doc, err)
		assert.Contains(t, string(out), "NEWFILEUID:NONE\r\n\r\n<OFX>\r\n<SIGNONMSGSRQV1>\r\n<SONRQ>\r\n")
		assert.False(t, bytes.Contains(bytes.ReplaceAll(out, []byte("\r\n"), nil), []byte("\n")), "Every line must end in CRLF")
	})

	t.Run("app ID only when required or set", func(t *testing.T) {
		p := sgmlProfile()
		p.Dialect &^= profile.RequiresAppID
		doc, err := b.SignOn(p, testCreds)
		require.NoError(t, err)
		sonrq := doc.Root.Find("SIGNONMSGSRQV1", "SONRQ")
		assert.Nil(t, sonrq.Child("APPID"))

		p.AppID, p.AppVersion = "Money", "1700"
		doc, err = b.SignOn(p, testCreds)
		require.NoError(t, err)
		sonrq = doc.Root.Find("SIGNONMSGSRQV1", "SONRQ")
		assert.Equal(t, "Money", sonrq.Text("APPID"))
		assert.Equal(t, "1700", sonrq.Text("APPVER"))
	})

	t.Run("explicit client UID", func(t *testing.T) {
		p := xmlProfile()
		p.ClientUID = "my-client"
		doc, err := b.SignOn(p, testCreds)
		require.NoError(t, err)
		assert.Equal(t, "my-client", doc.Root.Text("SIGNONMSGSRQV1", "SONRQ", "CLIENTUID"))
	})
}

func TestClientUIDIsStable(t *testing.T) {
	p := xmlProfile()
	assert.Equal(t, ClientUID(p, "someone"), ClientUID(p, "someone"))
	assert.NotEqual(t, ClientUID(p, "someone"), ClientUID(p, "someone else"))
}

func TestRequestErrors(t *testing.T) {
	p := sgmlProfile()
	b := New(clientTime)
	for _, tc := range []struct {
		description string
		build       func() (*ofx.Document, error)
		expectErr   string
	}{
		{
			description: "no username",
			build: func() (*ofx.Document, error) {
				return b.SignOn(p, Credentials{Password: "x"})
			},
			expectErr: "Username must not be empty",
		},
		{
			description: "no password",
			build: func() (*ofx.Document, error) {
				return b.SignOn(p, Credentials{Username: "x"})
			},
			expectErr: "Password must not be empty",
		},
		{
			description: "no start date",
			build: func() (*ofx.Document, error) {
				return b.StatementRequest(p, testCreds, p.Accounts[0], DateRange{})
			},
			expectErr: "Statement start date must be set",
		},
		{
			description: "backwards dates",
			build: func() (*ofx.Document, error) {
				return b.StatementRequest(p, testCreds, p.Accounts[0], DateRange{Start: januaryFirstWeek.End, End: januaryFirstWeek.Start})
			},
			expectErr: "Statement end date 20240101 is before start date 20240105",
		},
		{
			description: "missing answer",
			build: func() (*ofx.Document, error) {
				return b.ChallengeResponse(p, testCreds, []model.AuthChallenge{{ID: "MFA1"}}, nil)
			},
			expectErr: `Missing answer for challenge "MFA1"`,
		},
		{
			description: "answer outside choices",
			build: func() (*ofx.Document, error) {
				challenges := []model.AuthChallenge{{ID: "MFA1", Shape: model.ChoiceChallenge, Choices: []string{"a", "b"}}}
				return b.ChallengeResponse(p, testCreds, challenges, []model.ChallengeAnswer{{Challenge: "MFA1", Answer: "c"}})
			},
			expectErr: `Answer for challenge "MFA1" must be one of its choices`,
		},
		{
			description: "nothing to answer",
			build: func() (*ofx.Document, error) {
				return b.ChallengeResponse(p, testCreds, nil, nil)
			},
			expectErr: "No challenges to answer",
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			_, err := tc.build()
			assert.EqualError(t, err, tc.expectErr)
		})
	}
}

func TestTokenChallenge(t *testing.T) {
	p := sgmlProfile()
	challenges := []model.AuthChallenge{{ID: "AUTHTOKEN", Kind: model.TokenChallenge, Shape: model.TextChallenge}}
	doc, err := New(clientTime).ChallengeResponse(p, testCreds, challenges, []model.ChallengeAnswer{{Challenge: "AUTHTOKEN", Answer: "tok"}})
	require.NoError(t, err)
	sonrq := doc.Root.Find("SIGNONMSGSRQV1", "SONRQ")
	assert.Equal(t, "tok", sonrq.Text("AUTHTOKEN"))
	assert.Nil(t, sonrq.Child("MFACHALLENGEANSWER"))
}

func TestSignOnRoundTrip(t *testing.T) {
	p := sgmlProfile()
	doc, err := New(clientTime).SignOn(p, testCreds)
	out := marshal(t, p, doc, err)
	parsed, err := ofx.ParseBytes(out, ofx.ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, doc.Root, parsed.Root)
}
