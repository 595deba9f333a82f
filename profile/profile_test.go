package profile

import (
	"testing"
	"time"

	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfile() InstitutionProfile {
	return InstitutionProfile{
		ID:      "bank",
		Name:    "Some Bank",
		URL:     "https://ofx.example.com/ofx",
		Org:     "SOMEBANK",
		FID:     "1234",
		Version: "102",
		Dialect: DefaultDialect("102"),
		Accounts: []AccountRef{
			{ID: "00001234", Type: model.Checking, Routing: map[string]string{BankID: "121000248"}},
			{ID: "4111", Type: model.Credit},
		},
		Credential: CredentialRecord{
			Username: "someone",
			Secret:   vault.Blob("sealed password"),
		},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(testProfile()))

	for _, tc := range []struct {
		description string
		modify      func(p *InstitutionProfile)
		expectErrs  []string
	}{
		{
			description: "plain http",
			modify:      func(p *InstitutionProfile) { p.URL = "http://ofx.example.com" },
			expectErrs:  []string{`Institution URL must use HTTPS: "http://ofx.example.com"`},
		},
		{
			description: "missing identity",
			modify: func(p *InstitutionProfile) {
				p.ID = " "
				p.Org = ""
				p.FID = ""
			},
			expectErrs: []string{
				"Institution ID must not be empty",
				"Institution org must not be empty",
				"Institution FID must not be empty",
			},
		},
		{
			description: "dialect disagrees with version",
			modify:      func(p *InstitutionProfile) { p.Version = "220" },
			expectErrs:  []string{`OFX version 220 does not match dialect "usesSGML,requiresAppID,crlfLineEndings"`},
		},
		{
			description: "duplicate account and dangling cursor",
			modify: func(p *InstitutionProfile) {
				p.Accounts = append(p.Accounts, p.Accounts[1])
				p.Cursors = map[string]Cursor{"gone": {Date: time.Now()}}
			},
			expectErrs: []string{
				`Duplicate account ID: "4111"`,
				`Cursor for unknown account: "gone"`,
			},
		},
		{
			description: "bank account without routing",
			modify: func(p *InstitutionProfile) {
				p.Accounts[0].Routing = nil
			},
			expectErrs: []string{`Bank account "00001234" must have a routing BANKID`},
		},
		{
			description: "unsupported account type",
			modify: func(p *InstitutionProfile) {
				p.Accounts[1].Type = "moneymarket"
			},
			expectErrs: []string{`Unsupported account type for "4111": "moneymarket"`},
		},
		{
			description: "missing credentials",
			modify: func(p *InstitutionProfile) {
				p.Credential = CredentialRecord{}
			},
			expectErrs: []string{"Username must not be empty", "Password must be set"},
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			p := testProfile()
			tc.modify(&p)
			err := Validate(p)
			require.Error(t, err)
			for _, expect := range tc.expectErrs {
				assert.Contains(t, err.Error(), expect)
			}
		})
	}
}

func TestClone(t *testing.T) {
	p := testProfile()
	p.Cursors = map[string]Cursor{"4111": {LastTransactionID: "T1"}}
	clone := p.Clone()
	assert.Equal(t, p, clone)

	clone.Accounts[0].Routing[BankID] = "changed"
	clone.Cursors["4111"] = Cursor{LastTransactionID: "T2"}
	clone.Credential.Secret[0] = 'X'
	assert.Equal(t, "121000248", p.Accounts[0].Routing[BankID])
	assert.Equal(t, "T1", p.Cursors["4111"].LastTransactionID)
	assert.Equal(t, vault.Blob("sealed password"), p.Credential.Secret)
}

func TestAppIdentity(t *testing.T) {
	p := testProfile()
	appID, appVersion := p.AppIdentity()
	assert.Equal(t, "QWIN", appID)
	assert.Equal(t, "2700", appVersion)

	p.AppID, p.AppVersion = "Money", "1700"
	appID, appVersion = p.AppIdentity()
	assert.Equal(t, "Money", appID)
	assert.Equal(t, "1700", appVersion)
}
