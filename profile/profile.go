package profile

import (
	"net/url"
	"strings"
	"time"

	"github.com/aclindsa/ofxgo"
	"github.com/johnstarich/dcsync/consts"
	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/vault"
)

// Routing element names understood in AccountRef.Routing
const (
	BankID   = "BANKID"
	BranchID = "BRANCHID"
	AcctKey  = "ACCTKEY"
	BrokerID = "BROKERID"
)

// InstitutionProfile is everything needed to talk to one institution's DirectConnect server
type InstitutionProfile struct {
	ID         string
	Name       string `json:",omitempty"`
	URL        string
	Org        string
	FID        string
	Version    string
	Dialect    Dialect
	AppID      string `json:",omitempty"`
	AppVersion string `json:",omitempty"`
	ClientUID  string `json:",omitempty"`
	UserAgent  string `json:",omitempty"`
	Language   string `json:",omitempty"`
	// RequestDelay is the minimum spacing between requests to URL
	RequestDelay time.Duration `json:",omitempty"`
	// MinWindowDays is the smallest statement date range to request
	MinWindowDays   int       `json:",omitempty"`
	AccountsUpdated time.Time `json:",omitempty"`
	Accounts        []AccountRef
	Cursors         map[string]Cursor `json:",omitempty"`
	Credential      CredentialRecord
}

// AccountRef identifies one account at an institution
type AccountRef struct {
	ID          string
	Type        string
	Description string `json:",omitempty"`
	// Routing holds institution-specific routing elements, keyed by OFX element name
	Routing map[string]string `json:",omitempty"`
}

// Cursor records how far an account has been synced
type Cursor struct {
	// Date is the end date of the last delivered statement
	Date              time.Time
	LastTransactionID string    `json:",omitempty"`
	Updated           time.Time `json:",omitempty"`
}

// CredentialRecord holds an institution's credentials. Secrets are vault blobs and never plaintext.
type CredentialRecord struct {
	InstitutionID     string `json:",omitempty"`
	Username          string
	Secret            vault.Blob
	SessionKey        vault.Blob `json:",omitempty"`
	SessionKeyExpires time.Time  `json:",omitempty"`
}

// Clone returns a deep copy of p
func (p InstitutionProfile) Clone() InstitutionProfile {
	clone := p
	clone.Accounts = make([]AccountRef, len(p.Accounts))
	for i, account := range p.Accounts {
		clone.Accounts[i] = account.clone()
	}
	if p.Accounts == nil {
		clone.Accounts = nil
	}
	if p.Cursors != nil {
		clone.Cursors = make(map[string]Cursor, len(p.Cursors))
		for id, cursor := range p.Cursors {
			clone.Cursors[id] = cursor
		}
	}
	clone.Credential.Secret = append(vault.Blob(nil), p.Credential.Secret...)
	clone.Credential.SessionKey = append(vault.Blob(nil), p.Credential.SessionKey...)
	return clone
}

func (a AccountRef) clone() AccountRef {
	if a.Routing != nil {
		routing := make(map[string]string, len(a.Routing))
		for k, v := range a.Routing {
			routing[k] = v
		}
		a.Routing = routing
	}
	return a
}

// Account returns the account with the given ID
func (p InstitutionProfile) Account(id string) (AccountRef, bool) {
	for _, account := range p.Accounts {
		if account.ID == id {
			return account, true
		}
	}
	return AccountRef{}, false
}

// Cursor returns the account's cursor, if it has been synced before
func (p InstitutionProfile) Cursor(accountID string) (Cursor, bool) {
	cursor, ok := p.Cursors[accountID]
	return cursor, ok
}

// AppIdentity returns the application ID and version to send, applying defaults
func (p InstitutionProfile) AppIdentity() (appID, appVersion string) {
	appID, appVersion = p.AppID, p.AppVersion
	if appID == "" {
		appID = consts.DefaultAppID
	}
	if appVersion == "" {
		appVersion = consts.DefaultAppVersion
	}
	return
}

// Validate checks p for every problem it can find
func Validate(p InstitutionProfile) error {
	var errs sErrors.Errors
	errs.ErrIf(strings.TrimSpace(p.ID) == "", "Institution ID must not be empty")
	errs.ErrIf(p.Org == "", "Institution org must not be empty")
	errs.ErrIf(p.FID == "", "Institution FID must not be empty")
	errs.AddErr(validateURL(p.URL))

	if _, err := ofxgo.NewOfxVersion(p.Version); err != nil {
		errs.ErrIf(true, "Invalid OFX version %q: %s", p.Version, err)
	} else {
		sgmlVersion := strings.HasPrefix(p.Version, "1")
		errs.ErrIf(sgmlVersion != p.Dialect.Has(UsesSGML), "OFX version %s does not match dialect %q", p.Version, p.Dialect)
	}
	errs.ErrIf(p.RequestDelay < 0, "Request delay must not be negative")
	errs.ErrIf(p.MinWindowDays < 0, "Minimum window must not be negative")

	errs.ErrIf(p.Credential.Username == "", "Username must not be empty")
	errs.ErrIf(len(p.Credential.Secret) == 0, "Password must be set")

	seen := make(map[string]bool, len(p.Accounts))
	for _, account := range p.Accounts {
		if errs.ErrIf(account.ID == "", "Account ID must not be empty") {
			continue
		}
		errs.ErrIf(seen[account.ID], "Duplicate account ID: %q", account.ID)
		seen[account.ID] = true
		errs.AddErr(validateAccount(account))
	}
	for accountID := range p.Cursors {
		errs.ErrIf(!seen[accountID], "Cursor for unknown account: %q", accountID)
	}
	return errs.ErrOrNil()
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return sErrors.Errors{err}
	}
	var errs sErrors.Errors
	errs.ErrIf(u.Scheme != "https", "Institution URL must use HTTPS: %q", rawURL)
	errs.ErrIf(u.Host == "", "Institution URL must have a host: %q", rawURL)
	return errs.ErrOrNil()
}

func validateAccount(account AccountRef) error {
	var errs sErrors.Errors
	switch account.Type {
	case model.Checking, model.Savings:
		_, err := ofxgo.NewAcctType(strings.ToUpper(account.Type))
		errs.AddErr(err)
		errs.ErrIf(account.Routing[BankID] == "", "Bank account %q must have a routing %s", account.ID, BankID)
	case model.Credit:
	case model.Investment:
		errs.ErrIf(account.Routing[BrokerID] == "", "Investment account %q must have a routing %s", account.ID, BrokerID)
	default:
		errs.ErrIf(true, "Unsupported account type for %q: %q", account.ID, account.Type)
	}
	return errs.ErrOrNil()
}
