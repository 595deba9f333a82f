package response

import (
	"strings"
	"time"

	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/ofx"
	"github.com/johnstarich/dcsync/profile"
)

// AccountList is the result of account discovery
type AccountList struct {
	Accounts []profile.AccountRef
	// Updated is the server's DTACCTUP, to send with the next account info request
	Updated time.Time
}

// ExtractAccounts reads the accounts listed in an account info response.
// Bank accounts other than checking and savings are skipped, they cannot be downloaded as statements here.
func ExtractAccounts(doc *ofx.Document) (AccountList, error) {
	trnrs := doc.Root.Search("ACCTINFOTRNRS")
	if trnrs == nil {
		return AccountList{}, sErrors.New(sErrors.MissingStatementData, "No account info in response")
	}
	status, err := parseStatus(trnrs.Child("STATUS"))
	if err != nil {
		return AccountList{}, err
	}
	if status.Code != codeSuccess {
		return AccountList{}, sErrors.WithCode(sErrors.GeneralError, status.Code, status.Message)
	}

	acctInfoRS := trnrs.Child("ACCTINFORS")
	var list AccountList
	if list.Updated, err = optionalDate(acctInfoRS, "DTACCTUP"); err != nil {
		return AccountList{}, err
	}
	seen := make(map[string]bool)
	for _, info := range acctInfoRS.All("ACCTINFO") {
		account, ok := parseAccountInfo(info)
		if !ok || seen[account.ID] {
			continue
		}
		seen[account.ID] = true
		list.Accounts = append(list.Accounts, account)
	}
	return list, nil
}

func parseAccountInfo(info *ofx.Element) (profile.AccountRef, bool) {
	description := info.Text("DESC")
	if bank := info.Find("BANKACCTINFO", "BANKACCTFROM"); bank != nil {
		accountType := strings.ToLower(bank.Text("ACCTTYPE"))
		if accountType != model.Checking && accountType != model.Savings {
			return profile.AccountRef{}, false
		}
		return profile.AccountRef{
			ID:          bank.Text("ACCTID"),
			Type:        accountType,
			Description: description,
			Routing: routing(
				profile.BankID, bank.Text("BANKID"),
				profile.BranchID, bank.Text("BRANCHID"),
				profile.AcctKey, bank.Text("ACCTKEY"),
			),
		}, bank.Text("ACCTID") != ""
	}
	if cc := info.Find("CCACCTINFO", "CCACCTFROM"); cc != nil {
		return profile.AccountRef{
			ID:          cc.Text("ACCTID"),
			Type:        model.Credit,
			Description: description,
			Routing:     routing(profile.AcctKey, cc.Text("ACCTKEY")),
		}, cc.Text("ACCTID") != ""
	}
	if inv := info.Find("INVACCTINFO", "INVACCTFROM"); inv != nil {
		return profile.AccountRef{
			ID:          inv.Text("ACCTID"),
			Type:        model.Investment,
			Description: description,
			Routing:     routing(profile.BrokerID, inv.Text("BROKERID")),
		}, inv.Text("ACCTID") != ""
	}
	return profile.AccountRef{}, false
}

// routing builds a routing map from key value pairs, skipping empty values
func routing(pairs ...string) map[string]string {
	var m map[string]string
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		if m == nil {
			m = make(map[string]string)
		}
		m[pairs[i]] = pairs[i+1]
	}
	return m
}

// SessionKey is an ACCESSKEY or USERKEY issued at sign on
type SessionKey struct {
	Key     string
	Expires time.Time
}

// ExtractSessionKey returns the session key issued in the sign on response, if any
func ExtractSessionKey(doc *ofx.Document) (SessionKey, bool, error) {
	sonrs := doc.Root.Find("SIGNONMSGSRSV1", "SONRS")
	key := sonrs.Text("ACCESSKEY")
	if key == "" {
		key = sonrs.Text("USERKEY")
	}
	if key == "" {
		return SessionKey{}, false, nil
	}
	expires, err := optionalDate(sonrs, "TSKEYEXPIRE")
	if err != nil {
		return SessionKey{}, false, err
	}
	return SessionKey{Key: key, Expires: expires}, true, nil
}
