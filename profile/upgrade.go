package profile

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/vault"
	"github.com/johnstarich/go/regext"
	"github.com/pkg/errors"
)

// LegacyFormat reads one historical store version and converts it one step closer to the current one
type LegacyFormat interface {
	// Parse decodes one record of this version
	Parse(id string, data json.RawMessage) (interface{}, error)
	// UpgradeAll converts every record at once, returning the next version
	UpgradeAll(data map[string]interface{}) (newVersion string, newData map[string]interface{}, err error)
}

// storeUpgrader feeds plaindb the registered legacy formats
type storeUpgrader struct {
	formats map[string]LegacyFormat
}

func (u *storeUpgrader) Parse(dataVersion, id string, data json.RawMessage) (interface{}, error) {
	if dataVersion == storeVersion {
		var p InstitutionProfile
		err := json.Unmarshal(data, &p)
		return p, err
	}
	format, ok := u.formats[dataVersion]
	if !ok {
		return nil, errors.Errorf("Unknown profile store version: %q", dataVersion)
	}
	return format.Parse(id, data)
}

func (u *storeUpgrader) UpgradeAll(dataVersion string, data map[string]interface{}) (newVersion string, newData map[string]interface{}, err error) {
	format, ok := u.formats[dataVersion]
	if !ok {
		return dataVersion, data, nil
	}
	return format.UpgradeAll(data)
}

func (u *storeUpgrader) Upgrade(dataVersion, id string, data interface{}) (newVersion string, newData interface{}, err error) {
	return "", nil, errors.Errorf("No upgrade available from profile store version %q", dataVersion)
}

// ParseLegacy reads the unversioned format: a bare JSON array of flat account entries
func (u *storeUpgrader) ParseLegacy(legacyData json.RawMessage) (version string, data map[string]json.RawMessage, err error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(legacyData, &entries); err != nil {
		return "", nil, err
	}
	data = make(map[string]json.RawMessage, len(entries))
	for i, entry := range entries {
		data[strconv.Itoa(i)] = entry
	}
	return flatAccountVersion, data, nil
}

const flatAccountVersion = "1"

// flatAccount is one account with a full copy of its site's settings, as stored before profiles existed
type flatAccount struct {
	Site         string
	URL          string
	Org          string
	FID          string
	OFXVersion   string
	AppID        string
	AppVersion   string
	ClientUID    string
	Delay        float64 // seconds
	MinInterval  int
	Username     string
	Password     vault.Blob
	BankID       string
	BrokerID     string
	AccountID    string
	AccountType  string
	LastDownload time.Time
}

// flatAccountFormat regroups flat account records into one profile per site
type flatAccountFormat struct{}

func (flatAccountFormat) Parse(id string, data json.RawMessage) (interface{}, error) {
	var account flatAccount
	err := json.Unmarshal(data, &account)
	if err == nil && account.AccountID == "" {
		err = errors.New("Account ID must not be empty")
	}
	return account, err
}

func (flatAccountFormat) UpgradeAll(data map[string]interface{}) (string, map[string]interface{}, error) {
	profiles := make(map[string]InstitutionProfile)
	var order []string
	for _, id := range sortedKeys(data) {
		account, ok := data[id].(flatAccount)
		if !ok {
			return "", nil, errors.Errorf("Version mismatch with data type %T", data[id])
		}
		profileID := institutionID(account.Site, account.URL)
		p, exists := profiles[profileID]
		if !exists {
			p = profileFromFlat(profileID, account)
			order = append(order, profileID)
		}
		if _, dup := p.Account(account.AccountID); dup {
			return "", nil, errors.Errorf("Duplicate account %q for site %q", account.AccountID, account.Site)
		}
		p.Accounts = append(p.Accounts, accountFromFlat(account))
		if !account.LastDownload.IsZero() {
			p.Cursors[account.AccountID] = Cursor{Date: account.LastDownload.UTC()}
		}
		profiles[profileID] = p
	}

	newData := make(map[string]interface{}, len(profiles))
	for _, id := range order {
		newData[id] = profiles[id]
	}
	return storeVersion, newData, nil
}

func profileFromFlat(id string, account flatAccount) InstitutionProfile {
	name := account.Site
	if name == "" {
		name = id
	}
	return InstitutionProfile{
		ID:            id,
		Name:          name,
		URL:           account.URL,
		Org:           account.Org,
		FID:           account.FID,
		Version:       account.OFXVersion,
		Dialect:       DefaultDialect(account.OFXVersion),
		AppID:         account.AppID,
		AppVersion:    account.AppVersion,
		ClientUID:     account.ClientUID,
		RequestDelay:  time.Duration(account.Delay * float64(time.Second)),
		MinWindowDays: account.MinInterval,
		Cursors:       make(map[string]Cursor),
		Credential: CredentialRecord{
			InstitutionID: id,
			Username:      account.Username,
			Secret:        account.Password,
		},
	}
}

func accountFromFlat(account flatAccount) AccountRef {
	ref := AccountRef{
		ID:   account.AccountID,
		Type: strings.ToLower(account.AccountType),
	}
	switch ref.Type {
	case "creditcard", "creditline":
		ref.Type = model.Credit
	case "invest", "investment":
		ref.Type = model.Investment
	case "":
		ref.Type = model.Checking
	}
	if account.BankID != "" {
		ref.Routing = map[string]string{BankID: account.BankID}
	}
	if account.BrokerID != "" {
		ref.Routing = map[string]string{BrokerID: account.BrokerID}
	}
	return ref
}

var nonIDChars = regext.MustCompile(`[^a-z0-9]+`)

func institutionID(site, rawURL string) string {
	name := site
	if name == "" {
		name = rawURL
	}
	id := strings.Trim(nonIDChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if id == "" {
		return "institution"
	}
	return id
}

func sortedKeys(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	// legacy array indexes sort numerically, so the original order survives
	sort.Slice(keys, func(a, b int) bool {
		ai, aErr := strconv.Atoi(keys[a])
		bi, bErr := strconv.Atoi(keys[b])
		if aErr == nil && bErr == nil {
			return ai < bi
		}
		return keys[a] < keys[b]
	})
	return keys
}
