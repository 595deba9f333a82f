package profile

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Dialect is a set of flags describing how an institution deviates from plain OFX
type Dialect uint16

// Dialect flags
const (
	// RequiresClientUID sends CLIENTUID in every sign on
	RequiresClientUID Dialect = 1 << iota
	// UsesSGML speaks OFX 1.x tag soup instead of XML
	UsesSGML
	// RequiresAppID sends APPID and APPVER, defaulting to a widely accepted client
	RequiresAppID
	// CRLFLineEndings ends request lines with \r\n
	CRLFLineEndings
	// NoIndent sends requests without indentation
	NoIndent
	// OmitDateEnd leaves DTEND out of statement requests
	OmitDateEnd
	// SessionCookies keeps cookies between attempts and resends once when the reply is not OFX
	SessionCookies
	// SkipZeroTransactions drops transactions with a zero amount
	SkipZeroTransactions

	// AllDialect has every flag set
	AllDialect = SkipZeroTransactions<<1 - 1
)

var dialectNames = []struct {
	flag Dialect
	name string
}{
	{RequiresClientUID, "requiresClientUID"},
	{UsesSGML, "usesSGML"},
	{RequiresAppID, "requiresAppID"},
	{CRLFLineEndings, "crlfLineEndings"},
	{NoIndent, "noIndent"},
	{OmitDateEnd, "omitDateEnd"},
	{SessionCookies, "sessionCookies"},
	{SkipZeroTransactions, "skipZeroTransactions"},
}

// Has returns true if every flag in flags is set
func (d Dialect) Has(flags Dialect) bool {
	return d&flags == flags
}

// Names returns the set flags' names in declaration order
func (d Dialect) Names() []string {
	names := []string{}
	for _, entry := range dialectNames {
		if d.Has(entry.flag) {
			names = append(names, entry.name)
		}
	}
	return names
}

func (d Dialect) String() string {
	return strings.Join(d.Names(), ",")
}

// ParseDialect builds a Dialect from flag names. Unknown names are an error, the set is closed.
func ParseDialect(names ...string) (Dialect, error) {
	var d Dialect
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found := false
		for _, entry := range dialectNames {
			if strings.EqualFold(entry.name, name) {
				d |= entry.flag
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("Unknown dialect flag: %q", name)
		}
	}
	return d, nil
}

// MarshalJSON writes the flags as a list of names
func (d Dialect) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Names())
}

// UnmarshalJSON reads a list of flag names
func (d *Dialect) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return errors.Wrap(err, "Dialect must be a list of flag names")
	}
	parsed, err := ParseDialect(names...)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DefaultDialect returns the flags most servers of an OFX version expect
func DefaultDialect(version string) Dialect {
	if strings.HasPrefix(version, "1") {
		d := UsesSGML | RequiresAppID | CRLFLineEndings
		if version > "102" {
			d |= RequiresClientUID
		}
		return d
	}
	return RequiresAppID | RequiresClientUID
}
