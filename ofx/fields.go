package ofx

import (
	"strconv"
	"strings"
	"time"

	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/go/regext"
	"github.com/shopspring/decimal"
)

const (
	// MaxAmountFractionDigits is the most digits allowed after the decimal separator
	MaxAmountFractionDigits = 6
	dateFormat              = "20060102150405.000"
)

var (
	// MaxAmount is the exclusive upper bound of an amount's magnitude
	MaxAmount = decimal.New(1, 15)

	dateRegex = regext.MustCompile(`
		^
		(\d{4}) (\d{2}) (\d{2})          # YYYYMMDD
		(?:
			(\d{2}) (\d{2})              # HHMM
			(?:
				(\d{2})                  # SS
				(?: \. (\d{1,3}) )?      # .XXX
			)?
		)?
		\s*
		(?:
			\[ \s*
			([+-]? \d{1,2} (?: \. \d{1,2})? )?   # offset hours
			(?: : ([A-Za-z]{1,8}) )?             # zone name
			\s* \]
		)?
		$
	`)
	amountRegex = regext.MustCompile(`
		^
		[+-]?
		(?:
			\d+ (?: [.,] \d* )?
			| [.,] \d+
		)
		$
	`)
)

// ParseDate parses an OFX datetime, YYYYMMDD[HHMM[SS[.XXX]]][[offset[:TZ]]].
// Times without an offset are UTC. Impossible dates are rejected rather than normalized.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	match := dateRegex.FindStringSubmatch(s)
	if match == nil {
		return time.Time{}, sErrors.Newf(sErrors.MalformedDocument, "Invalid date: %q", s)
	}
	atoi := func(s string) int {
		if s == "" {
			return 0
		}
		i, _ := strconv.Atoi(s)
		return i
	}
	year, month, day := atoi(match[1]), atoi(match[2]), atoi(match[3])
	hour, minute, second := atoi(match[4]), atoi(match[5]), atoi(match[6])
	millis := 0
	if match[7] != "" {
		millis = atoi((match[7] + "00")[:3])
	}

	switch {
	case month < 1 || month > 12,
		day < 1 || day > daysIn(time.Month(month), year),
		hour > 23, minute > 59, second > 59:
		return time.Time{}, sErrors.Newf(sErrors.MalformedDocument, "Date out of range: %q", s)
	}

	loc := time.UTC
	if match[8] != "" || match[9] != "" {
		offsetHours := 0.0
		if match[8] != "" {
			offsetHours, _ = strconv.ParseFloat(match[8], 64)
		}
		if offsetHours < -12 || offsetHours > 14 {
			return time.Time{}, sErrors.Newf(sErrors.MalformedDocument, "Date offset out of range: %q", s)
		}
		name := match[9]
		if name == "" {
			name = "UTC" + match[8]
		}
		loc = time.FixedZone(name, int(offsetHours*3600))
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, millis*int(time.Millisecond), loc), nil
}

func daysIn(month time.Month, year int) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FormatDate renders t in UTC with millisecond precision
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateFormat) + "[0:GMT]"
}

// FormatDay renders only the date portion of t, for servers that reject times
func FormatDay(t time.Time) string {
	return t.UTC().Format("20060102")
}

// ParseAmount parses a signed decimal amount. Either '.' or ',' may separate the fraction.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if !amountRegex.MatchString(s) {
		return decimal.Zero, sErrors.Newf(sErrors.MalformedDocument, "Invalid amount: %q", s)
	}
	s = strings.Replace(s, ",", ".", 1)
	if i := strings.IndexByte(s, '.'); i != -1 && len(s)-i-1 > MaxAmountFractionDigits {
		return decimal.Zero, sErrors.Newf(sErrors.MalformedDocument, "Amount has too many fractional digits: %q", s)
	}
	if strings.HasSuffix(s, ".") {
		s = strings.TrimSuffix(s, ".")
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, sErrors.Wrap(sErrors.MalformedDocument, err, "Invalid amount")
	}
	if amount.Abs().Cmp(MaxAmount) >= 0 {
		return decimal.Zero, sErrors.Newf(sErrors.MalformedDocument, "Amount out of range: %q", s)
	}
	return amount, nil
}

// ParseInt parses an integer field such as a status code
func ParseInt(s string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, sErrors.Newf(sErrors.MalformedDocument, "Invalid integer: %q", s)
	}
	return i, nil
}
