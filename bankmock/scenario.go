package bankmock

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// LoadConfig reads a JSON scenario from path
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "Read bank scenario")
	}
	var config Config
	if err := json.Unmarshal(b, &config); err != nil {
		return Config{}, errors.Wrap(err, "Invalid bank scenario")
	}
	return config, nil
}

// Demo returns a bank with a checking and a credit card account, challenging sign ons with a one time code
func Demo(now time.Time) Config {
	day := func(daysAgo int) time.Time {
		return now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -daysAgo).Add(12 * time.Hour)
	}
	return Config{
		Org:      "DEMOBANK",
		FID:      "9999",
		Username: "someone",
		Password: "hunter2",
		Challenges: []Challenge{
			{ID: "MFA1", Label: "Enter the code we sent you", Answer: "123456"},
		},
		SessionKey: "demo-session-key",
		Accounts: []Account{
			{
				ID:             "00001234",
				Type:           "checking",
				Description:    "Everyday Checking",
				BankID:         "121000248",
				OpeningBalance: decimal.RequireFromString("1500.00"),
				Transactions: []Transaction{
					{ID: "C1", Posted: day(20), Amount: decimal.RequireFromString("2000.00"), Type: "DIRECTDEP", Name: "Payroll"},
					{ID: "C2", Posted: day(12), Amount: decimal.RequireFromString("-64.12"), Name: "Grocery Store"},
					{ID: "C3", Posted: day(3), Amount: decimal.RequireFromString("-4.50"), Name: "Coffee & Co", Memo: "Latte"},
				},
			},
			{
				ID:          "4111111111111111",
				Type:        "credit",
				Description: "Rewards Card",
				Transactions: []Transaction{
					{ID: "V1", Posted: day(9), Amount: decimal.RequireFromString("-31.99"), Name: "Bookshop"},
					{ID: "V2", Posted: day(1), Amount: decimal.RequireFromString("31.99"), Type: "PAYMENT", Name: "Payment, thank you"},
				},
			},
		},
	}
}
