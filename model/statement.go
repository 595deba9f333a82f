package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account types, as stored in profiles and reported on statements
const (
	Checking   = "checking"
	Savings    = "savings"
	Credit     = "credit"
	Investment = "investment"
)

// Statement is the normalized result of one statement download
type Statement struct {
	InstitutionID string
	AccountID     string
	AccountType   string
	Currency      string
	Start         time.Time
	End           time.Time
	// Transactions are ordered by posted date, ties kept in document order
	Transactions []Transaction
	Balance      Balance
	Available    *Balance `json:",omitempty"`
}

// Transaction is a single posted statement entry
type Transaction struct {
	ID          string
	Posted      time.Time
	UserDate    time.Time `json:",omitempty"`
	Amount      decimal.Decimal
	Type        string
	Payee       string `json:",omitempty"`
	Memo        string `json:",omitempty"`
	CheckNumber string `json:",omitempty"`
}

// Balance is an amount as of a point in time
type Balance struct {
	Amount decimal.Decimal
	AsOf   time.Time
}

// Clone returns a deep copy, so a receiver can keep the statement without sharing memory with the sender
func (s Statement) Clone() Statement {
	clone := s
	clone.Transactions = append([]Transaction(nil), s.Transactions...)
	if s.Available != nil {
		available := *s.Available
		clone.Available = &available
	}
	return clone
}

// LastTransactionID returns the ID of the latest transaction, or an empty string
func (s Statement) LastTransactionID() string {
	if len(s.Transactions) == 0 {
		return ""
	}
	return s.Transactions[len(s.Transactions)-1].ID
}
