package response

import (
	"sort"
	"strings"
	"time"

	"github.com/aclindsa/ofxgo"
	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/ofx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Options tune statement extraction
type Options struct {
	// InstitutionID is copied onto every statement
	InstitutionID string
	// SkipZeroTransactions drops transactions with a zero amount
	SkipZeroTransactions bool
}

var knownTransactionTypes = map[string]bool{
	"CREDIT": true, "DEBIT": true, "INT": true, "DIV": true, "FEE": true,
	"SRVCHG": true, "DEP": true, "ATM": true, "POS": true, "XFER": true,
	"CHECK": true, "PAYMENT": true, "CASH": true, "DIRECTDEP": true,
	"DIRECTDEBIT": true, "REPEATPMT": true, "HOLD": true, "OTHER": true,
}

// statementKind describes one family of statement responses
type statementKind struct {
	transactionResponse string
	statement           string
	accountFrom         string
	transactionList     string
	accountType         func(acctFrom *ofx.Element) string
}

var statementKinds = []statementKind{
	{
		transactionResponse: "STMTTRNRS",
		statement:           "STMTRS",
		accountFrom:         "BANKACCTFROM",
		transactionList:     "BANKTRANLIST",
		accountType: func(acctFrom *ofx.Element) string {
			return strings.ToLower(acctFrom.Text("ACCTTYPE"))
		},
	},
	{
		transactionResponse: "CCSTMTTRNRS",
		statement:           "CCSTMTRS",
		accountFrom:         "CCACCTFROM",
		transactionList:     "BANKTRANLIST",
		accountType:         func(*ofx.Element) string { return model.Credit },
	},
	{
		transactionResponse: "INVSTMTTRNRS",
		statement:           "INVSTMTRS",
		accountFrom:         "INVACCTFROM",
		transactionList:     "INVTRANLIST",
		accountType:         func(*ofx.Element) string { return model.Investment },
	},
}

// ExtractStatement returns the statement for accountID
func ExtractStatement(doc *ofx.Document, accountID string, opts Options) (model.Statement, error) {
	statements, failed, err := extractAll(doc, opts)
	if err != nil {
		return model.Statement{}, err
	}
	for _, statement := range statements {
		if statement.AccountID == accountID {
			return statement, nil
		}
	}
	if failed != nil {
		return model.Statement{}, failed
	}
	return model.Statement{}, sErrors.Newf(sErrors.MissingStatementData, "No statement for account %q", accountID)
}

// ExtractStatements returns every statement in doc. Any failed statement transaction fails the whole extraction.
func ExtractStatements(doc *ofx.Document, opts Options) ([]model.Statement, error) {
	statements, failed, err := extractAll(doc, opts)
	if err != nil {
		return nil, err
	}
	if failed != nil {
		return nil, failed
	}
	if len(statements) == 0 {
		return nil, sErrors.New(sErrors.MissingStatementData, "No statements in response")
	}
	return statements, nil
}

// extractAll parses every statement. The first transaction the server failed is returned in failed.
func extractAll(doc *ofx.Document, opts Options) ([]model.Statement, error, error) {
	var statements []model.Statement
	var failed error
	for _, kind := range statementKinds {
		for _, trnrs := range doc.Root.SearchAll(kind.transactionResponse) {
			status, err := parseStatus(trnrs.Child("STATUS"))
			if err != nil {
				return nil, nil, err
			}
			if status.Code != codeSuccess || trnrs.Child(kind.statement) == nil {
				if failed == nil {
					if status.Code != codeSuccess {
						failed = sErrors.WithCode(sErrors.GeneralError, status.Code, status.Message)
					} else {
						failed = sErrors.Newf(sErrors.MissingStatementData, "Empty %s response", kind.transactionResponse)
					}
				}
				continue
			}
			statement, err := parseStatement(kind, trnrs.Child(kind.statement), opts)
			if err != nil {
				return nil, nil, err
			}
			statements = append(statements, statement)
		}
	}
	return statements, failed, nil
}

func parseStatement(kind statementKind, stmtrs *ofx.Element, opts Options) (model.Statement, error) {
	acctFrom := stmtrs.Child(kind.accountFrom)
	if acctFrom == nil || acctFrom.Text("ACCTID") == "" {
		return model.Statement{}, sErrors.Newf(sErrors.MalformedDocument, "Statement is missing %s", kind.accountFrom)
	}
	currency := strings.ToUpper(stmtrs.Text("CURDEF"))
	if _, err := ofxgo.NewCurrSymbol(currency); err != nil {
		return model.Statement{}, sErrors.Wrap(sErrors.MalformedDocument, err, "Invalid statement currency")
	}

	statement := model.Statement{
		InstitutionID: opts.InstitutionID,
		AccountID:     acctFrom.Text("ACCTID"),
		AccountType:   kind.accountType(acctFrom),
		Currency:      currency,
	}

	var err error
	if kind.statement == "INVSTMTRS" {
		err = parseInvestmentBalance(stmtrs, &statement)
	} else {
		err = parseBankBalance(stmtrs, &statement)
	}
	if err != nil {
		return model.Statement{}, err
	}

	if list := stmtrs.Child(kind.transactionList); list != nil {
		if statement.Start, err = optionalDate(list, "DTSTART"); err != nil {
			return model.Statement{}, err
		}
		if statement.End, err = optionalDate(list, "DTEND"); err != nil {
			return model.Statement{}, err
		}
		if statement.Transactions, err = parseTransactions(list, opts); err != nil {
			return model.Statement{}, errors.Wrapf(err, "Account %q", statement.AccountID)
		}
	}
	if statement.End.IsZero() {
		statement.End = statement.Balance.AsOf
	}
	if statement.End.IsZero() {
		return model.Statement{}, sErrors.Newf(sErrors.MissingStatementData, "Statement for account %q has no end date", statement.AccountID)
	}
	if statement.Start.IsZero() {
		statement.Start = statement.End
	}
	return statement, nil
}

func parseBankBalance(stmtrs *ofx.Element, statement *model.Statement) error {
	if ledger := stmtrs.Child("LEDGERBAL"); ledger != nil {
		balance, err := parseBalance(ledger, "BALAMT", "DTASOF")
		if err != nil {
			return err
		}
		statement.Balance = balance
	}
	if avail := stmtrs.Child("AVAILBAL"); avail != nil {
		balance, err := parseBalance(avail, "BALAMT", "DTASOF")
		if err != nil {
			return err
		}
		statement.Available = &balance
	}
	return nil
}

func parseInvestmentBalance(stmtrs *ofx.Element, statement *model.Statement) error {
	asOf, err := optionalDate(stmtrs, "DTASOF")
	if err != nil {
		return err
	}
	invBal := stmtrs.Child("INVBAL")
	if invBal == nil {
		statement.Balance.AsOf = asOf
		return nil
	}
	cash, err := ofx.ParseAmount(invBal.Text("AVAILCASH"))
	if err != nil {
		return err
	}
	statement.Balance = model.Balance{Amount: cash, AsOf: asOf}
	return nil
}

func parseBalance(el *ofx.Element, amountField, dateField string) (model.Balance, error) {
	amount, err := ofx.ParseAmount(el.Text(amountField))
	if err != nil {
		return model.Balance{}, err
	}
	asOf, err := optionalDate(el, dateField)
	return model.Balance{Amount: amount, AsOf: asOf}, err
}

func parseTransactions(list *ofx.Element, opts Options) ([]model.Transaction, error) {
	var txns []model.Transaction
	for _, el := range list.Children {
		var txn model.Transaction
		var err error
		switch el.Name {
		case "DTSTART", "DTEND":
			continue
		case "STMTTRN":
			txn, err = parseBankTransaction(el)
		case "INVBANKTRAN":
			txn, err = parseBankTransaction(el.Child("STMTTRN"))
		default:
			txn, err = parseInvestmentTransaction(el)
		}
		if err != nil {
			return nil, err
		}
		if opts.SkipZeroTransactions && txn.Amount.IsZero() {
			continue
		}
		txns = append(txns, txn)
	}
	sort.SliceStable(txns, func(a, b int) bool {
		return txns[a].Posted.Before(txns[b].Posted)
	})
	return txns, nil
}

func parseBankTransaction(el *ofx.Element) (model.Transaction, error) {
	if el == nil {
		return model.Transaction{}, sErrors.New(sErrors.MalformedDocument, "Missing STMTTRN")
	}
	id := el.Text("FITID")
	if id == "" {
		return model.Transaction{}, sErrors.New(sErrors.MalformedDocument, "Transaction is missing FITID")
	}
	posted, err := ofx.ParseDate(el.Text("DTPOSTED"))
	if err != nil {
		return model.Transaction{}, errors.Wrapf(err, "Transaction %q", id)
	}
	userDate, err := optionalDate(el, "DTUSER")
	if err != nil {
		return model.Transaction{}, errors.Wrapf(err, "Transaction %q", id)
	}
	amount, err := ofx.ParseAmount(el.Text("TRNAMT"))
	if err != nil {
		return model.Transaction{}, errors.Wrapf(err, "Transaction %q", id)
	}

	txnType := strings.ToUpper(el.Text("TRNTYPE"))
	if !knownTransactionTypes[txnType] {
		txnType = "OTHER"
	}
	payee := el.Text("NAME")
	if payee == "" {
		payee = el.Text("PAYEE", "NAME")
	}
	return model.Transaction{
		ID:          id,
		Posted:      posted,
		UserDate:    userDate,
		Amount:      amount,
		Type:        txnType,
		Payee:       payee,
		Memo:        el.Text("MEMO"),
		CheckNumber: el.Text("CHECKNUM"),
	}, nil
}

// parseInvestmentTransaction reads the cash side of a trade, income or transfer
func parseInvestmentTransaction(el *ofx.Element) (model.Transaction, error) {
	invTran := el.Search("INVTRAN")
	if invTran == nil {
		return model.Transaction{}, sErrors.Newf(sErrors.MalformedDocument, "Investment transaction %s is missing INVTRAN", el.Name)
	}
	id := invTran.Text("FITID")
	if id == "" {
		return model.Transaction{}, sErrors.New(sErrors.MalformedDocument, "Transaction is missing FITID")
	}
	posted, err := ofx.ParseDate(invTran.Text("DTTRADE"))
	if err != nil {
		return model.Transaction{}, errors.Wrapf(err, "Transaction %q", id)
	}
	amount := decimal.Zero
	if total := el.Search("TOTAL"); total != nil {
		amount, err = ofx.ParseAmount(total.Value)
		if err != nil {
			return model.Transaction{}, errors.Wrapf(err, "Transaction %q", id)
		}
	}
	settled, err := optionalDate(invTran, "DTSETTLE")
	if err != nil {
		return model.Transaction{}, errors.Wrapf(err, "Transaction %q", id)
	}
	return model.Transaction{
		ID:       id,
		Posted:   posted,
		UserDate: settled,
		Amount:   amount,
		Type:     el.Name,
		Memo:     invTran.Text("MEMO"),
	}, nil
}

func optionalDate(el *ofx.Element, name string) (time.Time, error) {
	value := el.Text(name)
	if value == "" {
		return time.Time{}, nil
	}
	return ofx.ParseDate(value)
}
