// Package bankmock serves a scripted DirectConnect bank for tests and manual runs
package bankmock

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/johnstarich/dcsync/ofx"
	"github.com/shopspring/decimal"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Sign on status codes the bank answers with
const (
	codeSuccess           = 0
	codeGeneralError      = 2000
	codeAccountNotFound   = 2003
	codeMFARequired       = 3000
	codeMFAInvalid        = 3001
	codeSignonInvalid     = 15500
	codeAuthTokenRequired = 15512
)

const cookieName = "bankmock-session"

// Transaction is one posted transaction
type Transaction struct {
	ID     string
	Posted time.Time
	Amount decimal.Decimal
	// Type is a TRNTYPE, DEBIT or CREDIT by the sign of Amount if empty
	Type string
	Name string
	Memo string
}

// Account is one account held at the bank
type Account struct {
	ID string
	// Type is checking, savings, credit or investment
	Type           string
	Description    string
	BankID         string
	BrokerID       string
	Currency       string
	OpeningBalance decimal.Decimal
	Transactions   []Transaction
}

// Challenge is an MFA phrase the bank asks for
type Challenge struct {
	ID      string
	Label   string
	Answer  string
	Choices []string
}

// Config scripts the bank's behavior
type Config struct {
	Org      string
	FID      string
	Username string
	Password string
	Accounts []Account
	// Challenges are required at every sign on that doesn't present the session key
	Challenges []Challenge
	// AuthToken is required at sign on, when set
	AuthToken string
	// SessionKey is issued after a successful sign on, and accepted in place of challenges
	SessionKey    string
	SessionKeyTTL time.Duration
	// RequireCookie answers requests without a session cookie with an HTML page
	RequireCookie bool
	Now           func() time.Time `json:"-"`
}

// Fault replaces the bank's next answer
type Fault struct {
	// Drop closes the connection without answering
	Drop bool
	// Status answers with this HTTP status
	Status int
	// Body answers with this body, with status 200
	Body string
	// Delay holds the answer back
	Delay time.Duration
}

// Bank is a scripted DirectConnect server. It implements http.Handler.
type Bank struct {
	config Config
	logger *zap.Logger
	engine *gin.Engine

	mu       sync.Mutex
	faults   []Fault
	received [][]byte
	requests *atomic.Int64
}

// New returns a Bank answering POSTs on any path
func New(config Config, logger *zap.Logger) *Bank {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.SessionKeyTTL == 0 {
		config.SessionKeyTTL = 24 * time.Hour
	}
	b := &Bank{
		config:   config,
		logger:   logger,
		requests: atomic.NewInt64(0),
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(logger, time.RFC3339, true),
		ginzap.RecoveryWithZap(logger, true),
	)
	engine.NoRoute(b.handle)
	b.engine = engine
	return b
}

func (b *Bank) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.engine.ServeHTTP(w, r)
}

// Inject queues faults to answer the next requests with, in order
func (b *Bank) Inject(faults ...Fault) {
	b.mu.Lock()
	b.faults = append(b.faults, faults...)
	b.mu.Unlock()
}

// Requests returns the number of requests received
func (b *Bank) Requests() int64 {
	return b.requests.Load()
}

// Received returns a copy of every request body received
func (b *Bank) Received() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	received := make([][]byte, len(b.received))
	copy(received, b.received)
	return received
}

func (b *Bank) nextFault() (Fault, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.faults) == 0 {
		return Fault{}, false
	}
	fault := b.faults[0]
	b.faults = b.faults[1:]
	return fault, true
}

func (b *Bank) handle(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.Status(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	b.requests.Inc()
	b.mu.Lock()
	b.received = append(b.received, body)
	b.mu.Unlock()

	if fault, ok := b.nextFault(); ok && b.applyFault(c, fault) {
		return
	}
	if b.config.RequireCookie {
		if _, err := c.Cookie(cookieName); err != nil {
			c.SetCookie(cookieName, "1", 3600, "/", "", true, true)
			c.Data(http.StatusOK, "text/html", []byte("<html><body>Establishing session</body></html>"))
			return
		}
	}

	req, err := ofx.ParseBytes(body, ofx.ModeAuto)
	if err != nil {
		b.logger.Warn("Unreadable request", zap.Error(err))
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	resp, err := b.respond(req).Marshal(ofx.MarshalOptions{Indent: "  "})
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/x-ofx", resp)
}

// applyFault answers with fault. Returns false if the request should still be answered normally.
func (b *Bank) applyFault(c *gin.Context, fault Fault) bool {
	if fault.Delay > 0 {
		timer := time.NewTimer(fault.Delay)
		select {
		case <-c.Request.Context().Done():
			timer.Stop()
			return true
		case <-timer.C:
		}
	}
	switch {
	case fault.Drop:
		conn, _, err := c.Writer.Hijack()
		if err == nil {
			conn.Close()
		}
		c.Abort()
	case fault.Status != 0:
		c.Status(fault.Status)
	case fault.Body != "":
		c.Data(http.StatusOK, "text/html", []byte(fault.Body))
	default:
		return false
	}
	return true
}

func (b *Bank) respond(req *ofx.Document) *ofx.Document {
	now := b.config.Now().UTC()
	resp := &ofx.Document{
		Header: ofx.Header{Format: req.Header.Format, Version: req.Header.Version},
		Root:   ofx.Agg("OFX"),
	}

	sonrq := req.Root.Find("SIGNONMSGSRQV1", "SONRQ")
	if sonrq == nil {
		resp.Root.Add(signOnResponse(now, codeGeneralError, "Missing sign on"))
		return resp
	}
	code, message := b.authenticate(sonrq)
	sonrs := signOnResponse(now, code, message)
	sonrs.Add(ofx.Leaf("LANGUAGE", "ENG"), ofx.Agg("FI", ofx.Leaf("ORG", b.config.Org), ofx.Leaf("FID", b.config.FID)))
	if code == codeSuccess && b.config.SessionKey != "" {
		sonrs.Add(
			ofx.Leaf("ACCESSKEY", b.config.SessionKey),
			ofx.Leaf("TSKEYEXPIRE", ofx.FormatDate(now.Add(b.config.SessionKeyTTL))),
		)
	}
	resp.Root.Add(ofx.Agg("SIGNONMSGSRSV1", sonrs))

	if trnrq := req.Root.Find("MFACHALLENGEMSGSRQV1", "MFACHALLENGETRNRQ"); trnrq != nil {
		resp.Root.Add(b.challengeResponse(trnrq))
	}
	if code != codeSuccess {
		return resp
	}

	if trnrq := req.Root.Find("SIGNUPMSGSRQV1", "ACCTINFOTRNRQ"); trnrq != nil {
		resp.Root.Add(ofx.Agg("SIGNUPMSGSRSV1", b.accountInfo(trnrq, now)))
	}
	if trnrq := req.Root.Find("BANKMSGSRQV1", "STMTTRNRQ"); trnrq != nil {
		resp.Root.Add(ofx.Agg("BANKMSGSRSV1", b.statement(trnrq, "STMTRQ", "BANKACCTFROM", now)))
	}
	if trnrq := req.Root.Find("CREDITCARDMSGSRQV1", "CCSTMTTRNRQ"); trnrq != nil {
		resp.Root.Add(ofx.Agg("CREDITCARDMSGSRSV1", b.statement(trnrq, "CCSTMTRQ", "CCACCTFROM", now)))
	}
	if trnrq := req.Root.Find("INVSTMTMSGSRQV1", "INVSTMTTRNRQ"); trnrq != nil {
		resp.Root.Add(ofx.Agg("INVSTMTMSGSRSV1", b.statement(trnrq, "INVSTMTRQ", "INVACCTFROM", now)))
	}
	return resp
}

func (b *Bank) authenticate(sonrq *ofx.Element) (int, string) {
	if sonrq.Text("USERID") != b.config.Username || sonrq.Text("USERPASS") != b.config.Password {
		return codeSignonInvalid, "Invalid user ID or password"
	}
	if b.config.SessionKey != "" && sonrq.Text("ACCESSKEY") == b.config.SessionKey {
		return codeSuccess, ""
	}
	if b.config.AuthToken != "" {
		switch sonrq.Text("AUTHTOKEN") {
		case "":
			return codeAuthTokenRequired, "Enter the token sent to your phone"
		case b.config.AuthToken:
		default:
			return codeSignonInvalid, "Invalid token"
		}
	}
	if len(b.config.Challenges) > 0 {
		answers := sonrq.All("MFACHALLENGEANSWER")
		if len(answers) == 0 {
			return codeMFARequired, ""
		}
		given := make(map[string]string, len(answers))
		for _, answer := range answers {
			given[answer.Text("MFAPHRASEID")] = answer.Text("MFAPHRASEA")
		}
		for _, challenge := range b.config.Challenges {
			if !strings.EqualFold(given[challenge.ID], challenge.Answer) {
				return codeMFAInvalid, ""
			}
		}
	}
	return codeSuccess, ""
}

func (b *Bank) challengeResponse(trnrq *ofx.Element) *ofx.Element {
	challengeRS := ofx.Agg("MFACHALLENGERS")
	for _, challenge := range b.config.Challenges {
		el := ofx.Agg("MFACHALLENGE",
			ofx.Leaf("MFAPHRASEID", challenge.ID),
			ofx.OptionalLeaf("MFAPHRASELABEL", challenge.Label),
		)
		for _, choice := range challenge.Choices {
			el.Add(ofx.Leaf("MFAPHRASECHOICE", choice))
		}
		challengeRS.Add(el)
	}
	return ofx.Agg("MFACHALLENGEMSGSRSV1",
		ofx.Agg("MFACHALLENGETRNRS",
			ofx.Leaf("TRNUID", trnrq.Text("TRNUID")),
			status(codeSuccess, ""),
			challengeRS,
		),
	)
}

func (b *Bank) accountInfo(trnrq *ofx.Element, now time.Time) *ofx.Element {
	acctInfoRS := ofx.Agg("ACCTINFORS", ofx.Leaf("DTACCTUP", ofx.FormatDate(now)))
	for _, account := range b.config.Accounts {
		info := ofx.Agg("ACCTINFO", ofx.OptionalLeaf("DESC", account.Description))
		switch account.Type {
		case "credit":
			info.Add(ofx.Agg("CCACCTINFO",
				ofx.Agg("CCACCTFROM", ofx.Leaf("ACCTID", account.ID)),
				ofx.Leaf("SUPTXDL", "Y"),
			))
		case "investment":
			info.Add(ofx.Agg("INVACCTINFO",
				ofx.Agg("INVACCTFROM", ofx.Leaf("BROKERID", account.BrokerID), ofx.Leaf("ACCTID", account.ID)),
				ofx.Leaf("USPRODUCTTYPE", "401K"),
			))
		default:
			info.Add(ofx.Agg("BANKACCTINFO",
				ofx.Agg("BANKACCTFROM",
					ofx.Leaf("BANKID", account.BankID),
					ofx.Leaf("ACCTID", account.ID),
					ofx.Leaf("ACCTTYPE", strings.ToUpper(account.Type)),
				),
				ofx.Leaf("SUPTXDL", "Y"),
			))
		}
		acctInfoRS.Add(info)
	}
	return ofx.Agg("ACCTINFOTRNRS",
		ofx.Leaf("TRNUID", trnrq.Text("TRNUID")),
		status(codeSuccess, ""),
		acctInfoRS,
	)
}

func (b *Bank) statement(trnrq *ofx.Element, stmtRQName, acctFromName string, now time.Time) *ofx.Element {
	trnrs := ofx.Agg(strings.Replace(stmtRQName, "RQ", "TRNRS", 1), ofx.Leaf("TRNUID", trnrq.Text("TRNUID")))
	stmtrq := trnrq.Child(stmtRQName)
	acctFrom := stmtrq.Child(acctFromName)
	account, ok := b.account(acctFrom.Text("ACCTID"))
	if !ok {
		return trnrs.Add(status(codeAccountNotFound, "Account not found"))
	}

	start, _ := ofx.ParseDate(stmtrq.Text("INCTRAN", "DTSTART"))
	dtEnd := stmtrq.Text("INCTRAN", "DTEND")
	end, err := ofx.ParseDate(dtEnd)
	if len(dtEnd) == len("YYYYMMDD") {
		// a day includes everything posted on it
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	if err != nil || end.After(now) {
		end = now
	}
	currency := account.Currency
	if currency == "" {
		currency = "USD"
	}
	balance := account.OpeningBalance
	var transactions []*ofx.Element
	for _, txn := range account.Transactions {
		if txn.Posted.After(end) {
			continue
		}
		balance = balance.Add(txn.Amount)
		if txn.Posted.Before(start) {
			continue
		}
		stmttrn := transaction(txn)
		if acctFromName == "INVACCTFROM" {
			stmttrn = ofx.Agg("INVBANKTRAN", stmttrn, ofx.Leaf("SUBACCTFUND", "CASH"))
		}
		transactions = append(transactions, stmttrn)
	}

	var stmtrs *ofx.Element
	switch acctFromName {
	case "INVACCTFROM":
		stmtrs = ofx.Agg("INVSTMTRS",
			ofx.Leaf("DTASOF", ofx.FormatDate(end)),
			ofx.Leaf("CURDEF", currency),
			ofx.Agg("INVACCTFROM", ofx.Leaf("BROKERID", account.BrokerID), ofx.Leaf("ACCTID", account.ID)),
			ofx.Agg("INVTRANLIST", append([]*ofx.Element{
				ofx.Leaf("DTSTART", ofx.FormatDate(start)),
				ofx.Leaf("DTEND", ofx.FormatDate(end)),
			}, transactions...)...),
			ofx.Agg("INVBAL",
				ofx.Leaf("AVAILCASH", balance.StringFixed(2)),
				ofx.Leaf("MARGINBALANCE", "0.00"),
				ofx.Leaf("SHORTBALANCE", "0.00"),
			),
		)
	default:
		from := ofx.Agg("CCACCTFROM", ofx.Leaf("ACCTID", account.ID))
		name := "CCSTMTRS"
		if acctFromName == "BANKACCTFROM" {
			from = ofx.Agg("BANKACCTFROM",
				ofx.Leaf("BANKID", account.BankID),
				ofx.Leaf("ACCTID", account.ID),
				ofx.Leaf("ACCTTYPE", strings.ToUpper(account.Type)),
			)
			name = "STMTRS"
		}
		stmtrs = ofx.Agg(name,
			ofx.Leaf("CURDEF", currency),
			from,
			ofx.Agg("BANKTRANLIST", append([]*ofx.Element{
				ofx.Leaf("DTSTART", ofx.FormatDate(start)),
				ofx.Leaf("DTEND", ofx.FormatDate(end)),
			}, transactions...)...),
			ofx.Agg("LEDGERBAL",
				ofx.Leaf("BALAMT", balance.StringFixed(2)),
				ofx.Leaf("DTASOF", ofx.FormatDate(end)),
			),
		)
	}
	return trnrs.Add(status(codeSuccess, ""), stmtrs)
}

func (b *Bank) account(id string) (Account, bool) {
	for _, account := range b.config.Accounts {
		if account.ID == id {
			return account, true
		}
	}
	return Account{}, false
}

func transaction(txn Transaction) *ofx.Element {
	txnType := txn.Type
	if txnType == "" {
		txnType = "CREDIT"
		if txn.Amount.IsNegative() {
			txnType = "DEBIT"
		}
	}
	return ofx.Agg("STMTTRN",
		ofx.Leaf("TRNTYPE", txnType),
		ofx.Leaf("DTPOSTED", ofx.FormatDate(txn.Posted)),
		ofx.Leaf("TRNAMT", txn.Amount.StringFixed(2)),
		ofx.Leaf("FITID", txn.ID),
		ofx.OptionalLeaf("NAME", txn.Name),
		ofx.OptionalLeaf("MEMO", txn.Memo),
	)
}

func signOnResponse(now time.Time, code int, message string) *ofx.Element {
	return ofx.Agg("SONRS",
		status(code, message),
		ofx.Leaf("DTSERVER", ofx.FormatDate(now)),
	)
}

func status(code int, message string) *ofx.Element {
	severity := "INFO"
	if code != codeSuccess {
		severity = "ERROR"
	}
	return ofx.Agg("STATUS",
		ofx.Leaf("CODE", strconv.Itoa(code)),
		ofx.Leaf("SEVERITY", severity),
		ofx.OptionalLeaf("MESSAGE", message),
	)
}
