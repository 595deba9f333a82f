// Package session runs DirectConnect sessions: sign on, answer challenges, then download and persist each account's statement
package session

import (
	"context"
	"time"

	sErrors "github.com/johnstarich/dcsync/errors"
	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/ofx"
	"github.com/johnstarich/dcsync/pipe"
	"github.com/johnstarich/dcsync/profile"
	"github.com/johnstarich/dcsync/redactor"
	"github.com/johnstarich/dcsync/request"
	"github.com/johnstarich/dcsync/response"
	"github.com/johnstarich/dcsync/transport"
	"github.com/johnstarich/dcsync/vault"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

// Stages name where a session failed
const (
	StageSignOn    = "signon"
	StageChallenge = "challenge"
	StageAccounts  = "accounts"
	StageStatement = "statement"
	StageDeliver   = "deliver"
	StagePersist   = "persist"
)

// Defaults for a zero Config
const (
	DefaultOverlap            = 2 * day
	DefaultWindow             = 30 * day
	DefaultMaxChallengeRounds = 3
	DefaultMaxConcurrent      = 4
)

// Collaborator answers challenges and receives statements on behalf of the user
type Collaborator interface {
	// Answer returns the user's answer to challenge
	Answer(ctx context.Context, institutionID string, challenge model.AuthChallenge) (string, error)
	// Deliver hands over a downloaded statement. The account's cursor only advances if it returns nil.
	Deliver(ctx context.Context, statement model.Statement) error
}

// Sender sends one request document, like transport.Client
type Sender interface {
	Send(ctx context.Context, req transport.Request) ([]byte, error)
}

// Secrets opens and seals credentials, like vault.Handle
type Secrets interface {
	Open(blob vault.Blob) (redactor.String, error)
	Seal(secret redactor.String) (vault.Blob, error)
}

// Store persists session progress, like profile.Store
type Store interface {
	UpdateCursor(institutionID, accountID string, cursor profile.Cursor) error
	UpdateCredential(institutionID string, record profile.CredentialRecord) error
	UpdateAccounts(institutionID string, accounts []profile.AccountRef, updated time.Time) error
}

// Config tunes sessions
type Config struct {
	// Overlap is subtracted from an account's cursor to pick the next start date
	Overlap time.Duration
	// Window is how far back to start for accounts without a cursor. A profile's MinWindowDays can widen it.
	Window time.Duration
	// MaxChallengeRounds bounds how many times a server may challenge a single sign on
	MaxChallengeRounds int
	// MaxConcurrent bounds how many institutions a Batch syncs at once
	MaxConcurrent int
	Logger        *zap.Logger
	// Now returns the client time for new sessions
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Overlap <= 0 {
		c.Overlap = DefaultOverlap
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxChallengeRounds <= 0 {
		c.MaxChallengeRounds = DefaultMaxChallengeRounds
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Session syncs one institution. Run it once.
type Session struct {
	profile      profile.InstitutionProfile
	store        Store
	secrets      Secrets
	sender       Sender
	collaborator Collaborator
	config       Config
	logger       *zap.Logger

	state   *atomic.Int32
	builder *request.Builder
	now     time.Time
}

// New prepares a session for p. p should be a snapshot, the session never writes to it directly.
func New(p profile.InstitutionProfile, store Store, secrets Secrets, sender Sender, collaborator Collaborator, config Config) *Session {
	config = config.withDefaults()
	now := config.Now().UTC()
	return &Session{
		profile:      p.Clone(),
		store:        store,
		secrets:      secrets,
		sender:       sender,
		collaborator: collaborator,
		config:       config,
		logger:       config.Logger.With(zap.String("institution", p.ID)),
		state:        atomic.NewInt32(int32(Idle)),
		builder:      request.New(now),
		now:          now,
	}
}

// State returns the current state. Safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(to State) {
	from := s.State()
	if !canTransition(from, to) {
		// a bug in the sequence below, never caused by server input
		panic("session: invalid transition from " + from.String() + " to " + to.String())
	}
	s.state.Store(int32(to))
	s.logger.Debug("Session transition", zap.Stringer("from", from), zap.Stringer("to", to))
}

func (s *Session) fail(err error, stage string) error {
	err = sErrors.Annotate(err, s.profile.ID, stage)
	s.transition(Errored)
	s.logger.Warn("Session failed", zap.String("stage", stage), zap.Stringer("kind", sErrors.KindOf(err)), zap.Error(err))
	return err
}

// Run signs on and downloads a statement for every account, delivering each to the collaborator.
// Returns the delivered statements. On failure the state is Errored and err is an *errors.Error.
func (s *Session) Run(ctx context.Context) ([]model.Statement, error) {
	if s.State() != Idle {
		return nil, errors.Errorf("Session already ran for institution %q", s.profile.ID)
	}
	s.transition(SigningOn)

	creds, err := s.credentials()
	if err != nil {
		return nil, s.fail(err, StageSignOn)
	}
	signon, stage, err := s.signOn(ctx, creds)
	if err != nil {
		return nil, s.fail(err, stage)
	}
	if err := s.persistSessionKey(signon, &creds); err != nil {
		return nil, s.fail(err, StagePersist)
	}
	accounts, err := s.accounts(signon)
	if err != nil {
		return nil, s.fail(err, StageAccounts)
	}

	var statements []model.Statement
	for _, account := range accounts {
		statement, stage, err := s.syncAccount(ctx, creds, account)
		if err != nil {
			return statements, s.fail(errors.Wrapf(err, "Account %q", account.ID), stage)
		}
		statements = append(statements, statement)
	}
	s.transition(Done)
	s.logger.Info("Session complete", zap.Int("statements", len(statements)))
	return statements, nil
}

func (s *Session) credentials() (request.Credentials, error) {
	record := s.profile.Credential
	password, err := s.secrets.Open(record.Secret)
	if err != nil {
		return request.Credentials{}, errors.Wrap(err, "Decrypt password")
	}
	creds := request.Credentials{
		Username: record.Username,
		Password: password,
	}
	if len(record.SessionKey) > 0 && (record.SessionKeyExpires.IsZero() || record.SessionKeyExpires.After(s.now)) {
		key, err := s.secrets.Open(record.SessionKey)
		if err != nil {
			s.logger.Warn("Ignoring unreadable session key", zap.Error(err))
		} else {
			creds.SessionKey = key
		}
	}
	return creds, nil
}

// signOn sends the sign on and answers challenges until the server accepts or rejects it
func (s *Session) signOn(ctx context.Context, creds request.Credentials) (*ofx.Document, string, error) {
	doc, err := s.builder.SignOn(s.profile, creds)
	if err != nil {
		return nil, StageSignOn, err
	}
	resp, status, err := s.exchange(ctx, doc)
	if err != nil {
		return nil, StageSignOn, err
	}

	for round := 1; status.Kind == model.MFAChallenge; round++ {
		if round > s.config.MaxChallengeRounds {
			return nil, StageChallenge, sErrors.WithCode(sErrors.MFAChallenge, status.Code,
				"Server kept challenging after the maximum number of challenge rounds")
		}
		s.transition(AwaitingChallenge)
		challenges := status.Challenges
		if len(challenges) == 0 {
			challenges, err = s.fetchChallenges(ctx, creds)
			if err != nil {
				return nil, StageChallenge, err
			}
		}
		answers, err := s.answer(ctx, challenges)
		if err != nil {
			return nil, StageChallenge, err
		}

		s.transition(SigningOn)
		doc, err := s.builder.ChallengeResponse(s.profile, creds, challenges, answers)
		if err != nil {
			return nil, StageChallenge, err
		}
		resp, status, err = s.exchange(ctx, doc)
		if err != nil {
			return nil, StageSignOn, err
		}
	}
	if err := response.StatusError(status); err != nil {
		return nil, StageSignOn, err
	}
	return resp, StageSignOn, nil
}

func (s *Session) fetchChallenges(ctx context.Context, creds request.Credentials) ([]model.AuthChallenge, error) {
	doc, err := s.builder.ChallengeRequest(s.profile, creds)
	if err != nil {
		return nil, err
	}
	resp, err := s.send(ctx, doc)
	if err != nil {
		return nil, err
	}
	challenges, err := response.ExtractChallenges(resp)
	if err != nil {
		return nil, err
	}
	if len(challenges) == 0 {
		return nil, sErrors.New(sErrors.MalformedDocument, "Server required a challenge but listed none")
	}
	return challenges, nil
}

func (s *Session) answer(ctx context.Context, challenges []model.AuthChallenge) ([]model.ChallengeAnswer, error) {
	answers := make([]model.ChallengeAnswer, 0, len(challenges))
	for _, challenge := range challenges {
		answer, err := s.collaborator.Answer(ctx, s.profile.ID, challenge)
		if err != nil {
			return nil, errors.Wrapf(err, "Answer challenge %q", challenge.ID)
		}
		answers = append(answers, model.ChallengeAnswer{
			Challenge: challenge.ID,
			Answer:    redactor.String(answer),
		})
	}
	return answers, nil
}

func (s *Session) persistSessionKey(signon *ofx.Document, creds *request.Credentials) error {
	key, ok, err := response.ExtractSessionKey(signon)
	if err != nil || !ok {
		return err
	}
	sealed, err := s.secrets.Seal(redactor.String(key.Key))
	if err != nil {
		return errors.Wrap(err, "Encrypt session key")
	}
	record := s.profile.Credential
	record.SessionKey = sealed
	record.SessionKeyExpires = key.Expires
	if err := s.store.UpdateCredential(s.profile.ID, record); err != nil {
		return err
	}
	s.profile.Credential = record
	creds.SessionKey = redactor.String(key.Key)
	s.logger.Debug("Saved session key", zap.Time("expires", key.Expires))
	return nil
}

// accounts returns the profile's accounts, or discovers and saves them from the sign on response
func (s *Session) accounts(signon *ofx.Document) ([]profile.AccountRef, error) {
	if len(s.profile.Accounts) > 0 {
		return s.profile.Accounts, nil
	}
	list, err := response.ExtractAccounts(signon)
	if err != nil {
		return nil, err
	}
	updated := list.Updated
	if updated.IsZero() {
		updated = s.now
	}
	if err := s.store.UpdateAccounts(s.profile.ID, list.Accounts, updated); err != nil {
		return nil, err
	}
	s.profile.Accounts = list.Accounts
	s.profile.AccountsUpdated = updated
	s.logger.Info("Discovered accounts", zap.Int("accounts", len(list.Accounts)))
	return list.Accounts, nil
}

func (s *Session) syncAccount(ctx context.Context, creds request.Credentials, account profile.AccountRef) (model.Statement, string, error) {
	s.transition(RequestingStatement)
	dates := s.dateRange(account.ID)
	s.logger.Info("Downloading statement",
		zap.String("account", account.ID),
		zap.Time("start", dates.Start),
		zap.Time("end", dates.End),
	)

	var raw []byte
	var statement model.Statement
	stage, err := pipe.Stages{}.
		Then(StageStatement, func() error {
			doc, err := s.builder.StatementRequest(s.profile, creds, account, dates)
			if err != nil {
				return err
			}
			raw, err = s.post(ctx, doc)
			return err
		}).
		Then(StageStatement, func() error {
			s.transition(Parsing)
			var err error
			statement, err = s.parseStatement(raw, account)
			return err
		}).
		Then(StageDeliver, func() error {
			s.transition(Persisting)
			return s.collaborator.Deliver(ctx, statement.Clone())
		}).
		Then(StagePersist, func() error {
			// the cursor only moves once the statement is delivered
			return s.store.UpdateCursor(s.profile.ID, account.ID, profile.Cursor{
				Date:              statement.End,
				LastTransactionID: statement.LastTransactionID(),
				Updated:           s.now,
			})
		}).
		Run()
	if err != nil {
		return model.Statement{}, stage, err
	}
	return statement, "", nil
}

func (s *Session) parseStatement(raw []byte, account profile.AccountRef) (model.Statement, error) {
	resp, err := response.Parse(raw, s.parseMode())
	if err != nil {
		return model.Statement{}, err
	}
	status, err := response.ExtractStatus(resp)
	if err != nil {
		return model.Statement{}, err
	}
	if err := response.StatusError(status); err != nil {
		return model.Statement{}, err
	}
	statement, err := response.ExtractStatement(resp, account.ID, response.Options{
		InstitutionID:        s.profile.ID,
		SkipZeroTransactions: s.profile.Dialect.Has(profile.SkipZeroTransactions),
	})
	if err != nil {
		return model.Statement{}, err
	}
	if statement.AccountType == "" {
		statement.AccountType = account.Type
	}
	return statement, nil
}

// dateRange starts at the cursor less the overlap, or a full window back for new accounts
func (s *Session) dateRange(accountID string) request.DateRange {
	end := s.now
	if cursor, ok := s.profile.Cursor(accountID); ok && !cursor.Date.IsZero() {
		start := cursor.Date.Add(-s.config.Overlap)
		if start.After(end) {
			start = end
		}
		return request.DateRange{Start: start, End: end}
	}
	window := s.config.Window
	if minWindow := time.Duration(s.profile.MinWindowDays) * day; minWindow > window {
		window = minWindow
	}
	return request.DateRange{Start: end.Add(-window), End: end}
}

// exchange sends doc and interprets the sign on status of the response
func (s *Session) exchange(ctx context.Context, doc *ofx.Document) (*ofx.Document, model.Status, error) {
	resp, err := s.send(ctx, doc)
	if err != nil {
		return nil, model.Status{}, err
	}
	status, err := response.ExtractStatus(resp)
	return resp, status, err
}

func (s *Session) send(ctx context.Context, doc *ofx.Document) (*ofx.Document, error) {
	raw, err := s.post(ctx, doc)
	if err != nil {
		return nil, err
	}
	return response.Parse(raw, s.parseMode())
}

// parseMode reads responses from SGML institutions as tag soup, even when they claim to be XML
func (s *Session) parseMode() ofx.Mode {
	if s.profile.Dialect.Has(profile.UsesSGML) {
		return ofx.ModeTagSoup
	}
	return ofx.ModeAuto
}

func (s *Session) post(ctx context.Context, doc *ofx.Document) ([]byte, error) {
	body, err := request.Marshal(s.profile, doc)
	if err != nil {
		return nil, errors.Wrap(err, "Serialize request")
	}
	return s.sender.Send(ctx, transport.Request{
		URL:            s.profile.URL,
		Body:           body,
		Delay:          s.profile.RequestDelay,
		SessionCookies: s.profile.Dialect.Has(profile.SessionCookies),
		UserAgent:      s.profile.UserAgent,
	})
}
