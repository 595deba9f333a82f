package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/johnstarich/dcsync/plaindb"
	"github.com/johnstarich/dcsync/profile"
	"github.com/johnstarich/dcsync/redactor"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// terminal reads answers from the user. Lines are read from stdin unless it is a terminal, where secrets are read without echo.
type terminal struct {
	mu     sync.Mutex
	in     *bufio.Reader
	fd     int
	isTTY  bool
	errOut io.Writer
}

func newTerminal(cmd *cobra.Command) *terminal {
	t := &terminal{
		in:     bufio.NewReader(cmd.InOrStdin()),
		errOut: cmd.ErrOrStderr(),
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
		t.isTTY = true
	}
	return t
}

// Line prompts for a line of text
func (t *terminal) Line(prompt string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.errOut, prompt)
	line, err := t.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", errors.Wrap(err, "Read answer")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Secret prompts for a secret, or reads it from the environment variable env if set
func (t *terminal) Secret(env, prompt string) (redactor.String, error) {
	if value, ok := os.LookupEnv(env); ok {
		return redactor.String(value), nil
	}
	if !t.isTTY {
		line, err := t.Line(prompt)
		return redactor.String(line), err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.errOut, prompt)
	b, err := term.ReadPassword(t.fd)
	fmt.Fprintln(t.errOut)
	if err != nil {
		return "", errors.Wrap(err, "Read secret")
	}
	secret := redactor.String(b)
	redactor.Zero(b)
	return secret, nil
}

func (t *terminal) Passphrase() ([]byte, error) {
	passphrase, err := t.Secret(passphraseEnv, "Vault passphrase: ")
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return nil, errors.New("Vault passphrase must not be empty")
	}
	return []byte(passphrase.Value()), nil
}

// Confirm asks a yes or no question, defaulting to no
func (t *terminal) Confirm(question string) bool {
	answer, err := t.Line(question + " [y/N] ")
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func openStore(opts *RootOptions, t *terminal) (*profile.Store, error) {
	db, err := plaindb.Open(opts.DataDir, plaindb.VersionControl(), plaindb.Logger(opts.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "Open data directory")
	}
	return profile.NewStore(db,
		profile.WithLogger(opts.Logger),
		profile.ConfirmUpgrade(func(from, to string) bool {
			opts.Logger.Info("Profile store uses an older format", zap.String("from", from), zap.String("to", to))
			return t.Confirm(fmt.Sprintf("Upgrade institution profiles from version %s to %s? Older versions of dcsync will not be able to read them.", from, to))
		}),
	)
}
