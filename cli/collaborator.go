package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/johnstarich/dcsync/model"
	"github.com/johnstarich/dcsync/prompter"
	"github.com/pkg/errors"
)

// collaborator answers challenges at the terminal and writes statements as JSON
type collaborator struct {
	prompter.Prompter
	terminal *terminal

	mu     sync.Mutex
	outDir string
	out    io.Writer
}

func newCollaborator(t *terminal, outDir string, out io.Writer) *collaborator {
	return &collaborator{
		Prompter: prompter.New(),
		terminal: t,
		outDir:   outDir,
		out:      out,
	}
}

// Serve answers prompt requests until ctx is done
func (c *collaborator) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.Requests():
			c.Respond(c.ask(req))
		}
	}
}

func (c *collaborator) ask(req prompter.Request) prompter.Response {
	if req.Text {
		answer, err := c.terminal.Line(fmt.Sprintf("[%s] %s: ", req.InstitutionID, req.Message))
		return prompter.Response{Text: strings.TrimSpace(answer), Err: err}
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "[%s] %s\n", req.InstitutionID, req.Message)
	for i, choice := range req.Choices {
		fmt.Fprintf(&prompt, "  %d) %s\n", i+1, choice)
	}
	prompt.WriteString("Choice #: ")
	answer, err := c.terminal.Line(prompt.String())
	if err != nil {
		return prompter.Response{Err: err}
	}
	choice, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil {
		return prompter.Response{Err: errors.Errorf("Invalid choice #: %q", answer)}
	}
	return prompter.Response{Choice: choice - 1}
}

// Deliver writes statement to its own file in the output directory, or as a line of JSON to the output stream
func (c *collaborator) Deliver(ctx context.Context, statement model.Statement) error {
	b, err := json.Marshal(statement)
	if err != nil {
		return err
	}
	if c.outDir == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, err := fmt.Fprintf(c.out, "%s\n", b)
		return err
	}

	name := fmt.Sprintf("%s_%s_%s.json", statement.InstitutionID, statement.AccountID, statement.End.UTC().Format("20060102"))
	path := filepath.Join(c.outDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return errors.Wrap(err, "Write statement")
	}
	return errors.Wrap(os.Rename(tmp, path), "Write statement")
}
