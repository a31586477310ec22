package prompt

import (
	"context"
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/recovery"
)

// Options configures a Confirmer.
type Options struct {
	// AssumeYes answers every question with yes without asking.
	AssumeYes bool
	// Interactive reports whether forms can be shown; stdin and stdout terminals when nil.
	Interactive func() bool
	// RunForm runs a form; form.RunWithContext when nil.
	RunForm func(ctx context.Context, form *huh.Form) error
}

// Confirmer answers yes/no questions.
type Confirmer struct {
	// opts is the confirmer configuration.
	opts Options
}

// New creates a confirmer.
func New(opts Options) *Confirmer {
	if opts.Interactive == nil {
		opts.Interactive = stdTerminal
	}

	if opts.RunForm == nil {
		opts.RunForm = func(ctx context.Context, form *huh.Form) error {
			return form.RunWithContext(ctx)
		}
	}

	return &Confirmer{opts: opts}
}

// Confirm asks the question. Aborting the form is reported as a user abort.
func (c *Confirmer) Confirm(ctx context.Context, question string) (bool, error) {
	if c.opts.AssumeYes {
		logger.DebugKV(ctx, "Confirmation assumed", "question", question)

		return true, nil
	}

	if !c.opts.Interactive() {
		logger.InfoKV(ctx, "Not a terminal, answering no", "question", question)

		return false, nil
	}

	var answer bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(question).
				Affirmative("Yes").
				Negative("No").
				Value(&answer),
		),
	).WithOutput(os.Stderr)

	err := c.opts.RunForm(ctx, form)
	if errors.Is(err, huh.ErrUserAborted) {
		return false, recovery.Wrap(recovery.CategoryUserAbort, "confirm", err)
	}

	if err != nil {
		return false, err
	}

	return answer, nil
}

// stdTerminal reports whether stdin and stdout are both terminals.
func stdTerminal() bool {
	//nolint:gosec // Fd fits into int on supported platforms.
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
