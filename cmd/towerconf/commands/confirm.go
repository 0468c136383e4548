package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
)

// errNotInteractive stops a command that needs confirmation when nobody can
// give it.
var errNotInteractive = errors.New("standard input is not a terminal, use --yes to proceed without confirmation")

func (a *app) huhConfirm(ctx context.Context, title string) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).WithInput(a.in).WithOutput(a.errOut)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return ok, nil
}

// proceed asks before changing anything unless --yes was given. A declined
// prompt prints "Aborted" and reports false with no error.
func (a *app) proceed(ctx context.Context, yes bool) (bool, error) {
	if yes {
		return true, nil
	}
	if !a.isTTY() {
		return false, errNotInteractive
	}

	ok, err := a.confirm(ctx, "Proceed?")
	if err != nil {
		return false, err
	}
	if !ok {
		fmt.Fprintln(a.out, "Aborted")
	}
	return ok, nil
}
