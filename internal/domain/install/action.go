package install

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the workflow requested on the command line.
type Action string

// Supported actions.
const (
	ActionInstall   Action = "install"
	ActionUpdate    Action = "update"
	ActionUninstall Action = "uninstall"
	ActionCheck     Action = "check"
)

// errUnknownAction is returned for actions outside the supported set.
var errUnknownAction = errors.New("unknown action")

// Actions lists every supported action.
func Actions() []Action {
	return []Action{ActionInstall, ActionUpdate, ActionUninstall, ActionCheck}
}

// ParseAction converts user input into an Action.
func ParseAction(s string) (Action, error) {
	action := Action(strings.ToLower(strings.TrimSpace(s)))
	if err := action.Validate(); err != nil {
		return "", err
	}

	return action, nil
}

// Validate reports whether the action is supported.
func (a Action) Validate() error {
	switch a {
	case ActionInstall, ActionUpdate, ActionUninstall, ActionCheck:
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, string(a))
	}
}

// String implements fmt.Stringer.
func (a Action) String() string {
	return string(a)
}
