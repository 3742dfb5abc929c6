package buildsys

import (
	"errors"
	"fmt"
	"strings"
)

// CommandError is returned when a task command exits with a non-zero status. The CLI uses
// Status as its own exit code so callers see the same result as if they had run the tool
// directly.
type CommandError struct {
	Task    string
	Command string
	Status  int
	// Via lists the tasks that depended on Task, innermost first.
	Via []string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("task %s: command %q exited with status %d", e.Task, e.Command, e.Status)
	if len(e.Via) > 0 {
		msg += " (required by " + strings.Join(e.Via, " <- ") + ")"
	}
	return msg
}

// ExitStatus returns the exit status carried by err. ok is false if err didn't come from a
// failed command.
func ExitStatus(err error) (status int, ok bool) {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return 0, false
	}
	return cmdErr.Status, true
}
