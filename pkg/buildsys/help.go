package buildsys

import (
	"fmt"
	"io"
	"sort"
)

// WriteUsage prints the visible tasks and the script options. It backs the reserved help target.
func WriteUsage(w io.Writer, program string, tasks TaskList, options map[string]ScriptOption) error {
	_, err := fmt.Fprintf(w, "Usage: %s [flags] [option=value...] <task>...\n\nAvailable tasks:\n", program)
	if err != nil {
		return err
	}

	names := tasks.Names(false)
	maxNameLen := len("help")
	for _, name := range names {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	if _, err = fmt.Fprintf(w, lineFmt, "help:", "Show this message"); err != nil {
		return err
	}
	for _, name := range names {
		if _, err = fmt.Fprintf(w, lineFmt, name+":", tasks[name].Desc); err != nil {
			return err
		}
	}

	if len(options) == 0 {
		return nil
	}

	optNames := make([]string, 0, len(options))
	for name := range options {
		optNames = append(optNames, name)
	}
	sort.Strings(optNames)

	if _, err = fmt.Fprint(w, "\nOptions:\n"); err != nil {
		return err
	}
	for _, name := range optNames {
		opt := options[name]
		_, err = fmt.Fprintf(w, " * %s=%s\n     %s\n", name, opt.Default(), opt.Help)
		if err != nil {
			return err
		}
	}

	return nil
}
