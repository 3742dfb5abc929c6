package cmd

import (
	"fmt"
	"os"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/technoculture/openoligo-tools/pkg"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Checks that the tools used by the default tasks are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		wd, err := os.Getwd()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve the current working directory")
		}

		root, err := pkg.GetProjectRoot(wd)
		if err != nil {
			return err
		}

		probe, err := cmd.Flags().GetBool("versions")
		if err != nil {
			return err
		}

		pkg.PrintTask("Looking for tools")
		status, err := pkg.CheckTools(root, pkg.Collaborators)
		if probe {
			if pErr := pkg.ProbeVersions(cmd.Context(), status, 4); pErr != nil {
				return pErr
			}
		}

		for _, tool := range status {
			if tool.Found {
				line := fmt.Sprintf("%-8s %s", tool.Name, tool.Path)
				if tool.Version != nil {
					line += " (" + tool.Version.String() + ")"
				}
				pkg.PrintSubtask(line)

				if tool.Outdated {
					colorstring.Printf("[yellow][bold]  ->[reset] %s is older than %s\n", tool.Name, tool.MinVersion)
				}
				continue
			}

			color := "[yellow]"
			note := "not on PATH; expected inside the poetry environment"
			if tool.Required {
				color = "[red]"
				note = "missing"
			}
			colorstring.Printf("%s[bold]  ->[reset] %-8s %s (%s)\n", color, tool.Name, note, tool.Purpose)
		}

		return err
	},
}

func init() {
	doctorCmd.Flags().Bool("versions", false, "run every tool with --version and check the minimum versions")
	rootCmd.AddCommand(doctorCmd)
}
