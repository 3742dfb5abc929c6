package cmd

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/technoculture/openoligo-tools/pkg"
	"github.com/technoculture/openoligo-tools/pkg/deps"
)

var fetchDepsCmd = &cobra.Command{
	Use:   "fetch-deps",
	Short: "Downloads and unpacks dependencies",
	Long: `Downloads and unpacks the tool archives listed in DEPS.yml at the project root.
Archives which were already extracted (see DEPS.stamps) are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		pkg.PrintTask("Loading config")
		wd, err := os.Getwd()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve the current working directory")
		}

		root, err := pkg.GetProjectRoot(wd)
		if err != nil {
			return err
		}

		cfg, cfgData, err := deps.LoadConfig(root)
		if err != nil {
			return err
		}

		stamps, err := deps.LoadStamps(root)
		if err != nil {
			return err
		}

		pkg.PrintTask("Downloading dependencies")
		fetcher := deps.NewFetcher(root)
		fetcher.Update = update

		changes, err := fetcher.Fetch(cmd.Context(), cfg, stamps)
		// stamps are saved even after a failure so finished downloads aren't repeated
		if sErr := deps.SaveStamps(root, stamps); sErr != nil {
			pkg.PrintError(sErr.Error())
		}
		if err != nil {
			return err
		}

		if update && len(changes) > 0 {
			pkg.PrintTask("Updating checksums")
			generated, err := deps.UpdateChecksums(cfgData, cfg, changes)
			if err != nil {
				return err
			}

			cfgPath := filepath.Join(root, deps.FileName)
			if err = os.WriteFile(cfgPath, []byte(generated), 0o660); err != nil {
				return eris.Wrapf(err, "failed to write %s", cfgPath)
			}
		}

		pkg.PrintTask("Done")
		return nil
	},
}

func init() {
	fetchDepsCmd.Flags().Bool("update", false, "record the actual checksums in DEPS.yml instead of failing on mismatches")
	rootCmd.AddCommand(fetchDepsCmd)
}
