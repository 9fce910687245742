package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helxplatform/ldapsync/internal/ldap"
	"github.com/helxplatform/ldapsync/internal/ldif"
)

var applyUpdate bool

var applyCmd = &cobra.Command{
	Use:   "apply <directory>",
	Short: "Apply a tree of LDIF change files in dependency order",
	Long: `Apply walks the given directory tree and applies every *.ldif change
file to the directory server, bottom-up: all files in subdirectories are
applied before the files of their parent directory, and files within one
directory are applied in ascending name order.

The run is fail-fast: the first rejected record aborts the run, reporting
the offending file and record index. Nothing already applied is rolled
back, so later re-runs rely on each record being self-idempotent.

Schema and overlay changes require cn=config access; apply binds with the
config credentials from helx_ldap_config.yaml.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := cfg.ConfigConnection()
		if err != nil {
			return err
		}

		ctx := cobraCmd.Context()
		client, err := ldap.Dial(ctx, conn, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		applier := ldif.NewApplier(client, logger)
		applier.UpdateExisting = applyUpdate

		report, err := applier.Apply(ctx, args[0])
		if report != nil {
			fmt.Printf("run %s: %d/%d records applied across %d files\n",
				report.RunID, report.Applied, report.Records, report.Files)
		}
		return err
	},
}

func init() {
	applyCmd.Flags().BoolVar(&applyUpdate, "update", false,
		"replace schema definitions that already exist instead of skipping them")
	rootCmd.AddCommand(applyCmd)
}
