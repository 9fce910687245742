package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/helxplatform/ldapsync/internal/ldap"
	"github.com/helxplatform/ldapsync/internal/plan"
	"github.com/helxplatform/ldapsync/internal/reconcile"
)

var syncPrune bool

var syncCmd = &cobra.Command{
	Use:   "sync <users.yaml>",
	Short: "Reconcile declared users and group memberships against the directory",
	Long: `Sync reads a declarative user list and converges the directory towards
it: entries are created when missing and updated attribute-by-attribute
when they differ, referenced groups are created on demand, and group
memberships are added as needed.

Entities are reconciled independently, best-effort: a failure on one user
is reported but does not stop the others. The command exits non-zero when
any entity failed, even if others succeeded.

Memberships found in the directory but absent from the declared state are
left untouched unless --prune is set; the default never revokes access the
declared state does not mention.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		users, err := reconcile.LoadUsers(args[0])
		if err != nil {
			return err
		}

		conn, err := cfg.AdminConnection()
		if err != nil {
			return err
		}

		ctx := cobraCmd.Context()
		client, err := ldap.Dial(ctx, conn, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		reconciler := reconcile.NewEntityReconciler(client, cfg.UsersBaseDN, cfg.GroupsBaseDN, logger)
		report, err := reconciler.Reconcile(ctx, users, syncPrune)
		if err != nil {
			return err
		}

		printReport(report)
		return report.Err()
	},
}

func printReport(report *plan.Report) {
	for _, res := range report.Results {
		switch res.Outcome {
		case plan.OutcomeFailed:
			fmt.Printf("%-10s %s: %v\n", res.Outcome, res.Key, res.Err)
		default:
			fmt.Printf("%-10s %s (%d operations)\n", res.Outcome, res.Key, res.Applied)
		}
	}
	fmt.Printf("run %s: %d succeeded, %d unchanged, %d failed\n",
		report.RunID, report.Succeeded(), report.Skipped(), report.Failed())
}

func init() {
	syncCmd.Flags().BoolVar(&syncPrune, "prune", false,
		"remove group memberships absent from the declared state")
	syncCmd.Flags().String("users-base-dn", "", "base DN for user entries")
	syncCmd.Flags().String("groups-base-dn", "", "base DN for group entries")

	_ = viper.BindPFlag("ldap.users_base_dn", syncCmd.Flags().Lookup("users-base-dn"))
	_ = viper.BindPFlag("ldap.groups_base_dn", syncCmd.Flags().Lookup("groups-base-dn"))

	rootCmd.AddCommand(syncCmd)
}
