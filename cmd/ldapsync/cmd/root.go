package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/helxplatform/ldapsync/internal/config"
	"github.com/helxplatform/ldapsync/internal/logging"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ldapsync",
	Short: "ldapsync reconciles directory state for a HeLx cluster",
	Long: `ldapsync keeps an OpenLDAP directory of per-user identity and
access-provisioning attributes in sync with declared state.

It has two entry points: "apply" walks a tree of LDIF change files and
applies them bottom-up in dependency order, and "sync" reconciles a
declarative set of users and group memberships against the directory with
minimal, safe mutations.`,
	SilenceUsage: true,
}

var logger *zap.Logger

// used to patch over calls to os.Exit() during test
var osExit = os.Exit

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		osExit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./helx_ldap_config.yaml)")
	rootCmd.PersistentFlags().String("ldap-server", "", "directory server URL, e.g. ldap://localhost:389")
	rootCmd.PersistentFlags().String("log-level", logging.LevelInfo, "log level (debug, info, warn, error, none)")

	_ = viper.BindPFlag("ldap.server_url", rootCmd.PersistentFlags().Lookup("ldap-server"))
}

// initConfig reads in the config file and environment variables if set.
func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName("helx_ldap_config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("LDAPSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}

	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	logger = logging.MustNew(level)
}

// loadConfig builds the typed config from viper state.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}
