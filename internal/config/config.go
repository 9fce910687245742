// Package config provides the typed configuration shared by the ldapsync
// commands, loaded from helx_ldap_config.yaml, environment variables and
// flags. Configuration is an explicit value passed into each component's
// constructor; there is no process-wide singleton.
package config

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"

	"github.com/helxplatform/ldapsync/internal/ldap"
)

// AdminCredentials identify the directory-data administrator used by the
// entity reconciler.
type AdminCredentials struct {
	BindDN   string `mapstructure:"bind_dn" default:"cn=admin,dc=example,dc=org"`
	Password string `mapstructure:"password"`
}

// ConfigCredentials identify the cn=config administrator used by the bulk
// change applier, which touches schema and overlay configuration.
type ConfigCredentials struct {
	DN       string `mapstructure:"dn" default:"cn=admin,cn=config"`
	Password string `mapstructure:"password"`
}

// Config is the "ldap" section of helx_ldap_config.yaml.
type Config struct {
	ServerURL string `mapstructure:"server_url" default:"ldap://localhost:389"`

	Admin        AdminCredentials  `mapstructure:"admin"`
	ConfigAccess ConfigCredentials `mapstructure:"config"`

	UsersBaseDN  string `mapstructure:"users_base_dn" default:"ou=users,dc=example,dc=org"`
	GroupsBaseDN string `mapstructure:"groups_base_dn" default:"ou=groups,dc=example,dc=org"`

	StartTLS           bool `mapstructure:"starttls"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// Load builds a Config from the given viper instance, applying defaults for
// keys the file, environment and flags leave unset. Keys are read explicitly
// so that an unset flag binding never clobbers a default.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}

	setString := func(dst *string, key string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	setString(&cfg.ServerURL, "ldap.server_url")
	setString(&cfg.Admin.BindDN, "ldap.admin.bind_dn")
	setString(&cfg.Admin.Password, "ldap.admin.password")
	setString(&cfg.ConfigAccess.DN, "ldap.config.dn")
	setString(&cfg.ConfigAccess.Password, "ldap.config.password")
	setString(&cfg.UsersBaseDN, "ldap.users_base_dn")
	setString(&cfg.GroupsBaseDN, "ldap.groups_base_dn")
	cfg.StartTLS = v.GetBool("ldap.starttls")
	cfg.InsecureSkipVerify = v.GetBool("ldap.insecure_skip_verify")

	return cfg, nil
}

// AdminConnection returns the session config for data operations.
func (c *Config) AdminConnection() (*ldap.ConnectionConfig, error) {
	conn, err := ldap.NewConnectionConfig()
	if err != nil {
		return nil, err
	}
	conn.URL = c.ServerURL
	conn.BindDN = c.Admin.BindDN
	conn.Password = c.Admin.Password
	conn.StartTLS = c.StartTLS
	conn.InsecureSkipVerify = c.InsecureSkipVerify
	return conn, nil
}

// ConfigConnection returns the session config for cn=config operations.
func (c *Config) ConfigConnection() (*ldap.ConnectionConfig, error) {
	conn, err := ldap.NewConnectionConfig()
	if err != nil {
		return nil, err
	}
	conn.URL = c.ServerURL
	conn.BindDN = c.ConfigAccess.DN
	conn.Password = c.ConfigAccess.Password
	conn.StartTLS = c.StartTLS
	conn.InsecureSkipVerify = c.InsecureSkipVerify
	return conn, nil
}
