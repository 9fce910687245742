// Package reconcile synchronizes a declarative desired set of users and
// groups against the directory's actual state with minimal, safe mutations.
// Entities are mutually independent; a failure on one never halts the rest.
package reconcile

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/helxplatform/ldapsync/internal/ldap"
)

// User object classes: inetOrgPerson for the identity attributes plus the
// kubernetesSC auxiliary class carrying the pod security context attributes.
var userObjectClasses = []string{"inetOrgPerson", "organizationalPerson", "person", "kubernetesSC", "top"}

// Group entries are groupOfNames, whose member attribute holds member DNs.
var groupObjectClasses = []string{"groupOfNames", "top"}

// UserRecord is one line item of desired state. Records are parsed fresh
// from input each run and never persist between runs.
type UserRecord struct {
	UID string `yaml:"uid"` // unique identifying key

	CN              string `yaml:"cn"`
	SN              string `yaml:"sn"`
	Email           string `yaml:"email"`
	TelephoneNumber string `yaml:"telephoneNumber"`
	Organization    string `yaml:"o"`
	OrgUnit         string `yaml:"ou"`
	GivenName       string `yaml:"givenName"`
	DisplayName     string `yaml:"displayName"`

	// Pod security context attributes (kubernetesSC object class).
	RunAsUser          *int  `yaml:"runAsUser"`
	RunAsGroup         *int  `yaml:"runAsGroup"`
	FSGroup            *int  `yaml:"fsGroup"`
	SupplementalGroups []int `yaml:"supplementalGroups"`

	// Desired group memberships, by group name (cn).
	Groups []string `yaml:"groups"`
}

// ValidationError marks a malformed desired-state record. It is scoped to
// the entity: the run records it and continues with the remaining entities.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record %q: %s", e.Key, e.Reason)
}

// Validate checks the record for the attributes the directory schema
// requires.
func (u *UserRecord) Validate() error {
	switch {
	case u.UID == "":
		return &ValidationError{Key: u.UID, Reason: "uid is required"}
	case u.CN == "":
		return &ValidationError{Key: u.UID, Reason: "cn is required"}
	case u.SN == "":
		return &ValidationError{Key: u.UID, Reason: "sn is required"}
	case u.RunAsUser == nil:
		return &ValidationError{Key: u.UID, Reason: "runAsUser is required"}
	case u.RunAsGroup == nil:
		return &ValidationError{Key: u.UID, Reason: "runAsGroup is required"}
	case u.FSGroup == nil:
		return &ValidationError{Key: u.UID, Reason: "fsGroup is required"}
	}
	for _, g := range u.Groups {
		if g == "" {
			return &ValidationError{Key: u.UID, Reason: "group name cannot be empty"}
		}
	}
	return nil
}

// DN derives the record's target DN below the configured user base.
func (u *UserRecord) DN(usersBaseDN string) string {
	return "uid=" + ldap.EscapeDNValue(u.UID) + "," + usersBaseDN
}

// DesiredAttributes maps the record onto the directory attribute schema.
// Optional attributes without a value are omitted entirely rather than
// written as empty strings, which the directory would reject.
func (u *UserRecord) DesiredAttributes() map[string][]string {
	attrs := map[string][]string{
		"objectClass": append([]string(nil), userObjectClasses...),
		"uid":         {u.UID},
		"cn":          {u.CN},
		"sn":          {u.SN},
		"runAsUser":   {strconv.Itoa(*u.RunAsUser)},
		"runAsGroup":  {strconv.Itoa(*u.RunAsGroup)},
		"fsGroup":     {strconv.Itoa(*u.FSGroup)},
	}

	optional := map[string]string{
		"mail":            u.Email,
		"telephoneNumber": u.TelephoneNumber,
		"o":               u.Organization,
		"ou":              u.OrgUnit,
		"givenName":       u.GivenName,
		"displayName":     u.DisplayName,
	}
	for name, value := range optional {
		if value != "" {
			attrs[name] = []string{value}
		}
	}

	if len(u.SupplementalGroups) > 0 {
		values := make([]string, len(u.SupplementalGroups))
		for i, g := range u.SupplementalGroups {
			values[i] = strconv.Itoa(g)
		}
		attrs["supplementalGroups"] = values
	}

	return attrs
}

type userFile struct {
	Users []UserRecord `yaml:"users"`
}

// LoadUsers parses a desired-state file: an ordered sequence of user records
// under a top-level "users" key.
func LoadUsers(path string) ([]UserRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading desired state: %w", err)
	}

	var f userFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing desired state %s: %w", path, err)
	}
	return f.Users, nil
}
