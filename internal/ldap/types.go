package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for a directory session.
//
// The reconciler assumes single-writer discipline: one session, one process,
// strictly sequential operation issuance. There is deliberately no pooling
// and no retrying here; a transient failure surfaces to the caller.
type ConnectionConfig struct {
	URL      string `default:"ldap://localhost:389"` // ldap:// or ldaps:// URL
	BindDN   string `default:"cn=admin,dc=example,dc=org"`
	Password string

	Timeout time.Duration `default:"30s"` // per-connection network timeout

	// StartTLS upgrades a plain ldap:// connection before binding.
	StartTLS bool
	// InsecureSkipVerify disables certificate validation for TLS connections.
	InsecureSkipVerify bool
}

// NewConnectionConfig returns a config with defaults applied.
func NewConnectionConfig() (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TLSConfig builds the tls.Config used for ldaps:// and StartTLS connections.
func (c *ConnectionConfig) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// Client provides the directory operations the reconciliation engine needs.
// Implementations issue every operation on a single underlying connection.
type Client interface {
	// Bind authenticates the session with the given DN and password.
	Bind(ctx context.Context, dn, password string) error

	// Basic operations
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	Add(ctx context.Context, req *AddRequest) error
	Modify(ctx context.Context, req *ModifyRequest) error
	Delete(ctx context.Context, dn string) error

	Close() error
}

// SearchRequest encapsulates directory search parameters.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
}

// SearchResult contains search results and metadata.
type SearchResult struct {
	Entries []*ldap.Entry
	Total   int
}

// AddRequest encapsulates directory add parameters.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
}

// ModifyRequest encapsulates directory modify parameters as attribute deltas.
// DeleteAttributes maps attribute name to the specific values to delete; an
// empty value slice deletes the whole attribute.
type ModifyRequest struct {
	DN                string
	AddAttributes     map[string][]string
	ReplaceAttributes map[string][]string
	DeleteAttributes  map[string][]string
}

// Empty reports whether the request carries no changes.
func (r *ModifyRequest) Empty() bool {
	return len(r.AddAttributes) == 0 && len(r.ReplaceAttributes) == 0 && len(r.DeleteAttributes) == 0
}

// SearchScope defines directory search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

// String returns the string representation of the search scope.
func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}
