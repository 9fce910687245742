package ldap

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// session implements Client over a single directory connection.
type session struct {
	conn   *ldap.Conn
	config *ConnectionConfig
	log    *zap.Logger
}

// Dial opens a directory session and authenticates it with the configured
// bind DN and password. A bind or network failure is fatal to the caller.
func Dial(ctx context.Context, config *ConnectionConfig, log *zap.Logger) (Client, error) {
	if config == nil {
		var err error
		if config, err = NewConnectionConfig(); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = zap.NewNop()
	}

	start := time.Now()
	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: config.Timeout}),
	}
	if strings.HasPrefix(config.URL, "ldaps://") {
		opts = append(opts, ldap.DialWithTLSConfig(config.TLSConfig()))
	}

	conn, err := ldap.DialURL(config.URL, opts...)
	if err != nil {
		return nil, WrapError("dial", err)
	}
	conn.SetTimeout(config.Timeout)

	if config.StartTLS && !strings.HasPrefix(config.URL, "ldaps://") {
		if err := conn.StartTLS(config.TLSConfig()); err != nil {
			conn.Close()
			return nil, WrapError("starttls", err)
		}
	}

	s := &session{conn: conn, config: config, log: log}
	if err := s.Bind(ctx, config.BindDN, config.Password); err != nil {
		conn.Close()
		return nil, err
	}

	log.Debug("directory session established",
		zap.String("url", config.URL),
		zap.String("bind_dn", config.BindDN),
		zap.Duration("elapsed", time.Since(start)))

	return s, nil
}

// Bind authenticates with the directory server.
func (s *session) Bind(ctx context.Context, dn, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dn == "" {
		return fmt.Errorf("bind DN cannot be empty")
	}
	if err := s.conn.Bind(dn, password); err != nil {
		return WrapError("bind", err)
	}
	return nil
}

// Search performs a directory search.
func (s *session) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false, // TypesOnly
		req.Filter,
		req.Attributes,
		nil, // Controls
	)

	result, err := s.conn.Search(ldapReq)
	if err != nil {
		// A base-scope search for a missing DN is a routine existence probe,
		// so surface it as a typed not-found error rather than logging noise.
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, WrapError("search", err)
		}
		s.log.Error("search failed",
			zap.String("base_dn", req.BaseDN),
			zap.String("filter", req.Filter),
			zap.Error(err))
		return nil, WrapError("search", err)
	}

	s.log.Debug("search completed",
		zap.String("base_dn", req.BaseDN),
		zap.String("scope", req.Scope.String()),
		zap.String("filter", req.Filter),
		zap.Int("entries", len(result.Entries)),
		zap.Duration("elapsed", time.Since(start)))

	return &SearchResult{Entries: result.Entries, Total: len(result.Entries)}, nil
}

// Add creates a new directory entry.
func (s *session) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ldapReq := ldap.NewAddRequest(req.DN, nil)
	for attr, values := range req.Attributes {
		ldapReq.Attribute(attr, values)
	}

	if err := s.conn.Add(ldapReq); err != nil {
		return WrapErrorDN("add", req.DN, err)
	}
	s.log.Debug("entry added", zap.String("dn", req.DN))
	return nil
}

// Modify applies attribute deltas to an existing directory entry.
func (s *session) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Empty() {
		return nil
	}

	ldapReq := ldap.NewModifyRequest(req.DN, nil)
	for attr, values := range req.AddAttributes {
		ldapReq.Add(attr, values)
	}
	for attr, values := range req.ReplaceAttributes {
		ldapReq.Replace(attr, values)
	}
	for attr, values := range req.DeleteAttributes {
		ldapReq.Delete(attr, values)
	}

	if err := s.conn.Modify(ldapReq); err != nil {
		return WrapErrorDN("modify", req.DN, err)
	}
	s.log.Debug("entry modified", zap.String("dn", req.DN))
	return nil
}

// Delete removes a directory entry.
func (s *session) Delete(ctx context.Context, dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return WrapErrorDN("delete", dn, err)
	}
	s.log.Debug("entry deleted", zap.String("dn", dn))
	return nil
}

// Close terminates the directory session.
func (s *session) Close() error {
	return s.conn.Close()
}
