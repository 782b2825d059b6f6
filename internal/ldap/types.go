package ldap

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"
)

// DirectoryType identifies the directory server flavour a connection talks to.
type DirectoryType string

const (
	DirectoryActiveDirectory DirectoryType = "ad"
	DirectoryOpenLDAP        DirectoryType = "openldap"
	Directory389             DirectoryType = "389directoryserver"
)

// IsActiveDirectory reports whether group objects expose a filterable
// distinguishedName attribute and memberOf back-links.
func (d DirectoryType) IsActiveDirectory() bool {
	return d == DirectoryActiveDirectory
}

// Valid reports whether d is a known directory type.
func (d DirectoryType) Valid() bool {
	switch d {
	case DirectoryActiveDirectory, DirectoryOpenLDAP, Directory389:
		return true
	}
	return false
}

// ConnectionConfig holds the directory-facing settings of one connection.
// A handle built from a config is discarded when the config changes.
type ConnectionConfig struct {
	ID   string
	Type DirectoryType

	// Server selection
	Servers        []string // Primary server first, then failover servers
	DiscoverDomain string   // Locate the nearest domain controller instead of Servers
	Port           int      // 0 selects 389 or 636 depending on UseTLS

	// Timeouts and paging
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	PageSize        int
	RetryDelay      time.Duration // Pause before a search is restarted
	MaxRetries      int           // Network retries per search

	// Authentication settings
	BindDN         string // Empty means anonymous bind
	BindPassword   string
	KerberosRealm  string
	KerberosKeytab string
	KerberosConfig string
	KerberosCCache string
	KerberosSPN    string

	// TLS settings
	UseTLS    bool // ldaps://
	StartTLS  bool // upgrade a plain connection
	TLSConfig *tls.Config

	// Search bases
	UserBaseDN      string
	UserScope       SearchScope
	UserFilter      string
	GroupBaseDN     string
	GroupScope      SearchScope
	GroupFilter     string
	MemberAttribute string
}

// DefaultConfig returns the defaults used for fields a connection leaves unset.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Type:            DirectoryActiveDirectory,
		ConnectTimeout:  2 * time.Second,
		ResponseTimeout: 5 * time.Second,
		PageSize:        1000,
		RetryDelay:      500 * time.Millisecond,
		MaxRetries:      1,
		UserScope:       ScopeWholeSubtree,
		GroupScope:      ScopeWholeSubtree,
		MemberAttribute: "member",
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// DefaultPort returns the port used when none is configured.
func (c *ConnectionConfig) DefaultPort() int {
	if c.Port > 0 {
		return c.Port
	}
	if c.UseTLS {
		return 636
	}
	return 389
}

// UsesDiscovery reports whether servers are located through DNS.
func (c *ConnectionConfig) UsesDiscovery() bool {
	return c.DiscoverDomain != ""
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "cache", "fallback"
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

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

// ParseSearchScope accepts "base", "one" and "sub".
func ParseSearchScope(s string) (SearchScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base":
		return ScopeBaseObject, nil
	case "one", "onelevel":
		return ScopeSingleLevel, nil
	case "", "sub", "subtree":
		return ScopeWholeSubtree, nil
	default:
		return ScopeWholeSubtree, fmt.Errorf("unknown search scope %q", s)
	}
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodAnonymous AuthMethod = iota
	AuthMethodSimpleBind
	AuthMethodKerberos
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodAnonymous:
		return "anonymous"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	if c.KerberosRealm != "" && c.BindDN != "" {
		return AuthMethodKerberos
	}
	if c.BindDN != "" {
		return AuthMethodSimpleBind
	}
	return AuthMethodAnonymous
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
