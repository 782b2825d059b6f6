package ldap

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// DiscoveryCache persists the server found by the locator, keyed by
// connection id, so later cycles skip the DNS lookup.
type DiscoveryCache interface {
	LoadServer(connectionID string) (string, bool, error)
	StoreServer(connectionID, server string) error
	InvalidateServer(connectionID string) error
}

// Locator finds the nearest domain controller of a domain.
type Locator interface {
	LocateDC(ctx context.Context, domain string) (string, error)
}

// srvResolver is satisfied by *net.Resolver.
type srvResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRVDiscovery locates domain controllers through DNS SRV records.
type SRVDiscovery struct {
	resolver srvResolver
	timeout  time.Duration
}

// NewSRVDiscovery creates a locator using the system resolver.
func NewSRVDiscovery(timeout time.Duration) *SRVDiscovery {
	return &SRVDiscovery{
		resolver: net.DefaultResolver,
		timeout:  timeout,
	}
}

// LocateDC returns the preferred domain controller for domain.
// Lookup order:
// 1. _ldap._tcp.dc._msdcs.<domain> (AD domain controller locator)
// 2. _ldap._tcp.<domain> (generic LDAP service).
func (d *SRVDiscovery) LocateDC(ctx context.Context, domain string) (string, error) {
	if domain == "" {
		return "", fmt.Errorf("domain cannot be empty")
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	var lastErr error
	for _, service := range []string{"_ldap._tcp.dc._msdcs." + domain, "_ldap._tcp." + domain} {
		servers, err := d.lookupSRV(ctx, service)
		if err != nil {
			lastErr = err
			continue
		}

		sortServersByPriority(servers)
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Domain controller located", map[string]any{
			"domain":      domain,
			"service":     service,
			"server":      servers[0].Host,
			"candidates":  len(servers),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return servers[0].Host, nil
	}

	return "", fmt.Errorf("no domain controller found for %s: %w", domain, lastErr)
}

// lookupSRV performs SRV record lookup for a specific service.
func (d *SRVDiscovery) lookupSRV(ctx context.Context, service string) ([]*ServerInfo, error) {
	_, records, err := d.resolver.LookupSRV(ctx, "", "", service)
	if err != nil {
		tflog.SubsystemTrace(ctx, SubsystemLDAP, "SRV lookup failed", map[string]any{
			"service": service,
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("SRV lookup failed for %s: %w", service, err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for %s", service)
	}

	servers := make([]*ServerInfo, 0, len(records))
	for _, srv := range records {
		servers = append(servers, &ServerInfo{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
			Source:   "srv",
		})
	}

	return servers, nil
}

// sortServersByPriority sorts by priority ascending, then weight descending (RFC 2782).
func sortServersByPriority(servers []*ServerInfo) {
	sort.SliceStable(servers, func(i, j int) bool {
		if servers[i].Priority != servers[j].Priority {
			return servers[i].Priority < servers[j].Priority
		}
		return servers[i].Weight > servers[j].Weight
	})
}

// ServerInfoToURL converts ServerInfo to LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(server.Host, strconv.Itoa(server.Port)))
}

// ParseServerAddress turns a configured server ("host", "host:port",
// "ldap://host" or "ldaps://host:port") into ServerInfo. Values missing from
// the address are taken from cfg.
func ParseServerAddress(address string, cfg *ConnectionConfig) (*ServerInfo, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	server := &ServerInfo{
		UseTLS: cfg.UseTLS,
		Weight: 100,
		Source: "config",
	}

	switch {
	case strings.HasPrefix(address, "ldaps://"):
		server.UseTLS = true
		address = strings.TrimPrefix(address, "ldaps://")
	case strings.HasPrefix(address, "ldap://"):
		server.UseTLS = false
		address = strings.TrimPrefix(address, "ldap://")
	case strings.Contains(address, "://"):
		return nil, fmt.Errorf("unsupported scheme in %q, must be ldap:// or ldaps://", address)
	}

	address, _, _ = strings.Cut(address, "/")

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		// No port given
		server.Host = address
		if cfg.Port > 0 {
			server.Port = cfg.Port
		} else if server.UseTLS {
			server.Port = 636
		} else {
			server.Port = 389
		}
	} else {
		port, convErr := strconv.Atoi(portStr)
		if convErr != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		server.Host = host
		server.Port = port
	}

	if server.Host == "" {
		return nil, fmt.Errorf("server host cannot be empty")
	}

	return server, nil
}
