package ldap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Searcher runs paged searches and returns normalized entries.
type Searcher interface {
	Search(ctx context.Context, req *SearchRequest, implicitConnect bool) ([]*Entry, error)
}

// SearchStats holds diagnostic counters for one sync cycle.
type SearchStats struct {
	Searches int           // Search calls
	Queries  int           // Page requests sent to the server
	Retries  int           // Searches restarted after a network error
	Elapsed  time.Duration // Time spent inside Search
}

// SearchClient issues paged searches over a Connection. It is not safe for
// concurrent searches on the same connection; the counters are.
type SearchClient struct {
	conn *Connection

	mu    sync.Mutex
	stats SearchStats

	sleep func(ctx context.Context, d time.Duration) error
}

// NewSearchClient creates a search client on conn.
func NewSearchClient(conn *Connection) *SearchClient {
	return &SearchClient{
		conn:  conn,
		sleep: sleepContext,
	}
}

// Connection returns the underlying connection.
func (s *SearchClient) Connection() *Connection {
	return s.conn
}

// Stats returns a copy of the counters.
func (s *SearchClient) Stats() SearchStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats zeroes the counters; called when a sync cycle starts.
func (s *SearchClient) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = SearchStats{}
}

// Search retrieves every page of req. Network-class failures tear the handle
// down and restart the whole search from the first page after the configured
// retry delay, at most MaxRetries times and only when implicitConnect is set.
// Semantic failures are returned at once with base, filter or limit attached.
func (s *SearchClient) Search(ctx context.Context, req *SearchRequest, implicitConnect bool) ([]*Entry, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	start := time.Now()
	defer func() {
		s.mu.Lock()
		s.stats.Searches++
		s.stats.Elapsed += time.Since(start)
		s.mu.Unlock()
	}()

	cfg := s.conn.Config()
	fields := map[string]any{
		"base_dn": req.BaseDN,
		"filter":  req.Filter,
		"scope":   req.Scope.String(),
	}

	for attempt := 0; ; attempt++ {
		entries, err := s.searchPages(ctx, cfg, req, implicitConnect)
		if err == nil {
			LogPerformance(ctx, SubsystemLDAP, "search", time.Since(start), map[string]any{
				"base_dn":       req.BaseDN,
				"filter":        req.Filter,
				"entries_found": len(entries),
			})
			return entries, nil
		}

		if !implicitConnect || attempt >= cfg.MaxRetries || IsConfigurationError(err) || !IsRetryableError(err) {
			LogLDAPError(ctx, "search", err, fields)
			return nil, newSearchError(req, err)
		}

		tflog.SubsystemWarn(ctx, SubsystemLDAP, "Search failed with a network error, reconnecting", map[string]any{
			"base_dn":  req.BaseDN,
			"filter":   req.Filter,
			"attempt":  attempt + 1,
			"delay_ms": cfg.RetryDelay.Milliseconds(),
			"error":    err.Error(),
		})

		_ = s.conn.Disconnect()
		s.mu.Lock()
		s.stats.Retries++
		s.mu.Unlock()

		if err := s.sleep(ctx, cfg.RetryDelay); err != nil {
			return nil, err
		}
	}
}

func (s *SearchClient) searchPages(ctx context.Context, cfg *ConnectionConfig, req *SearchRequest, implicitConnect bool) ([]*Entry, error) {
	conn, err := s.conn.Handle(ctx, implicitConnect)
	if err != nil {
		return nil, err
	}

	filter := req.Filter
	if filter == "" {
		filter = "(objectclass=*)"
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	pagingControl := ldap.NewControlPaging(uint32(pageSize))

	var entries []*Entry
	pageNum := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageNum++
		ldapReq := ldap.NewSearchRequest(
			EscapeHash(req.BaseDN),
			int(req.Scope),
			ldap.NeverDerefAliases,
			req.SizeLimit,
			int(cfg.ResponseTimeout.Seconds()),
			false,
			filter,
			req.Attributes,
			[]ldap.Control{pagingControl},
		)

		s.mu.Lock()
		s.stats.Queries++
		s.mu.Unlock()

		result, err := conn.Search(ldapReq)
		if err != nil {
			return nil, err
		}

		for _, raw := range result.Entries {
			entries = append(entries, NewEntry(raw))
		}

		tflog.SubsystemTrace(ctx, SubsystemLDAP, "Completed search page", map[string]any{
			"page_number":     pageNum,
			"entries_in_page": len(result.Entries),
			"total_entries":   len(entries),
		})

		responseControl, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(responseControl.Cookie) == 0 {
			break
		}
		pagingControl.SetCookie(responseControl.Cookie)
	}

	return entries, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
