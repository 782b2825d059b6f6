// Package ldaptest provides an in-memory directory server for tests. It
// understands the subset of LDAP the sync code uses: simple binds, base, one
// and subtree scopes, compiled search filters, the paged results control and
// size limits. memberOf values are derived from the member attribute of group
// entries unless an entry carries them explicitly.
package ldaptest

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Directory is an in-memory directory tree shared by every Conn dialed from it.
type Directory struct {
	mu sync.Mutex

	entries   []*record
	passwords map[string]string

	searchFailures []error
	dialFailures   map[string][]error

	pageRequests int
	searches     []*ldap.SearchRequest
	dials        []string
	binds        []string
}

type record struct {
	dn    string
	attrs map[string][]string
	order []string
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		passwords:    make(map[string]string),
		dialFailures: make(map[string][]error),
	}
}

// Add inserts or replaces an entry. Attribute names keep their case in
// results and are matched case-insensitively.
func (d *Directory) Add(dn string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := &record{dn: dn, attrs: make(map[string][]string, len(attrs))}
	for name, values := range attrs {
		rec.attrs[name] = slices.Clone(values)
		rec.order = append(rec.order, name)
	}
	slices.Sort(rec.order)

	key := normalize(dn)
	for i, existing := range d.entries {
		if normalize(existing.dn) == key {
			d.entries[i] = rec
			return
		}
	}
	d.entries = append(d.entries, rec)
}

// AddUser adds a user entry with the given password.
func (d *Directory) AddUser(dn, password string, attrs map[string][]string) {
	if _, ok := attrs["objectClass"]; !ok {
		attrs["objectClass"] = []string{"top", "person", "organizationalPerson", "user"}
	}
	d.Add(dn, attrs)
	if password != "" {
		d.SetPassword(dn, password)
	}
}

// AddGroup adds a group entry with the given member DNs.
func (d *Directory) AddGroup(dn, cn string, members ...string) {
	d.Add(dn, map[string][]string{
		"objectClass": {"top", "group"},
		"cn":          {cn},
		"member":      members,
	})
}

// Remove deletes an entry.
func (d *Directory) Remove(dn string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := normalize(dn)
	d.entries = slices.DeleteFunc(d.entries, func(r *record) bool {
		return normalize(r.dn) == key
	})
}

// SetAttribute replaces one attribute of an existing entry.
func (d *Directory) SetAttribute(dn, name string, values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := normalize(dn)
	for _, rec := range d.entries {
		if normalize(rec.dn) == key {
			if _, ok := rec.attrs[name]; !ok {
				rec.order = append(rec.order, name)
				slices.Sort(rec.order)
			}
			rec.attrs[name] = values
			return
		}
	}
}

// SetPassword sets the password accepted for binds as dn.
func (d *Directory) SetPassword(dn, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[normalize(dn)] = password
}

// FailNextSearch queues errors returned by the following searches, one per call.
func (d *Directory) FailNextSearch(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searchFailures = append(d.searchFailures, errs...)
}

// FailDial queues errors returned by the following dials of host.
func (d *Directory) FailDial(host string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialFailures[host] = append(d.dialFailures[host], errs...)
}

// PageRequests returns the number of search requests served, one per page.
func (d *Directory) PageRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pageRequests
}

// Searches returns every search request received.
func (d *Directory) Searches() []*ldap.SearchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.searches)
}

// Dials returns the hosts dialed, in order.
func (d *Directory) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.dials)
}

// Binds returns the DNs of successful binds, in order.
func (d *Directory) Binds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.binds)
}

// ResetCounters clears the request counters and logs.
func (d *Directory) ResetCounters() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pageRequests = 0
	d.searches = nil
	d.dials = nil
	d.binds = nil
}

// Dial opens a connection to host, failing with a queued dial error if any.
func (d *Directory) Dial(host string) (*Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials = append(d.dials, host)
	if queued := d.dialFailures[host]; len(queued) > 0 {
		err := queued[0]
		d.dialFailures[host] = queued[1:]
		return nil, err
	}
	return &Conn{dir: d, host: host}, nil
}

// Conn is one client connection to a Directory.
type Conn struct {
	dir    *Directory
	host   string
	mu     sync.Mutex
	closed bool
	bound  string
}

// Host returns the host the connection was dialed to.
func (c *Conn) Host() string { return c.host }

// BoundDN returns the DN of the last successful bind.
func (c *Conn) BoundDN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Bind performs a simple bind.
func (c *Conn) Bind(username, password string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if password == "" {
		return ldap.NewError(ldap.ErrorEmptyPassword, errors.New("ldap: empty password not allowed by the client"))
	}

	c.dir.mu.Lock()
	expected, ok := c.dir.passwords[normalize(username)]
	if ok && expected == password {
		c.dir.binds = append(c.dir.binds, username)
	}
	c.dir.mu.Unlock()

	if !ok || expected != password {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}

	c.mu.Lock()
	c.bound = username
	c.mu.Unlock()
	return nil
}

// UnauthenticatedBind resets the connection to anonymous.
func (c *Conn) UnauthenticatedBind(username string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.mu.Lock()
	c.bound = ""
	c.mu.Unlock()
	return nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection closed"))
	}
	return nil
}

// Search evaluates req against the directory.
func (c *Conn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.dir.search(req)
}

func (d *Directory) search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pageRequests++
	d.searches = append(d.searches, req)

	if len(d.searchFailures) > 0 {
		err := d.searchFailures[0]
		d.searchFailures = d.searchFailures[1:]
		return nil, err
	}

	filter, err := ldap.CompileFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	base := normalize(req.BaseDN)
	if !d.baseExists(base) {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", req.BaseDN))
	}

	var matched []*record
	for _, rec := range d.entries {
		if inScope(normalize(rec.dn), base, req.Scope) && d.matches(filter, rec) {
			matched = append(matched, rec)
		}
	}

	if req.SizeLimit > 0 && len(matched) > req.SizeLimit {
		return nil, ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("size limit exceeded"))
	}

	result := &ldap.SearchResult{}
	start, end := 0, len(matched)

	if paging, ok := ldap.FindControl(req.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
		if len(paging.Cookie) > 0 {
			offset, err := strconv.Atoi(string(paging.Cookie))
			if err != nil || offset > len(matched) {
				return nil, ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("invalid paging cookie"))
			}
			start = offset
		}

		response := ldap.NewControlPaging(paging.PagingSize)
		if paging.PagingSize > 0 && start+int(paging.PagingSize) < len(matched) {
			end = start + int(paging.PagingSize)
			response.SetCookie([]byte(strconv.Itoa(end)))
		}
		result.Controls = append(result.Controls, response)
	}

	for _, rec := range matched[start:end] {
		result.Entries = append(result.Entries, d.project(rec, req.Attributes))
	}

	return result, nil
}

func (d *Directory) baseExists(base string) bool {
	for _, rec := range d.entries {
		dn := normalize(rec.dn)
		if dn == base || strings.HasSuffix(dn, ","+base) {
			return true
		}
	}
	return false
}

func inScope(dn, base string, scope int) bool {
	switch scope {
	case ldap.ScopeBaseObject:
		return dn == base
	case ldap.ScopeSingleLevel:
		_, parent, ok := strings.Cut(dn, ",")
		return ok && parent == base
	default:
		return dn == base || strings.HasSuffix(dn, ","+base)
	}
}

func (d *Directory) project(rec *record, attributes []string) *ldap.Entry {
	all := len(attributes) == 0 || slices.Contains(attributes, "*")
	wanted := make(map[string]bool, len(attributes))
	for _, a := range attributes {
		wanted[strings.ToLower(a)] = true
	}

	entry := &ldap.Entry{DN: rec.dn}
	for _, name := range rec.order {
		if all || wanted[strings.ToLower(name)] {
			entry.Attributes = append(entry.Attributes, ldap.NewEntryAttribute(name, rec.attrs[name]))
		}
	}
	if (all || wanted["memberof"]) && !rec.has("memberof") {
		if memberOf := d.memberOf(rec); len(memberOf) > 0 {
			entry.Attributes = append(entry.Attributes, ldap.NewEntryAttribute("memberOf", memberOf))
		}
	}
	return entry
}

func (r *record) has(name string) bool {
	return len(r.values(name)) > 0
}

func (r *record) values(name string) []string {
	for key, values := range r.attrs {
		if strings.EqualFold(key, name) {
			return values
		}
	}
	return nil
}

func (d *Directory) memberOf(rec *record) []string {
	dn := normalize(rec.dn)
	var groups []string
	for _, group := range d.entries {
		for _, member := range group.values("member") {
			if normalize(member) == dn {
				groups = append(groups, group.dn)
				break
			}
		}
	}
	return groups
}

func (d *Directory) attributeValues(rec *record, name string) []string {
	switch strings.ToLower(name) {
	case "distinguishedname", "dn":
		return []string{rec.dn}
	case "memberof":
		if rec.has("memberof") {
			return rec.values("memberof")
		}
		return d.memberOf(rec)
	default:
		return rec.values(name)
	}
}

func (d *Directory) matches(filter *ber.Packet, rec *record) bool {
	switch filter.Tag {
	case ldap.FilterAnd:
		for _, child := range filter.Children {
			if !d.matches(child, rec) {
				return false
			}
		}
		return true
	case ldap.FilterOr:
		for _, child := range filter.Children {
			if d.matches(child, rec) {
				return true
			}
		}
		return false
	case ldap.FilterNot:
		return len(filter.Children) == 1 && !d.matches(filter.Children[0], rec)
	case ldap.FilterPresent:
		attr := packetString(filter)
		if strings.EqualFold(attr, "objectclass") {
			return true
		}
		return len(d.attributeValues(rec, attr)) > 0
	case ldap.FilterEqualityMatch, ldap.FilterApproxMatch:
		attr, want := packetString(filter.Children[0]), normalize(packetString(filter.Children[1]))
		for _, v := range d.attributeValues(rec, attr) {
			if normalize(v) == want {
				return true
			}
		}
		return false
	case ldap.FilterGreaterOrEqual, ldap.FilterLessOrEqual:
		attr, bound := packetString(filter.Children[0]), normalize(packetString(filter.Children[1]))
		for _, v := range d.attributeValues(rec, attr) {
			cmp := strings.Compare(normalize(v), bound)
			if (filter.Tag == ldap.FilterGreaterOrEqual && cmp >= 0) || (filter.Tag == ldap.FilterLessOrEqual && cmp <= 0) {
				return true
			}
		}
		return false
	case ldap.FilterSubstrings:
		attr := packetString(filter.Children[0])
		for _, v := range d.attributeValues(rec, attr) {
			if matchSubstrings(normalize(v), filter.Children[1].Children) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchSubstrings(value string, parts []*ber.Packet) bool {
	for _, part := range parts {
		s := normalize(packetString(part))
		switch part.Tag {
		case ldap.FilterSubstringsInitial:
			if !strings.HasPrefix(value, s) {
				return false
			}
			value = value[len(s):]
		case ldap.FilterSubstringsAny:
			idx := strings.Index(value, s)
			if idx < 0 {
				return false
			}
			value = value[idx+len(s):]
		case ldap.FilterSubstringsFinal:
			if !strings.HasSuffix(value, s) {
				return false
			}
		}
	}
	return true
}

func packetString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	return p.Data.String()
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), `\#`, "#")
}
