package ldap

import (
	"slices"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// Entry is a normalized directory object: lower-cased DN and attribute
// names, values in server order.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// NewEntry normalizes a raw search result entry. Binary objectSid and
// objectGUID values are rendered in their canonical string forms.
func NewEntry(raw *ldap.Entry) *Entry {
	entry := &Entry{
		DN:         NormalizeDN(UnescapeHash(raw.DN)),
		Attributes: make(map[string][]string, len(raw.Attributes)),
	}

	for _, attr := range raw.Attributes {
		name := strings.ToLower(attr.Name)

		var values []string
		switch name {
		case "objectsid":
			values = decodeBinary(attr.ByteValues, attr.Values, decodeSID)
		case "objectguid":
			values = decodeBinary(attr.ByteValues, attr.Values, decodeGUID)
		default:
			values = slices.Clone(attr.Values)
		}

		entry.Attributes[name] = append(entry.Attributes[name], values...)
	}

	return entry
}

// Values returns all values of attr; the name is matched case-insensitively.
func (e *Entry) Values(attr string) []string {
	return e.Attributes[strings.ToLower(attr)]
}

// First returns the first value of attr, or "".
func (e *Entry) First(attr string) string {
	if values := e.Values(attr); len(values) > 0 {
		return values[0]
	}
	return ""
}

// Has reports whether attr is present with at least one value.
func (e *Entry) Has(attr string) bool {
	return len(e.Values(attr)) > 0
}

// HasObjectClass reports whether the entry carries any of the given classes.
func (e *Entry) HasObjectClass(classes ...string) bool {
	for _, oc := range e.Values("objectclass") {
		for _, want := range classes {
			if strings.EqualFold(oc, want) {
				return true
			}
		}
	}
	return false
}

func decodeBinary(raw [][]byte, text []string, decode func([]byte) (string, bool)) []string {
	values := make([]string, 0, len(raw))
	for i, b := range raw {
		if s, ok := decode(b); ok {
			values = append(values, s)
		} else if i < len(text) {
			values = append(values, text[i])
		}
	}
	return values
}

func decodeSID(b []byte) (string, bool) {
	// revision(1) + count(1) + authority(6), then 4 bytes per sub-authority
	if len(b) < 8 || len(b) != 8+4*int(b[1]) {
		return "", false
	}
	return objectsid.Decode(b).String(), true
}

// decodeGUID converts the mixed-endian layout Active Directory uses for
// objectGUID into the RFC 4122 byte order.
func decodeGUID(b []byte) (string, bool) {
	if len(b) != 16 {
		return "", false
	}

	var std [16]byte
	std[0], std[1], std[2], std[3] = b[3], b[2], b[1], b[0]
	std[4], std[5] = b[5], b[4]
	std[6], std[7] = b[7], b[6]
	copy(std[8:], b[8:])

	return uuid.UUID(std).String(), true
}
