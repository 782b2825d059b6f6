package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// NormalizeDN returns the comparison form of a DN: trimmed and lower-cased.
func NormalizeDN(dn string) string {
	return strings.ToLower(strings.TrimSpace(dn))
}

// EscapeHash escapes "#" characters in a DN. Active Directory accepts a
// literal "#" inside RDN values but rejects it unescaped in a search base.
// Already escaped occurrences are left alone.
func EscapeHash(dn string) string {
	if !strings.Contains(dn, "#") {
		return dn
	}

	var b strings.Builder
	b.Grow(len(dn) + 4)
	for i := 0; i < len(dn); i++ {
		if dn[i] == '#' && (i == 0 || dn[i-1] != '\\') {
			b.WriteByte('\\')
		}
		b.WriteByte(dn[i])
	}
	return b.String()
}

// UnescapeHash is the inverse of EscapeHash.
func UnescapeHash(dn string) string {
	return strings.ReplaceAll(dn, `\#`, "#")
}

// CommonBaseDN returns the narrowest DN that is an ancestor (or equal) of both
// the user base and the group base, comparing RDNs from the end.
func CommonBaseDN(userBaseDN, groupBaseDN string) (string, error) {
	noCommon := NewConfigurationError("group_dn",
		fmt.Sprintf("Unable to synchronize nested groups (Found no common base DN for user base DN %q and group base DN %q)",
			userBaseDN, groupBaseDN), nil)

	if strings.TrimSpace(userBaseDN) == "" || strings.TrimSpace(groupBaseDN) == "" {
		return "", noCommon
	}

	userDN, err := ldap.ParseDN(userBaseDN)
	if err != nil {
		return "", NewConfigurationError("user_dn", "invalid DN syntax", err)
	}
	groupDN, err := ldap.ParseDN(groupBaseDN)
	if err != nil {
		return "", NewConfigurationError("group_dn", "invalid DN syntax", err)
	}

	common := min(len(userDN.RDNs), len(groupDN.RDNs))
	userTail := userDN.RDNs[len(userDN.RDNs)-common:]
	groupTail := groupDN.RDNs[len(groupDN.RDNs)-common:]

	for i := range common {
		candidate := &ldap.DN{RDNs: userTail[i:]}
		if candidate.EqualFold(&ldap.DN{RDNs: groupTail[i:]}) {
			return candidate.String(), nil
		}
	}

	return "", noCommon
}

// ExtractRDNValue extracts the value of the first RDN component with the specified attribute type.
// For example, extracting "CN" from "CN=John Doe,OU=Users,DC=example,DC=com" returns "John Doe".
func ExtractRDNValue(dn, attrType string) (string, error) {
	if dn == "" {
		return "", fmt.Errorf("DN cannot be empty")
	}

	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	for _, rdn := range parsedDN.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, attrType) {
				return attr.Value, nil
			}
		}
	}

	return "", fmt.Errorf("attribute type '%s' not found in DN '%s'", attrType, dn)
}

// ReplaceMacros substitutes $NAME$ placeholders in a DN or filter template.
func ReplaceMacros(tmpl string, macros map[string]string) string {
	if len(macros) == 0 || !strings.Contains(tmpl, "$") {
		return tmpl
	}
	for name, value := range macros {
		tmpl = strings.ReplaceAll(tmpl, "$"+name+"$", value)
	}
	return tmpl
}
