package connector

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/Checkmk/checkmk-sub025/internal/config"
)

const maxUserIDLength = 255

var (
	validUserID = regexp.MustCompile(`^[\p{L}\p{N}_$][-@.+\p{L}\p{N}_$]*$`)

	umlauts = strings.NewReplacer(
		"ü", "ue", "ö", "oe", "ä", "ae", "ß", "ss",
		"Ü", "UE", "Ö", "OE", "Ä", "AE",
		"å", "aa", "Å", "Aa", "Ø", "Oe", "ø", "oe", "Æ", "Ae", "æ", "ae",
	)

	lower = cases.Lower(language.Und)
)

// SanitizeUserID applies the id policy of cfg to a raw directory id and
// validates the result.
func SanitizeUserID(cfg *config.Connection, raw string) (string, error) {
	id := norm.NFC.String(strings.TrimSpace(raw))
	if cfg.LowerUserIDs {
		id = lower.String(id)
	}
	if cfg.UserIDUmlauts == "replace" {
		id = umlauts.Replace(id)
	}

	switch {
	case id == "":
		return "", fmt.Errorf("empty user id for directory value %q", raw)
	case len(id) > maxUserIDLength:
		return "", fmt.Errorf("user id %q is longer than %d bytes", id, maxUserIDLength)
	case !validUserID.MatchString(id):
		return "", fmt.Errorf("invalid user id %q", id)
	}
	return id, nil
}
