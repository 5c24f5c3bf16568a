package gate

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/asaskevich/govalidator"
)

// MaxListNameBytes is the longest accepted list name, in UTF-8 bytes.
const MaxListNameBytes = 255

// MaxURLBytes is the longest accepted candidate URL.
const MaxURLBytes = 2048

// ValidateListName enforces the list name rules: non-empty, at most 255
// bytes, and free of NUL, '/', '\' and '.'. The name doubles as a file name
// in every store, and the record store refuses '\', so this must run before
// any lookup keyed by it.
func ValidateListName(name string) error {
	if name == "" || len(name) > MaxListNameBytes {
		return ErrBadListName
	}
	if strings.ContainsAny(name, "\x00/\\.") {
		return ErrBadListName
	}
	return nil
}

// ValidateURL accepts absolute http and https URLs with a host, no
// whitespace or control characters, at most MaxURLBytes long, that
// govalidator also considers a URL.
func ValidateURL(raw string) error {
	if raw == "" || len(raw) > MaxURLBytes {
		return ErrInvalidURL
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidURL
		}
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return ErrInvalidURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrInvalidURL
	}
	if u.Hostname() == "" || u.Opaque != "" {
		return ErrInvalidURL
	}
	if !govalidator.IsURL(raw) {
		return ErrInvalidURL
	}
	return nil
}
