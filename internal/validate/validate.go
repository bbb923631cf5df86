// Package validate checks proxy endpoint input before it is persisted or applied.
package validate

import (
	"strings"

	"github.com/netwraith/netwraith/internal/tunnel"
)

const maxHostLength = 253

// IsValidHost reports whether s is an IPv4 dotted quad or a hostname made of
// letters, digits, '-' and '.', at most 253 characters long and not starting
// or ending with '-' or '.'. Four dot-separated numbers must form a valid
// quad; "256.1.1.1" is not accepted as a hostname.
func IsValidHost(s string) bool {
	if s == "" || len(s) > maxHostLength {
		return false
	}
	if isNumericQuad(s) {
		return isDottedQuad(s)
	}
	return isHostname(s)
}

// IsValidPort reports whether p is a usable TCP port.
func IsValidPort(p int) bool {
	return p >= 1 && p <= 65535
}

// Configuration validates both halves of cfg and returns a validation error
// carrying the user-facing message for the first failing field.
func Configuration(cfg tunnel.Configuration) error {
	if !IsValidHost(cfg.Host) {
		return tunnel.NewError(tunnel.KindValidation, "", tunnel.ErrInvalidHost)
	}
	if !IsValidPort(int(cfg.Port)) {
		return tunnel.NewError(tunnel.KindValidation, "", tunnel.ErrPortOutRange)
	}
	return nil
}

func isDottedQuad(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if !isOctet(p) {
			return false
		}
	}
	return true
}

// isNumericQuad reports whether s has four dot-separated runs of digits.
func isNumericQuad(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.Trim(p, "0123456789") != "" {
			return false
		}
	}
	return true
}

func isOctet(s string) bool {
	if s == "" || len(s) > 3 {
		return false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n <= 255
}

func isHostname(s string) bool {
	switch s[0] {
	case '-', '.':
		return false
	}
	switch s[len(s)-1] {
	case '-', '.':
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}
